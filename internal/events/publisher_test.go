package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectEmptyURLDisablesPublishing(t *testing.T) {
	p, err := Connect("", "tradecore.", zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	// Every method must be callable on the disabled publisher
	p.Publish(SubjectSignals, map[string]string{"symbol": "BTC/USD"})
	p.Close()
}
