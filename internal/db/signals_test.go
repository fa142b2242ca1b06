package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/tradecore/internal/signal"
)

func TestSaveSignalUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepo(mock, zerolog.Nop())
	now := time.Now().UTC()
	s := &signal.Signal{
		ID:             "sig-1",
		Portfolio:      "port-1",
		Symbol:         "BTC/USD",
		Side:           signal.SideLong,
		Price:          d("50250"),
		EMA12:          d("50020"),
		EMA36:          d("49900"),
		ATR:            d("100"),
		TP1:            d("50400"),
		TP2:            d("50500"),
		SL:             d("50150"),
		Size:           d("0.5"),
		ConfigSnapshot: signal.DefaultConfig("port-1", "BTC/USD"),
		RiskBpsUsed:    50,
		BreakerState:   "ok",
		Status:         signal.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("INSERT INTO signals").
		WithArgs(s.ID, s.Portfolio, s.Symbol, "long", s.Price, s.EMA12, s.EMA36, s.ATR,
			s.TP1, s.TP2, s.SL, s.Size, pgxmock.AnyArg(), s.RiskBpsUsed,
			s.BreakerState, "pending", s.CreatedAt, s.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveSignal(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSignalStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepo(mock, zerolog.Nop())

	mock.ExpectExec("UPDATE signals SET status").
		WithArgs("sig-1", "cancelled", "staleness").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateSignalStatus(context.Background(), "sig-1", signal.StatusCancelled, "staleness"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
