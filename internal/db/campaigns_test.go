package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/tradecore/internal/campaign"
	"github.com/quantforge/tradecore/internal/vre"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testCampaignRow() *campaign.Campaign {
	now := time.Now().UTC()
	return &campaign.Campaign{
		ID:             "6f1f4b1a-9a4e-4c47-9a2e-0a4c1a2b3c4d",
		Portfolio:      "port-1",
		Profile:        vre.ProfileModerate,
		StartDate:      now,
		EndDate:        now.AddDate(0, 1, 0),
		InitialCapital: d("10000"),
		Status:         campaign.StatusActive,
		Risk:           campaign.DefaultRiskConfig(),
		Selection:      campaign.SelectionConfig{Symbols: []string{"BTC/USD"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSaveCampaignUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock, zerolog.Nop())
	c := testCampaignRow()

	mock.ExpectExec("INSERT INTO campaigns").
		WithArgs(c.ID, c.Portfolio, "M", c.StartDate, c.EndDate,
			c.InitialCapital, "active", pgxmock.AnyArg(), pgxmock.AnyArg(),
			c.CreatedAt, c.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveCampaign(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRiskStateUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock, zerolog.Nop())
	now := time.Now().UTC()
	rs := &campaign.RiskState{
		CampaignID:       "camp-1",
		CurrentEquity:    d("9800"),
		HighWatermark:    d("10100"),
		DailyPnL:         d("-200"),
		DailyLossPct:     d("0.0198"),
		CurrentDDPct:     d("0.0297"),
		LossInRByPair:    map[string]decimal.Decimal{"BTC/USD": d("1.5")},
		TradesToday:      3,
		TradableSet:      []string{"BTC/USD"},
		LastRebalanceTS:  now,
		LastDailyResetTS: now,
		UpdatedAt:        now,
	}

	mock.ExpectExec("INSERT INTO campaign_risk_states").
		WithArgs(rs.CampaignID, rs.CurrentEquity, rs.HighWatermark, rs.DailyPnL,
			rs.DailyLossPct, rs.CurrentDDPct, pgxmock.AnyArg(), rs.TradesToday,
			pgxmock.AnyArg(), rs.LastRebalanceTS, rs.LastDailyResetTS,
			rs.LastAuditTS, rs.ManualReconcile, rs.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveRiskState(context.Background(), rs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePositionUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock, zerolog.Nop())
	now := time.Now().UTC()
	p := &campaign.Position{
		ID:         "pos-1",
		CampaignID: "camp-1",
		Symbol:     "BTC/USD",
		Side:       "long",
		Quantity:   d("0.1"),
		EntryPrice: d("50250"),
		StopLoss:   d("50150"),
		TakeProfit: d("50500"),
		ATRAtEntry: d("100"),
		RiskAmount: d("10"),
		State:      campaign.PositionOpen,
		OCOGroupID: "oco-1",
		SLOrderID:  "sl-1",
		TPOrderID:  "tp-1",
		OpenedAt:   now,
	}

	mock.ExpectExec("INSERT INTO campaign_positions").
		WithArgs(p.ID, p.CampaignID, p.Symbol, "long", p.Quantity, p.EntryPrice,
			p.StopLoss, p.TakeProfit, p.ATRAtEntry, p.RiskAmount, "open",
			p.CloseReason, p.ExitPrice, p.RealizedPnL, p.SlippageBps,
			p.OCOGroupID, p.SLOrderID, p.TPOrderID, p.OpenedAt, p.ClosedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SavePosition(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOrderNullsEmptyOptionals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock, zerolog.Nop())
	now := time.Now().UTC()
	o := &campaign.OrderRecord{
		InternalID: "ord-1",
		CampaignID: "camp-1",
		Symbol:     "BTC/USD",
		Side:       "buy",
		Type:       "market",
		Quantity:   d("0.1"),
		Status:     "filled",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	mock.ExpectExec("INSERT INTO campaign_orders").
		WithArgs(o.InternalID, o.CampaignID, nil, nil,
			o.Symbol, "buy", "market", o.Quantity, o.Price, o.StopPrice,
			"filled", nil, o.CreatedAt, o.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SaveOrder(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatusRoundTrips(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock, zerolog.Nop())
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "portfolio_id", "investor_profile", "start_date", "end_date",
		"initial_capital", "status", "risk_config", "selection_config",
		"created_at", "updated_at",
	}).AddRow(
		"camp-1", "port-1", "A", now, now.AddDate(0, 1, 0),
		d("10000"), "active",
		[]byte(`{"max_drawdown_threshold":"0.1","risk_per_trade_bps":50,"max_open_positions":5,"max_pyramid_layers":2}`),
		[]byte(`{"symbols":["BTC/USD"],"cluster_by_symbol":null,"min_quote_volume":"0","max_universe":0}`),
		now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE status").
		WithArgs("active").
		WillReturnRows(rows)

	out, err := repo.ListByStatus(context.Background(), campaign.StatusActive)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, vre.ProfileAggressive, out[0].Profile)
	assert.Equal(t, []string{"BTC/USD"}, out[0].Selection.Symbols)
	assert.Equal(t, int64(50), out[0].Risk.RiskPerTradeBps)
	assert.NoError(t, mock.ExpectationsWereMet())
}
