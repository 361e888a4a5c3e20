package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64p(f float64) *float64 { return &f }

func longTrade() *Trade {
	return &Trade{
		ID:         "trade-1",
		TenantID:   "tenant-a",
		Ticker:     "AAPL",
		OptionType: Call,
		Strike:     150,
		Expiry:     time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Direction:  Long,
		EntryPrice: 4.20,
		Quantity:   1,
		StopLoss:   f64p(3.15),
		TakeProfit: f64p(6.30),
		Status:     StatusOpen,
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to TradeStatus }{
		{StatusPending, StatusOpen},
		{StatusPending, StatusCanceled},
		{StatusOpen, StatusPartiallyFilled},
		{StatusOpen, StatusClosing},
		{StatusOpen, StatusExpired},
		{StatusOpen, StatusCanceled},
		{StatusPartiallyFilled, StatusClosing},
		{StatusPartiallyFilled, StatusExpired},
		{StatusPartiallyFilled, StatusCanceled},
		{StatusClosing, StatusClosed},
		{StatusClosing, StatusCanceled},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e.from, e.to), "%s -> %s should be legal", e.from, e.to)
	}

	illegal := []struct{ from, to TradeStatus }{
		{StatusPending, StatusClosing},
		{StatusPending, StatusPartiallyFilled},
		{StatusPending, StatusExpired},
		{StatusClosing, StatusOpen},
		{StatusClosing, StatusExpired},
		{StatusClosed, StatusOpen},
		{StatusClosed, StatusCanceled},
		{StatusExpired, StatusClosed},
		{StatusCanceled, StatusOpen},
		{StatusOpen, StatusClosed},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e.from, e.to), "%s -> %s should be illegal", e.from, e.to)
	}
}

func TestTradeStatus_IsTerminal(t *testing.T) {
	for _, s := range []TradeStatus{StatusClosed, StatusExpired, StatusCanceled} {
		assert.True(t, s.IsTerminal())
	}
	for _, s := range []TradeStatus{StatusPending, StatusOpen, StatusPartiallyFilled, StatusClosing} {
		assert.False(t, s.IsTerminal())
	}
}

func TestTrade_PnLAt(t *testing.T) {
	trade := longTrade()
	assert.InDelta(t, -108.00, trade.PnLAt(3.12), 1e-9, "loss on a long exit below entry")
	assert.InDelta(t, 210.00, trade.PnLAt(6.30), 1e-9)

	trade.Quantity = 3
	assert.InDelta(t, -324.00, trade.PnLAt(3.12), 1e-9)

	short := longTrade()
	short.Direction = Short
	assert.InDelta(t, 108.00, short.PnLAt(3.12), 1e-9, "a short gains when the premium falls")
	assert.InDelta(t, -210.00, short.PnLAt(6.30), 1e-9)
}

func TestTrade_ExitTriggers(t *testing.T) {
	trade := longTrade()
	assert.True(t, trade.HitStopLoss(3.10))
	assert.True(t, trade.HitStopLoss(3.15), "touching the level counts")
	assert.False(t, trade.HitStopLoss(3.16))
	assert.True(t, trade.HitTakeProfit(6.30))
	assert.True(t, trade.HitTakeProfit(7.00))
	assert.False(t, trade.HitTakeProfit(6.29))

	// Short positions mirror: stop above, target below.
	short := longTrade()
	short.Direction = Short
	short.StopLoss = f64p(5.00)
	short.TakeProfit = f64p(2.00)
	assert.True(t, short.HitStopLoss(5.00))
	assert.False(t, short.HitStopLoss(4.99))
	assert.True(t, short.HitTakeProfit(2.00))
	assert.False(t, short.HitTakeProfit(2.01))

	// Unset levels never fire.
	bare := longTrade()
	bare.StopLoss = nil
	bare.TakeProfit = nil
	assert.False(t, bare.HitStopLoss(0.01))
	assert.False(t, bare.HitTakeProfit(99))
}

func TestTrade_IsExpired(t *testing.T) {
	trade := longTrade()
	expiry := trade.Expiry

	assert.False(t, trade.IsExpired(expiry.Add(12*time.Hour)), "live through the end of expiry day")
	assert.False(t, trade.IsExpired(expiry.Add(-24*time.Hour)))
	assert.True(t, trade.IsExpired(expiry.Add(24*time.Hour)))

	trade.Expiry = time.Time{}
	assert.False(t, trade.IsExpired(time.Now()), "zero expiry never expires")
}

func TestOCCSymbol(t *testing.T) {
	expiry := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "AAPL250117C00150000", OCCSymbol("aapl", Call, 150, expiry))
	assert.Equal(t, "SPY250117P00412500", OCCSymbol("SPY", Put, 412.5, expiry))

	trade := longTrade()
	assert.Equal(t, "AAPL260918C00150000", trade.OCCSymbol())
}

func TestTrade_Notional(t *testing.T) {
	trade := longTrade()
	trade.Quantity = 2
	assert.InDelta(t, 840.00, trade.Notional(), 1e-9)
}

func TestTrade_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Trade)
		wantErr bool
	}{
		{"valid", func(tr *Trade) {}, false},
		{"valid without levels", func(tr *Trade) { tr.StopLoss = nil; tr.TakeProfit = nil }, false},
		{"missing tenant", func(tr *Trade) { tr.TenantID = "" }, true},
		{"missing ticker", func(tr *Trade) { tr.Ticker = "" }, true},
		{"bad option type", func(tr *Trade) { tr.OptionType = "SPREAD" }, true},
		{"zero strike", func(tr *Trade) { tr.Strike = 0 }, true},
		{"zero expiry", func(tr *Trade) { tr.Expiry = time.Time{} }, true},
		{"bad direction", func(tr *Trade) { tr.Direction = "SIDEWAYS" }, true},
		{"zero entry", func(tr *Trade) { tr.EntryPrice = 0 }, true},
		{"zero quantity", func(tr *Trade) { tr.Quantity = 0 }, true},
		{"negative stop", func(tr *Trade) { tr.StopLoss = f64p(-1) }, true},
		{"long sl above tp", func(tr *Trade) { tr.StopLoss = f64p(7); tr.TakeProfit = f64p(6.30) }, true},
		{"short sl below tp", func(tr *Trade) {
			tr.Direction = Short
			tr.StopLoss = f64p(5)
			tr.TakeProfit = f64p(6)
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := longTrade()
			tt.mutate(trade)
			err := trade.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTrade_ValidateExitLevels(t *testing.T) {
	trade := longTrade()
	assert.NoError(t, trade.ValidateExitLevels())

	// A long stop at or above entry can never trigger.
	trade.StopLoss = f64p(4.20)
	assert.Error(t, trade.ValidateExitLevels())

	short := longTrade()
	short.Direction = Short
	short.StopLoss = f64p(5.00)
	short.TakeProfit = f64p(2.00)
	assert.NoError(t, short.ValidateExitLevels())
	short.TakeProfit = f64p(4.50)
	assert.Error(t, short.ValidateExitLevels())
}

func TestTenantSettings_Defaults(t *testing.T) {
	var unset *TenantSettings
	assert.Equal(t, PrioritySLFirst, unset.Priority(), "nil settings default to stop-loss first")
	assert.Equal(t, ModeSandbox, unset.Mode())

	s := &TenantSettings{TriggerPriority: PriorityTPFirst, BrokerMode: ModeLive}
	assert.Equal(t, PriorityTPFirst, s.Priority())
	assert.Equal(t, ModeLive, s.Mode())
}

func TestTenantSettings_DefaultExitLevels(t *testing.T) {
	s := &TenantSettings{DefaultStopLossPct: 0.25, DefaultTakeProfitPct: 0.50}

	sl, tp := s.DefaultExitLevels(4.20, Long)
	require.NotNil(t, sl)
	assert.InDelta(t, 3.15, *sl, 1e-9)
	require.NotNil(t, tp)
	assert.InDelta(t, 6.30, *tp, 1e-9)

	sl, tp = s.DefaultExitLevels(4.20, Short)
	require.NotNil(t, sl)
	assert.InDelta(t, 5.25, *sl, 1e-9)
	require.NotNil(t, tp)
	assert.InDelta(t, 2.10, *tp, 1e-9)

	none := &TenantSettings{}
	sl, tp = none.DefaultExitLevels(4.20, Long)
	assert.Nil(t, sl)
	assert.Nil(t, tp)

	var unset *TenantSettings
	sl, tp = unset.DefaultExitLevels(4.20, Long)
	assert.Nil(t, sl)
	assert.Nil(t, tp)
}
