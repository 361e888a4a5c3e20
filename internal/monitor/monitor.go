// Package monitor runs the background sweeps that keep paper trades
// honest: the price sweep snapshots marks and fires exit triggers, the
// expiry sweep settles contracts past their expiry date, and the
// reconciliation sweep converges local state with the broker's view of
// working orders. The sweeps are stateless between runs; every decision
// is made against freshly read rows, so any number of process instances
// can run them concurrently and the store's version checks arbitrate.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
	"optionsim/internal/telemetry"
)

// TradeEvents is the slice of the application service the sweeps drive.
// All mutations go through it so the legality table and audit trail
// stay in one place.
type TradeEvents interface {
	TriggerClose(ctx context.Context, trade *domain.Trade, reason domain.CloseReason, meta map[string]string) (*domain.Trade, error)
	ExpireTrade(ctx context.Context, trade *domain.Trade, mark float64) (*domain.Trade, error)
	ConfirmEntryFill(ctx context.Context, trade *domain.Trade, fillPrice float64, filledAt time.Time) (*domain.Trade, error)
	RecordPartialFill(ctx context.Context, trade *domain.Trade, filledQty int64) (*domain.Trade, error)
	ConfirmCloseFill(ctx context.Context, trade *domain.Trade, exitPrice float64, filledAt time.Time) (*domain.Trade, error)
	CancelFromBroker(ctx context.Context, trade *domain.Trade, reason string) (*domain.Trade, error)
	RecordCloseRejection(ctx context.Context, trade *domain.Trade, orderID, reason string) (*domain.Trade, error)
	ResubmitClose(ctx context.Context, trade *domain.Trade) (*domain.Trade, error)
	SubmitEntryOrder(ctx context.Context, trade *domain.Trade) (*domain.Trade, error)
	FlagStuckClosing(ctx context.Context, trade *domain.Trade, reason string) (*domain.Trade, error)
}

// Monitor owns the three periodic sweeps.
type Monitor struct {
	store  ports.TradeStore
	events TradeEvents
	md     ports.MarketDataClient
	gw     ports.OrderGateway
	logger ports.Logger
	cfg    Config
}

// Config holds the sweep cadences and retry bounds.
type Config struct {
	SweepInterval     time.Duration // Price sweep cadence
	ExpiryInterval    time.Duration // Expiry sweep cadence
	ReconcileInterval time.Duration // Broker order reconciliation cadence
	QuoteTimeout      time.Duration // Ceiling per market data call
	MaxEntryAttempts  int           // Entry submissions per trade before the trade is canceled
	MaxCloseAttempts  int           // Close submissions per trade before resubmission stops
}

// NewMonitor creates the sweep runner.
func NewMonitor(store ports.TradeStore, events TradeEvents, md ports.MarketDataClient, gw ports.OrderGateway, logger ports.Logger, cfg Config) (*Monitor, error) {
	if store == nil || events == nil || md == nil || gw == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for monitor")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	if cfg.MaxEntryAttempts <= 0 {
		cfg.MaxEntryAttempts = 3
	}
	if cfg.MaxCloseAttempts <= 0 {
		cfg.MaxCloseAttempts = 5
	}
	return &Monitor{store: store, events: events, md: md, gw: gw, logger: logger, cfg: cfg}, nil
}

// Start runs the sweeps until the context is canceled.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info(ctx, "Starting trade monitor", map[string]interface{}{
		"sweepInterval":     m.cfg.SweepInterval.String(),
		"expiryInterval":    m.cfg.ExpiryInterval.String(),
		"reconcileInterval": m.cfg.ReconcileInterval.String(),
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		m.loop(ctx, "price", m.cfg.SweepInterval, m.priceSweep)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, "expiry", m.cfg.ExpiryInterval, m.expirySweep)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, "reconcile", m.cfg.ReconcileInterval, m.reconcileSweep)
	}()
	wg.Wait()

	m.logger.Info(ctx, "Trade monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, sweep func(ctx context.Context, sweepID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			sweep(ctx, uuid.NewString())
			telemetry.SetSweepDuration(name, time.Since(started).Seconds())
		}
	}
}

// --- Price sweep ---

// priceSweep walks every tenant's active trades, records a mark
// snapshot for each and fires exit triggers. One trade's failure never
// blocks the rest of the sweep.
func (m *Monitor) priceSweep(ctx context.Context, sweepID string) {
	op := "priceSweep"
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to enumerate tenants", map[string]interface{}{"sweepID": sweepID})
		return
	}

	total := 0
	for _, tenantID := range tenants {
		settings := m.settingsOrNil(ctx, tenantID)
		trades, err := m.store.ListTrades(ctx, tenantID, domain.ActiveStatuses...)
		if err != nil {
			m.logger.Error(ctx, err, op+": Failed to list active trades", map[string]interface{}{
				"sweepID": sweepID, "tenantID": tenantID})
			continue
		}
		for _, trade := range trades {
			if ctx.Err() != nil {
				return
			}
			m.observeTrade(ctx, sweepID, settings, trade)
			total++
		}
	}
	telemetry.SetSweepTrades("price", float64(total))
}

// observeTrade snapshots the trade's mark and evaluates its exit
// levels. Quote or persistence trouble skips the trade until the next
// sweep.
func (m *Monitor) observeTrade(ctx context.Context, sweepID string, settings *domain.TenantSettings, trade *domain.Trade) {
	op := "observeTrade"
	qctx, cancel := context.WithTimeout(ctx, m.cfg.QuoteTimeout)
	quote, err := m.md.GetMark(qctx, trade.Ticker, trade.OCCSymbol())
	cancel()
	if err != nil {
		telemetry.IncSnapshotFailure()
		m.logger.Warn(ctx, op+": Failed to fetch mark, skipping trade this sweep", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
			"symbol": trade.OCCSymbol(), "error": err.Error()})
		return
	}

	snap := &domain.PriceSnapshot{
		TradeID:    trade.ID,
		Mark:       quote.Price,
		Bid:        quote.Bid,
		Ask:        quote.Ask,
		Greeks:     quote.Greeks,
		Underlying: quote.Underlying,
		Reason:     domain.SnapshotSweep,
	}
	if _, err := m.store.CreateSnapshot(ctx, trade.TenantID, snap); err != nil {
		// A breached level still has to act even when the snapshot
		// write fails, so evaluation continues.
		telemetry.IncSnapshotFailure()
		m.logger.Error(ctx, err, op+": Failed to record snapshot", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID})
	}

	m.evaluateTriggers(ctx, sweepID, settings, trade, quote.Price)
}

// evaluateTriggers fires at most one close per trade per sweep. When
// both levels are breached by the same observation the tenant's
// configured priority picks the reason.
func (m *Monitor) evaluateTriggers(ctx context.Context, sweepID string, settings *domain.TenantSettings, trade *domain.Trade, mark float64) {
	op := "evaluateTriggers"
	slHit := trade.HitStopLoss(mark)
	tpHit := trade.HitTakeProfit(mark)
	if !slHit && !tpHit {
		return
	}

	reason := domain.CloseReasonStopLoss
	switch {
	case slHit && tpHit:
		if settings.Priority() == domain.PriorityTPFirst {
			reason = domain.CloseReasonTakeProfit
		}
	case tpHit:
		reason = domain.CloseReasonTakeProfit
	}

	meta := map[string]string{
		"mark":     fmt.Sprintf("%.4f", mark),
		"sweep_id": sweepID,
	}
	if reason == domain.CloseReasonStopLoss && trade.StopLoss != nil {
		meta["level"] = fmt.Sprintf("%.4f", *trade.StopLoss)
	}
	if reason == domain.CloseReasonTakeProfit && trade.TakeProfit != nil {
		meta["level"] = fmt.Sprintf("%.4f", *trade.TakeProfit)
	}

	m.logger.Info(ctx, op+": Exit level breached", map[string]interface{}{
		"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
		"mark": mark, "reason": string(reason)})
	if _, err := m.events.TriggerClose(ctx, trade, reason, meta); err != nil {
		m.logger.Error(ctx, err, op+": Failed to close trade on trigger", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID, "reason": string(reason)})
	}
}

// settingsOrNil loads tenant settings, treating an unconfigured tenant
// as nil so callers fall back to defaults.
func (m *Monitor) settingsOrNil(ctx context.Context, tenantID string) *domain.TenantSettings {
	settings, err := m.store.GetSettings(ctx, tenantID)
	if err != nil {
		return nil
	}
	return settings
}
