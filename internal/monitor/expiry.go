package monitor

import (
	"context"
	"errors"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
	"optionsim/internal/telemetry"
)

// expirySweep settles active trades whose contracts have passed their
// expiry date. It runs independently of the price sweep: a dead market
// data feed must not leave expired contracts hanging open, so the
// settle mark comes from recorded history rather than a live quote.
func (m *Monitor) expirySweep(ctx context.Context, sweepID string) {
	op := "expirySweep"
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to enumerate tenants", map[string]interface{}{"sweepID": sweepID})
		return
	}

	now := time.Now().UTC()
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
			if !trade.IsExpired(now) {
				continue
			}
			total++
			m.settleExpired(ctx, sweepID, settings, trade)
		}
	}
	telemetry.SetSweepTrades("expiry", float64(total))
}

// settleExpired resolves the settle mark, records the final snapshot
// and expires the trade.
func (m *Monitor) settleExpired(ctx context.Context, sweepID string, settings *domain.TenantSettings, trade *domain.Trade) {
	op := "settleExpired"
	mark := m.expiryMark(ctx, settings, trade)

	snap := &domain.PriceSnapshot{
		TradeID: trade.ID,
		Mark:    mark,
		Reason:  domain.SnapshotExpiry,
	}
	if _, err := m.store.CreateSnapshot(ctx, trade.TenantID, snap); err != nil {
		telemetry.IncSnapshotFailure()
		m.logger.Error(ctx, err, op+": Failed to record expiry snapshot", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID})
	}

	if _, err := m.events.ExpireTrade(ctx, trade, mark); err != nil {
		m.logger.Error(ctx, err, op+": Failed to expire trade", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID})
		return
	}
	m.logger.Info(ctx, op+": Expired contract settled", map[string]interface{}{
		"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
		"symbol": trade.OCCSymbol(), "mark": mark})
}

// expiryMark picks the settle mark for an expired contract: the last
// recorded snapshot when one exists, else the tenant's configured
// fallback. Tenants without a fallback settle worthless.
func (m *Monitor) expiryMark(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) float64 {
	snap, err := m.store.LatestSnapshot(ctx, trade.TenantID, trade.ID)
	if err == nil {
		return snap.Mark
	}
	if !errors.Is(err, ports.ErrNotFound) {
		m.logger.Warn(ctx, "Failed to load last snapshot for expiry mark", map[string]interface{}{
			"tenantID": trade.TenantID, "tradeID": trade.ID, "error": err.Error()})
	}
	if settings != nil {
		return settings.ExpiryMarkFallback
	}
	return 0
}
