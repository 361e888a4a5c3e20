package monitor

import (
	"context"
	"errors"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
	"optionsim/internal/telemetry"
)

// reconcileSweep converges local trade state with the broker's view of
// working orders: pending entries move to OPEN or CANCELED, closing
// trades settle or re-arm, and orders that vanished get resubmitted
// under fresh tags within their attempt bounds.
func (m *Monitor) reconcileSweep(ctx context.Context, sweepID string) {
	op := "reconcileSweep"
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to enumerate tenants", map[string]interface{}{"sweepID": sweepID})
		return
	}

	total := 0
	for _, tenantID := range tenants {
		settings := m.settingsOrNil(ctx, tenantID)

		pending, err := m.store.ListTrades(ctx, tenantID, domain.StatusPending)
		if err != nil {
			m.logger.Error(ctx, err, op+": Failed to list pending trades", map[string]interface{}{
				"sweepID": sweepID, "tenantID": tenantID})
			continue
		}
		for _, trade := range pending {
			if ctx.Err() != nil {
				return
			}
			m.reconcilePending(ctx, sweepID, settings, trade)
			total++
		}

		closing, err := m.store.ListTrades(ctx, tenantID, domain.StatusClosing)
		if err != nil {
			m.logger.Error(ctx, err, op+": Failed to list closing trades", map[string]interface{}{
				"sweepID": sweepID, "tenantID": tenantID})
			continue
		}
		for _, trade := range closing {
			if ctx.Err() != nil {
				return
			}
			m.reconcileClosing(ctx, sweepID, settings, trade)
			total++
		}
	}
	telemetry.SetSweepTrades("reconcile", float64(total))
}

// reconcilePending drives one pending trade toward a resolution of its
// entry order.
func (m *Monitor) reconcilePending(ctx context.Context, sweepID string, settings *domain.TenantSettings, trade *domain.Trade) {
	op := "reconcilePending"

	if trade.EntryOrderID == nil {
		// The submission never completed. Resubmit under a fresh
		// attempt tag, up to the bound.
		if trade.EntryAttempts >= m.cfg.MaxEntryAttempts {
			m.logger.Warn(ctx, op+": Entry attempts exhausted, canceling trade", map[string]interface{}{
				"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
				"attempts": trade.EntryAttempts})
			if _, err := m.events.CancelFromBroker(ctx, trade, "entry attempts exhausted"); err != nil {
				m.logger.Error(ctx, err, op+": Failed to cancel exhausted trade", map[string]interface{}{
					"sweepID": sweepID, "tradeID": trade.ID})
			}
			return
		}
		if _, err := m.events.SubmitEntryOrder(ctx, trade); err != nil {
			m.logger.Warn(ctx, op+": Entry resubmission failed", map[string]interface{}{
				"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID, "error": err.Error()})
		}
		return
	}

	status, err := m.gw.OrderStatus(ctx, settings, *trade.EntryOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			// The broker has no record of the order. Submit a
			// replacement; the fresh attempt tag keeps it tellable
			// apart from the original.
			m.logger.Warn(ctx, op+": Entry order vanished at broker, resubmitting", map[string]interface{}{
				"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID, "orderID": *trade.EntryOrderID})
			if trade.EntryAttempts >= m.cfg.MaxEntryAttempts {
				if _, cerr := m.events.CancelFromBroker(ctx, trade, "entry attempts exhausted after order vanished"); cerr != nil {
					m.logger.Error(ctx, cerr, op+": Failed to cancel exhausted trade", map[string]interface{}{
						"sweepID": sweepID, "tradeID": trade.ID})
				}
				return
			}
			if _, serr := m.events.SubmitEntryOrder(ctx, trade); serr != nil {
				m.logger.Warn(ctx, op+": Entry resubmission failed", map[string]interface{}{
					"sweepID": sweepID, "tradeID": trade.ID, "error": serr.Error()})
			}
			return
		}
		m.logger.Warn(ctx, op+": Failed to poll entry order", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
			"orderID": *trade.EntryOrderID, "error": err.Error()})
		return
	}

	switch status.State {
	case ports.OrderFilled:
		fillPrice := status.FillPrice
		if fillPrice == 0 {
			// Sandbox fills sometimes report no average price; fall
			// back to the paper entry.
			fillPrice = trade.EntryPrice
		}
		if _, err := m.events.ConfirmEntryFill(ctx, trade, fillPrice, fillTime(status)); err != nil {
			m.logger.Error(ctx, err, op+": Failed to confirm entry fill", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderPartial:
		fillPrice := status.FillPrice
		if fillPrice == 0 {
			fillPrice = trade.EntryPrice
		}
		opened, err := m.events.ConfirmEntryFill(ctx, trade, fillPrice, fillTime(status))
		if err != nil {
			m.logger.Error(ctx, err, op+": Failed to confirm partial entry fill", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
			return
		}
		if opened.Status != domain.StatusOpen {
			return
		}
		if _, err := m.events.RecordPartialFill(ctx, opened, status.FilledQty); err != nil {
			m.logger.Error(ctx, err, op+": Failed to flag partial fill", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderRejected:
		if _, err := m.events.CancelFromBroker(ctx, trade, "entry rejected: "+status.Reason); err != nil {
			m.logger.Error(ctx, err, op+": Failed to cancel trade after entry rejection", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderCanceled:
		if _, err := m.events.CancelFromBroker(ctx, trade, "entry order canceled at broker"); err != nil {
			m.logger.Error(ctx, err, op+": Failed to cancel trade after broker cancel", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderExpired:
		if _, err := m.events.CancelFromBroker(ctx, trade, "entry order lapsed unfilled"); err != nil {
			m.logger.Error(ctx, err, op+": Failed to cancel trade after order lapse", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	default:
		// Still working at the broker; check again next sweep.
	}
}

// reconcileClosing drives one closing trade toward settlement.
func (m *Monitor) reconcileClosing(ctx context.Context, sweepID string, settings *domain.TenantSettings, trade *domain.Trade) {
	op := "reconcileClosing"

	if trade.CloseOrderID == nil {
		// A rejected or vanished close was recorded earlier; the trade
		// stays CLOSING until a replacement order lands.
		if trade.CloseAttempts >= m.cfg.MaxCloseAttempts {
			m.logger.Error(ctx, errors.New("close attempts exhausted"),
				op+": Trade stuck closing, manual intervention required", map[string]interface{}{
					"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
					"attempts": trade.CloseAttempts})
			if _, err := m.events.FlagStuckClosing(ctx, trade, "close attempts exhausted"); err != nil {
				m.logger.Error(ctx, err, op+": Failed to flag stuck trade", map[string]interface{}{
					"sweepID": sweepID, "tradeID": trade.ID})
			}
			return
		}
		if _, err := m.events.ResubmitClose(ctx, trade); err != nil {
			m.logger.Warn(ctx, op+": Close resubmission failed", map[string]interface{}{
				"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID, "error": err.Error()})
		}
		return
	}

	status, err := m.gw.OrderStatus(ctx, settings, *trade.CloseOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			if _, rerr := m.events.RecordCloseRejection(ctx, trade, *trade.CloseOrderID, "close order vanished at broker"); rerr != nil {
				m.logger.Error(ctx, rerr, op+": Failed to record vanished close order", map[string]interface{}{
					"sweepID": sweepID, "tradeID": trade.ID})
			}
			return
		}
		m.logger.Warn(ctx, op+": Failed to poll close order", map[string]interface{}{
			"sweepID": sweepID, "tenantID": trade.TenantID, "tradeID": trade.ID,
			"orderID": *trade.CloseOrderID, "error": err.Error()})
		return
	}

	switch status.State {
	case ports.OrderFilled:
		exitPrice := status.FillPrice
		if exitPrice == 0 {
			exitPrice = m.lastMarkOr(ctx, trade, 0)
			m.logger.Warn(ctx, op+": Close fill reported no price, using last mark", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID, "exitPrice": exitPrice})
		}
		if _, err := m.events.ConfirmCloseFill(ctx, trade, exitPrice, fillTime(status)); err != nil {
			m.logger.Error(ctx, err, op+": Failed to confirm close fill", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderRejected:
		// Ack-then-reject surfaced after the claim. The trade stays
		// CLOSING; recording the loss arms a resubmission under a
		// fresh tag.
		telemetry.IncBrokerRejection()
		if _, err := m.events.RecordCloseRejection(ctx, trade, *trade.CloseOrderID, status.Reason); err != nil {
			m.logger.Error(ctx, err, op+": Failed to record late close rejection", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderCanceled:
		if _, err := m.events.RecordCloseRejection(ctx, trade, *trade.CloseOrderID, "close order canceled at broker"); err != nil {
			m.logger.Error(ctx, err, op+": Failed to record canceled close order", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	case ports.OrderExpired:
		if _, err := m.events.RecordCloseRejection(ctx, trade, *trade.CloseOrderID, "close order lapsed unfilled"); err != nil {
			m.logger.Error(ctx, err, op+": Failed to record lapsed close order", map[string]interface{}{
				"sweepID": sweepID, "tradeID": trade.ID})
		}
	default:
		// Working or partially executed; wait for the full fill.
	}
}

// lastMarkOr returns the trade's most recent snapshot mark, or the
// fallback when none exists.
func (m *Monitor) lastMarkOr(ctx context.Context, trade *domain.Trade, fallback float64) float64 {
	snap, err := m.store.LatestSnapshot(ctx, trade.TenantID, trade.ID)
	if err != nil {
		return fallback
	}
	return snap.Mark
}

// fillTime picks the broker's timestamp for a fill, defaulting to now
// when the vendor omitted it.
func fillTime(status *ports.OrderStatus) time.Time {
	if status.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return status.UpdatedAt
}
