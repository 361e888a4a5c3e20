package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/id"
	"optionsim/internal/ports"
	"optionsim/internal/risk"
	"optionsim/internal/secrets"
	"optionsim/internal/telemetry"
)

// TradeService is the single authority over trade state. Every
// mutation, user-driven or worker-driven, funnels through its
// transition choke point so the legality table, the audit trail and the
// version counter can never drift apart. The service holds no state of
// its own: any number of instances can run against the same store.
type TradeService struct {
	store   ports.TradeStore
	gateway ports.OrderGateway
	risk    *risk.Manager
	box     *secrets.Box
	logger  ports.Logger
}

// NewTradeService creates the application service.
func NewTradeService(
	store ports.TradeStore,
	gateway ports.OrderGateway,
	riskMgr *risk.Manager,
	box *secrets.Box,
	logger ports.Logger,
) (*TradeService, error) {
	if store == nil || gateway == nil || riskMgr == nil || box == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradeService")
	}
	return &TradeService{
		store:   store,
		gateway: gateway,
		risk:    riskMgr,
		box:     box,
		logger:  logger,
	}, nil
}

// CreateTradeParams carries the caller's intent for a new paper trade.
type CreateTradeParams struct {
	IdempotencyKey *string // Optional; retries with the same key return the original trade
	Ticker         string
	OptionType     domain.OptionType
	Strike         float64
	Expiry         time.Time
	Direction      domain.Direction
	EntryPrice     float64 // Paper entry premium per contract
	Quantity       int64
	StopLoss       *float64 // nil picks the tenant default, if configured
	TakeProfit     *float64
	Context        map[string]string
}

// AdjustTradeParams patches the adjustable fields of a live trade.
// Setting a level and clearing it are distinct intents, hence the
// separate Clear flags.
type AdjustTradeParams struct {
	StopLoss        *float64
	ClearStopLoss   bool
	TakeProfit      *float64
	ClearTakeProfit bool
	Context         map[string]string
}

// SettingsParams carries a partial tenant-settings update. Nil fields
// keep their stored values. Credentials arrive as plaintext and are
// sealed before anything touches the store.
type SettingsParams struct {
	MaxOpenTrades        *int
	MaxOrderQuantity     *int64
	MaxOrderNotional     *float64
	DefaultStopLossPct   *float64
	DefaultTakeProfitPct *float64
	TriggerPriority      *domain.TriggerPriority
	BrokerMode           *domain.BrokerMode
	APIKey               *string
	APISecret            *string
	ExpiryMarkFallback   *float64
}

// CreateTrade validates, persists and mirrors a new paper trade. The
// returned trade is the stored row; when the idempotency key matches an
// earlier create the original row comes back and no new order is
// submitted. On a broker rejection the trade lands in CANCELED and the
// rejection error carries the broker's reason; on broker outage the
// trade stays PENDING for the reconciler and is returned alongside the
// error.
func (s *TradeService) CreateTrade(ctx context.Context, tenantID string, p CreateTradeParams) (*domain.Trade, error) {
	op := "CreateTrade"
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required: %w", ports.ErrValidation)
	}
	settings, err := s.settingsFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	trade := &domain.Trade{
		ID:             id.New(),
		TenantID:       tenantID,
		IdempotencyKey: p.IdempotencyKey,
		Ticker:         strings.ToUpper(strings.TrimSpace(p.Ticker)),
		OptionType:     p.OptionType,
		Strike:         p.Strike,
		Expiry:         p.Expiry,
		Direction:      p.Direction,
		EntryPrice:     p.EntryPrice,
		Quantity:       p.Quantity,
		StopLoss:       p.StopLoss,
		TakeProfit:     p.TakeProfit,
		Status:         domain.StatusPending,
		Context:        p.Context,
	}
	// Tenant defaults fill whichever exit levels the caller left unset.
	defSL, defTP := settings.DefaultExitLevels(trade.EntryPrice, trade.Direction)
	if trade.StopLoss == nil {
		trade.StopLoss = defSL
	}
	if trade.TakeProfit == nil {
		trade.TakeProfit = defTP
	}

	if err := trade.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ports.ErrValidation)
	}
	if err := trade.ValidateExitLevels(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ports.ErrValidation)
	}
	if err := s.risk.CheckOrder(settings, trade); err != nil {
		return nil, err
	}

	stored, created, err := s.store.CreateTrade(ctx, trade)
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Info(ctx, op+": Idempotency key matched, returning original trade", map[string]interface{}{
			"tenantID": tenantID, "tradeID": stored.ID, "status": string(stored.Status)})
		return stored, nil
	}
	telemetry.IncTradeStatus(string(domain.StatusPending))
	s.logger.Info(ctx, op+": Trade persisted", map[string]interface{}{
		"tenantID": tenantID, "tradeID": stored.ID, "symbol": stored.OCCSymbol(), "quantity": stored.Quantity})

	// Capacity is judged after the insert so an idempotent replay can
	// never be refused for a trade that already counts against the
	// limit. A violation cancels the fresh row.
	if err := s.risk.CheckCapacity(ctx, settings, stored); err != nil {
		reason := domain.CloseReasonCanceled
		now := time.Now().UTC()
		patch := ports.TradePatch{CloseReason: &reason, ClosedAt: &now}
		meta := map[string]string{"reason": err.Error()}
		if _, aerr := s.applyTransition(ctx, stored, domain.StatusCanceled, domain.TriggerSystem, patch, meta); aerr != nil {
			s.logger.Error(ctx, aerr, op+": Failed to cancel trade after capacity violation", map[string]interface{}{
				"tenantID": tenantID, "tradeID": stored.ID})
		}
		return nil, err
	}

	return s.submitEntry(ctx, settings, stored)
}

// GetTrade returns one trade scoped to the tenant. A trade belonging to
// another tenant is indistinguishable from one that does not exist.
func (s *TradeService) GetTrade(ctx context.Context, tenantID, tradeID string) (*domain.Trade, error) {
	if tenantID == "" || tradeID == "" {
		return nil, fmt.Errorf("tenant id and trade id are required: %w", ports.ErrValidation)
	}
	return s.store.GetTrade(ctx, tenantID, tradeID)
}

// ListTrades returns the tenant's trades, optionally filtered to the
// given statuses.
func (s *TradeService) ListTrades(ctx context.Context, tenantID string, statuses ...domain.TradeStatus) ([]*domain.Trade, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required: %w", ports.ErrValidation)
	}
	return s.store.ListTrades(ctx, tenantID, statuses...)
}

// History returns the trade's audit trail in insertion order. The trade
// is fetched first so a cross-tenant id fails with NotFound instead of
// leaking an empty result.
func (s *TradeService) History(ctx context.Context, tenantID, tradeID string) ([]*domain.StateTransition, error) {
	if _, err := s.GetTrade(ctx, tenantID, tradeID); err != nil {
		return nil, err
	}
	return s.store.Transitions(ctx, tenantID, tradeID)
}

// Snapshots returns the trade's most recent price snapshots, newest
// first, capped at limit.
func (s *TradeService) Snapshots(ctx context.Context, tenantID, tradeID string, limit int) ([]*domain.PriceSnapshot, error) {
	if _, err := s.GetTrade(ctx, tenantID, tradeID); err != nil {
		return nil, err
	}
	return s.store.Snapshots(ctx, tenantID, tradeID, limit)
}

// AdjustTrade updates stop loss, take profit or caller context on a
// live trade under the optimistic version check. Terminal trades reject
// the mutation outright.
func (s *TradeService) AdjustTrade(ctx context.Context, tenantID, tradeID string, version int64, p AdjustTradeParams) (*domain.Trade, error) {
	op := "AdjustTrade"
	trade, err := s.GetTrade(ctx, tenantID, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.IsTerminal() {
		return nil, fmt.Errorf("trade %s is %s and can no longer be adjusted: %w", tradeID, trade.Status, ports.ErrValidation)
	}
	if p.StopLoss != nil && *p.StopLoss <= 0 {
		return nil, fmt.Errorf("stop loss must be positive when set: %w", ports.ErrValidation)
	}
	if p.TakeProfit != nil && *p.TakeProfit <= 0 {
		return nil, fmt.Errorf("take profit must be positive when set: %w", ports.ErrValidation)
	}

	// Judge the prospective levels before touching the store.
	prospective := *trade
	if p.ClearStopLoss {
		prospective.StopLoss = nil
	} else if p.StopLoss != nil {
		prospective.StopLoss = p.StopLoss
	}
	if p.ClearTakeProfit {
		prospective.TakeProfit = nil
	} else if p.TakeProfit != nil {
		prospective.TakeProfit = p.TakeProfit
	}
	if err := prospective.ValidateExitLevels(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ports.ErrValidation)
	}

	patch := ports.TradePatch{
		StopLoss:        p.StopLoss,
		ClearStopLoss:   p.ClearStopLoss,
		TakeProfit:      p.TakeProfit,
		ClearTakeProfit: p.ClearTakeProfit,
		Context:         p.Context,
	}
	updated, err := s.store.ApplyPatch(ctx, tenantID, tradeID, version, patch, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
		}
		return nil, err
	}
	s.logger.Info(ctx, op+": Trade adjusted", map[string]interface{}{
		"tenantID": tenantID, "tradeID": tradeID, "version": updated.Version})
	return updated, nil
}

// CloseTrade closes the trade at the user's request. The close order is
// mirrored to the broker first; only a confirmed, non-rejected
// submission claims the trade into CLOSING. On any failure the trade is
// left exactly as it was. An empty reason defaults to MANUAL; the
// engine-driven reasons (SL_HIT, TP_HIT, EXPIRED, CANCELED) are
// reserved for their own event paths and refused here.
func (s *TradeService) CloseTrade(ctx context.Context, tenantID, tradeID string, version int64, reason domain.CloseReason) (*domain.Trade, error) {
	if reason == "" {
		reason = domain.CloseReasonManual
	}
	if reason != domain.CloseReasonManual {
		return nil, fmt.Errorf("close reason %s is reserved for engine events: %w", reason, ports.ErrValidation)
	}
	trade, err := s.GetTrade(ctx, tenantID, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Version != version {
		return nil, fmt.Errorf("trade %s is at version %d, caller expected %d: %w",
			tradeID, trade.Version, version, ports.ErrConflict)
	}
	if !domain.CanTransition(trade.Status, domain.StatusClosing) {
		return nil, fmt.Errorf("trade %s is %s and cannot be closed: %w", tradeID, trade.Status, ports.ErrValidation)
	}
	settings, err := s.settingsFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.submitCloseAndClaim(ctx, settings, trade, reason, domain.TriggerUserAction,
		map[string]string{"source": "manual"})
}

// CancelTrade abandons the paper trade without a closing order. It is
// refused while a close order is in flight; a working entry order is
// withdrawn from the broker first.
func (s *TradeService) CancelTrade(ctx context.Context, tenantID, tradeID string, version int64) (*domain.Trade, error) {
	op := "CancelTrade"
	trade, err := s.GetTrade(ctx, tenantID, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Version != version {
		return nil, fmt.Errorf("trade %s is at version %d, caller expected %d: %w",
			tradeID, trade.Version, version, ports.ErrConflict)
	}
	if trade.IsTerminal() {
		return nil, fmt.Errorf("trade %s is already %s: %w", tradeID, trade.Status, ports.ErrValidation)
	}
	if trade.Status == domain.StatusClosing {
		return nil, fmt.Errorf("trade %s has a close order in flight and cannot be canceled: %w",
			tradeID, ports.ErrValidation)
	}

	meta := map[string]string{"source": "user_cancel"}
	if trade.Status == domain.StatusPending && trade.EntryOrderID != nil {
		// Withdraw the working entry order before the local row moves.
		settings, err := s.settingsFor(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if err := s.gateway.CancelBrokerOrder(ctx, settings, *trade.EntryOrderID); err != nil {
			if errors.Is(err, ports.ErrValidation) {
				// The broker refused the cancel: the entry has already
				// executed. The reconciler will flip the trade to OPEN.
				return nil, fmt.Errorf("entry order %s already executed, trade can no longer be canceled: %w",
					*trade.EntryOrderID, ports.ErrValidation)
			}
			if !errors.Is(err, ports.ErrOrderNotFound) {
				return nil, fmt.Errorf("withdrawing entry order %s: %w", *trade.EntryOrderID, err)
			}
			s.logger.Warn(ctx, op+": Entry order already gone at the broker", map[string]interface{}{
				"tradeID": tradeID, "orderID": *trade.EntryOrderID})
		}
		meta["entry_order_id"] = *trade.EntryOrderID
	}

	reason := domain.CloseReasonCanceled
	now := time.Now().UTC()
	patch := ports.TradePatch{CloseReason: &reason, ClosedAt: &now}
	return s.applyTransition(ctx, trade, domain.StatusCanceled, domain.TriggerUserAction, patch, meta)
}

// UpsertTenantSettings creates or updates the tenant's settings.
// Credential plaintext is sealed immediately and never logged.
func (s *TradeService) UpsertTenantSettings(ctx context.Context, tenantID string, p SettingsParams) (*domain.TenantSettings, error) {
	op := "UpsertTenantSettings"
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required: %w", ports.ErrValidation)
	}
	if p.TriggerPriority != nil && *p.TriggerPriority != domain.PrioritySLFirst && *p.TriggerPriority != domain.PriorityTPFirst {
		return nil, fmt.Errorf("trigger priority must be %s or %s, got %q: %w",
			domain.PrioritySLFirst, domain.PriorityTPFirst, *p.TriggerPriority, ports.ErrValidation)
	}
	if p.BrokerMode != nil && *p.BrokerMode != domain.ModeSandbox && *p.BrokerMode != domain.ModeLive {
		return nil, fmt.Errorf("broker mode must be %s or %s, got %q: %w",
			domain.ModeSandbox, domain.ModeLive, *p.BrokerMode, ports.ErrValidation)
	}
	if (p.MaxOpenTrades != nil && *p.MaxOpenTrades < 0) ||
		(p.MaxOrderQuantity != nil && *p.MaxOrderQuantity < 0) ||
		(p.MaxOrderNotional != nil && *p.MaxOrderNotional < 0) ||
		(p.ExpiryMarkFallback != nil && *p.ExpiryMarkFallback < 0) {
		return nil, fmt.Errorf("limits must not be negative: %w", ports.ErrValidation)
	}
	if (p.DefaultStopLossPct != nil && (*p.DefaultStopLossPct < 0 || *p.DefaultStopLossPct >= 1)) ||
		(p.DefaultTakeProfitPct != nil && *p.DefaultTakeProfitPct < 0) {
		return nil, fmt.Errorf("default stop loss must be in [0,1) and default take profit non-negative: %w", ports.ErrValidation)
	}

	settings, err := s.store.GetSettings(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			return nil, err
		}
		settings = &domain.TenantSettings{TenantID: tenantID}
	}
	if p.MaxOpenTrades != nil {
		settings.MaxOpenTrades = *p.MaxOpenTrades
	}
	if p.MaxOrderQuantity != nil {
		settings.MaxOrderQuantity = *p.MaxOrderQuantity
	}
	if p.MaxOrderNotional != nil {
		settings.MaxOrderNotional = *p.MaxOrderNotional
	}
	if p.DefaultStopLossPct != nil {
		settings.DefaultStopLossPct = *p.DefaultStopLossPct
	}
	if p.DefaultTakeProfitPct != nil {
		settings.DefaultTakeProfitPct = *p.DefaultTakeProfitPct
	}
	if p.TriggerPriority != nil {
		settings.TriggerPriority = *p.TriggerPriority
	}
	if p.BrokerMode != nil {
		settings.BrokerMode = *p.BrokerMode
	}
	if p.ExpiryMarkFallback != nil {
		settings.ExpiryMarkFallback = *p.ExpiryMarkFallback
	}
	if p.APIKey != nil {
		sealed, err := s.box.Seal(*p.APIKey)
		if err != nil {
			return nil, fmt.Errorf("sealing api key: %w", err)
		}
		settings.EncryptedAPIKey = sealed
	}
	if p.APISecret != nil {
		sealed, err := s.box.Seal(*p.APISecret)
		if err != nil {
			return nil, fmt.Errorf("sealing api secret: %w", err)
		}
		settings.EncryptedAPISecret = sealed
	}

	if err := s.store.UpsertSettings(ctx, settings); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, op+": Tenant settings saved", map[string]interface{}{
		"tenantID":           tenantID,
		"maxOpenTrades":      settings.MaxOpenTrades,
		"triggerPriority":    string(settings.Priority()),
		"brokerMode":         string(settings.Mode()),
		"credentialsRotated": p.APIKey != nil || p.APISecret != nil,
	})
	return s.store.GetSettings(ctx, tenantID)
}

// GetTenantSettings returns the tenant's stored settings.
func (s *TradeService) GetTenantSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required: %w", ports.ErrValidation)
	}
	return s.store.GetSettings(ctx, tenantID)
}

// BrokerPositions lists the tenant's option positions as the broker
// reports them.
func (s *TradeService) BrokerPositions(ctx context.Context, tenantID string) ([]ports.BrokerPosition, error) {
	settings, err := s.settingsFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.gateway.Positions(ctx, settings)
}

// --- Worker-driven events ---
//
// The methods below are driven by the price monitor and the reconciler.
// Their sources are asynchronous, so an event arriving for a trade that
// has since moved on is logged and dropped rather than treated as an
// error.

// TriggerClose closes a trade on a price trigger. Trades no longer in a
// closable state ignore the trigger.
func (s *TradeService) TriggerClose(ctx context.Context, trade *domain.Trade, reason domain.CloseReason, meta map[string]string) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusClosing) {
		s.logIgnoredEvent(ctx, trade, domain.StatusClosing, "price_trigger")
		return trade, nil
	}
	settings, err := s.settingsFor(ctx, trade.TenantID)
	if err != nil {
		return nil, err
	}
	return s.submitCloseAndClaim(ctx, settings, trade, reason, domain.TriggerPriceTrigger, meta)
}

// ExpireTrade settles a trade whose contract has expired, at the given
// mark.
func (s *TradeService) ExpireTrade(ctx context.Context, trade *domain.Trade, mark float64) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusExpired) {
		s.logIgnoredEvent(ctx, trade, domain.StatusExpired, "expiry_sweep")
		return trade, nil
	}
	pnl := trade.PnLAt(mark)
	reason := domain.CloseReasonExpired
	now := time.Now().UTC()
	patch := ports.TradePatch{
		ExitPrice:   &mark,
		RealizedPnL: &pnl,
		CloseReason: &reason,
		ClosedAt:    &now,
	}
	meta := map[string]string{"mark": fmt.Sprintf("%.4f", mark)}
	return s.applyTransition(ctx, trade, domain.StatusExpired, domain.TriggerExpirySweep, patch, meta)
}

// ConfirmEntryFill moves a pending trade to OPEN once the reconciler
// sees its entry order filled.
func (s *TradeService) ConfirmEntryFill(ctx context.Context, trade *domain.Trade, fillPrice float64, filledAt time.Time) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusOpen) {
		s.logIgnoredEvent(ctx, trade, domain.StatusOpen, "reconciliation")
		return trade, nil
	}
	patch := ports.TradePatch{FillPrice: &fillPrice, FilledAt: &filledAt}
	meta := map[string]string{"fill_price": fmt.Sprintf("%.4f", fillPrice)}
	if trade.EntryOrderID != nil {
		meta["order_id"] = *trade.EntryOrderID
	}
	return s.applyTransition(ctx, trade, domain.StatusOpen, domain.TriggerBrokerFill, patch, meta)
}

// RecordPartialFill marks an open trade as partially filled at the
// broker. The trade keeps trading like an open one; the flag is sticky
// until an exit transition.
func (s *TradeService) RecordPartialFill(ctx context.Context, trade *domain.Trade, filledQty int64) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusPartiallyFilled) {
		s.logIgnoredEvent(ctx, trade, domain.StatusPartiallyFilled, "reconciliation")
		return trade, nil
	}
	meta := map[string]string{
		"filled_qty": fmt.Sprintf("%d", filledQty),
		"quantity":   fmt.Sprintf("%d", trade.Quantity),
	}
	return s.applyTransition(ctx, trade, domain.StatusPartiallyFilled, domain.TriggerBrokerFill, ports.TradePatch{}, meta)
}

// ConfirmCloseFill settles a closing trade once its close order fills,
// realizing P&L against the paper entry price.
func (s *TradeService) ConfirmCloseFill(ctx context.Context, trade *domain.Trade, exitPrice float64, filledAt time.Time) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusClosed) {
		s.logIgnoredEvent(ctx, trade, domain.StatusClosed, "reconciliation")
		return trade, nil
	}
	pnl := trade.PnLAt(exitPrice)
	patch := ports.TradePatch{ExitPrice: &exitPrice, RealizedPnL: &pnl, ClosedAt: &filledAt}
	meta := map[string]string{"exit_price": fmt.Sprintf("%.4f", exitPrice), "pnl": fmt.Sprintf("%.2f", pnl)}
	if trade.CloseOrderID != nil {
		meta["order_id"] = *trade.CloseOrderID
	}
	return s.applyTransition(ctx, trade, domain.StatusClosed, domain.TriggerBrokerFill, patch, meta)
}

// CancelFromBroker cancels a pending trade whose entry order died at
// the broker (rejected, canceled or lapsed unfilled).
func (s *TradeService) CancelFromBroker(ctx context.Context, trade *domain.Trade, reason string) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, domain.StatusCanceled) {
		s.logIgnoredEvent(ctx, trade, domain.StatusCanceled, "reconciliation")
		return trade, nil
	}
	r := domain.CloseReasonCanceled
	now := time.Now().UTC()
	patch := ports.TradePatch{CloseReason: &r, ClosedAt: &now}
	meta := map[string]string{"reason": reason}
	return s.applyTransition(ctx, trade, domain.StatusCanceled, domain.TriggerSystem, patch, meta)
}

// RecordCloseRejection notes a close order that the broker rejected
// after the trade was already claimed into CLOSING. The trade stays
// CLOSING; clearing the order id and bumping the version arms the
// reconciler to resubmit under a fresh tag.
func (s *TradeService) RecordCloseRejection(ctx context.Context, trade *domain.Trade, orderID, reason string) (*domain.Trade, error) {
	op := "RecordCloseRejection"
	s.logger.Warn(ctx, op+": Close order lost after claim, arming resubmission", map[string]interface{}{
		"tenantID": trade.TenantID, "tradeID": trade.ID, "orderID": orderID, "reason": reason})
	patch := ports.TradePatch{
		ClearCloseOrderID: true,
		Context:           map[string]string{"last_close_rejection": reason},
	}
	updated, err := s.store.ApplyPatch(ctx, trade.TenantID, trade.ID, trade.Version, patch, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
		}
		return nil, err
	}
	return updated, nil
}

// ResubmitClose submits a replacement close order for a CLOSING trade
// that lost its order to a late rejection or a broker-side cancel.
func (s *TradeService) ResubmitClose(ctx context.Context, trade *domain.Trade) (*domain.Trade, error) {
	op := "ResubmitClose"
	if trade.Status != domain.StatusClosing || trade.CloseOrderID != nil {
		s.logger.Warn(ctx, op+": Trade is not awaiting a close resubmission", map[string]interface{}{
			"tenantID": trade.TenantID, "tradeID": trade.ID, "status": string(trade.Status)})
		return trade, nil
	}
	settings, err := s.settingsFor(ctx, trade.TenantID)
	if err != nil {
		return nil, err
	}
	orderID, err := s.gateway.SubmitClose(ctx, settings, trade)
	if err != nil {
		var rej *ports.RejectionError
		if errors.As(err, &rej) {
			// Rejected again: record it so the next attempt carries yet
			// another tag, then surface the rejection.
			if _, rerr := s.RecordCloseRejection(ctx, trade, rej.OrderID, rej.Reason); rerr != nil {
				s.logger.Error(ctx, rerr, op+": Failed to record repeat rejection", map[string]interface{}{
					"tenantID": trade.TenantID, "tradeID": trade.ID})
			}
		}
		return nil, err
	}
	patch := ports.TradePatch{CloseOrderID: &orderID, IncCloseAttempts: true}
	updated, err := s.store.ApplyPatch(ctx, trade.TenantID, trade.ID, trade.Version, patch, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
			s.cancelOrderWarn(ctx, settings, orderID, "close")
		}
		return nil, err
	}
	s.logger.Info(ctx, op+": Replacement close order submitted", map[string]interface{}{
		"tenantID": trade.TenantID, "tradeID": trade.ID, "orderID": orderID, "attempt": updated.CloseAttempts})
	return updated, nil
}

// FlagStuckClosing marks a CLOSING trade whose close attempts are
// exhausted so operators can find it through trade reads and the
// context column. The flag is written once; later sweeps see it on the
// row and write nothing.
func (s *TradeService) FlagStuckClosing(ctx context.Context, trade *domain.Trade, reason string) (*domain.Trade, error) {
	op := "FlagStuckClosing"
	if trade.Context["needs_operator"] != "" {
		return trade, nil
	}
	patch := ports.TradePatch{Context: map[string]string{"needs_operator": reason}}
	updated, err := s.store.ApplyPatch(ctx, trade.TenantID, trade.ID, trade.Version, patch, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
			// Another actor moved the trade; the next sweep re-reads and
			// decides against the fresh row.
			return trade, nil
		}
		return nil, err
	}
	s.logger.Warn(ctx, op+": Trade flagged for operator attention", map[string]interface{}{
		"tenantID": trade.TenantID, "tradeID": trade.ID, "reason": reason})
	return updated, nil
}

// SubmitEntryOrder mirrors the entry order for a pending trade that has
// none working, used by the reconciler when an earlier submission never
// reached the broker.
func (s *TradeService) SubmitEntryOrder(ctx context.Context, trade *domain.Trade) (*domain.Trade, error) {
	op := "SubmitEntryOrder"
	if trade.Status != domain.StatusPending {
		s.logger.Warn(ctx, op+": Trade is not awaiting an entry order", map[string]interface{}{
			"tenantID": trade.TenantID, "tradeID": trade.ID, "status": string(trade.Status)})
		return trade, nil
	}
	settings, err := s.settingsFor(ctx, trade.TenantID)
	if err != nil {
		return nil, err
	}
	return s.submitEntry(ctx, settings, trade)
}

// --- Internals ---

// submitEntry records the attempt, mirrors the entry order and stores
// the broker's order id. The attempt counter is bumped before anything
// reaches the broker so the order tag in flight is always derivable
// from the row.
func (s *TradeService) submitEntry(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) (*domain.Trade, error) {
	op := "submitEntry"
	prepared, err := s.store.ApplyPatch(ctx, trade.TenantID, trade.ID, trade.Version, ports.TradePatch{IncEntryAttempts: true}, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
		}
		return trade, fmt.Errorf("recording entry attempt: %w", err)
	}

	orderID, err := s.gateway.SubmitEntry(ctx, settings, prepared)
	if err != nil {
		var rej *ports.RejectionError
		if errors.As(err, &rej) {
			// The broker refused the entry: the paper trade cannot open.
			reason := domain.CloseReasonCanceled
			now := time.Now().UTC()
			patch := ports.TradePatch{CloseReason: &reason, ClosedAt: &now}
			meta := map[string]string{"order_id": rej.OrderID, "reason": rej.Reason}
			canceled, aerr := s.applyTransition(ctx, prepared, domain.StatusCanceled, domain.TriggerSystem, patch, meta)
			if aerr != nil {
				s.logger.Error(ctx, aerr, op+": Failed to cancel trade after entry rejection", map[string]interface{}{
					"tenantID": prepared.TenantID, "tradeID": prepared.ID})
				return prepared, err
			}
			return canceled, err
		}
		// Outage or timeout: the trade stays PENDING and the reconciler
		// owns the follow-up.
		s.logger.Warn(ctx, op+": Entry submission failed, trade left pending for reconciliation", map[string]interface{}{
			"tenantID": prepared.TenantID, "tradeID": prepared.ID, "attempt": prepared.EntryAttempts, "error": err.Error()})
		return prepared, err
	}

	updated, err := s.store.ApplyPatch(ctx, prepared.TenantID, prepared.ID, prepared.Version, ports.TradePatch{EntryOrderID: &orderID}, nil)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
		}
		s.logger.Error(ctx, err, op+": Order placed but recording its id failed", map[string]interface{}{
			"tenantID": prepared.TenantID, "tradeID": prepared.ID, "orderID": orderID})
		return prepared, err
	}
	s.logger.Info(ctx, op+": Entry order submitted", map[string]interface{}{
		"tenantID": updated.TenantID, "tradeID": updated.ID, "orderID": orderID, "attempt": updated.EntryAttempts})
	return updated, nil
}

// submitCloseAndClaim runs the close protocol: mirror the close order,
// confirm it survived settlement, then claim the trade into CLOSING
// under the version check. Losing the claim withdraws the duplicate
// order. In every failure mode the trade row is left untouched.
func (s *TradeService) submitCloseAndClaim(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade, reason domain.CloseReason, trigger domain.TransitionTrigger, meta map[string]string) (*domain.Trade, error) {
	op := "submitCloseAndClaim"
	orderID, err := s.gateway.SubmitClose(ctx, settings, trade)
	if err != nil {
		var rej *ports.RejectionError
		if errors.As(err, &rej) {
			s.logger.Warn(ctx, op+": Broker rejected close order, trade unchanged", map[string]interface{}{
				"tenantID": trade.TenantID, "tradeID": trade.ID, "orderID": rej.OrderID, "reason": rej.Reason})
		}
		return nil, err
	}

	patch := ports.TradePatch{CloseOrderID: &orderID, CloseReason: &reason, IncCloseAttempts: true}
	updated, err := s.applyTransition(ctx, trade, domain.StatusClosing, trigger, patch, meta)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			// Another actor won the race to move this trade. Our order
			// is the duplicate; withdraw it.
			s.logger.Warn(ctx, op+": Lost close claim, withdrawing duplicate order", map[string]interface{}{
				"tenantID": trade.TenantID, "tradeID": trade.ID, "orderID": orderID})
			s.cancelOrderWarn(ctx, settings, orderID, "close")
		}
		return nil, err
	}
	s.logger.Info(ctx, op+": Close order submitted and claimed", map[string]interface{}{
		"tenantID": updated.TenantID, "tradeID": updated.ID, "orderID": orderID, "reason": string(reason)})
	return updated, nil
}

// applyTransition is the gate every status change passes through: it
// checks the legality table, then persists the patch and the audit row
// atomically under the optimistic version check.
func (s *TradeService) applyTransition(ctx context.Context, trade *domain.Trade, to domain.TradeStatus, trigger domain.TransitionTrigger, patch ports.TradePatch, meta map[string]string) (*domain.Trade, error) {
	if !domain.CanTransition(trade.Status, to) {
		return nil, fmt.Errorf("transition %s -> %s is not legal for trade %s: %w",
			trade.Status, to, trade.ID, ports.ErrValidation)
	}
	patch.Status = &to
	transition := &domain.StateTransition{
		TradeID:    trade.ID,
		FromStatus: trade.Status,
		ToStatus:   to,
		Trigger:    trigger,
		Metadata:   meta,
	}
	updated, err := s.store.ApplyPatch(ctx, trade.TenantID, trade.ID, trade.Version, patch, transition)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			telemetry.IncVersionConflict()
		}
		return nil, err
	}
	telemetry.IncTransition(string(trigger))
	telemetry.IncTradeStatus(string(to))
	s.logger.Info(ctx, "Trade transitioned", map[string]interface{}{
		"tenantID": updated.TenantID, "tradeID": updated.ID,
		"from": string(trade.Status), "to": string(to), "trigger": string(trigger), "version": updated.Version})
	return updated, nil
}

// logIgnoredEvent records an asynchronous event that arrived for a
// trade no longer in a compatible state. These are expected churn, not
// errors.
func (s *TradeService) logIgnoredEvent(ctx context.Context, trade *domain.Trade, to domain.TradeStatus, source string) {
	telemetry.IncIllegalEvent(source)
	s.logger.Warn(ctx, "Ignoring stale event for trade in incompatible state", map[string]interface{}{
		"tenantID": trade.TenantID, "tradeID": trade.ID,
		"status": string(trade.Status), "attempted": string(to), "source": source})
}

// settingsFor loads the tenant's settings; a tenant with none runs on
// defaults.
func (s *TradeService) settingsFor(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	settings, err := s.store.GetSettings(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading settings for tenant %s: %w", tenantID, err)
	}
	return settings, nil
}

// cancelOrderWarn attempts to cancel an order and logs a warning on
// failure. An order that is already gone counts as canceled.
func (s *TradeService) cancelOrderWarn(ctx context.Context, settings *domain.TenantSettings, orderID, kind string) {
	op := "cancelOrderWarn"
	if err := s.gateway.CancelBrokerOrder(ctx, settings, orderID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			s.logger.Warn(ctx, op+": Order not found, likely already filled or canceled", map[string]interface{}{
				"orderID": orderID, "type": kind})
			return
		}
		s.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{
			"orderID": orderID, "type": kind})
		return
	}
	s.logger.Info(ctx, op+": Order canceled", map[string]interface{}{"orderID": orderID, "type": kind})
}
