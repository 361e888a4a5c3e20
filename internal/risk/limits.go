// Package risk enforces per-tenant order limits before entry orders
// reach the broker.
package risk

import (
	"context"
	"fmt"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
)

// Manager validates entry intents against tenant limits. It keeps no
// state of its own: open-trade counts are read through the store on
// every check, so concurrently running process instances agree.
type Manager struct {
	store  ports.TradeStore
	logger ports.Logger
}

// NewManager creates a risk manager.
func NewManager(store ports.TradeStore, logger ports.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required for risk manager")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk manager")
	}
	return &Manager{store: store, logger: logger}, nil
}

// CheckOrder validates the static shape of an entry order against the
// tenant's limits. A zero limit means unlimited. Violations wrap
// ErrRiskLimit. Runs before anything is persisted.
func (m *Manager) CheckOrder(settings *domain.TenantSettings, trade *domain.Trade) error {
	if settings == nil {
		return nil
	}
	if settings.MaxOrderQuantity > 0 && trade.Quantity > settings.MaxOrderQuantity {
		return fmt.Errorf("quantity %d exceeds tenant limit %d: %w",
			trade.Quantity, settings.MaxOrderQuantity, ports.ErrRiskLimit)
	}
	if settings.MaxOrderNotional > 0 && trade.Notional() > settings.MaxOrderNotional {
		return fmt.Errorf("order notional %.2f exceeds tenant limit %.2f: %w",
			trade.Notional(), settings.MaxOrderNotional, ports.ErrRiskLimit)
	}
	return nil
}

// CheckCapacity validates the tenant's open-trade count. The trade
// itself is excluded from the count, so the check can run after an
// idempotent insert without double-counting the row it is judging.
func (m *Manager) CheckCapacity(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) error {
	if settings == nil || settings.MaxOpenTrades <= 0 {
		return nil
	}
	open, err := m.store.ListTrades(ctx, trade.TenantID,
		domain.StatusPending, domain.StatusOpen, domain.StatusPartiallyFilled, domain.StatusClosing)
	if err != nil {
		return fmt.Errorf("counting open trades for tenant %s: %w", trade.TenantID, err)
	}
	count := 0
	for _, t := range open {
		if t.ID != trade.ID {
			count++
		}
	}
	if count >= settings.MaxOpenTrades {
		m.logger.Warn(ctx, "Entry blocked by open-trade limit", map[string]interface{}{
			"tenantID": trade.TenantID, "open": count, "limit": settings.MaxOpenTrades})
		return fmt.Errorf("tenant holds %d other non-terminal trades, limit %d: %w",
			count, settings.MaxOpenTrades, ports.ErrRiskLimit)
	}
	return nil
}
