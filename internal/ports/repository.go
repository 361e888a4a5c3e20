package ports

import (
	"context"
	"time"

	"optionsim/internal/domain"
)

// TradePatch describes a partial mutation of a trade. Nil pointer
// fields are left untouched; the Clear flags reset their nullable
// column. Every patch application increments the trade version by 1.
type TradePatch struct {
	Status            *domain.TradeStatus
	StopLoss          *float64
	ClearStopLoss     bool
	TakeProfit        *float64
	ClearTakeProfit   bool
	EntryOrderID      *string
	CloseOrderID      *string
	ClearCloseOrderID bool
	FillPrice         *float64
	FilledAt          *time.Time
	ExitPrice         *float64
	RealizedPnL       *float64
	CloseReason       *domain.CloseReason
	ClosedAt          *time.Time
	Context           map[string]string // Merged key-by-key into the stored context
	IncEntryAttempts  bool
	IncCloseAttempts  bool
}

// TradeStore is the single authority over persisted state. Every method
// that touches rows takes the caller's tenant and scopes the query by
// it at the SQL level; a tenant can never observe another tenant's
// rows, directly or through a join.
type TradeStore interface {
	// CreateTrade persists a new trade in PENDING. When the trade
	// carries an idempotency key already present for the tenant, the
	// existing record is returned unchanged and created is false.
	CreateTrade(ctx context.Context, trade *domain.Trade) (stored *domain.Trade, created bool, err error)

	// GetTrade retrieves one trade. Returns ErrNotFound both when no
	// such id exists and when it belongs to another tenant.
	GetTrade(ctx context.Context, tenantID, id string) (*domain.Trade, error)

	// ListTrades retrieves the tenant's trades, newest first,
	// optionally filtered to the given statuses.
	ListTrades(ctx context.Context, tenantID string, statuses ...domain.TradeStatus) ([]*domain.Trade, error)

	// ApplyPatch applies the patch and increments the version in one
	// transaction, only if the stored version still equals
	// expectedVersion; otherwise it returns ErrConflict and changes
	// nothing. A non-nil transition is appended to the audit trail in
	// the same transaction. Returns the updated trade.
	ApplyPatch(ctx context.Context, tenantID, id string, expectedVersion int64, patch TradePatch, transition *domain.StateTransition) (*domain.Trade, error)

	// ListTenants enumerates the distinct tenants holding trades, so
	// background sweeps can keep every row read tenant-scoped.
	ListTenants(ctx context.Context) ([]string, error)

	// Transitions returns the trade's audit trail in insertion order.
	Transitions(ctx context.Context, tenantID, tradeID string) ([]*domain.StateTransition, error)

	// CreateSnapshot appends a price observation for the trade. The
	// insert fails with ErrNotFound if the trade does not belong to the
	// tenant.
	CreateSnapshot(ctx context.Context, tenantID string, snap *domain.PriceSnapshot) (int64, error)

	// Snapshots returns the trade's most recent observations, newest
	// first, up to limit.
	Snapshots(ctx context.Context, tenantID, tradeID string, limit int) ([]*domain.PriceSnapshot, error)

	// LatestSnapshot returns the most recent observation for the trade,
	// or ErrNotFound when none was ever taken.
	LatestSnapshot(ctx context.Context, tenantID, tradeID string) (*domain.PriceSnapshot, error)

	// UpsertSettings creates or replaces the tenant's configuration.
	UpsertSettings(ctx context.Context, settings *domain.TenantSettings) error

	// GetSettings retrieves the tenant's configuration, ErrNotFound
	// when the tenant never configured anything.
	GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
}
