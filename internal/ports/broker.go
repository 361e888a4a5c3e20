package ports

import (
	"context"
	"time"

	"optionsim/internal/domain"
)

// OrderSide is the option order side vocabulary shared by broker
// vendors. Opening and closing sides are distinct because the broker
// nets option positions by them.
type OrderSide string

const (
	BuyToOpen   OrderSide = "buy_to_open"
	SellToOpen  OrderSide = "sell_to_open"
	BuyToClose  OrderSide = "buy_to_close"
	SellToClose OrderSide = "sell_to_close"
)

// OrderState is the vendor-neutral state of a broker order.
type OrderState string

const (
	OrderPending  OrderState = "PENDING"          // Acknowledged, not yet working
	OrderOpen     OrderState = "OPEN"             // Working at the broker
	OrderPartial  OrderState = "PARTIALLY_FILLED" // Some contracts executed
	OrderFilled   OrderState = "FILLED"
	OrderRejected OrderState = "REJECTED" // Refused downstream (margin, validity, risk)
	OrderCanceled OrderState = "CANCELED"
	OrderExpired  OrderState = "EXPIRED" // Day order lapsed unfilled
)

// Credentials are a tenant's broker API credentials, decrypted in
// memory for the duration of a single call. Never logged, never stored.
type Credentials struct {
	APIKey    string
	APISecret string
}

// OrderRequest describes one option order to mirror to the broker.
type OrderRequest struct {
	Tag        string // Client order tag; the broker deduplicates resubmissions on it
	Ticker     string // Underlying symbol
	OptionType domain.OptionType
	Strike     float64
	Expiry     time.Time
	Side       OrderSide
	Quantity   int64             // Contracts
	Mode       domain.BrokerMode // Environment the order goes to
}

// OrderStatus is the broker's current view of one order.
type OrderStatus struct {
	OrderID   string
	State     OrderState
	FillPrice float64 // Average fill premium, 0 until any fill
	FilledQty int64   // Contracts executed so far
	Reason    string  // Broker's reason text, populated when State is REJECTED
	UpdatedAt time.Time
}

// BrokerPosition is one position as the broker reports it, used by
// reconciliation to cross-check local state.
type BrokerPosition struct {
	Symbol    string // OCC option symbol
	Quantity  int64  // Signed contract count, negative for short
	CostBasis float64
}

// BrokerClient is the capability surface one broker vendor must
// provide. One implementation exists per vendor; the gateway selects by
// tenant configuration. Credentials arrive per call so plaintext stays
// confined to call scope.
type BrokerClient interface {
	// PlaceOrder submits one order and returns the broker's order id.
	// An acknowledged submission is not an execution: the broker may
	// still reject downstream, which only a later GetOrderStatus
	// reveals.
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (orderID string, err error)

	// GetOrderStatus retrieves the current state of an order.
	GetOrderStatus(ctx context.Context, creds Credentials, mode domain.BrokerMode, orderID string) (*OrderStatus, error)

	// CancelOrder cancels a working order. Canceling an already-filled
	// order returns ErrValidation from the broker's response.
	CancelOrder(ctx context.Context, creds Credentials, mode domain.BrokerMode, orderID string) error

	// GetPositions lists the account's option positions.
	GetPositions(ctx context.Context, creds Credentials, mode domain.BrokerMode) ([]BrokerPosition, error)
}

// OrderGateway is the outbound order surface the application layer and
// the background workers drive. Implementations sit in front of a
// BrokerClient and own the cross-cutting policies: shared rate
// limiting, per-call credential handling, the settle-confirmation poll
// on submissions, and bounded retries for idempotent reads.
type OrderGateway interface {
	// SubmitEntry mirrors the trade's entry order and confirms it
	// survived the broker's downstream checks. A *RejectionError return
	// means the broker acknowledged and then refused the order.
	SubmitEntry(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) (orderID string, err error)

	// SubmitClose mirrors a close order for the trade's full position,
	// under the same settle-confirmation protocol as SubmitEntry.
	SubmitClose(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) (orderID string, err error)

	// OrderStatus polls the broker's view of an order, retrying
	// transient failures.
	OrderStatus(ctx context.Context, settings *domain.TenantSettings, orderID string) (*OrderStatus, error)

	// CancelBrokerOrder cancels one working order, without retries.
	CancelBrokerOrder(ctx context.Context, settings *domain.TenantSettings, orderID string) error

	// Positions lists the tenant's positions as the broker sees them.
	Positions(ctx context.Context, settings *domain.TenantSettings) ([]BrokerPosition, error)
}
