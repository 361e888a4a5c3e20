package domain

import "time"

// StateTransition is one accepted lifecycle status change. Rows are
// append-only: written exactly once per accepted transition, never
// updated or deleted.
type StateTransition struct {
	ID         int64             // Autoincrement id, orders the audit trail
	TradeID    string            // Trade the transition belongs to
	FromStatus TradeStatus       // Status before the event
	ToStatus   TradeStatus       // Status after the event
	Trigger    TransitionTrigger // Event source (user, broker fill, price trigger, ...)
	Metadata   map[string]string // Event details (mark price, order id, reason)
	CreatedAt  time.Time
}
