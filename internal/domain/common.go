package domain

// OptionType distinguishes call from put contracts.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Direction represents the side of a simulated position. A LONG trade
// profits when the option's mark rises, a SHORT trade when it falls.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending         TradeStatus = "PENDING"
	StatusOpen            TradeStatus = "OPEN"
	StatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
	StatusClosing         TradeStatus = "CLOSING"
	StatusClosed          TradeStatus = "CLOSED"
	StatusExpired         TradeStatus = "EXPIRED"
	StatusCanceled        TradeStatus = "CANCELED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// ActiveStatuses are the states holding a live position, i.e. the ones
// the price monitor watches and the expiry sweep may force out.
var ActiveStatuses = []TradeStatus{StatusOpen, StatusPartiallyFilled}

// legalTransitions is the authoritative lifecycle table. An edge absent
// here is never applied: async events along illegal edges are dropped,
// user requests along them are rejected.
var legalTransitions = map[TradeStatus]map[TradeStatus]bool{
	StatusPending:         {StatusOpen: true, StatusCanceled: true},
	StatusOpen:            {StatusPartiallyFilled: true, StatusClosing: true, StatusExpired: true, StatusCanceled: true},
	StatusPartiallyFilled: {StatusClosing: true, StatusExpired: true, StatusCanceled: true},
	StatusClosing:         {StatusClosed: true, StatusCanceled: true},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to TradeStatus) bool {
	return legalTransitions[from][to]
}

// CloseReason indicates why a trade left its position.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL_HIT"
	CloseReasonTakeProfit CloseReason = "TP_HIT"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonExpired    CloseReason = "EXPIRED"
	CloseReasonCanceled   CloseReason = "CANCELED"
)

// TransitionTrigger identifies the event source behind a status change.
type TransitionTrigger string

const (
	TriggerUserAction   TransitionTrigger = "USER_ACTION"
	TriggerBrokerFill   TransitionTrigger = "BROKER_FILL"
	TriggerPriceTrigger TransitionTrigger = "PRICE_TRIGGER"
	TriggerExpirySweep  TransitionTrigger = "EXPIRY_SWEEP"
	TriggerSystem       TransitionTrigger = "SYSTEM"
)

// SnapshotReason records why a price snapshot was taken.
type SnapshotReason string

const (
	SnapshotSweep  SnapshotReason = "SWEEP"
	SnapshotExpiry SnapshotReason = "EXPIRY"
	SnapshotManual SnapshotReason = "MANUAL"
)

// TriggerPriority selects which threshold wins when a single snapshot
// crosses both the stop-loss and the take-profit.
type TriggerPriority string

const (
	PrioritySLFirst TriggerPriority = "SL_FIRST"
	PriorityTPFirst TriggerPriority = "TP_FIRST"
)

// BrokerMode selects the broker environment orders are mirrored to.
type BrokerMode string

const (
	ModeSandbox BrokerMode = "sandbox"
	ModeLive    BrokerMode = "live"
)
