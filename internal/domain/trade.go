package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ContractMultiplier is the number of underlying shares one option
// contract controls.
const ContractMultiplier = 100

// Trade represents a single simulated option position, from creation
// through terminal close.
type Trade struct {
	ID             string  // Surrogate id (ULID, time-sortable)
	TenantID       string  // Owning tenant; every store access is scoped by it
	IdempotencyKey *string // Client token making create retries safe (unique per tenant)

	Ticker     string     // Underlying symbol (e.g., "AAPL")
	OptionType OptionType // CALL or PUT
	Strike     float64    // Strike price of the contract
	Expiry     time.Time  // Expiry date of the contract (date precision, UTC)
	Direction  Direction  // LONG or SHORT
	EntryPrice float64    // Premium per share at entry
	Quantity   int64      // Number of contracts, always > 0
	StopLoss   *float64   // Stop-loss premium level (nil = none)
	TakeProfit *float64   // Take-profit premium level (nil = none)

	Status  TradeStatus // Current lifecycle state, see the transition table
	Version int64       // Incremented by exactly 1 per successful mutation

	EntryOrderID *string    // Broker order id for the entry order
	CloseOrderID *string    // Broker order id for the in-flight close order
	FillPrice    *float64   // Premium the entry order filled at
	FilledAt     *time.Time // When the entry fill was confirmed

	ExitPrice   *float64    // Premium the position exited at (terminal only)
	RealizedPnL *float64    // Realized profit/loss in account currency (terminal only)
	CloseReason CloseReason // Why the position was closed (SL_HIT, TP_HIT, MANUAL, ...)

	Context map[string]string // Strategy/analytics metadata, opaque to the engine

	EntryAttempts int // Entry order submissions so far, bounds reconciliation resubmits
	CloseAttempts int // Close order submissions so far

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time // Set when a terminal status is reached
}

// IsTerminal reports whether the trade reached a final status.
func (t *Trade) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// IsActive reports whether the trade holds a live position the price
// monitor should be watching.
func (t *Trade) IsActive() bool {
	return t.Status == StatusOpen || t.Status == StatusPartiallyFilled
}

// PnLAt returns the realized profit or loss of exiting the whole
// position at the given premium, in account currency.
func (t *Trade) PnLAt(exit float64) float64 {
	gross := (exit - t.EntryPrice) * float64(t.Quantity) * ContractMultiplier
	if t.Direction == Short {
		return -gross
	}
	return gross
}

// HitStopLoss reports whether the mark crosses the stop-loss level. A
// long position stops out when the mark falls to or below the level, a
// short position when it rises to or above it.
func (t *Trade) HitStopLoss(mark float64) bool {
	if t.StopLoss == nil {
		return false
	}
	if t.Direction == Short {
		return mark >= *t.StopLoss
	}
	return mark <= *t.StopLoss
}

// HitTakeProfit reports whether the mark crosses the take-profit level.
func (t *Trade) HitTakeProfit(mark float64) bool {
	if t.TakeProfit == nil {
		return false
	}
	if t.Direction == Short {
		return mark <= *t.TakeProfit
	}
	return mark >= *t.TakeProfit
}

// IsExpired reports whether the contract's expiry date has passed.
// Expiry is held at date precision; the contract stays live through the
// end of its expiry day.
func (t *Trade) IsExpired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	eod := time.Date(t.Expiry.Year(), t.Expiry.Month(), t.Expiry.Day(), 23, 59, 59, 0, time.UTC)
	return now.After(eod)
}

// Notional is the premium value the entry order commits, in account
// currency.
func (t *Trade) Notional() float64 {
	return t.EntryPrice * float64(t.Quantity) * ContractMultiplier
}

// OCCSymbol builds the standard OCC option symbol, e.g. a 150 call on
// AAPL expiring 2025-01-17 is AAPL250117C00150000. The strike occupies
// eight digits in thousandths of a dollar.
func OCCSymbol(ticker string, typ OptionType, strike float64, expiry time.Time) string {
	letter := "C"
	if typ == Put {
		letter = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(ticker), expiry.Format("060102"), letter, int64(math.Round(strike*1000)))
}

// OCCSymbol returns the trade's contract identifier in OCC format.
func (t *Trade) OCCSymbol() string {
	return OCCSymbol(t.Ticker, t.OptionType, t.Strike, t.Expiry)
}

// Validate checks the structural invariants required before a trade is
// persisted. It reports every problem found, not just the first.
func (t *Trade) Validate() error {
	var errs []string
	if t.TenantID == "" {
		errs = append(errs, "tenant id is required")
	}
	if t.Ticker == "" {
		errs = append(errs, "ticker is required")
	}
	if t.OptionType != Call && t.OptionType != Put {
		errs = append(errs, fmt.Sprintf("option type must be CALL or PUT, got %q", t.OptionType))
	}
	if t.Strike <= 0 {
		errs = append(errs, fmt.Sprintf("strike must be positive, got %.2f", t.Strike))
	}
	if t.Expiry.IsZero() {
		errs = append(errs, "expiry date is required")
	}
	if t.Direction != Long && t.Direction != Short {
		errs = append(errs, fmt.Sprintf("direction must be LONG or SHORT, got %q", t.Direction))
	}
	if t.EntryPrice <= 0 {
		errs = append(errs, fmt.Sprintf("entry price must be positive, got %.2f", t.EntryPrice))
	}
	if t.Quantity <= 0 {
		errs = append(errs, fmt.Sprintf("quantity must be a positive contract count, got %d", t.Quantity))
	}
	if t.StopLoss != nil && *t.StopLoss <= 0 {
		errs = append(errs, "stop loss must be positive when set")
	}
	if t.TakeProfit != nil && *t.TakeProfit <= 0 {
		errs = append(errs, "take profit must be positive when set")
	}
	if t.StopLoss != nil && t.TakeProfit != nil {
		slBelow := *t.StopLoss < *t.TakeProfit
		if t.Direction == Long && !slBelow {
			errs = append(errs, "stop loss must be below take profit for a long trade")
		}
		if t.Direction == Short && slBelow {
			errs = append(errs, "stop loss must be above take profit for a short trade")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid trade: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateExitLevels checks that the configured stop loss and take
// profit sit on the side of the entry price where they can actually
// trigger: a long stop below entry and a long target above it, mirrored
// for shorts. Levels that can never fire are a configuration mistake,
// not a dormant order.
func (t *Trade) ValidateExitLevels() error {
	var errs []string
	if t.Direction == Long {
		if t.StopLoss != nil && *t.StopLoss >= t.EntryPrice {
			errs = append(errs, fmt.Sprintf("stop loss %.2f cannot trigger at or above long entry %.2f", *t.StopLoss, t.EntryPrice))
		}
		if t.TakeProfit != nil && *t.TakeProfit <= t.EntryPrice {
			errs = append(errs, fmt.Sprintf("take profit %.2f cannot trigger at or below long entry %.2f", *t.TakeProfit, t.EntryPrice))
		}
	} else {
		if t.StopLoss != nil && *t.StopLoss <= t.EntryPrice {
			errs = append(errs, fmt.Sprintf("stop loss %.2f cannot trigger at or below short entry %.2f", *t.StopLoss, t.EntryPrice))
		}
		if t.TakeProfit != nil && *t.TakeProfit >= t.EntryPrice {
			errs = append(errs, fmt.Sprintf("take profit %.2f cannot trigger at or above short entry %.2f", *t.TakeProfit, t.EntryPrice))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid exit levels: %s", strings.Join(errs, "; "))
	}
	return nil
}
