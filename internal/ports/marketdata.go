package ports

import (
	"context"
	"time"

	"optionsim/internal/domain"
)

// MarkQuote is one market-data observation for an option contract.
type MarkQuote struct {
	Price      float64        // Mark premium
	Bid        float64
	Ask        float64
	Greeks     *domain.Greeks // nil when the feed omits greeks
	Underlying float64        // Spot price of the underlying
	Timestamp  time.Time      // Feed-reported observation time; may lag now
}

// MarketDataClient supplies option marks for trigger evaluation and
// snapshots. The feed may fail or serve stale data; callers tolerate
// both and fall back to the last persisted snapshot where one exists.
type MarketDataClient interface {
	// GetMark retrieves the current quote for one option contract,
	// identified by underlying ticker and OCC option symbol.
	GetMark(ctx context.Context, ticker, optionSymbol string) (*MarkQuote, error)
}
