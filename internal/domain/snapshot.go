package domain

import "time"

// Greeks holds the option sensitivities reported by the market-data
// feed alongside a quote.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
	IV    float64 // Implied volatility, annualized
}

// PriceSnapshot is one observation of an option's market state, written
// by the price monitor for every watched trade on each sweep and never
// mutated afterwards.
type PriceSnapshot struct {
	ID         int64
	TradeID    string
	Mark       float64        // Mark premium used for P&L and trigger checks
	Bid        float64
	Ask        float64
	Greeks     *Greeks        // nil when the feed omitted greeks
	Underlying float64        // Spot price of the underlying at observation
	Reason     SnapshotReason // SWEEP, EXPIRY or MANUAL
	CreatedAt  time.Time
}
