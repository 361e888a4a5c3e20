package domain

import "time"

// TenantSettings is the per-tenant configuration consumed read-only by
// the broker gateway and the price monitor. Broker credentials arrive
// here already sealed; plaintext never reaches the store.
type TenantSettings struct {
	TenantID             string
	MaxOpenTrades        int     // Risk limit: concurrent non-terminal trades (0 = unlimited)
	MaxOrderQuantity     int64   // Risk limit: contracts per order (0 = unlimited)
	MaxOrderNotional     float64 // Risk limit: premium value per order (0 = unlimited)
	DefaultStopLossPct   float64 // Fraction of entry premium, e.g. 0.25 (0 = no default)
	DefaultTakeProfitPct float64
	TriggerPriority      TriggerPriority // Tie-break when one snapshot crosses SL and TP
	BrokerMode           BrokerMode      // sandbox or live
	EncryptedAPIKey      []byte          // Broker credential, sealed at rest
	EncryptedAPISecret   []byte
	ExpiryMarkFallback   float64 // Exit mark for expired trades with no snapshot history
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Priority returns the configured tie-break policy, defaulting to
// stop-loss first when unset.
func (s *TenantSettings) Priority() TriggerPriority {
	if s == nil || s.TriggerPriority == "" {
		return PrioritySLFirst
	}
	return s.TriggerPriority
}

// Mode returns the configured broker environment, defaulting to sandbox
// when unset.
func (s *TenantSettings) Mode() BrokerMode {
	if s == nil || s.BrokerMode == "" {
		return ModeSandbox
	}
	return s.BrokerMode
}

// DefaultExitLevels derives stop-loss and take-profit premiums from the
// tenant's default percentages for a given entry. A zero percentage
// yields a nil level. Levels sit below entry for the loss side and
// above for the profit side of a long trade, mirrored for a short.
func (s *TenantSettings) DefaultExitLevels(entry float64, dir Direction) (sl, tp *float64) {
	if s == nil || entry <= 0 {
		return nil, nil
	}
	sign := 1.0
	if dir == Short {
		sign = -1.0
	}
	if s.DefaultStopLossPct > 0 {
		v := entry * (1 - sign*s.DefaultStopLossPct)
		if v > 0 {
			sl = &v
		}
	}
	if s.DefaultTakeProfitPct > 0 {
		v := entry * (1 + sign*s.DefaultTakeProfitPct)
		if v > 0 {
			tp = &v
		}
	}
	return sl, tp
}
