// Package gateway mediates every outbound broker call: it applies the
// shared rate limit, opens tenant credentials per call, enforces the
// settle-confirmation protocol on submissions, and retries idempotent
// reads with bounded backoff. Order placement is never retried here —
// a caller wanting a resubmission must derive a fresh order tag.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
	"optionsim/internal/secrets"
	"optionsim/internal/telemetry"
)

// Gateway wraps one broker vendor client behind the outbound policies.
type Gateway struct {
	broker  ports.BrokerClient
	box     *secrets.Box
	limiter *SlidingWindow
	logger  ports.Logger
	cfg     Config
}

// Config holds the gateway's tuning knobs.
type Config struct {
	SettleDelay time.Duration // Pause between submission ack and the confirmation poll
	CallTimeout time.Duration // Ceiling per outbound call
	RetryMin    time.Duration // Backoff floor for idempotent reads
	RetryMax    time.Duration // Backoff ceiling
	MaxRetries  int           // Extra attempts for idempotent reads
	RateLimit   int           // Calls admitted per RateWindow, shared across all outbound traffic
	RateWindow  time.Duration
}

// New creates a Gateway.
func New(broker ports.BrokerClient, box *secrets.Box, logger ports.Logger, cfg Config) (*Gateway, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker client is required for gateway")
	}
	if box == nil {
		return nil, fmt.Errorf("secrets box is required for gateway")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for gateway")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 250 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Gateway{
		broker:  broker,
		box:     box,
		limiter: NewSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		logger:  logger,
		cfg:     cfg,
	}, nil
}

// EntryTag derives the client order tag for the trade's current entry
// attempt. Callers record the attempt on the trade before submitting,
// so a reconciler resubmission carries a tag distinct from the
// original's.
func EntryTag(t *domain.Trade) string {
	return fmt.Sprintf("ent-%s-a%d", t.ID, t.EntryAttempts)
}

// CloseTag derives the deterministic client order tag for closing the
// trade at its current version. Two actors racing to close the same
// version produce the same tag, and a post-rejection resubmission (at a
// bumped version) produces a fresh one.
func CloseTag(t *domain.Trade) string {
	return fmt.Sprintf("cls-%s-v%d", t.ID, t.Version)
}

// SubmitEntry mirrors the trade's entry to the broker and confirms the
// submission survived the broker's downstream checks. Returns the
// broker order id, or a RejectionError when the settle poll finds the
// order rejected.
func (g *Gateway) SubmitEntry(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) (string, error) {
	side := ports.BuyToOpen
	if trade.Direction == domain.Short {
		side = ports.SellToOpen
	}
	req := ports.OrderRequest{
		Tag:        EntryTag(trade),
		Ticker:     trade.Ticker,
		OptionType: trade.OptionType,
		Strike:     trade.Strike,
		Expiry:     trade.Expiry,
		Side:       side,
		Quantity:   trade.Quantity,
		Mode:       settings.Mode(),
	}
	return g.submitAndConfirm(ctx, settings, req, "entry")
}

// SubmitClose mirrors a close order for the whole position, tagged with
// the trade's current version so duplicates are recognizable.
func (g *Gateway) SubmitClose(ctx context.Context, settings *domain.TenantSettings, trade *domain.Trade) (string, error) {
	side := ports.SellToClose
	if trade.Direction == domain.Short {
		side = ports.BuyToClose
	}
	req := ports.OrderRequest{
		Tag:        CloseTag(trade),
		Ticker:     trade.Ticker,
		OptionType: trade.OptionType,
		Strike:     trade.Strike,
		Expiry:     trade.Expiry,
		Side:       side,
		Quantity:   trade.Quantity,
		Mode:       settings.Mode(),
	}
	return g.submitAndConfirm(ctx, settings, req, "close")
}

// OrderStatus polls the broker's view of an order, retrying transient
// failures with bounded backoff.
func (g *Gateway) OrderStatus(ctx context.Context, settings *domain.TenantSettings, orderID string) (*ports.OrderStatus, error) {
	creds, err := g.credentialsFor(settings)
	if err != nil {
		return nil, err
	}
	return g.orderStatus(ctx, creds, settings.Mode(), orderID)
}

// CancelBrokerOrder cancels one working order. Cancels are not retried:
// a second attempt against an already-canceled order only confuses the
// audit of what happened first.
func (g *Gateway) CancelBrokerOrder(ctx context.Context, settings *domain.TenantSettings, orderID string) error {
	creds, err := g.credentialsFor(settings)
	if err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	if err := g.broker.CancelOrder(cctx, creds, settings.Mode(), orderID); err != nil {
		telemetry.IncOrder("cancel", "error")
		return err
	}
	telemetry.IncOrder("cancel", "ok")
	return nil
}

// Positions lists the tenant's option positions as the broker sees
// them, for reconciliation cross-checks.
func (g *Gateway) Positions(ctx context.Context, settings *domain.TenantSettings) ([]ports.BrokerPosition, error) {
	creds, err := g.credentialsFor(settings)
	if err != nil {
		return nil, err
	}
	var positions []ports.BrokerPosition
	err = g.withRetry(ctx, "GetPositions", func() error {
		if err := g.wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		p, err := g.broker.GetPositions(cctx, creds, settings.Mode())
		if err != nil {
			return err
		}
		positions = p
		return nil
	})
	return positions, err
}

// --- Internals ---

func (g *Gateway) submitAndConfirm(ctx context.Context, settings *domain.TenantSettings, req ports.OrderRequest, kind string) (string, error) {
	op := "submitAndConfirm"
	creds, err := g.credentialsFor(settings)
	if err != nil {
		return "", err
	}
	if err := g.wait(ctx); err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	orderID, err := g.broker.PlaceOrder(cctx, creds, req)
	cancel()
	if err != nil {
		telemetry.IncOrder(kind, "error")
		return "", fmt.Errorf("placing %s order: %w", kind, err)
	}
	g.logger.Info(ctx, "Order acknowledged, awaiting settle confirmation", map[string]interface{}{
		"op": op, "kind": kind, "orderID": orderID, "tag": req.Tag, "settleDelay": g.cfg.SettleDelay.String()})

	// An acknowledged submission is not an execution: margin and
	// validity rejections only surface on the follow-up query.
	timer := time.NewTimer(g.cfg.SettleDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		g.cancelOrderWarn(ctx, creds, req.Mode, orderID, kind)
		return "", fmt.Errorf("%s order %s unconfirmed, canceled: %w", kind, orderID, ctx.Err())
	case <-timer.C:
	}

	status, err := g.orderStatus(ctx, creds, req.Mode, orderID)
	if err != nil {
		telemetry.IncOrder(kind, "error")
		g.cancelOrderWarn(ctx, creds, req.Mode, orderID, kind)
		return "", fmt.Errorf("%s order %s submitted but unconfirmed: %w", kind, orderID, err)
	}
	if status.State == ports.OrderRejected {
		telemetry.IncOrder(kind, "rejected")
		telemetry.IncBrokerRejection()
		g.logger.Warn(ctx, "Broker rejected order after acknowledging submission", map[string]interface{}{
			"op": op, "kind": kind, "orderID": orderID, "reason": status.Reason})
		return "", &ports.RejectionError{OrderID: orderID, Reason: status.Reason}
	}

	telemetry.IncOrder(kind, "ok")
	return orderID, nil
}

func (g *Gateway) orderStatus(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID string) (*ports.OrderStatus, error) {
	var status *ports.OrderStatus
	err := g.withRetry(ctx, "GetOrderStatus", func() error {
		if err := g.wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		s, err := g.broker.GetOrderStatus(cctx, creds, mode, orderID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	return status, err
}

// withRetry runs fn, repeating transient failures with exponential
// backoff up to MaxRetries extra attempts. Only reads go through here.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: g.cfg.RetryMin, Max: g.cfg.RetryMax, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := b.Duration()
			g.logger.Warn(ctx, "Retrying broker read", map[string]interface{}{
				"op": op, "attempt": attempt, "backoff": d.String()})
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, ports.ErrBrokerUnavailable) ||
		errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrRateLimited)
}

func (g *Gateway) wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.AddRateLimitWait(waited.Seconds())
	}
	return nil
}

// credentialsFor opens the tenant's sealed credentials. Plaintext lives
// only in the returned value, which never gets logged or persisted.
func (g *Gateway) credentialsFor(settings *domain.TenantSettings) (ports.Credentials, error) {
	if settings == nil || len(settings.EncryptedAPIKey) == 0 || len(settings.EncryptedAPISecret) == 0 {
		return ports.Credentials{}, fmt.Errorf("tenant has no broker credentials: %w", ports.ErrCredentials)
	}
	key, err := g.box.Open(settings.EncryptedAPIKey)
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("opening broker api key: %w", ports.ErrCredentials)
	}
	secret, err := g.box.Open(settings.EncryptedAPISecret)
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("opening broker account id: %w", ports.ErrCredentials)
	}
	return ports.Credentials{APIKey: key, APISecret: secret}, nil
}

// cancelOrderWarn cancels an order best-effort, logging instead of
// propagating failure: callers are already on an error path and the
// order may resolve itself broker-side.
func (g *Gateway) cancelOrderWarn(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID, kind string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
	defer cancel()
	if err := g.broker.CancelOrder(cctx, creds, mode, orderID); err != nil {
		g.logger.Warn(ctx, "Failed to cancel unconfirmed order", map[string]interface{}{
			"kind": kind, "orderID": orderID, "error": err.Error()})
		return
	}
	telemetry.IncOrder("cancel", "ok")
}
