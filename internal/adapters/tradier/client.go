// Package tradier implements the broker and market-data ports against
// the Tradier brokerage REST API. Tradier authenticates with a bearer
// token per account; the credential pair carries the token in APIKey
// and the account id in APISecret.
package tradier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
)

const (
	// SandboxURL is Tradier's paper-trading environment.
	SandboxURL = "https://sandbox.tradier.com"
	// LiveURL is Tradier's production environment.
	LiveURL = "https://api.tradier.com"
)

// Client implements ports.BrokerClient against the Tradier API.
type Client struct {
	sandboxURL string
	liveURL    string
	httpClient *http.Client
	logger     ports.Logger
}

// Config holds configuration for the Tradier broker client.
type Config struct {
	Logger     ports.Logger
	Timeout    time.Duration // Per-request timeout, default 10s
	SandboxURL string        // Override for tests; defaults to SandboxURL
	LiveURL    string        // Override for tests; defaults to LiveURL
}

// New creates a Tradier broker client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Tradier client")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sandbox := cfg.SandboxURL
	if sandbox == "" {
		sandbox = SandboxURL
	}
	live := cfg.LiveURL
	if live == "" {
		live = LiveURL
	}
	return &Client{
		sandboxURL: sandbox,
		liveURL:    live,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

func (c *Client) baseFor(mode domain.BrokerMode) string {
	if mode == domain.ModeLive {
		return c.liveURL
	}
	return c.sandboxURL
}

// --- Wire types ---

type orderEnvelope struct {
	Order struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		AvgFillPrice      float64     `json:"avg_fill_price"`
		ExecQuantity      json.Number `json:"exec_quantity"`
		ReasonDescription string      `json:"reason_description"`
		TransactionDate   string      `json:"transaction_date"`
	} `json:"order"`
}

type positionsEnvelope struct {
	Positions json.RawMessage `json:"positions"`
}

type position struct {
	Symbol    string      `json:"symbol"`
	Quantity  float64     `json:"quantity"`
	CostBasis float64     `json:"cost_basis"`
	ID        json.Number `json:"id"`
}

// flexPositions absorbs Tradier returning an object for one position
// and an array for several.
type flexPositions []position

func (f *flexPositions) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, (*[]position)(f))
	}
	var p position
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*f = flexPositions{p}
	return nil
}

// --- BrokerClient implementation ---

// PlaceOrder submits one option order. The returned id only means the
// broker accepted the submission; margin and validity checks can still
// reject it, which surfaces on a later GetOrderStatus.
func (c *Client) PlaceOrder(ctx context.Context, creds ports.Credentials, req ports.OrderRequest) (string, error) {
	op := "PlaceOrder"
	if err := checkCreds(creds); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", strings.ToUpper(req.Ticker))
	form.Set("option_symbol", domain.OCCSymbol(req.Ticker, req.OptionType, req.Strike, req.Expiry))
	form.Set("side", string(req.Side))
	form.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	form.Set("type", "market")
	form.Set("duration", "day")
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/orders", c.baseFor(req.Mode), creds.APISecret)
	var env orderEnvelope
	if err := c.do(ctx, creds.APIKey, http.MethodPost, endpoint, form, &env); err != nil {
		return "", c.handleError(ctx, err, op)
	}
	orderID := env.Order.ID.String()
	if orderID == "" {
		return "", c.handleError(ctx, fmt.Errorf("order response carried no id: %w", ports.ErrBrokerUnavailable), op)
	}
	c.logger.Debug(ctx, "Order submitted", map[string]interface{}{
		"op": op, "orderID": orderID, "side": string(req.Side), "tag": req.Tag})
	return orderID, nil
}

// GetOrderStatus retrieves the order's current state, translating
// Tradier's status vocabulary into the shared one.
func (c *Client) GetOrderStatus(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID string) (*ports.OrderStatus, error) {
	op := "GetOrderStatus"
	if err := checkCreds(creds); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/orders/%s", c.baseFor(mode), creds.APISecret, orderID)
	var env orderEnvelope
	if err := c.do(ctx, creds.APIKey, http.MethodGet, endpoint, nil, &env); err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	filled, _ := env.Order.ExecQuantity.Int64()
	status := &ports.OrderStatus{
		OrderID:   env.Order.ID.String(),
		State:     translateState(env.Order.Status),
		FillPrice: env.Order.AvgFillPrice,
		FilledQty: filled,
		Reason:    env.Order.ReasonDescription,
		UpdatedAt: parseOrderTime(env.Order.TransactionDate),
	}
	return status, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID string) error {
	op := "CancelOrder"
	if err := checkCreds(creds); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/orders/%s", c.baseFor(mode), creds.APISecret, orderID)
	if err := c.do(ctx, creds.APIKey, http.MethodDelete, endpoint, nil, nil); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, "Order canceled", map[string]interface{}{"op": op, "orderID": orderID})
	return nil
}

// GetPositions lists the account's option positions.
func (c *Client) GetPositions(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode) ([]ports.BrokerPosition, error) {
	op := "GetPositions"
	if err := checkCreds(creds); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/positions", c.baseFor(mode), creds.APISecret)
	var env positionsEnvelope
	if err := c.do(ctx, creds.APIKey, http.MethodGet, endpoint, nil, &env); err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// An empty account comes back as "positions": "null".
	raw := strings.TrimSpace(string(env.Positions))
	if raw == "" || raw == "null" || raw == `"null"` {
		return []ports.BrokerPosition{}, nil
	}
	var inner struct {
		Position flexPositions `json:"position"`
	}
	if err := json.Unmarshal(env.Positions, &inner); err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("decode positions: %w", err), op)
	}
	out := make([]ports.BrokerPosition, 0, len(inner.Position))
	for _, p := range inner.Position {
		out = append(out, ports.BrokerPosition{
			Symbol:    p.Symbol,
			Quantity:  int64(p.Quantity),
			CostBasis: p.CostBasis,
		})
	}
	return out, nil
}

// --- Plumbing ---

func checkCreds(creds ports.Credentials) error {
	if creds.APIKey == "" {
		return fmt.Errorf("access token missing: %w", ports.ErrCredentials)
	}
	if creds.APISecret == "" {
		return fmt.Errorf("account id missing: %w", ports.ErrCredentials)
	}
	return nil
}

// statusError carries the HTTP status for later translation.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tradier API error (status %d): %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, token, method, endpoint string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// handleError translates transport and HTTP failures into the shared
// ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var se *statusError
	if errors.As(err, &se) {
		fields["httpStatus"] = se.code
		var mappedErr error
		switch {
		case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
			mappedErr = ports.ErrCredentials
		case se.code == http.StatusNotFound:
			mappedErr = ports.ErrOrderNotFound
		case se.code == http.StatusTooManyRequests:
			mappedErr = ports.ErrRateLimited
		case se.code >= 500:
			mappedErr = ports.ErrBrokerUnavailable
		case se.code >= 400:
			mappedErr = ports.ErrValidation
		default:
			mappedErr = ports.ErrBrokerUnavailable
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, ports.ErrCredentials), errors.Is(err, ports.ErrBrokerRejected),
		errors.Is(err, ports.ErrBrokerUnavailable), errors.Is(err, ports.ErrValidation):
		finalErr = err // already translated
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w", operation, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"),
		strings.Contains(err.Error(), "Client.Timeout exceeded"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrBrokerUnavailable, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrBrokerUnavailable, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// translateState maps Tradier's order status strings onto the shared
// vocabulary.
func translateState(s string) ports.OrderState {
	switch strings.ToLower(s) {
	case "pending", "submitted", "received", "ok":
		return ports.OrderPending
	case "open", "partially_filled_pending":
		return ports.OrderOpen
	case "partially_filled":
		return ports.OrderPartial
	case "filled":
		return ports.OrderFilled
	case "rejected", "error":
		return ports.OrderRejected
	case "canceled", "cancelled":
		return ports.OrderCanceled
	case "expired":
		return ports.OrderExpired
	default:
		return ports.OrderPending
	}
}

func parseOrderTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
