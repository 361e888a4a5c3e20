package tradier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
)

// QuoteClient implements ports.MarketDataClient against the Tradier
// markets endpoints. Quotes authenticate with a single service-level
// token rather than per-tenant credentials, so the price monitor can
// sweep every tenant's trades with one feed.
type QuoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     ports.Logger
}

// QuoteConfig holds configuration for the market-data client.
type QuoteConfig struct {
	Token   string       // Service-level API token for the markets endpoints
	Sandbox bool         // Use the sandbox feed (delayed quotes)
	BaseURL string       // Override for tests
	Timeout time.Duration
	Logger  ports.Logger
}

// NewQuoteClient creates a Tradier market-data client.
func NewQuoteClient(cfg QuoteConfig) (*QuoteClient, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Tradier quote client")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("market data token is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = LiveURL
		if cfg.Sandbox {
			baseURL = SandboxURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QuoteClient{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

type quote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	TradeDate int64   `json:"trade_date"` // Milliseconds since epoch
	Greeks    *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
		Rho   float64 `json:"rho"`
		MidIV float64 `json:"mid_iv"`
	} `json:"greeks"`
}

// flexQuotes absorbs Tradier returning an object for one symbol and an
// array for several.
type flexQuotes []quote

func (f *flexQuotes) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, (*[]quote)(f))
	}
	var q quote
	if err := json.Unmarshal(b, &q); err != nil {
		return err
	}
	*f = flexQuotes{q}
	return nil
}

type quotesEnvelope struct {
	Quotes struct {
		Quote flexQuotes `json:"quote"`
	} `json:"quotes"`
}

// GetMark retrieves the option's current quote plus the underlying's
// last price in one request. The mark is the bid/ask midpoint, falling
// back to the last trade when the book is empty.
func (c *QuoteClient) GetMark(ctx context.Context, ticker, optionSymbol string) (*ports.MarkQuote, error) {
	op := "GetMark"

	params := url.Values{}
	params.Set("symbols", strings.ToUpper(ticker)+","+optionSymbol)
	params.Set("greeks", "true")
	endpoint := fmt.Sprintf("%s/v1/markets/quotes?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.translate(ctx, err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.translate(ctx, &statusError{code: resp.StatusCode, body: "quotes request failed"}, op)
	}

	var env quotesEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, c.translate(ctx, fmt.Errorf("decode response: %w", err), op)
	}

	var optQuote, underQuote *quote
	for i := range env.Quotes.Quote {
		q := &env.Quotes.Quote[i]
		switch q.Symbol {
		case optionSymbol:
			optQuote = q
		case strings.ToUpper(ticker):
			underQuote = q
		}
	}
	if optQuote == nil {
		return nil, fmt.Errorf("%s: feed returned no quote for %s: %w", op, optionSymbol, ports.ErrNotFound)
	}

	mark := optQuote.Last
	if optQuote.Bid > 0 && optQuote.Ask > 0 {
		mark = (optQuote.Bid + optQuote.Ask) / 2
	}

	out := &ports.MarkQuote{
		Price:     mark,
		Bid:       optQuote.Bid,
		Ask:       optQuote.Ask,
		Timestamp: time.Now().UTC(),
	}
	if optQuote.TradeDate > 0 {
		out.Timestamp = time.UnixMilli(optQuote.TradeDate).UTC()
	}
	if g := optQuote.Greeks; g != nil {
		out.Greeks = &domain.Greeks{
			Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta,
			Vega: g.Vega, Rho: g.Rho, IV: g.MidIV,
		}
	}
	if underQuote != nil {
		out.Underlying = underQuote.Last
	}
	return out, nil
}

// translate maps transport failures onto the shared ports errors,
// mirroring the broker client's mapping.
func (c *QuoteClient) translate(ctx context.Context, err error, operation string) error {
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var se *statusError
	if errors.As(err, &se) {
		fields["httpStatus"] = se.code
		var mappedErr error
		switch {
		case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
			mappedErr = ports.ErrCredentials
		case se.code == http.StatusTooManyRequests:
			mappedErr = ports.ErrRateLimited
		default:
			mappedErr = ports.ErrBrokerUnavailable
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Error(ctx, err, fmt.Sprintf("%s timed out", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrBrokerUnavailable, err)
}
