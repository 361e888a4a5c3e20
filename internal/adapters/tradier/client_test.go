package tradier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var testCreds = ports.Credentials{APIKey: "tok-1", APISecret: "acct-1"}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{Logger: &mockLogger{}, SandboxURL: srv.URL, LiveURL: srv.URL})
	require.NoError(t, err)
	return client, srv
}

func TestPlaceOrder(t *testing.T) {
	var gotPath, gotAuth string
	var gotForm map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Write([]byte(`{"order":{"id":228175,"status":"ok"}}`))
	}))

	orderID, err := client.PlaceOrder(context.Background(), testCreds, ports.OrderRequest{
		Tag:        "ent-abc-a1",
		Ticker:     "aapl",
		OptionType: domain.Call,
		Strike:     150,
		Expiry:     time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Side:       ports.BuyToOpen,
		Quantity:   2,
		Mode:       domain.ModeSandbox,
	})
	require.NoError(t, err)
	assert.Equal(t, "228175", orderID)

	assert.Equal(t, "/v1/accounts/acct-1/orders", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "option", gotForm["class"])
	assert.Equal(t, "AAPL", gotForm["symbol"])
	assert.Equal(t, "AAPL260918C00150000", gotForm["option_symbol"])
	assert.Equal(t, "buy_to_open", gotForm["side"])
	assert.Equal(t, "2", gotForm["quantity"])
	assert.Equal(t, "market", gotForm["type"])
	assert.Equal(t, "day", gotForm["duration"])
	assert.Equal(t, "ent-abc-a1", gotForm["tag"])
}

func TestPlaceOrder_MissingCredentials(t *testing.T) {
	called := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := client.PlaceOrder(context.Background(), ports.Credentials{}, ports.OrderRequest{})
	assert.ErrorIs(t, err, ports.ErrCredentials)
	assert.False(t, called, "no request goes out without credentials")
}

func TestGetOrderStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/acct-1/orders/228175", r.URL.Path)
		w.Write([]byte(`{"order":{
			"id":228175,"status":"filled","avg_fill_price":4.25,
			"exec_quantity":2,"transaction_date":"2026-08-24T14:30:00Z"}}`))
	}))

	status, err := client.GetOrderStatus(context.Background(), testCreds, domain.ModeSandbox, "228175")
	require.NoError(t, err)
	assert.Equal(t, "228175", status.OrderID)
	assert.Equal(t, ports.OrderFilled, status.State)
	assert.Equal(t, 4.25, status.FillPrice)
	assert.Equal(t, int64(2), status.FilledQty)
	assert.Equal(t, time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC), status.UpdatedAt)
}

func TestGetOrderStatus_RejectedCarriesReason(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order":{"id":9,"status":"rejected","reason_description":"insufficient buying power"}}`))
	}))

	status, err := client.GetOrderStatus(context.Background(), testCreds, domain.ModeSandbox, "9")
	require.NoError(t, err)
	assert.Equal(t, ports.OrderRejected, status.State)
	assert.Equal(t, "insufficient buying power", status.Reason)
}

func TestTranslateState(t *testing.T) {
	cases := map[string]ports.OrderState{
		"pending":                  ports.OrderPending,
		"submitted":                ports.OrderPending,
		"open":                     ports.OrderOpen,
		"partially_filled_pending": ports.OrderOpen,
		"partially_filled":         ports.OrderPartial,
		"Filled":                   ports.OrderFilled,
		"rejected":                 ports.OrderRejected,
		"error":                    ports.OrderRejected,
		"canceled":                 ports.OrderCanceled,
		"cancelled":                ports.OrderCanceled,
		"expired":                  ports.OrderExpired,
		"something_new":            ports.OrderPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, translateState(in), "status %q", in)
	}
}

func TestErrorTranslation(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"unauthorized", http.StatusUnauthorized, ports.ErrCredentials},
		{"forbidden", http.StatusForbidden, ports.ErrCredentials},
		{"not found", http.StatusNotFound, ports.ErrOrderNotFound},
		{"throttled", http.StatusTooManyRequests, ports.ErrRateLimited},
		{"bad request", http.StatusBadRequest, ports.ErrValidation},
		{"server error", http.StatusBadGateway, ports.ErrBrokerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			_, err := client.GetOrderStatus(context.Background(), testCreds, domain.ModeSandbox, "1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetPositions_FlexibleShapes(t *testing.T) {
	t.Run("single position comes back as an object", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"positions":{"position":{"symbol":"AAPL260918C00150000","quantity":2,"cost_basis":840.0,"id":1}}}`))
		}))
		positions, err := client.GetPositions(context.Background(), testCreds, domain.ModeSandbox)
		require.NoError(t, err)
		require.Len(t, positions, 1)
		assert.Equal(t, "AAPL260918C00150000", positions[0].Symbol)
		assert.Equal(t, int64(2), positions[0].Quantity)
		assert.Equal(t, 840.0, positions[0].CostBasis)
	})

	t.Run("several positions come back as an array", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"positions":{"position":[
				{"symbol":"AAPL260918C00150000","quantity":2,"cost_basis":840.0},
				{"symbol":"SPY260918P00412500","quantity":-1,"cost_basis":-310.0}]}}`))
		}))
		positions, err := client.GetPositions(context.Background(), testCreds, domain.ModeSandbox)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, int64(-1), positions[1].Quantity)
	})

	t.Run("empty account reports null", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"positions":"null"}`))
		}))
		positions, err := client.GetPositions(context.Background(), testCreds, domain.ModeSandbox)
		require.NoError(t, err)
		assert.Empty(t, positions)
	})
}

func TestCancelOrder(t *testing.T) {
	var gotMethod, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"order":{"id":228175,"status":"ok"}}`))
	}))

	require.NoError(t, client.CancelOrder(context.Background(), testCreds, domain.ModeSandbox, "228175"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v1/accounts/acct-1/orders/228175", gotPath)
}

func newTestQuoteClient(t *testing.T, handler http.Handler) *QuoteClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewQuoteClient(QuoteConfig{Token: "tok-md", BaseURL: srv.URL, Logger: &mockLogger{}})
	require.NoError(t, err)
	return client
}

func TestGetMark(t *testing.T) {
	client := newTestQuoteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/markets/quotes", r.URL.Path)
		assert.Equal(t, "Bearer tok-md", r.Header.Get("Authorization"))
		assert.Equal(t, "AAPL,AAPL260918C00150000", r.URL.Query().Get("symbols"))
		assert.Equal(t, "true", r.URL.Query().Get("greeks"))
		w.Write([]byte(`{"quotes":{"quote":[
			{"symbol":"AAPL","last":151.20},
			{"symbol":"AAPL260918C00150000","last":4.10,"bid":4.05,"ask":4.15,
			 "trade_date":1787500000000,
			 "greeks":{"delta":0.52,"gamma":0.03,"theta":-0.04,"vega":0.11,"rho":0.01,"mid_iv":0.31}}]}}`))
	}))

	mark, err := client.GetMark(context.Background(), "aapl", "AAPL260918C00150000")
	require.NoError(t, err)
	assert.InDelta(t, 4.10, mark.Price, 1e-9, "mark is the bid/ask midpoint")
	assert.Equal(t, 4.05, mark.Bid)
	assert.Equal(t, 4.15, mark.Ask)
	assert.Equal(t, 151.20, mark.Underlying)
	require.NotNil(t, mark.Greeks)
	assert.Equal(t, 0.52, mark.Greeks.Delta)
	assert.Equal(t, 0.31, mark.Greeks.IV)
	assert.Equal(t, time.UnixMilli(1787500000000).UTC(), mark.Timestamp)
}

func TestGetMark_EmptyBookFallsBackToLast(t *testing.T) {
	client := newTestQuoteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quotes":{"quote":{"symbol":"AAPL260918C00150000","last":4.10}}}`))
	}))

	mark, err := client.GetMark(context.Background(), "AAPL", "AAPL260918C00150000")
	require.NoError(t, err)
	assert.Equal(t, 4.10, mark.Price)
	assert.Nil(t, mark.Greeks)
}

func TestGetMark_MissingOptionQuote(t *testing.T) {
	client := newTestQuoteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"quotes":{"quote":{"symbol":"AAPL","last":151.20}}}`))
	}))

	_, err := client.GetMark(context.Background(), "AAPL", "AAPL260918C00150000")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestGetMark_CredentialFailure(t *testing.T) {
	client := newTestQuoteClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))

	_, err := client.GetMark(context.Background(), "AAPL", "AAPL260918C00150000")
	assert.ErrorIs(t, err, ports.ErrCredentials)
}
