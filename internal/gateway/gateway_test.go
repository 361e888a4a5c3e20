package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsim/internal/domain"
	"optionsim/internal/ports"
	"optionsim/internal/secrets"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockBroker is a scriptable ports.BrokerClient.
type mockBroker struct {
	mu          sync.Mutex
	placeID     string
	placeErr    error
	status      *ports.OrderStatus
	statusErrs  []error // Consumed one per GetOrderStatus call; nil entries succeed
	cancelErr   error
	placeCalls  int
	statusCalls int
	cancelCalls []string
	lastCreds   ports.Credentials
	lastReq     ports.OrderRequest
}

func (b *mockBroker) PlaceOrder(ctx context.Context, creds ports.Credentials, req ports.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeCalls++
	b.lastCreds = creds
	b.lastReq = req
	if b.placeErr != nil {
		return "", b.placeErr
	}
	return b.placeID, nil
}

func (b *mockBroker) GetOrderStatus(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID string) (*ports.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if len(b.statusErrs) > 0 {
		err := b.statusErrs[0]
		b.statusErrs = b.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return b.status, nil
}

func (b *mockBroker) CancelOrder(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelCalls = append(b.cancelCalls, orderID)
	return nil
}

func (b *mockBroker) GetPositions(ctx context.Context, creds ports.Credentials, mode domain.BrokerMode) ([]ports.BrokerPosition, error) {
	return []ports.BrokerPosition{{Symbol: "AAPL260918C00150000", Quantity: 1, CostBasis: 420}}, nil
}

const testKeyHex = "abababababababababababababababababababababababababababababababab"

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox(testKeyHex)
	require.NoError(t, err)
	return box
}

func testSettings(t *testing.T, box *secrets.Box) *domain.TenantSettings {
	t.Helper()
	key, err := box.Seal("token-123")
	require.NoError(t, err)
	secret, err := box.Seal("acct-456")
	require.NoError(t, err)
	return &domain.TenantSettings{
		TenantID:           "tenant-a",
		BrokerMode:         domain.ModeSandbox,
		EncryptedAPIKey:    key,
		EncryptedAPISecret: secret,
	}
}

func f64p(f float64) *float64 { return &f }

func testTrade() *domain.Trade {
	return &domain.Trade{
		ID:         "trade-1",
		TenantID:   "tenant-a",
		Ticker:     "AAPL",
		OptionType: domain.Call,
		Strike:     150,
		Expiry:     time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Direction:  domain.Long,
		EntryPrice: 4.20,
		Quantity:   1,
		StopLoss:   f64p(3.15),
		TakeProfit: f64p(6.30),
		Status:     domain.StatusOpen,
		Version:    4,
	}
}

// fastConfig keeps the settle delay and backoff negligible in tests.
func fastConfig() Config {
	return Config{
		SettleDelay: time.Millisecond,
		CallTimeout: time.Second,
		RetryMin:    time.Millisecond,
		RetryMax:    5 * time.Millisecond,
		MaxRetries:  3,
		RateLimit:   1000,
		RateWindow:  time.Second,
	}
}

func newTestGateway(t *testing.T, broker ports.BrokerClient, cfg Config) (*Gateway, *secrets.Box) {
	t.Helper()
	box := testBox(t)
	g, err := New(broker, box, &mockLogger{}, cfg)
	require.NoError(t, err)
	return g, box
}

func TestSubmitClose_ConfirmedAfterSettlePoll(t *testing.T) {
	broker := &mockBroker{
		placeID: "ord-9",
		status:  &ports.OrderStatus{OrderID: "ord-9", State: ports.OrderOpen},
	}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	orderID, err := g.SubmitClose(context.Background(), settings, testTrade())
	require.NoError(t, err)
	assert.Equal(t, "ord-9", orderID)
	assert.Equal(t, 1, broker.placeCalls)
	assert.Equal(t, 1, broker.statusCalls, "a settle poll always follows the submission")
	assert.Empty(t, broker.cancelCalls)

	// Credentials were opened for the call; the store never saw them.
	assert.Equal(t, "token-123", broker.lastCreds.APIKey)
	assert.Equal(t, "acct-456", broker.lastCreds.APISecret)
	assert.Equal(t, ports.SellToClose, broker.lastReq.Side)
	assert.Equal(t, CloseTag(testTrade()), broker.lastReq.Tag)
}

func TestSubmitEntry_Sides(t *testing.T) {
	broker := &mockBroker{
		placeID: "ord-1",
		status:  &ports.OrderStatus{OrderID: "ord-1", State: ports.OrderPending},
	}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	_, err := g.SubmitEntry(context.Background(), settings, testTrade())
	require.NoError(t, err)
	assert.Equal(t, ports.BuyToOpen, broker.lastReq.Side)

	short := testTrade()
	short.Direction = domain.Short
	_, err = g.SubmitEntry(context.Background(), settings, short)
	require.NoError(t, err)
	assert.Equal(t, ports.SellToOpen, broker.lastReq.Side)
}

func TestSubmit_AckThenReject(t *testing.T) {
	broker := &mockBroker{
		placeID: "ord-9",
		status:  &ports.OrderStatus{OrderID: "ord-9", State: ports.OrderRejected, Reason: "margin requirements not met"},
	}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	_, err := g.SubmitClose(context.Background(), settings, testTrade())
	require.Error(t, err)
	var rej *ports.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "ord-9", rej.OrderID)
	assert.Equal(t, "margin requirements not met", rej.Reason)
	assert.ErrorIs(t, err, ports.ErrBrokerRejected)
	assert.Empty(t, broker.cancelCalls, "a rejected order has nothing left to cancel")
}

func TestSubmit_PlacementIsNeverRetried(t *testing.T) {
	broker := &mockBroker{placeErr: fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable)}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	_, err := g.SubmitClose(context.Background(), settings, testTrade())
	require.ErrorIs(t, err, ports.ErrBrokerUnavailable)
	assert.Equal(t, 1, broker.placeCalls, "order placement gets exactly one attempt")
}

func TestSubmit_UnconfirmedOrderIsWithdrawn(t *testing.T) {
	broker := &mockBroker{
		placeID: "ord-9",
		statusErrs: []error{
			fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable),
			fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable),
			fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable),
			fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable),
		},
	}
	cfg := fastConfig()
	cfg.MaxRetries = 3
	g, box := newTestGateway(t, broker, cfg)
	settings := testSettings(t, box)

	_, err := g.SubmitClose(context.Background(), settings, testTrade())
	require.ErrorIs(t, err, ports.ErrBrokerUnavailable)
	// Submission was acknowledged but never confirmed: the order is
	// withdrawn so no untracked order keeps working at the broker.
	assert.Equal(t, []string{"ord-9"}, broker.cancelCalls)
}

func TestOrderStatus_RetriesTransientFailures(t *testing.T) {
	broker := &mockBroker{
		status: &ports.OrderStatus{OrderID: "ord-9", State: ports.OrderFilled, FillPrice: 3.12},
		statusErrs: []error{
			fmt.Errorf("dial: %w", ports.ErrBrokerUnavailable),
			fmt.Errorf("read: %w", ports.ErrTimeout),
			nil,
		},
	}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	status, err := g.OrderStatus(context.Background(), settings, "ord-9")
	require.NoError(t, err)
	assert.Equal(t, ports.OrderFilled, status.State)
	assert.Equal(t, 3, broker.statusCalls)
}

func TestOrderStatus_PermanentErrorNotRetried(t *testing.T) {
	broker := &mockBroker{
		statusErrs: []error{fmt.Errorf("order gone: %w", ports.ErrOrderNotFound)},
	}
	g, box := newTestGateway(t, broker, fastConfig())
	settings := testSettings(t, box)

	_, err := g.OrderStatus(context.Background(), settings, "ord-9")
	require.ErrorIs(t, err, ports.ErrOrderNotFound)
	assert.Equal(t, 1, broker.statusCalls)
}

func TestGateway_CredentialFailures(t *testing.T) {
	broker := &mockBroker{placeID: "ord-9", status: &ports.OrderStatus{State: ports.OrderOpen}}
	g, _ := newTestGateway(t, broker, fastConfig())

	// No credentials configured.
	_, err := g.SubmitClose(context.Background(), &domain.TenantSettings{TenantID: "tenant-a"}, testTrade())
	require.ErrorIs(t, err, ports.ErrCredentials)

	// Credentials sealed under a different key.
	otherBox, err := secrets.NewBox("cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd")
	require.NoError(t, err)
	foreign := testSettings(t, otherBox)
	_, err = g.SubmitClose(context.Background(), foreign, testTrade())
	require.ErrorIs(t, err, ports.ErrCredentials)

	assert.Equal(t, 0, broker.placeCalls, "no call leaves without credentials")
}

func TestOrderTags(t *testing.T) {
	trade := testTrade()
	trade.EntryAttempts = 2
	assert.Equal(t, "ent-trade-1-a2", EntryTag(trade))
	assert.Equal(t, "cls-trade-1-v4", CloseTag(trade))

	// The close tag is deterministic per version: racing actors collide
	// on it, a post-rejection resubmission does not.
	other := testTrade()
	assert.Equal(t, CloseTag(trade), CloseTag(other))
	other.Version++
	assert.NotEqual(t, CloseTag(trade), CloseTag(other))
}

func TestSlidingWindow_BlocksUntilSlotFrees(t *testing.T) {
	limiter := NewSlidingWindow(2, 80*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "calls under the limit pass immediately")
	assert.Equal(t, 2, limiter.InFlight())

	// The third call queues until the oldest admission ages out.
	require.NoError(t, limiter.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestSlidingWindow_ContextCancelUnblocks(t *testing.T) {
	limiter := NewSlidingWindow(1, time.Minute)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
