package httprelay

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"crosslend/native/token"
	"crosslend/native/xchain"
	"crosslend/transport/middleware"
)

const (
	srcDomain xchain.DomainID = 97
	dstDomain xchain.DomainID = 10
	secret                    = "relay-secret"
)

var (
	sender    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	target    = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	srcBridge = common.HexToAddress("0x000000000000000000000000000000000000b51d")
	dstBridge = common.HexToAddress("0x000000000000000000000000000000000000b52d")
	feeSink   = common.HexToAddress("0x000000000000000000000000000000000000fee0")
)

type recordingHandler struct {
	mu    sync.Mutex
	fail  error
	delay time.Duration
	calls int
	value *big.Int
}

func (h *recordingHandler) set(fail error, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = fail
	h.delay = delay
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *recordingHandler) OnMessage(context.Context, xchain.Endpoint, []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.fail
}

func (h *recordingHandler) OnMessageWithValue(_ context.Context, _ xchain.Endpoint, _ []byte, _ string, amount *big.Int) error {
	h.mu.Lock()
	delay := h.delay
	h.mu.Unlock()
	time.Sleep(delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.value = amount
	return h.fail
}

type link struct {
	srcBook *token.Book
	dstBook *token.Book
	handler *recordingHandler
	inbound *Handler
	client  *Client
	server  *httptest.Server
}

func newLink(t *testing.T, clientSecret string) *link {
	t.Helper()
	l := &link{
		srcBook: token.NewBook("spoke"),
		dstBook: token.NewBook("hub"),
		handler: &recordingHandler{},
	}
	require.NoError(t, l.srcBook.Mint("USDC", sender, big.NewInt(100)))
	require.NoError(t, l.srcBook.Mint("GAS", sender, big.NewInt(10)))
	require.NoError(t, l.dstBook.Mint("USDC", dstBridge, big.NewInt(1_000)))

	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: secret, Audience: "hub"}, nil)
	l.inbound = NewHandler(HandlerConfig{Domain: dstDomain, Bridge: dstBridge}, l.dstBook, auth, nil)
	l.inbound.Register(target, l.handler)
	router := chi.NewRouter()
	l.inbound.Mount(router)
	l.server = httptest.NewServer(router)
	t.Cleanup(l.server.Close)

	var err error
	l.client, err = NewClient(ClientConfig{
		Domain:       srcDomain,
		Bridge:       srcBridge,
		Routes:       map[xchain.DomainID]string{dstDomain: l.server.URL},
		FeeAsset:     "GAS",
		FeeCollector: feeSink,
		Credentials:  Credentials{Secret: clientSecret, Audience: "hub", Subject: "spoke-97", TTL: time.Minute},
	}, l.srcBook, l.server.Client(), nil)
	require.NoError(t, err)
	return l
}

// applied reports whether the inbound side finished applying id.
func (l *link) applied(id xchain.MessageID) bool {
	l.inbound.mu.Lock()
	_, busy := l.inbound.inFlight[id]
	l.inbound.mu.Unlock()
	seen, _ := l.inbound.receipts.Delivered(context.Background(), id)
	return seen && !busy
}

func (l *link) message(amount int64) xchain.OutboundMessage {
	msg := xchain.OutboundMessage{
		Source:      xchain.Endpoint{Domain: srcDomain, Address: sender},
		Destination: xchain.Endpoint{Domain: dstDomain, Address: target},
		Payload:     []byte{0x01, 0x02},
		Fee:         big.NewInt(2),
	}
	if amount > 0 {
		msg.Asset = "usdc"
		msg.Amount = big.NewInt(amount)
	}
	return msg
}

func TestValueDeliveredAcrossHTTP(t *testing.T) {
	l := newLink(t, secret)
	id, err := l.client.Send(context.Background(), l.message(40))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Equal(t, int64(60), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(40), l.srcBook.BalanceOf("USDC", srcBridge).Int64())
	require.Equal(t, int64(2), l.srcBook.BalanceOf("GAS", feeSink).Int64())
	require.Equal(t, int64(40), l.dstBook.BalanceOf("USDC", target).Int64())
	require.Equal(t, int64(960), l.dstBook.BalanceOf("USDC", dstBridge).Int64())
	require.Equal(t, int64(40), l.handler.value.Int64())
}

func TestRemoteRejectionUnlocksValue(t *testing.T) {
	l := newLink(t, secret)
	l.handler.set(xchain.ErrNonceMismatch, 0)
	_, err := l.client.Send(context.Background(), l.message(40))
	require.ErrorIs(t, err, xchain.ErrNonceMismatch)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusUnprocessableEntity, remote.Status)

	require.Equal(t, int64(100), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(10), l.srcBook.BalanceOf("GAS", sender).Int64())
	require.Equal(t, int64(1_000), l.dstBook.BalanceOf("USDC", dstBridge).Int64())
	require.Zero(t, l.dstBook.BalanceOf("USDC", target).Sign())
}

func TestUnauthenticatedDeliveryRefused(t *testing.T) {
	l := newLink(t, "wrong-secret")
	_, err := l.client.Send(context.Background(), l.message(0))
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusUnauthorized, remote.Status)
	require.Zero(t, l.handler.calls)
	require.Equal(t, int64(10), l.srcBook.BalanceOf("GAS", sender).Int64())
}

func TestDuplicateMessageIDConflicts(t *testing.T) {
	l := newLink(t, secret)
	env := xchain.NewEnvelope("fixed", l.message(0))
	require.NoError(t, l.inbound.Deliver(context.Background(), env))
	require.ErrorIs(t, l.inbound.Deliver(context.Background(), env), xchain.ErrAlreadyDelivered)
	require.Equal(t, 1, l.handler.calls)
}

func TestTimedOutDeliveryKeepsValueLocked(t *testing.T) {
	l := newLink(t, secret)
	l.handler.set(nil, 300*time.Millisecond)
	var resolved []error
	l.client.OnResolve(func(_ context.Context, _ xchain.MessageID, err error) { resolved = append(resolved, err) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	id, err := l.client.Send(ctx, l.message(40))
	require.ErrorIs(t, err, xchain.ErrDeliveryUnconfirmed)
	require.NotEmpty(t, id)
	require.Equal(t, []xchain.MessageID{id}, l.client.Pending())
	require.Equal(t, int64(60), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(40), l.srcBook.BalanceOf("USDC", srcBridge).Int64())
	require.Equal(t, int64(2), l.srcBook.BalanceOf("GAS", feeSink).Int64())

	// The hub finishes applying the delivery after the sender gave up.
	require.Eventually(t, func() bool { return l.applied(id) }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(40), l.dstBook.BalanceOf("USDC", target).Int64())

	result, err := l.client.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Attempted: 1, Delivered: 1}, result)
	require.Equal(t, []error{nil}, resolved)
	require.Empty(t, l.client.Pending())
	require.Equal(t, int64(60), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(40), l.srcBook.BalanceOf("USDC", srcBridge).Int64())
	require.Equal(t, 1, l.handler.callCount())
}

func TestResendOfPendingMessageReusesEnvelope(t *testing.T) {
	l := newLink(t, secret)
	l.handler.set(errors.New("ledger busy"), 0)
	first, err := l.client.Send(context.Background(), l.message(40))
	require.ErrorIs(t, err, xchain.ErrDeliveryUnconfirmed)
	require.Equal(t, int64(60), l.srcBook.BalanceOf("USDC", sender).Int64())

	l.handler.set(nil, 0)
	second, err := l.client.Send(context.Background(), l.message(40))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(60), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(8), l.srcBook.BalanceOf("GAS", sender).Int64())
	require.Equal(t, int64(40), l.dstBook.BalanceOf("USDC", target).Int64())
	require.Empty(t, l.client.Pending())
}

func TestReconcileRejectionUnlocksValue(t *testing.T) {
	l := newLink(t, secret)
	var resolved []error
	l.client.OnResolve(func(_ context.Context, _ xchain.MessageID, err error) { resolved = append(resolved, err) })
	l.handler.set(errors.New("ledger busy"), 0)
	_, err := l.client.Send(context.Background(), l.message(40))
	require.ErrorIs(t, err, xchain.ErrDeliveryUnconfirmed)

	l.handler.set(xchain.ErrNonceMismatch, 0)
	result, err := l.client.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Attempted: 1, Rejected: 1}, result)
	require.Len(t, resolved, 1)
	require.ErrorIs(t, resolved[0], xchain.ErrNonceMismatch)
	require.Equal(t, int64(100), l.srcBook.BalanceOf("USDC", sender).Int64())
	require.Equal(t, int64(10), l.srcBook.BalanceOf("GAS", sender).Int64())
	require.Zero(t, l.srcBook.BalanceOf("USDC", srcBridge).Sign())
}

func TestConcurrentRepostIsInFlight(t *testing.T) {
	l := newLink(t, secret)
	l.handler.set(nil, 200*time.Millisecond)
	env := xchain.NewEnvelope("slow", l.message(5))
	done := make(chan error, 1)
	go func() { done <- l.inbound.Deliver(context.Background(), env) }()
	require.Eventually(t, func() bool {
		l.inbound.mu.Lock()
		defer l.inbound.mu.Unlock()
		_, busy := l.inbound.inFlight[env.MessageID]
		return busy
	}, time.Second, 5*time.Millisecond)

	err := l.inbound.Deliver(context.Background(), env)
	require.ErrorIs(t, err, xchain.ErrDeliveryInFlight)
	require.NoError(t, <-done)
	require.ErrorIs(t, l.inbound.Deliver(context.Background(), env), xchain.ErrAlreadyDelivered)
	require.Equal(t, int64(5), l.dstBook.BalanceOf("USDC", target).Int64())
}

func TestReceiptsOutliveHandler(t *testing.T) {
	l := newLink(t, secret)
	receipts := NewMemoryReceipts()
	first := NewHandler(HandlerConfig{Domain: dstDomain, Bridge: dstBridge}, l.dstBook, nil, nil, WithReceipts(receipts))
	first.Register(target, l.handler)
	env := xchain.NewEnvelope("kept", l.message(0))
	require.NoError(t, first.Deliver(context.Background(), env))

	restarted := NewHandler(HandlerConfig{Domain: dstDomain, Bridge: dstBridge}, l.dstBook, nil, nil, WithReceipts(receipts))
	restarted.Register(target, l.handler)
	require.ErrorIs(t, restarted.Deliver(context.Background(), env), xchain.ErrAlreadyDelivered)
	require.Equal(t, 1, l.handler.callCount())
}

func TestConflictStatusOverHTTP(t *testing.T) {
	l := newLink(t, secret)
	env := xchain.NewEnvelope("twice", l.message(0))
	require.NoError(t, l.client.post(context.Background(), l.server.URL, env))
	err := l.client.post(context.Background(), l.server.URL, env)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusConflict, remote.Status)
	require.Equal(t, "already_delivered", remote.Reason)
	require.ErrorIs(t, err, xchain.ErrAlreadyDelivered)
}

func TestFailedDeliveryCanBeRetried(t *testing.T) {
	l := newLink(t, secret)
	env := xchain.NewEnvelope("again", l.message(5))
	l.handler.set(errors.New("busy"), 0)
	require.Error(t, l.inbound.Deliver(context.Background(), env))
	l.handler.set(nil, 0)
	require.NoError(t, l.inbound.Deliver(context.Background(), env))
	require.Equal(t, int64(5), l.dstBook.BalanceOf("USDC", target).Int64())
}

func TestMalformedDelivery(t *testing.T) {
	l := newLink(t, secret)
	token, err := middleware.IssueToken(secret, "", "hub", "x", []string{ScopeDeliver}, time.Minute)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, l.server.URL+DeliveryPath, strings.NewReader(`{"messageId":"m","payload":"zz"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := l.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoRoute(t *testing.T) {
	l := newLink(t, secret)
	msg := l.message(0)
	msg.Destination.Domain = 5
	_, err := l.client.Send(context.Background(), msg)
	require.ErrorIs(t, err, ErrNoRoute)
}
