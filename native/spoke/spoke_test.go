package spoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/core/events"
	"crosslend/crypto"
	nativecommon "crosslend/native/common"
	"crosslend/native/token"
	"crosslend/native/xchain"
)

const (
	hubDomain   xchain.DomainID = 10
	spokeDomain xchain.DomainID = 97
)

var (
	relayAddr      = common.HexToAddress("0x0000000000000000000000000000000000000e1a")
	hubReceiver    = common.HexToAddress("0x000000000000000000000000000000000000ecec")
	forwarderAddr  = common.HexToAddress("0x000000000000000000000000000000000000f0f0")
	settlementAddr = common.HexToAddress("0x0000000000000000000000000000000000005e77")
	receiverAddr   = common.HexToAddress("0x000000000000000000000000000000000000dec0")
	payerAddr      = common.HexToAddress("0x000000000000000000000000000000000000fee5")
)

var errUnconfirmed = fmt.Errorf("post delivery: %w", xchain.ErrDeliveryUnconfirmed)

type stubGateway struct {
	mu   sync.Mutex
	fail error
	sent []xchain.OutboundMessage
	// unconfirmed makes Send hand out an id without confirming delivery.
	unconfirmed bool
	// onSend runs after an id is assigned and before Send returns.
	onSend func(id xchain.MessageID)
}

func (g *stubGateway) Send(_ context.Context, msg xchain.OutboundMessage) (xchain.MessageID, error) {
	g.mu.Lock()
	if g.fail != nil {
		g.mu.Unlock()
		return "", g.fail
	}
	g.sent = append(g.sent, msg)
	id := xchain.MessageID(fmt.Sprintf("m%d", len(g.sent)))
	unconfirmed, hook := g.unconfirmed, g.onSend
	g.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if unconfirmed {
		return id, errUnconfirmed
	}
	return id, nil
}

type relayHarness struct {
	t       *testing.T
	now     time.Time
	key     *crypto.PrivateKey
	book    *token.Book
	gateway *stubGateway
	events  *events.Recorder
	pauses  *nativecommon.Pauses
	relay   *Relay
}

func newRelayHarness(t *testing.T, opts ...RelayOption) *relayHarness {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := &relayHarness{
		t:       t,
		now:     time.Unix(1_700_000_000, 0),
		key:     key,
		book:    token.NewBook("spoke"),
		gateway: &stubGateway{},
		events:  &events.Recorder{},
		pauses:  nativecommon.NewPauses(),
	}
	base := []RelayOption{
		WithRelayEmitter(h.events),
		WithRelayPauses(h.pauses),
		WithRelayClock(func() time.Time { return h.now }),
	}
	h.relay, err = NewRelay(RelayConfig{
		Address: relayAddr,
		Domain:  spokeDomain,
		Hub:     xchain.Endpoint{Domain: hubDomain, Address: hubReceiver},
		SigningDomain: xchain.SigningDomain{
			Name:              "crosslend",
			Version:           "1",
			ChainID:           hubDomain,
			VerifyingContract: forwarderAddr,
		},
		Assets:   []string{"USDC", "WETH"},
		FeeAsset: "NATIVE",
		MinFee:   big.NewInt(5),
	}, h.book, h.gateway, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	h.must(h.book.Mint("USDC", h.user(), big.NewInt(1_000)))
	h.must(h.book.Approve("USDC", h.user(), relayAddr, big.NewInt(1_000)))
	h.must(h.book.Mint("NATIVE", payerAddr, big.NewInt(100)))
	h.must(h.book.Approve("NATIVE", payerAddr, relayAddr, big.NewInt(100)))
	return h
}

func (h *relayHarness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("setup: %v", err)
	}
}

func (h *relayHarness) user() common.Address { return h.key.Address() }

func (h *relayHarness) sign(action xchain.Action, asset string, amount int64, nonce uint64) xchain.SignedIntent {
	h.t.Helper()
	cfg := h.relay.cfg.SigningDomain
	signed, err := cfg.Sign(h.key, xchain.Intent{
		Action: action,
		User:   h.user(),
		Asset:  asset,
		Amount: big.NewInt(amount),
		Nonce:  nonce,
	})
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return signed
}

func (h *relayHarness) balance(asset string, addr common.Address) int64 {
	return h.book.BalanceOf(asset, addr).Int64()
}

func (h *relayHarness) expectBalance(asset string, addr common.Address, want int64) {
	h.t.Helper()
	if got := h.balance(asset, addr); got != want {
		h.t.Fatalf("%s balance of %s: expected %d, got %d", asset, addr.Hex(), want, got)
	}
}

// latest returns the newest logged request.
func (h *relayHarness) latest() Request {
	h.t.Helper()
	reqs, err := h.relay.Requests(context.Background(), h.user(), 0)
	if err != nil {
		h.t.Fatalf("requests: %v", err)
	}
	if len(reqs) == 0 {
		h.t.Fatalf("no request logged")
	}
	return reqs[0]
}

func fee(n int64) Payment { return Payment{Payer: payerAddr, Fee: big.NewInt(n)} }

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestSupplyEscrowsAndSends(t *testing.T) {
	h := newRelayHarness(t)
	signed := h.sign(xchain.ActionSupply, "USDC", 100, 0)

	id, err := h.relay.Supply(context.Background(), signed, fee(5))
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if id != "m1" {
		t.Fatalf("unexpected message id %q", id)
	}

	h.expectBalance("USDC", h.user(), 900)
	h.expectBalance("USDC", relayAddr, 100)
	h.expectBalance("NATIVE", payerAddr, 95)

	if len(h.gateway.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(h.gateway.sent))
	}
	msg := h.gateway.sent[0]
	if msg.Destination != (xchain.Endpoint{Domain: hubDomain, Address: hubReceiver}) {
		t.Fatalf("unexpected destination %v", msg.Destination)
	}
	if msg.Asset != "USDC" || msg.Amount.Int64() != 100 || msg.Fee.Int64() != 5 {
		t.Fatalf("unexpected value: %s %s fee %s", msg.Amount, msg.Asset, msg.Fee)
	}

	decoded, err := xchain.DecodeIntent(msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Intent.Nonce != signed.Intent.Nonce || !bytes.Equal(decoded.Signature, signed.Signature) {
		t.Fatalf("payload does not carry the signed intent")
	}

	evts := h.events.OfType(events.TypeSupplyRequested)
	if len(evts) != 1 {
		t.Fatalf("expected one SupplyRequested, got %d", len(evts))
	}
	attrs := evts[0].Event().Attributes
	wantID, err := h.relay.cfg.SigningDomain.Digest(signed.Intent)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if attrs["amount"] != "100" || attrs["messageId"] != "m1" || attrs["intentId"] != wantID.Hex() {
		t.Fatalf("unexpected attributes: %v", attrs)
	}

	req := h.latest()
	if req.Status != xchain.StatusSent || req.IntentID != wantID {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestBorrowMovesNoValue(t *testing.T) {
	h := newRelayHarness(t)
	if _, err := h.relay.Borrow(context.Background(), h.sign(xchain.ActionBorrow, "WETH", 3, 0), fee(5)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.expectBalance("USDC", h.user(), 1_000)
	if len(h.gateway.sent) != 1 || h.gateway.sent[0].HasValue() {
		t.Fatalf("unexpected messages: %+v", h.gateway.sent)
	}
	if n := len(h.events.OfType(events.TypeBorrowRequested)); n != 1 {
		t.Fatalf("expected one BorrowRequested, got %d", n)
	}
}

func TestRelayFeeBelowMinimum(t *testing.T) {
	h := newRelayHarness(t)
	_, err := h.relay.Supply(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0), fee(4))
	expectErr(t, err, xchain.ErrInsufficientRelayPayment)
	h.expectBalance("USDC", h.user(), 1_000)
	if len(h.gateway.sent) != 0 {
		t.Fatalf("underpaid request sent")
	}
	if req := h.latest(); req.Status != xchain.StatusFailed {
		t.Fatalf("expected failed request, got %s", req.Status)
	}
}

func TestRelayFeeCollectionFailureRefundsEscrow(t *testing.T) {
	h := newRelayHarness(t)
	h.must(h.book.Approve("NATIVE", payerAddr, relayAddr, nil))
	_, err := h.relay.Supply(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0), fee(5))
	expectErr(t, err, xchain.ErrInsufficientRelayPayment)
	h.expectBalance("USDC", h.user(), 1_000)
	h.expectBalance("USDC", relayAddr, 0)
}

func TestRelaySendFailureRefunds(t *testing.T) {
	h := newRelayHarness(t)
	h.gateway.fail = errors.New("gateway down")
	if _, err := h.relay.Supply(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0), fee(5)); err == nil {
		t.Fatalf("expected send failure")
	}
	h.expectBalance("USDC", h.user(), 1_000)
	h.expectBalance("NATIVE", payerAddr, 100)
	if n := len(h.events.Events()); n != 0 {
		t.Fatalf("failed send emitted %d events", n)
	}
}

func TestUnconfirmedSendStaysPending(t *testing.T) {
	h := newRelayHarness(t)
	h.gateway.unconfirmed = true
	ctx := context.Background()
	signed := h.sign(xchain.ActionSupply, "USDC", 100, 0)

	id, err := h.relay.Supply(ctx, signed, fee(5))
	expectErr(t, err, xchain.ErrDeliveryUnconfirmed)
	if id != "m1" {
		t.Fatalf("unconfirmed send must report its message id, got %q", id)
	}
	// The escrow stays put until the outcome is known.
	h.expectBalance("USDC", h.user(), 900)
	h.expectBalance("USDC", relayAddr, 100)
	h.expectBalance("NATIVE", payerAddr, 95)
	if h.relay.Pending() != 1 {
		t.Fatalf("expected one pending relay, got %d", h.relay.Pending())
	}
	if n := len(h.events.Events()); n != 0 {
		t.Fatalf("unconfirmed relay emitted %d events", n)
	}
	if req := h.latest(); req.Status != xchain.StatusPending || req.MessageID != "m1" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// Resubmitting the same intent while its outcome is unknown is refused.
	_, err = h.relay.Supply(ctx, signed, fee(5))
	expectErr(t, err, ErrIntentPending)
	if len(h.gateway.sent) != 1 {
		t.Fatalf("pending intent sent twice")
	}
	h.expectBalance("USDC", h.user(), 900)

	h.relay.Resolve(ctx, id, nil)
	if h.relay.Pending() != 0 {
		t.Fatalf("resolved relay still pending")
	}
	h.expectBalance("USDC", relayAddr, 100)
	if n := len(h.events.OfType(events.TypeSupplyRequested)); n != 1 {
		t.Fatalf("expected one SupplyRequested after confirmation, got %d", n)
	}
	reqs, err := h.relay.Requests(ctx, h.user(), 0)
	if err != nil {
		t.Fatalf("requests: %v", err)
	}
	var confirmed bool
	for _, req := range reqs {
		if req.MessageID == id && req.Status == xchain.StatusSent {
			confirmed = true
		}
	}
	if !confirmed {
		t.Fatalf("request for %s not marked sent: %+v", id, reqs)
	}
}

func TestRejectedPendingRelayRefunds(t *testing.T) {
	h := newRelayHarness(t)
	h.gateway.unconfirmed = true
	ctx := context.Background()
	signed := h.sign(xchain.ActionSupply, "USDC", 100, 0)

	id, err := h.relay.Supply(ctx, signed, fee(5))
	expectErr(t, err, xchain.ErrDeliveryUnconfirmed)

	h.relay.Resolve(ctx, id, fmt.Errorf("remote: %w", xchain.ErrNonceMismatch))
	h.expectBalance("USDC", h.user(), 1_000)
	h.expectBalance("USDC", relayAddr, 0)
	h.expectBalance("NATIVE", payerAddr, 100)
	if n := len(h.events.Events()); n != 0 {
		t.Fatalf("rejected relay emitted %d events", n)
	}
	if req := h.latest(); req.Status != xchain.StatusFailed || req.Error == "" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// A second outcome for the same id changes nothing.
	h.relay.Resolve(ctx, id, errors.New("late"))
	h.expectBalance("USDC", h.user(), 1_000)

	// The intent may be relayed again once the first attempt is settled.
	h.gateway.unconfirmed = false
	if _, err := h.relay.Supply(ctx, signed, fee(5)); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
	h.expectBalance("USDC", h.user(), 900)
}

func TestOutcomeResolvedBeforeRegistration(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()
	h.gateway.unconfirmed = true

	h.gateway.onSend = func(id xchain.MessageID) {
		h.relay.Resolve(ctx, id, fmt.Errorf("remote: %w", xchain.ErrNonceMismatch))
	}
	_, err := h.relay.Supply(ctx, h.sign(xchain.ActionSupply, "USDC", 100, 0), fee(5))
	expectErr(t, err, xchain.ErrNonceMismatch)
	h.expectBalance("USDC", h.user(), 1_000)
	h.expectBalance("NATIVE", payerAddr, 100)
	if h.relay.Pending() != 0 {
		t.Fatalf("early rejection left a pending relay")
	}
	if req := h.latest(); req.Status != xchain.StatusFailed {
		t.Fatalf("expected failed request, got %s", req.Status)
	}

	h.now = h.now.Add(time.Second)
	h.gateway.onSend = func(id xchain.MessageID) { h.relay.Resolve(ctx, id, nil) }
	id, err := h.relay.Supply(ctx, h.sign(xchain.ActionSupply, "USDC", 40, 1), fee(5))
	if err != nil {
		t.Fatalf("early confirmation: %v", err)
	}
	if id == "" {
		t.Fatalf("confirmed relay lost its message id")
	}
	h.expectBalance("USDC", h.user(), 960)
	if h.relay.Pending() != 0 {
		t.Fatalf("early confirmation left a pending relay")
	}
	if req := h.latest(); req.Status != xchain.StatusSent || req.MessageID != id {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestRelayRejectsShapeErrors(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	_, err := h.relay.Supply(ctx, h.sign(xchain.ActionBorrow, "USDC", 1, 0), fee(5))
	expectErr(t, err, xchain.ErrInvalidIntent)

	_, err = h.relay.Supply(ctx, h.sign(xchain.ActionSupply, "DOGE", 1, 0), fee(5))
	expectErr(t, err, xchain.ErrUnknownAsset)

	zero := h.sign(xchain.ActionSupply, "USDC", 1, 0)
	zero.Intent.Amount = big.NewInt(0)
	_, err = h.relay.Supply(ctx, zero, fee(5))
	expectErr(t, err, xchain.ErrInvalidIntent)
	if len(h.gateway.sent) != 0 {
		t.Fatalf("malformed intent sent")
	}
}

func TestRelayPaused(t *testing.T) {
	h := newRelayHarness(t)
	h.pauses.Pause(ModuleName)
	_, err := h.relay.Borrow(context.Background(), h.sign(xchain.ActionBorrow, "USDC", 1, 0), fee(5))
	expectErr(t, err, xchain.ErrPaused)
	h.pauses.Resume(ModuleName)
	if _, err := h.relay.Borrow(context.Background(), h.sign(xchain.ActionBorrow, "USDC", 1, 0), fee(5)); err != nil {
		t.Fatalf("borrow after resume: %v", err)
	}
}

func TestRelayRateLimit(t *testing.T) {
	h := newRelayHarness(t, WithRateLimit(RateLimit{RequestsPerMinute: 60, Burst: 2}))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.relay.Borrow(ctx, h.sign(xchain.ActionBorrow, "USDC", 1, uint64(i)), fee(5)); err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
	}
	_, err := h.relay.Borrow(ctx, h.sign(xchain.ActionBorrow, "USDC", 1, 2), fee(5))
	expectErr(t, err, ErrRateLimited)

	h.now = h.now.Add(2 * time.Second)
	if _, err := h.relay.Borrow(ctx, h.sign(xchain.ActionBorrow, "USDC", 1, 2), fee(5)); err != nil {
		t.Fatalf("borrow after refill: %v", err)
	}
}

func TestRelayQuota(t *testing.T) {
	h := newRelayHarness(t, WithQuota(nativecommon.Quota{MaxAmountPerEpoch: big.NewInt(150), EpochSeconds: 3600}))
	ctx := context.Background()
	if _, err := h.relay.Supply(ctx, h.sign(xchain.ActionSupply, "USDC", 100, 0), fee(5)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	_, err := h.relay.Supply(ctx, h.sign(xchain.ActionSupply, "USDC", 100, 1), fee(5))
	expectErr(t, err, ErrRateLimited)
	h.expectBalance("USDC", h.user(), 900)
}

type receiverHarness struct {
	book     *token.Book
	events   *events.Recorder
	receiver *SettlementReceiver
	source   xchain.Endpoint
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	h := &receiverHarness{
		book:   token.NewBook("spoke"),
		events: &events.Recorder{},
		source: xchain.Endpoint{Domain: hubDomain, Address: settlementAddr},
	}
	var err error
	h.receiver, err = NewSettlementReceiver(ReceiverConfig{Address: receiverAddr, Settlement: h.source}, h.book, WithReceiverEmitter(h.events))
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return h
}

// deliver mimics a gateway: credit the receiver, revert on handler error.
func (h *receiverHarness) deliver(t *testing.T, source xchain.Endpoint, payload []byte, asset string, amount int64) error {
	t.Helper()
	if err := h.book.Mint(asset, receiverAddr, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := h.receiver.OnMessageWithValue(context.Background(), source, payload, asset, big.NewInt(amount))
	if err != nil {
		if berr := h.book.Burn(asset, receiverAddr, big.NewInt(amount)); berr != nil {
			t.Fatalf("burn: %v", berr)
		}
	}
	return err
}

func settlementPayload(t *testing.T, id byte, to common.Address, asset string, amount int64) ([]byte, xchain.IntentID) {
	t.Helper()
	var intentID xchain.IntentID
	intentID[0] = id
	payload, err := xchain.EncodeSettlement(xchain.SettlementPayload{IntentID: intentID, Recipient: to, Asset: asset, Amount: big.NewInt(amount)})
	if err != nil {
		t.Fatalf("encode settlement: %v", err)
	}
	return payload, intentID
}

func TestSettlementReleasedOnce(t *testing.T) {
	h := newReceiverHarness(t)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payload, id := settlementPayload(t, 1, user, "USDC", 50)

	if err := h.deliver(t, h.source, payload, "USDC", 50); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := h.book.BalanceOf("USDC", user).Int64(); got != 50 {
		t.Fatalf("user received %d, expected 50", got)
	}
	released, err := h.receiver.Released(context.Background(), id)
	if err != nil || !released {
		t.Fatalf("release not recorded: %v %v", released, err)
	}
	if n := len(h.events.OfType(events.TypeSettlementReleased)); n != 1 {
		t.Fatalf("expected one SettlementReleased, got %d", n)
	}

	expectErr(t, h.deliver(t, h.source, payload, "USDC", 50), xchain.ErrDuplicateSettlement)
	if got := h.book.BalanceOf("USDC", user).Int64(); got != 50 {
		t.Fatalf("duplicate paid out again: user holds %d", got)
	}
	if got := h.book.BalanceOf("USDC", receiverAddr).Sign(); got != 0 {
		t.Fatalf("receiver kept value after duplicate")
	}
}

func TestSettlementRejectsForeignSource(t *testing.T) {
	h := newReceiverHarness(t)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payload, _ := settlementPayload(t, 2, user, "USDC", 50)
	err := h.deliver(t, xchain.Endpoint{Domain: hubDomain, Address: forwarderAddr}, payload, "USDC", 50)
	expectErr(t, err, xchain.ErrUnauthorizedSource)
	if h.book.BalanceOf("USDC", user).Sign() != 0 {
		t.Fatalf("foreign settlement paid out")
	}
}

func TestSettlementValueMismatch(t *testing.T) {
	h := newReceiverHarness(t)
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payload, _ := settlementPayload(t, 3, user, "USDC", 50)
	expectErr(t, h.deliver(t, h.source, payload, "USDC", 49), xchain.ErrInvalidPayload)
	expectErr(t, h.deliver(t, h.source, payload, "WETH", 50), xchain.ErrAssetMismatch)
	expectErr(t, h.receiver.OnMessage(context.Background(), h.source, payload), xchain.ErrInvalidPayload)
}
