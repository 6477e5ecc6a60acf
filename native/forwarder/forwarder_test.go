package forwarder

import (
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
	"crosslend/native/lending"
	"crosslend/native/nonces"
	"crosslend/native/settlement"
	"crosslend/native/token"
	"crosslend/native/xchain"
)

const (
	hubDomain   xchain.DomainID = 10
	spokeDomain xchain.DomainID = 97
)

var (
	forwarderAddr  = common.HexToAddress("0x000000000000000000000000000000000000f0f0")
	receiverAddr   = common.HexToAddress("0x000000000000000000000000000000000000ecec")
	custodyAddr    = common.HexToAddress("0x00000000000000000000000000000000000c0575")
	settlementAddr = common.HexToAddress("0x0000000000000000000000000000000000005e77")
	spokeReceiver  = common.HexToAddress("0x000000000000000000000000000000000000dec0")
)

type stubGateway struct {
	mu   sync.Mutex
	fail error
	sent []xchain.OutboundMessage
}

func (g *stubGateway) Send(_ context.Context, msg xchain.OutboundMessage) (xchain.MessageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return "", g.fail
	}
	g.sent = append(g.sent, msg)
	return xchain.MessageID(fmt.Sprintf("m%d", len(g.sent))), nil
}

// flakySettler fails the next creditFailures calls to Credit.
type flakySettler struct {
	*settlement.Settlement
	creditFailures int
}

func (s *flakySettler) Credit(ctx context.Context, id xchain.IntentID, amount *big.Int) error {
	if s.creditFailures > 0 {
		s.creditFailures--
		return errors.New("journal unavailable")
	}
	return s.Settlement.Credit(ctx, id, amount)
}

type harness struct {
	t          *testing.T
	now        time.Time
	key        *crypto.PrivateKey
	book       *token.Book
	engine     *lending.Engine
	registry   *nonces.MemoryRegistry
	gateway    *stubGateway
	settlement *settlement.Settlement
	settler    *flakySettler
	events     *events.Recorder
	pauses     *nativecommon.Pauses
	forwarder  *Forwarder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := &harness{
		t:        t,
		now:      time.Unix(1_700_000_000, 0),
		key:      key,
		book:     token.NewBook("hub"),
		registry: nonces.NewMemoryRegistry(),
		gateway:  &stubGateway{},
		events:   &events.Recorder{},
		pauses:   nativecommon.NewPauses(),
	}
	clock := func() time.Time { return h.now }

	h.engine = lending.NewEngine(h.book, custodyAddr)
	h.engine.SetOperator(forwarderAddr)
	for _, market := range []lending.MarketConfig{
		{ID: "usdc-main", Asset: "USDC", Risk: lending.RiskParameters{CollateralFactorBps: 10_000}},
		{ID: "weth-main", Asset: "WETH", Risk: lending.RiskParameters{CollateralFactorBps: 8_000}},
	} {
		if err := h.engine.AddMarket(market); err != nil {
			t.Fatalf("add market %s: %v", market.ID, err)
		}
	}

	h.settlement, err = settlement.New(settlement.Config{
		Address:   settlementAddr,
		Domain:    hubDomain,
		Receivers: map[xchain.DomainID]common.Address{spokeDomain: spokeReceiver},
	}, h.gateway, settlement.NewMemoryJournal(), settlement.WithEmitter(h.events), settlement.WithClock(clock))
	if err != nil {
		t.Fatalf("new settlement: %v", err)
	}
	h.settler = &flakySettler{Settlement: h.settlement}

	h.forwarder, err = New(Config{
		Domain: xchain.SigningDomain{
			Name:              "crosslend",
			Version:           "1",
			ChainID:           hubDomain,
			VerifyingContract: forwarderAddr,
		},
		Receiver:      receiverAddr,
		LedgerSpender: custodyAddr,
		Markets:       map[string]string{"usdc-main": "USDC", "weth-main": "WETH"},
	}, h.engine, h.book, h.registry,
		WithSettlement(h.settler),
		WithEmitter(h.events),
		WithPauses(h.pauses),
		WithClock(clock))
	if err != nil {
		t.Fatalf("new forwarder: %v", err)
	}
	return h
}

func (h *harness) sign(action xchain.Action, asset string, amount int64, nonce, deadline uint64) xchain.SignedIntent {
	h.t.Helper()
	signed, err := h.forwarder.Domain().Sign(h.key, xchain.Intent{
		Action:   action,
		User:     h.key.Address(),
		Asset:    asset,
		Amount:   big.NewInt(amount),
		Nonce:    nonce,
		Deadline: deadline,
	})
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return signed
}

// escrow places value at the receiver and approves it to the forwarder, the
// way the hub receiver does on a value-bearing delivery.
func (h *harness) escrow(asset string, amount int64) {
	h.t.Helper()
	if err := h.book.Mint(asset, receiverAddr, big.NewInt(amount)); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	if err := h.book.Approve(asset, receiverAddr, forwarderAddr, big.NewInt(amount)); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
}

func (h *harness) supply(asset, market string, amount int64, nonce uint64) {
	h.t.Helper()
	h.escrow(asset, amount)
	if _, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, asset, amount, nonce, 0), market); err != nil {
		h.t.Fatalf("supply: %v", err)
	}
}

func (h *harness) nextNonce() uint64 {
	h.t.Helper()
	n, err := h.registry.Next(context.Background(), h.key.Address())
	if err != nil {
		h.t.Fatalf("next nonce: %v", err)
	}
	return n
}

func (h *harness) custody(market string) int64 {
	h.t.Helper()
	cash, err := h.engine.CustodyOf(market)
	if err != nil {
		h.t.Fatalf("custody: %v", err)
	}
	return cash.Int64()
}

func (h *harness) balance(asset string, account common.Address) int64 {
	return h.book.BalanceOf(asset, account).Int64()
}

func (h *harness) record(signed xchain.SignedIntent) settlement.Record {
	h.t.Helper()
	id, err := h.forwarder.Domain().Digest(signed.Intent)
	if err != nil {
		h.t.Fatalf("digest: %v", err)
	}
	rec, err := h.settlement.Record(context.Background(), id)
	if err != nil {
		h.t.Fatalf("settlement record: %v", err)
	}
	return rec
}

func TestSupplySuccessAdvancesNonce(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)

	credited, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, 0), "usdc-main")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if credited.Int64() != 100 {
		t.Fatalf("unexpected credited amount: %s", credited)
	}
	if got := h.nextNonce(); got != 1 {
		t.Fatalf("expected next nonce 1, got %d", got)
	}
	if got := h.custody("usdc-main"); got != 100 {
		t.Fatalf("unexpected market custody: %d", got)
	}
	if got := h.balance("USDC", custodyAddr); got != 100 {
		t.Fatalf("unexpected custody balance: %d", got)
	}
	if h.book.BalanceOf("USDC", forwarderAddr).Sign() != 0 {
		t.Fatalf("forwarder kept value in transit")
	}
	if h.book.Allowance("USDC", forwarderAddr, custodyAddr).Sign() != 0 {
		t.Fatalf("ledger approval not revoked")
	}

	executed := h.events.OfType(events.TypeSupplyExecuted)
	if len(executed) != 1 {
		t.Fatalf("expected one SupplyExecuted, got %d", len(executed))
	}
	attrs := executed[0].Event().Attributes
	if attrs["amount"] != "100" || attrs["intentId"] == "" {
		t.Fatalf("unexpected event attributes: %+v", attrs)
	}
}

func TestReplayFailsWithoutLedgerEffect(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 200)
	signed := h.sign(xchain.ActionSupply, "USDC", 100, 0, 0)
	if _, err := h.forwarder.SupplyFor(context.Background(), signed, "usdc-main"); err != nil {
		t.Fatalf("supply: %v", err)
	}

	_, err := h.forwarder.SupplyFor(context.Background(), signed, "usdc-main")
	if !errors.Is(err, xchain.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	if got := h.custody("usdc-main"); got != 100 {
		t.Fatalf("replay changed market custody: %d", got)
	}
	if got := h.balance("USDC", receiverAddr); got != 100 {
		t.Fatalf("replay moved escrow: %d", got)
	}
	if got := h.nextNonce(); got != 1 {
		t.Fatalf("expected next nonce 1, got %d", got)
	}
	if n := len(h.events.OfType(events.TypeIntentRejected)); n != 1 {
		t.Fatalf("expected one rejection event, got %d", n)
	}
}

func TestForgedSignatureRejected(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)
	signed := h.sign(xchain.ActionSupply, "USDC", 100, 0, 0)

	other, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged, err := h.forwarder.Domain().Sign(other, xchain.Intent{
		Action: xchain.ActionSupply, User: other.Address(), Asset: "USDC", Amount: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed.Signature = forged.Signature

	if _, err := h.forwarder.SupplyFor(context.Background(), signed, "usdc-main"); !errors.Is(err, xchain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if h.nextNonce() != 0 || h.custody("usdc-main") != 0 {
		t.Fatalf("forged intent had an effect")
	}

	signed.Signature = nil
	if _, err := h.forwarder.SupplyFor(context.Background(), signed, "usdc-main"); !errors.Is(err, xchain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for empty signature, got %v", err)
	}
}

func TestDeadlineExpiredKeepsNonce(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)
	now := uint64(h.now.Unix())

	_, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, now-1), "usdc-main")
	if !errors.Is(err, xchain.ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
	if got := h.nextNonce(); got != 0 {
		t.Fatalf("expired intent consumed nonce: %d", got)
	}

	// Expiry wins over a wrong nonce.
	_, err = h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 7, now-1), "usdc-main")
	if !errors.Is(err, xchain.ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired before nonce check, got %v", err)
	}

	// A deadline equal to now is still valid.
	if _, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, now), "usdc-main"); err != nil {
		t.Fatalf("deadline equal to now rejected: %v", err)
	}
}

func TestSupplyLedgerRejectionRollsBack(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)
	if err := h.engine.AddMarket(lending.MarketConfig{ID: "usdc-paused", Asset: "USDC", Pauses: lending.ActionPauses{Supply: true}}); err != nil {
		t.Fatalf("add market: %v", err)
	}
	h.forwarder.cfg.Markets["usdc-paused"] = "USDC"

	_, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, 0), "usdc-paused")
	if !errors.Is(err, xchain.ErrLedgerRejected) || !errors.Is(err, lending.ErrActionPaused) {
		t.Fatalf("expected ledger rejection wrapping ErrActionPaused, got %v", err)
	}
	var ledgerErr *xchain.LedgerError
	if !errors.As(err, &ledgerErr) || ledgerErr.Op != "supply" {
		t.Fatalf("expected supply LedgerError, got %v", err)
	}
	if got := h.nextNonce(); got != 0 {
		t.Fatalf("rejected supply consumed nonce: %d", got)
	}
	if got := h.balance("USDC", receiverAddr); got != 100 {
		t.Fatalf("escrow not returned to receiver: %d", got)
	}
	if h.book.BalanceOf("USDC", forwarderAddr).Sign() != 0 {
		t.Fatalf("forwarder kept value in transit")
	}
	if h.book.Allowance("USDC", forwarderAddr, custodyAddr).Sign() != 0 {
		t.Fatalf("ledger approval not revoked")
	}
}

func TestAssetMismatchReleasesNonce(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)
	_, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, 0), "weth-main")
	if !errors.Is(err, xchain.ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch, got %v", err)
	}
	if h.nextNonce() != 0 || h.balance("USDC", receiverAddr) != 100 {
		t.Fatalf("mismatched intent had an effect")
	}
}

func TestSupplyWithoutEscrowFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, 0), "usdc-main")
	if !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if h.nextNonce() != 0 || h.custody("usdc-main") != 0 {
		t.Fatalf("unescrowed supply had an effect")
	}
}

func TestBorrowDispatchesSettlement(t *testing.T) {
	h := newHarness(t)
	h.supply("USDC", "usdc-main", 100, 0)

	signed := h.sign(xchain.ActionBorrow, "USDC", 50, 1, uint64(h.now.Unix()))
	released, err := h.forwarder.BorrowFor(context.Background(), signed, "usdc-main", spokeDomain)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if released.Int64() != 50 {
		t.Fatalf("unexpected released amount: %s", released)
	}
	if got := h.nextNonce(); got != 2 {
		t.Fatalf("expected next nonce 2, got %d", got)
	}
	if got := h.custody("usdc-main"); got != 50 {
		t.Fatalf("unexpected market custody: %d", got)
	}
	if got := h.balance("USDC", settlementAddr); got != 50 {
		t.Fatalf("unexpected settlement custody: %d", got)
	}

	if len(h.gateway.sent) != 1 {
		t.Fatalf("expected one settlement message, got %d", len(h.gateway.sent))
	}
	msg := h.gateway.sent[0]
	if msg.Amount.Int64() != 50 || msg.Destination.Domain != spokeDomain {
		t.Fatalf("unexpected settlement message: %+v", msg)
	}
	payload, err := xchain.DecodeSettlement(msg.Payload)
	if err != nil {
		t.Fatalf("decode settlement: %v", err)
	}
	if payload.Recipient != h.key.Address() {
		t.Fatalf("unexpected recipient: %s", payload.Recipient.Hex())
	}
	if rec := h.record(signed); rec.State != settlement.StateSent {
		t.Fatalf("expected sent record, got %s", rec.State)
	}
	if n := len(h.events.OfType(events.TypeBorrowExecuted)); n != 1 {
		t.Fatalf("expected one BorrowExecuted, got %d", n)
	}
	if n := len(h.events.OfType(events.TypeSettlementSent)); n != 1 {
		t.Fatalf("expected one SettlementSent, got %d", n)
	}
}

func TestBorrowSendFailureLeavesCreditedRecord(t *testing.T) {
	h := newHarness(t)
	h.supply("USDC", "usdc-main", 100, 0)

	h.gateway.fail = errors.New("gateway unavailable")
	signed := h.sign(xchain.ActionBorrow, "USDC", 40, 1, 0)
	if _, err := h.forwarder.BorrowFor(context.Background(), signed, "usdc-main", spokeDomain); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if rec := h.record(signed); rec.State != settlement.StateCredited {
		t.Fatalf("expected credited record, got %s", rec.State)
	}
	if got := h.balance("USDC", settlementAddr); got != 40 {
		t.Fatalf("unexpected settlement custody: %d", got)
	}

	h.gateway.fail = nil
	result, err := h.settlement.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Sent != 1 || len(h.gateway.sent) != 1 {
		t.Fatalf("unexpected sweep: %+v, sent %d", result, len(h.gateway.sent))
	}
}

func TestBorrowFundingFailureRecoveredBySweep(t *testing.T) {
	h := newHarness(t)
	h.supply("USDC", "usdc-main", 100, 0)

	h.settler.creditFailures = 1
	signed := h.sign(xchain.ActionBorrow, "USDC", 40, 1, 0)
	released, err := h.forwarder.BorrowFor(context.Background(), signed, "usdc-main", spokeDomain)
	if err != nil {
		t.Fatalf("borrow must succeed once the ledger committed: %v", err)
	}
	if released.Int64() != 40 {
		t.Fatalf("unexpected released amount: %s", released)
	}
	if got := h.nextNonce(); got != 2 {
		t.Fatalf("expected nonce to stay consumed, next %d", got)
	}
	if rec := h.record(signed); rec.State != settlement.StateReserved {
		t.Fatalf("expected reserved record, got %s", rec.State)
	}
	if got := h.balance("USDC", settlementAddr); got != 40 {
		t.Fatalf("unexpected settlement custody: %d", got)
	}
	if len(h.gateway.sent) != 0 {
		t.Fatalf("unfunded record was dispatched")
	}
	if n := len(h.events.OfType(events.TypeBorrowExecuted)); n != 1 {
		t.Fatalf("expected one BorrowExecuted, got %d", n)
	}
	status, err := h.settlement.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Unfunded != 1 || status.Reserved != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}

	result, err := h.settlement.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result != (settlement.SweepResult{Recovered: 1, Attempted: 1, Sent: 1}) {
		t.Fatalf("unexpected sweep: %+v", result)
	}
	if rec := h.record(signed); rec.State != settlement.StateSent {
		t.Fatalf("expected sent record, got %s", rec.State)
	}
	// The custody transfer is not repeated on recovery.
	if got := h.balance("USDC", settlementAddr); got != 40 {
		t.Fatalf("unexpected settlement custody after recovery: %d", got)
	}
	if len(h.gateway.sent) != 1 || h.gateway.sent[0].Amount.Int64() != 40 {
		t.Fatalf("unexpected settlement messages: %+v", h.gateway.sent)
	}

	again, err := h.settlement.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again != (settlement.SweepResult{}) {
		t.Fatalf("recovered funding ran twice: %+v", again)
	}
}

func TestBorrowLedgerRejectionCancelsReservation(t *testing.T) {
	h := newHarness(t)
	signed := h.sign(xchain.ActionBorrow, "USDC", 50, 0, 0)
	_, err := h.forwarder.BorrowFor(context.Background(), signed, "usdc-main", spokeDomain)
	if !errors.Is(err, xchain.ErrLedgerRejected) {
		t.Fatalf("expected ErrLedgerRejected, got %v", err)
	}
	if h.nextNonce() != 0 || len(h.gateway.sent) != 0 {
		t.Fatalf("rejected borrow had an effect")
	}
	id, err := h.forwarder.Domain().Digest(signed.Intent)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if _, err := h.settlement.Record(context.Background(), id); !errors.Is(err, settlement.ErrRecordNotFound) {
		t.Fatalf("expected reservation cancelled, got %v", err)
	}

	// Later borrows succeed once collateral exists.
	h.supply("WETH", "weth-main", 100, 0)
	h.supply("USDC", "usdc-main", 100, 1)
	if _, err := h.forwarder.BorrowFor(context.Background(), h.sign(xchain.ActionBorrow, "USDC", 50, 2, 0), "usdc-main", spokeDomain); err != nil {
		t.Fatalf("borrow after collateral: %v", err)
	}
}

func TestBorrowUnknownOriginReleasesNonce(t *testing.T) {
	h := newHarness(t)
	_, err := h.forwarder.BorrowFor(context.Background(), h.sign(xchain.ActionBorrow, "USDC", 1, 0, 0), "usdc-main", 5)
	if !errors.Is(err, settlement.ErrUnknownOrigin) {
		t.Fatalf("expected ErrUnknownOrigin, got %v", err)
	}
	if got := h.nextNonce(); got != 0 {
		t.Fatalf("unknown origin consumed nonce: %d", got)
	}
}

func TestWrongActionAndPause(t *testing.T) {
	h := newHarness(t)
	h.escrow("USDC", 100)
	if _, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionBorrow, "USDC", 100, 0, 0), "usdc-main"); !errors.Is(err, xchain.ErrInvalidIntent) {
		t.Fatalf("expected ErrInvalidIntent, got %v", err)
	}

	h.pauses.Pause(ModuleName)
	if _, err := h.forwarder.SupplyFor(context.Background(), h.sign(xchain.ActionSupply, "USDC", 100, 0, 0), "usdc-main"); !errors.Is(err, xchain.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if got := h.nextNonce(); got != 0 {
		t.Fatalf("paused forwarder consumed nonce: %d", got)
	}
}
