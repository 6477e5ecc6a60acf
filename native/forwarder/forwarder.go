// Package forwarder verifies signed lending intents and executes them against
// the hub's lending ledger on the signer's behalf.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"crosslend/core/events"
	nativecommon "crosslend/native/common"
	"crosslend/native/nonces"
	"crosslend/native/settlement"
	"crosslend/native/xchain"
	"crosslend/observability"
)

// ModuleName is the pause switch consulted before every execution.
const ModuleName = "forwarder"

// LendingLedger is the hub lending protocol. CreditSupply must pull the
// escrowed amount from the forwarder as part of success; CreditBorrow must
// check solvency before releasing funds to the forwarder.
type LendingLedger interface {
	CreditSupply(ctx context.Context, market string, user common.Address, amount *big.Int) (*big.Int, error)
	CreditBorrow(ctx context.Context, market string, user common.Address, amount *big.Int) (*big.Int, error)
}

// TokenBook is the custody surface the forwarder moves value through.
type TokenBook interface {
	Transfer(asset string, from, to common.Address, amount *big.Int) error
	TransferFrom(asset string, spender, from, to common.Address, amount *big.Int) error
	Approve(asset string, owner, spender common.Address, amount *big.Int) error
}

// Settler is the return-settlement saga used by borrows.
type Settler interface {
	Address() common.Address
	Reserve(ctx context.Context, rec settlement.Record) error
	Cancel(ctx context.Context, id xchain.IntentID) error
	Credit(ctx context.Context, id xchain.IntentID, amount *big.Int) error
	Dispatch(ctx context.Context, id xchain.IntentID) error
	Defer(id xchain.IntentID, fn settlement.FundFunc)
}

// Config binds a forwarder to its signing domain and counterparties.
type Config struct {
	// Domain is the EIP-712 domain; VerifyingContract is the forwarder's own
	// address and holds value in transit.
	Domain xchain.SigningDomain
	// Receiver is the hub receiver whose escrow supplies are pulled from.
	Receiver common.Address
	// LedgerSpender is the account the ledger pulls supplies with.
	LedgerSpender common.Address
	// Markets maps market ids to their underlying asset symbol.
	Markets map[string]string
}

// Forwarder is the only holder of the ledger capability.
type Forwarder struct {
	cfg        Config
	address    common.Address
	ledger     LendingLedger
	book       TokenBook
	registry   nonces.Registry
	settlement Settler
	emitter    events.Emitter
	pauses     nativecommon.PauseView
	metrics    *observability.HubMetrics
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu sync.Mutex
}

// Option customises the forwarder.
type Option func(*Forwarder)

// WithSettlement wires the return settlement used by borrows.
func WithSettlement(s Settler) Option {
	return func(f *Forwarder) { f.settlement = s }
}

// WithEmitter routes execution events to the supplied emitter.
func WithEmitter(e events.Emitter) Option {
	return func(f *Forwarder) { f.emitter = e }
}

// WithPauses consults the supplied view before each execution.
func WithPauses(p nativecommon.PauseView) Option {
	return func(f *Forwarder) { f.pauses = p }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.HubMetrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithClock sets the function used for deadline checks.
func WithClock(clock func() time.Time) Option {
	return func(f *Forwarder) { f.now = clock }
}

// New constructs a forwarder.
func New(cfg Config, ledger LendingLedger, book TokenBook, registry nonces.Registry, opts ...Option) (*Forwarder, error) {
	if ledger == nil {
		return nil, fmt.Errorf("forwarder: ledger required")
	}
	if book == nil {
		return nil, fmt.Errorf("forwarder: token book required")
	}
	if registry == nil {
		return nil, fmt.Errorf("forwarder: nonce registry required")
	}
	if cfg.Domain.VerifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("forwarder: verifying contract required")
	}
	markets := make(map[string]string, len(cfg.Markets))
	for id, asset := range cfg.Markets {
		markets[strings.TrimSpace(id)] = xchain.NormalizeAsset(asset)
	}
	cfg.Markets = markets
	f := &Forwarder{
		cfg:      cfg,
		address:  cfg.Domain.VerifyingContract,
		ledger:   ledger,
		book:     book,
		registry: registry,
		emitter:  events.NoopEmitter{},
		metrics:  observability.Hub(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("crosslend/forwarder"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.emitter == nil {
		f.emitter = events.NoopEmitter{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Address returns the forwarder's account.
func (f *Forwarder) Address() common.Address { return f.address }

// Domain returns the signing domain intents must be signed under.
func (f *Forwarder) Domain() xchain.SigningDomain { return f.cfg.Domain }

// NextNonce reports the nonce the user's next intent must carry.
func (f *Forwarder) NextNonce(ctx context.Context, user common.Address) (uint64, error) {
	return f.registry.Next(ctx, user)
}

// SupplyFor executes a supply intent whose value the receiver has escrowed and
// approved to the forwarder. It returns the amount credited by the ledger.
func (f *Forwarder) SupplyFor(ctx context.Context, signed xchain.SignedIntent, market string) (credited *big.Int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, span := f.tracer.Start(ctx, "forwarder.supply", trace.WithAttributes(
		attribute.String("market", market),
		attribute.String("user", signed.Intent.User.Hex()),
	))
	start := f.now()
	var id xchain.IntentID
	defer func() { f.finish(span, xchain.ActionSupply, id, signed.Intent, start, err) }()

	if err := nativecommon.Guard(f.pauses, ModuleName); err != nil {
		return nil, fmt.Errorf("%w: %v", xchain.ErrPaused, err)
	}
	if signed.Intent.Action != xchain.ActionSupply {
		return nil, fmt.Errorf("%w: expected supply, got %s", xchain.ErrInvalidIntent, signed.Intent.Action)
	}
	id, err = f.verifyAndConsume(ctx, signed)
	if err != nil {
		return nil, err
	}
	intent := signed.Intent
	release := func() {
		if rerr := f.registry.Release(ctx, intent.User, intent.Nonce); rerr != nil {
			f.logger.Error("nonce release failed", slog.String("user", intent.User.Hex()), slog.Uint64("nonce", intent.Nonce), slog.Any("error", rerr))
		}
	}
	if err := f.checkMarket(market, intent.Asset); err != nil {
		release()
		return nil, err
	}

	if err := f.book.TransferFrom(intent.Asset, f.address, f.cfg.Receiver, f.address, intent.Amount); err != nil {
		release()
		return nil, fmt.Errorf("forwarder: claim escrow: %w", err)
	}
	if err := f.book.Approve(intent.Asset, f.address, f.cfg.LedgerSpender, intent.Amount); err != nil {
		f.refund(intent)
		release()
		return nil, fmt.Errorf("forwarder: approve ledger: %w", err)
	}
	credited, lerr := f.ledger.CreditSupply(ctx, market, intent.User, intent.Amount)
	if lerr != nil {
		f.revokeLedger(intent.Asset)
		f.refund(intent)
		release()
		return nil, &xchain.LedgerError{Op: "supply", Market: market, Reason: lerr}
	}
	f.revokeLedger(intent.Asset)

	f.emitter.Emit(events.IntentExecuted{
		IntentID: id,
		User:     intent.User,
		Asset:    intent.Asset,
		Market:   market,
		Amount:   xchain.CloneAmount(credited),
		Nonce:    intent.Nonce,
	})
	return credited, nil
}

// BorrowFor executes a borrow intent and starts the settlement of the released
// funds to origin. Once the ledger released funds the borrow succeeds: a failed
// custody transfer, credit or send is retried by the settlement worker.
func (f *Forwarder) BorrowFor(ctx context.Context, signed xchain.SignedIntent, market string, origin xchain.DomainID) (released *big.Int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, span := f.tracer.Start(ctx, "forwarder.borrow", trace.WithAttributes(
		attribute.String("market", market),
		attribute.String("user", signed.Intent.User.Hex()),
		attribute.Int64("origin", int64(origin)),
	))
	start := f.now()
	var id xchain.IntentID
	defer func() { f.finish(span, xchain.ActionBorrow, id, signed.Intent, start, err) }()

	if err := nativecommon.Guard(f.pauses, ModuleName); err != nil {
		return nil, fmt.Errorf("%w: %v", xchain.ErrPaused, err)
	}
	if f.settlement == nil {
		return nil, fmt.Errorf("forwarder: settlement not configured")
	}
	if signed.Intent.Action != xchain.ActionBorrow {
		return nil, fmt.Errorf("%w: expected borrow, got %s", xchain.ErrInvalidIntent, signed.Intent.Action)
	}
	id, err = f.verifyAndConsume(ctx, signed)
	if err != nil {
		return nil, err
	}
	intent := signed.Intent
	release := func() {
		if rerr := f.registry.Release(ctx, intent.User, intent.Nonce); rerr != nil {
			f.logger.Error("nonce release failed", slog.String("user", intent.User.Hex()), slog.Uint64("nonce", intent.Nonce), slog.Any("error", rerr))
		}
	}
	if err := f.checkMarket(market, intent.Asset); err != nil {
		release()
		return nil, err
	}

	if err := f.settlement.Reserve(ctx, settlement.Record{
		IntentID: id,
		User:     intent.User,
		Asset:    intent.Asset,
		Amount:   intent.Amount,
		Origin:   origin,
	}); err != nil {
		release()
		return nil, fmt.Errorf("forwarder: reserve settlement: %w", err)
	}
	released, lerr := f.ledger.CreditBorrow(ctx, market, intent.User, intent.Amount)
	if lerr != nil {
		if cerr := f.settlement.Cancel(ctx, id); cerr != nil {
			f.logger.Error("settlement cancel failed", slog.String("intent_id", id.Hex()), slog.Any("error", cerr))
		}
		release()
		return nil, &xchain.LedgerError{Op: "borrow", Market: market, Reason: lerr}
	}

	// The ledger has committed: the borrow succeeds and the nonce stays
	// consumed. Funding that fails here is completed by the settlement sweep.
	transferred := false
	fund := func(ctx context.Context) error {
		if !transferred {
			if err := f.book.Transfer(intent.Asset, f.address, f.settlement.Address(), released); err != nil {
				return fmt.Errorf("forwarder: fund settlement: %w", err)
			}
			transferred = true
		}
		if err := f.settlement.Credit(ctx, id, released); err != nil {
			return fmt.Errorf("forwarder: credit settlement: %w", err)
		}
		return nil
	}
	ferr := fund(ctx)
	if ferr != nil {
		f.logger.Error("settlement funding failed",
			slog.String("intent_id", id.Hex()),
			slog.Bool("transferred", transferred),
			slog.Any("error", ferr))
		f.settlement.Defer(id, fund)
	}
	f.emitter.Emit(events.IntentExecuted{
		Borrow:   true,
		IntentID: id,
		User:     intent.User,
		Asset:    intent.Asset,
		Market:   market,
		Amount:   xchain.CloneAmount(released),
		Nonce:    intent.Nonce,
	})
	if ferr != nil {
		return released, nil
	}
	if derr := f.settlement.Dispatch(ctx, id); derr != nil {
		f.logger.Warn("settlement dispatch deferred",
			slog.String("intent_id", id.Hex()),
			slog.Any("error", derr))
	}
	return released, nil
}

// verifyAndConsume runs the fixed verification order: signature, deadline,
// nonce. The nonce is consumed only when the first two pass.
func (f *Forwarder) verifyAndConsume(ctx context.Context, signed xchain.SignedIntent) (xchain.IntentID, error) {
	id, err := f.cfg.Domain.Verify(signed)
	if err != nil {
		return id, err
	}
	now := f.now().Unix()
	if now < 0 {
		now = 0
	}
	if signed.Intent.Expired(uint64(now)) {
		return id, fmt.Errorf("%w: deadline %d, now %d", xchain.ErrDeadlineExpired, signed.Intent.Deadline, now)
	}
	if err := f.registry.Consume(ctx, signed.Intent.User, signed.Intent.Nonce); err != nil {
		return id, err
	}
	return id, nil
}

func (f *Forwarder) checkMarket(market, asset string) error {
	listed, ok := f.cfg.Markets[market]
	if !ok {
		return fmt.Errorf("%w: market %q not registered", xchain.ErrAssetMismatch, market)
	}
	if listed != xchain.NormalizeAsset(asset) {
		return fmt.Errorf("%w: market %q lists %s, intent names %s", xchain.ErrAssetMismatch, market, listed, asset)
	}
	return nil
}

func (f *Forwarder) refund(intent xchain.Intent) {
	if err := f.book.Transfer(intent.Asset, f.address, f.cfg.Receiver, intent.Amount); err != nil {
		f.logger.Error("escrow refund failed", slog.String("user", intent.User.Hex()), slog.Any("error", err))
	}
}

func (f *Forwarder) revokeLedger(asset string) {
	if err := f.book.Approve(asset, f.address, f.cfg.LedgerSpender, nil); err != nil {
		f.logger.Error("ledger approval revoke failed", slog.String("asset", asset), slog.Any("error", err))
	}
}

func (f *Forwarder) finish(span trace.Span, action xchain.Action, id xchain.IntentID, intent xchain.Intent, start time.Time, err error) {
	defer span.End()
	reason := xchain.RejectionReason(err)
	f.metrics.ObserveExecution(action.String(), reason, f.now().Sub(start))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		f.logger.Info("intent executed",
			slog.String("action", action.String()),
			slog.String("intent_id", id.Hex()),
			slog.String("user", intent.User.Hex()),
			slog.String("asset", intent.Asset),
			slog.Uint64("nonce", intent.Nonce))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	f.emitter.Emit(events.IntentRejected{
		IntentID: id,
		User:     intent.User,
		Asset:    intent.Asset,
		Nonce:    intent.Nonce,
		Reason:   reason,
	})
	level := slog.LevelWarn
	if reason == "internal" {
		level = slog.LevelError
	}
	f.logger.Log(context.Background(), level, "intent rejected",
		slog.String("action", action.String()),
		slog.String("intent_id", id.Hex()),
		slog.String("user", intent.User.Hex()),
		slog.String("reason", reason),
		slog.Any("error", err))
}
