// Package hub authenticates inbound cross-domain deliveries and hands their
// intents to the forwarder.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// Executor is the forwarder surface the receiver drives.
type Executor interface {
	Address() common.Address
	Domain() xchain.SigningDomain
	SupplyFor(ctx context.Context, signed xchain.SignedIntent, market string) (*big.Int, error)
	BorrowFor(ctx context.Context, signed xchain.SignedIntent, market string, origin xchain.DomainID) (*big.Int, error)
}

// Escrow grants the forwarder its one-time claim on delivered value.
type Escrow interface {
	Approve(asset string, owner, spender common.Address, amount *big.Int) error
}

// StatusHook observes lifecycle transitions the receiver can vouch for.
type StatusHook func(id xchain.IntentID, status xchain.Status)

// Config binds the receiver to its escrow account and market map.
type Config struct {
	// Address is the receiver's account; delivered value is minted here.
	Address common.Address
	// Markets maps asset symbols to market ids.
	Markets map[string]string
}

// Receiver implements xchain.Handler for the hub domain.
type Receiver struct {
	cfg      Config
	acl      *ACL
	executor Executor
	escrow   Escrow
	log      DeliveryLog
	hook     StatusHook
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

var _ xchain.Handler = (*Receiver)(nil)

// Option customises the receiver.
type Option func(*Receiver)

// WithDeliveryLog records every delivery attempt.
func WithDeliveryLog(l DeliveryLog) Option {
	return func(r *Receiver) { r.log = l }
}

// WithStatusHook reports RECEIVED transitions.
func WithStatusHook(h StatusHook) Option {
	return func(r *Receiver) { r.hook = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) { r.logger = l }
}

// WithClock sets the function used to timestamp deliveries.
func WithClock(clock func() time.Time) Option {
	return func(r *Receiver) { r.now = clock }
}

// NewReceiver constructs a receiver.
func NewReceiver(cfg Config, acl *ACL, executor Executor, escrow Escrow, opts ...Option) (*Receiver, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("hub: receiver address required")
	}
	if acl == nil || executor == nil || escrow == nil {
		return nil, fmt.Errorf("hub: acl, executor and escrow required")
	}
	markets := make(map[string]string, len(cfg.Markets))
	for symbol, market := range cfg.Markets {
		markets[xchain.NormalizeAsset(symbol)] = strings.TrimSpace(market)
	}
	cfg.Markets = markets
	r := &Receiver{
		cfg:      cfg,
		acl:      acl,
		executor: executor,
		escrow:   escrow,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Address returns the receiver's escrow account.
func (r *Receiver) Address() common.Address { return r.cfg.Address }

// MarketFor resolves an asset symbol to its market id.
func (r *Receiver) MarketFor(asset string) (string, error) {
	market, ok := r.cfg.Markets[xchain.NormalizeAsset(asset)]
	if !ok {
		return "", fmt.Errorf("%w: %s", xchain.ErrUnknownAsset, asset)
	}
	return market, nil
}

// OnMessageWithValue handles a supply delivery. The attached value is held at
// the receiver's address and must match the intent exactly.
func (r *Receiver) OnMessageWithValue(ctx context.Context, source xchain.Endpoint, payload []byte, asset string, amount *big.Int) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := Delivery{Source: source, Action: xchain.ActionSupply.String(), Asset: xchain.NormalizeAsset(asset), Amount: amount}
	d.Digest = xchain.Envelope{Source: source, Destination: xchain.Endpoint{Address: r.cfg.Address}, Payload: payload, Asset: d.Asset, Amount: amount}.Digest()
	defer func() { r.record(ctx, d, err) }()

	signed, err := r.admit(source, payload, &d)
	if err != nil {
		return err
	}
	if signed.Intent.Action != xchain.ActionSupply {
		return fmt.Errorf("%w: value attached to %s intent", xchain.ErrInvalidPayload, signed.Intent.Action)
	}
	if xchain.NormalizeAsset(asset) != signed.Intent.Asset {
		return fmt.Errorf("%w: attached %s, intent names %s", xchain.ErrAssetMismatch, asset, signed.Intent.Asset)
	}
	if amount == nil || signed.Intent.Amount == nil || amount.Cmp(signed.Intent.Amount) != 0 {
		return fmt.Errorf("%w: attached amount does not match intent", xchain.ErrInvalidPayload)
	}
	market, err := r.MarketFor(signed.Intent.Asset)
	if err != nil {
		return err
	}

	spender := r.executor.Address()
	if err := r.escrow.Approve(signed.Intent.Asset, r.cfg.Address, spender, amount); err != nil {
		return fmt.Errorf("hub: approve forwarder: %w", err)
	}
	_, execErr := r.executor.SupplyFor(ctx, signed, market)
	// The claim is one-time: whatever was not pulled is revoked.
	if rerr := r.escrow.Approve(signed.Intent.Asset, r.cfg.Address, spender, nil); rerr != nil {
		r.logger.Error("revoke forwarder allowance failed", slog.Any("error", rerr))
	}
	return execErr
}

// OnMessage handles a borrow delivery.
func (r *Receiver) OnMessage(ctx context.Context, source xchain.Endpoint, payload []byte) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := Delivery{Source: source, Action: xchain.ActionBorrow.String()}
	d.Digest = xchain.Envelope{Source: source, Destination: xchain.Endpoint{Address: r.cfg.Address}, Payload: payload}.Digest()
	defer func() { r.record(ctx, d, err) }()

	signed, err := r.admit(source, payload, &d)
	if err != nil {
		return err
	}
	if signed.Intent.Action != xchain.ActionBorrow {
		return fmt.Errorf("%w: %s intent delivered without value", xchain.ErrInvalidPayload, signed.Intent.Action)
	}
	market, err := r.MarketFor(signed.Intent.Asset)
	if err != nil {
		return err
	}
	_, err = r.executor.BorrowFor(ctx, signed, market, source.Domain)
	return err
}

// admit authenticates the source and decodes the intent. Nothing is touched
// before the ACL check passes.
func (r *Receiver) admit(source xchain.Endpoint, payload []byte, d *Delivery) (xchain.SignedIntent, error) {
	if !r.acl.Allowed(source) {
		return xchain.SignedIntent{}, fmt.Errorf("%w: %s", xchain.ErrUnauthorizedSource, source)
	}
	signed, err := xchain.DecodeIntent(payload)
	if err != nil {
		return xchain.SignedIntent{}, err
	}
	d.User = signed.Intent.User.Hex()
	d.Asset = signed.Intent.Asset
	if d.Amount == nil {
		d.Amount = signed.Intent.Amount
	}
	if id, derr := r.executor.Domain().Digest(signed.Intent); derr == nil {
		d.IntentID = id
		if r.hook != nil {
			r.hook(id, xchain.StatusReceived)
		}
	}
	return signed, nil
}

func (r *Receiver) record(ctx context.Context, d Delivery, err error) {
	d.ReceivedAt = r.now().UTC()
	d.Outcome = OutcomeExecuted
	if err != nil {
		d.Outcome = xchain.RejectionReason(err)
		d.Error = err.Error()
		r.logger.Warn("delivery rejected",
			slog.String("source", d.Source.String()),
			slog.String("action", d.Action),
			slog.String("reason", d.Outcome),
			slog.Any("error", err))
	}
	if r.log == nil {
		return
	}
	if lerr := r.log.Append(ctx, d); lerr != nil {
		r.logger.Error("delivery log append failed", slog.Any("error", lerr))
	}
}
