// Package memory provides an in-process gateway connecting several domains,
// each with its own token book. Value attached to a message is burned on the
// source domain when sent and minted on the destination domain when delivered.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"crosslend/native/xchain"
)

var (
	ErrUnknownDomain   = errors.New("memory: unknown domain")
	ErrNoHandler       = errors.New("memory: no handler registered")
	ErrUnknownMessage  = errors.New("memory: unknown message")
	ErrInsufficientFee = errors.New("memory: fee below minimum")
)

// Book is the token surface the gateway moves value through.
type Book interface {
	Mint(asset string, to common.Address, amount *big.Int) error
	Burn(asset string, from common.Address, amount *big.Int) error
	Transfer(asset string, from, to common.Address, amount *big.Int) error
}

// Domain configures one connected domain.
type Domain struct {
	ID   xchain.DomainID
	Book Book
	// FeeAsset and FeeCollector receive message fees paid on this domain.
	FeeAsset     string
	FeeCollector common.Address
	MinFee       *big.Int
}

type domainState struct {
	cfg      Domain
	handlers map[common.Address]xchain.Handler
}

// Failure is a delivery whose handler returned an error.
type Failure struct {
	Envelope xchain.Envelope
	Err      error
	Attempts int
}

// Gateway is safe for concurrent use. Delivery is driven explicitly through
// Deliver, DeliverAll or Flush so tests control interleavings.
type Gateway struct {
	mu       sync.Mutex
	domains  map[xchain.DomainID]*domainState
	queue    []xchain.Envelope
	sent     map[xchain.MessageID]xchain.Envelope
	failed   map[xchain.MessageID]*Failure
	rng      *rand.Rand
	logger   *slog.Logger
	newID    func() xchain.MessageID
	sentSeen int
}

// Option customises the gateway.
type Option func(*Gateway)

// WithReorder delivers queued messages in a seeded random order.
func WithReorder(seed int64) Option {
	return func(g *Gateway) { g.rng = rand.New(rand.NewSource(seed)) }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithIDs overrides message id generation.
func WithIDs(gen func() xchain.MessageID) Option {
	return func(g *Gateway) { g.newID = gen }
}

// New connects the supplied domains.
func New(domains []Domain, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		domains: make(map[xchain.DomainID]*domainState, len(domains)),
		sent:    make(map[xchain.MessageID]xchain.Envelope),
		failed:  make(map[xchain.MessageID]*Failure),
		logger:  slog.Default(),
		newID:   func() xchain.MessageID { return xchain.MessageID(uuid.NewString()) },
	}
	for _, d := range domains {
		if d.Book == nil {
			return nil, fmt.Errorf("memory: domain %d has no token book", d.ID)
		}
		if _, dup := g.domains[d.ID]; dup {
			return nil, fmt.Errorf("memory: duplicate domain %d", d.ID)
		}
		d.FeeAsset = xchain.NormalizeAsset(d.FeeAsset)
		d.MinFee = xchain.CloneAmount(d.MinFee)
		g.domains[d.ID] = &domainState{cfg: d, handlers: make(map[common.Address]xchain.Handler)}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Register attaches a handler to an endpoint.
func (g *Gateway) Register(ep xchain.Endpoint, h xchain.Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.domains[ep.Domain]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDomain, ep.Domain)
	}
	d.handlers[ep.Address] = h
	return nil
}

// Sender returns an xchain.Gateway bound to one source domain. Messages
// whose Source names another domain are refused.
func (g *Gateway) Sender(domain xchain.DomainID) xchain.Gateway {
	return xchain.GatewayFunc(func(ctx context.Context, msg xchain.OutboundMessage) (xchain.MessageID, error) {
		if msg.Source.Domain != domain {
			return "", fmt.Errorf("%w: sender bound to %d, message from %d", ErrUnknownDomain, domain, msg.Source.Domain)
		}
		return g.Send(ctx, msg)
	})
}

// Send charges the fee, burns attached value on the source domain and queues
// the envelope.
func (g *Gateway) Send(_ context.Context, msg xchain.OutboundMessage) (xchain.MessageID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.domains[msg.Source.Domain]
	if !ok {
		return "", fmt.Errorf("%w: source %d", ErrUnknownDomain, msg.Source.Domain)
	}
	if _, ok := g.domains[msg.Destination.Domain]; !ok {
		return "", fmt.Errorf("%w: destination %d", ErrUnknownDomain, msg.Destination.Domain)
	}
	fee := xchain.CloneAmount(msg.Fee)
	if fee.Cmp(src.cfg.MinFee) < 0 {
		return "", fmt.Errorf("%w: %s < %s", ErrInsufficientFee, fee, src.cfg.MinFee)
	}
	if fee.Sign() > 0 {
		if err := src.cfg.Book.Transfer(src.cfg.FeeAsset, msg.Source.Address, src.cfg.FeeCollector, fee); err != nil {
			return "", fmt.Errorf("memory: collect fee: %w", err)
		}
	}
	if msg.HasValue() {
		if err := src.cfg.Book.Burn(msg.Asset, msg.Source.Address, msg.Amount); err != nil {
			if fee.Sign() > 0 {
				if rerr := src.cfg.Book.Transfer(src.cfg.FeeAsset, src.cfg.FeeCollector, msg.Source.Address, fee); rerr != nil {
					g.logger.Error("fee refund failed", slog.Any("error", rerr))
				}
			}
			return "", fmt.Errorf("memory: lock value: %w", err)
		}
	}
	env := xchain.NewEnvelope(g.newID(), msg)
	g.queue = append(g.queue, env)
	g.sent[env.MessageID] = env
	g.sentSeen++
	return env.MessageID, nil
}

// Pending reports the number of queued envelopes.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// SentCount reports how many messages were accepted in total.
func (g *Gateway) SentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sentSeen
}

// Deliver hands the next queued envelope to its handler. It reports false
// when the queue is empty. A handler error is returned and the envelope is
// retained for Retry.
func (g *Gateway) Deliver(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if len(g.queue) == 0 {
		g.mu.Unlock()
		return false, nil
	}
	idx := 0
	if g.rng != nil {
		idx = g.rng.Intn(len(g.queue))
	}
	env := g.queue[idx]
	g.queue = append(g.queue[:idx], g.queue[idx+1:]...)
	g.mu.Unlock()

	err := g.deliver(ctx, env)
	if err != nil {
		g.mu.Lock()
		f, ok := g.failed[env.MessageID]
		if !ok {
			f = &Failure{Envelope: env}
			g.failed[env.MessageID] = f
		}
		f.Err = err
		f.Attempts++
		g.mu.Unlock()
	}
	return true, err
}

// DeliverAll drains the queue, including messages enqueued by handlers
// during delivery. Handler errors are collected and joined.
func (g *Gateway) DeliverAll(ctx context.Context) error {
	var errs []error
	for {
		ok, err := g.Deliver(ctx)
		if !ok {
			break
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Redeliver enqueues a second copy of an already sent message. No value is
// burned for the duplicate; the destination sees it minted again, so a
// handler that accepts duplicates inflates supply.
func (g *Gateway) Redeliver(id xchain.MessageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	env, ok := g.sent[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	g.queue = append(g.queue, env)
	return nil
}

// Failed lists deliveries whose handlers returned an error.
func (g *Gateway) Failed() []Failure {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Failure, 0, len(g.failed))
	for _, f := range g.failed {
		out = append(out, *f)
	}
	return out
}

// Retry re-attempts a failed delivery.
func (g *Gateway) Retry(ctx context.Context, id xchain.MessageID) error {
	g.mu.Lock()
	f, ok := g.failed[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	err := g.deliver(ctx, f.Envelope)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		f.Err = err
		f.Attempts++
		return err
	}
	delete(g.failed, id)
	return nil
}

// Refund abandons a failed delivery and mints its value back to the sender on
// the source domain. The fee is kept. A refunded message can no longer be
// retried.
func (g *Gateway) Refund(id xchain.MessageID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.failed[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	env := f.Envelope
	if env.HasValue() {
		src, ok := g.domains[env.Source.Domain]
		if !ok {
			return fmt.Errorf("%w: source %d", ErrUnknownDomain, env.Source.Domain)
		}
		if err := src.cfg.Book.Mint(env.Asset, env.Source.Address, env.Amount); err != nil {
			return fmt.Errorf("memory: refund value: %w", err)
		}
	}
	delete(g.failed, id)
	g.logger.Info("failed delivery refunded",
		slog.String("message_id", string(id)),
		slog.Int("attempts", f.Attempts),
		slog.Any("cause", f.Err))
	return nil
}

func (g *Gateway) deliver(ctx context.Context, env xchain.Envelope) error {
	g.mu.Lock()
	dst, ok := g.domains[env.Destination.Domain]
	var h xchain.Handler
	if ok {
		h = dst.handlers[env.Destination.Address]
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDomain, env.Destination.Domain)
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Destination)
	}
	if !env.HasValue() {
		return h.OnMessage(ctx, env.Source, env.Payload)
	}
	book := dst.cfg.Book
	if err := book.Mint(env.Asset, env.Destination.Address, env.Amount); err != nil {
		return fmt.Errorf("memory: release value: %w", err)
	}
	if err := h.OnMessageWithValue(ctx, env.Source, env.Payload, env.Asset, new(big.Int).Set(env.Amount)); err != nil {
		if berr := book.Burn(env.Asset, env.Destination.Address, env.Amount); berr != nil {
			g.logger.Error("revert delivered value failed",
				slog.String("message_id", string(env.MessageID)),
				slog.Any("error", berr))
		}
		return err
	}
	return nil
}
