package spoke

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/core/events"
	"crosslend/native/xchain"
	"crosslend/observability"
)

// ReceiverConfig binds the settlement receiver to its hub counterpart.
type ReceiverConfig struct {
	// Address holds value delivered by the gateway until it is released.
	Address common.Address
	// Settlement is the hub's return settlement endpoint. Deliveries from any
	// other source are refused.
	Settlement xchain.Endpoint
}

// ReleaseLog remembers which intents have already been paid out.
type ReleaseLog interface {
	// MarkReleased records the intent and reports false if it was already
	// present.
	MarkReleased(ctx context.Context, id xchain.IntentID) (bool, error)
	Released(ctx context.Context, id xchain.IntentID) (bool, error)
}

type memoryReleaseLog struct {
	mu   sync.Mutex
	seen map[xchain.IntentID]struct{}
}

// NewMemoryReleaseLog returns an in-memory ReleaseLog.
func NewMemoryReleaseLog() ReleaseLog {
	return &memoryReleaseLog{seen: make(map[xchain.IntentID]struct{})}
}

func (l *memoryReleaseLog) MarkReleased(_ context.Context, id xchain.IntentID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return false, nil
	}
	l.seen[id] = struct{}{}
	return true, nil
}

func (l *memoryReleaseLog) Released(_ context.Context, id xchain.IntentID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok, nil
}

// SettlementReceiver releases borrowed funds returned by the hub.
type SettlementReceiver struct {
	cfg      ReceiverConfig
	book     TokenBook
	released ReleaseLog
	emitter  events.Emitter
	metrics  *observability.SpokeMetrics
	logger   *slog.Logger

	mu sync.Mutex
}

// ReceiverOption customises the settlement receiver.
type ReceiverOption func(*SettlementReceiver)

func WithReleaseLog(l ReleaseLog) ReceiverOption {
	return func(r *SettlementReceiver) { r.released = l }
}

func WithReceiverEmitter(e events.Emitter) ReceiverOption {
	return func(r *SettlementReceiver) { r.emitter = e }
}

func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(r *SettlementReceiver) { r.logger = l }
}

// NewSettlementReceiver constructs a receiver releasing from cfg.Address.
func NewSettlementReceiver(cfg ReceiverConfig, book TokenBook, opts ...ReceiverOption) (*SettlementReceiver, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("spoke: receiver address required")
	}
	if cfg.Settlement.IsZero() {
		return nil, fmt.Errorf("spoke: settlement endpoint required")
	}
	if book == nil {
		return nil, fmt.Errorf("spoke: token book required")
	}
	r := &SettlementReceiver{
		cfg:      cfg,
		book:     book,
		released: NewMemoryReleaseLog(),
		emitter:  events.NoopEmitter{},
		metrics:  observability.Spoke(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Address returns the account the gateway credits on delivery.
func (r *SettlementReceiver) Address() common.Address { return r.cfg.Address }

// Released reports whether the intent's settlement was paid out.
func (r *SettlementReceiver) Released(ctx context.Context, id xchain.IntentID) (bool, error) {
	return r.released.Released(ctx, id)
}

// OnMessage refuses messages without value; settlements always carry funds.
func (r *SettlementReceiver) OnMessage(_ context.Context, source xchain.Endpoint, _ []byte) error {
	if source != r.cfg.Settlement {
		return fmt.Errorf("%w: %s", xchain.ErrUnauthorizedSource, source)
	}
	return fmt.Errorf("%w: settlement without value", xchain.ErrInvalidPayload)
}

// OnMessageWithValue pays a settlement out to its recipient. The delivered
// value must match the payload exactly and each intent is released once.
func (r *SettlementReceiver) OnMessageWithValue(ctx context.Context, source xchain.Endpoint, payload []byte, asset string, amount *big.Int) error {
	if source != r.cfg.Settlement {
		return fmt.Errorf("%w: %s", xchain.ErrUnauthorizedSource, source)
	}
	settle, err := xchain.DecodeSettlement(payload)
	if err != nil {
		return err
	}
	asset = xchain.NormalizeAsset(asset)
	if settle.Asset != asset {
		return fmt.Errorf("%w: payload %s, delivered %s", xchain.ErrAssetMismatch, settle.Asset, asset)
	}
	if amount == nil || settle.Amount.Cmp(amount) != 0 {
		return fmt.Errorf("%w: payload amount %s, delivered %v", xchain.ErrInvalidPayload, settle.Amount, amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	done, err := r.released.Released(ctx, settle.IntentID)
	if err != nil {
		return err
	}
	if done {
		return fmt.Errorf("%w: %s", xchain.ErrDuplicateSettlement, settle.IntentID.Hex())
	}
	if err := r.book.Transfer(settle.Asset, r.cfg.Address, settle.Recipient, settle.Amount); err != nil {
		return fmt.Errorf("spoke: release: %w", err)
	}
	if _, err := r.released.MarkReleased(ctx, settle.IntentID); err != nil {
		if rerr := r.book.Transfer(settle.Asset, settle.Recipient, r.cfg.Address, settle.Amount); rerr != nil {
			r.logger.Error("release rollback failed", slog.String("intent_id", settle.IntentID.Hex()), slog.Any("error", rerr))
		}
		return err
	}
	r.metrics.RecordRelease(settle.Asset, settle.Amount)
	r.emitter.Emit(events.SettlementReleased{
		IntentID: settle.IntentID,
		User:     settle.Recipient,
		Asset:    settle.Asset,
		Amount:   new(big.Int).Set(settle.Amount),
	})
	r.logger.Info("settlement released",
		slog.String("intent_id", settle.IntentID.Hex()),
		slog.String("recipient", settle.Recipient.Hex()),
		slog.String("asset", settle.Asset),
		slog.String("amount", settle.Amount.String()))
	return nil
}
