// Package settlement returns borrowed funds from the hub to the borrower's
// origin domain. Each settlement is a journaled saga keyed by intent id so
// that a failed gateway send can be retried without double delivery.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"crosslend/core/events"
	"crosslend/crypto"
	"crosslend/native/xchain"
	"crosslend/observability"
)

var (
	// ErrUnknownOrigin is returned when no settlement receiver is registered
	// for the borrower's origin domain.
	ErrUnknownOrigin = errors.New("settlement: origin domain not registered")
	// ErrNotCredited is returned when dispatching a record that has not
	// received funds.
	ErrNotCredited = errors.New("settlement: record not credited")
	// ErrInFlight is returned when the record is already being dispatched.
	ErrInFlight = errors.New("settlement: dispatch in flight")
)

// Config binds the settlement module to its hub endpoint and the origin
// receivers it may pay out to.
type Config struct {
	// Address is the settlement custody account and message source address.
	Address common.Address
	// Domain is the hub domain id.
	Domain xchain.DomainID
	// Receivers maps origin domains to their settlement receiver address.
	Receivers map[xchain.DomainID]common.Address
	// Fee is the gateway fee attached to every settlement message.
	Fee *big.Int
}

// Settlement dispatches credited records through the gateway.
type Settlement struct {
	cfg     Config
	gateway xchain.Gateway
	journal Journal
	emitter events.Emitter
	metrics *observability.HubMetrics
	logger  *slog.Logger
	now     func() time.Time
	retry   time.Duration
	batch   int

	mu       sync.Mutex
	paused   bool
	inFlight map[xchain.IntentID]struct{}
	unfunded map[xchain.IntentID]FundFunc
	sweep    sweepGuard
}

// FundFunc moves released funds into custody and credits the record. It is
// called again on every sweep until it succeeds.
type FundFunc func(ctx context.Context) error

// Option customises the settlement instance.
type Option func(*Settlement)

// WithEmitter routes SettlementSent events to the supplied emitter.
func WithEmitter(e events.Emitter) Option {
	return func(s *Settlement) { s.emitter = e }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.HubMetrics) Option {
	return func(s *Settlement) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Settlement) { s.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Settlement) { s.now = clock }
}

// WithRetryInterval configures the cadence of the retry worker.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Settlement) { s.retry = d }
}

// WithBatchSize bounds how many records one sweep dispatches.
func WithBatchSize(n int) Option {
	return func(s *Settlement) { s.batch = n }
}

// New constructs a settlement module.
func New(cfg Config, gateway xchain.Gateway, journal Journal, opts ...Option) (*Settlement, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("settlement: custody address required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("settlement: gateway required")
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	receivers := make(map[xchain.DomainID]common.Address, len(cfg.Receivers))
	for domain, addr := range cfg.Receivers {
		receivers[domain] = addr
	}
	cfg.Receivers = receivers
	cfg.Fee = xchain.CloneAmount(cfg.Fee)
	s := &Settlement{
		cfg:      cfg,
		gateway:  gateway,
		journal:  journal,
		emitter:  events.NoopEmitter{},
		metrics:  observability.Hub(),
		logger:   slog.Default(),
		now:      time.Now,
		retry:    10 * time.Second,
		batch:    100,
		inFlight: make(map[xchain.IntentID]struct{}),
		unfunded: make(map[xchain.IntentID]FundFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.emitter == nil {
		s.emitter = events.NoopEmitter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Address returns the custody account that must hold funds before dispatch.
func (s *Settlement) Address() common.Address { return s.cfg.Address }

// Reserve creates a saga record ahead of the ledger releasing funds.
func (s *Settlement) Reserve(ctx context.Context, rec Record) error {
	if rec.IntentID.IsZero() {
		return fmt.Errorf("settlement: intent id required")
	}
	if rec.Amount == nil || rec.Amount.Sign() <= 0 {
		return fmt.Errorf("settlement: amount must be positive")
	}
	if _, ok := s.cfg.Receivers[rec.Origin]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrigin, rec.Origin)
	}
	now := s.now().UTC()
	rec.Asset = xchain.NormalizeAsset(rec.Asset)
	rec.State = StateReserved
	rec.Attempts = 0
	rec.LastError = ""
	rec.MessageID = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return s.journal.Insert(ctx, rec)
}

// Cancel drops a reservation whose ledger step failed. Only reserved records
// can be cancelled.
func (s *Settlement) Cancel(ctx context.Context, id xchain.IntentID) error {
	rec, err := s.journal.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateReserved {
		return fmt.Errorf("settlement: cannot cancel %s record", rec.State)
	}
	return s.journal.Delete(ctx, id)
}

// Credit records that amount is now held in settlement custody for id.
func (s *Settlement) Credit(ctx context.Context, id xchain.IntentID, amount *big.Int) error {
	rec, err := s.journal.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateReserved {
		return fmt.Errorf("settlement: cannot credit %s record", rec.State)
	}
	rec.Amount = xchain.CloneAmount(amount)
	rec.State = StateCredited
	rec.UpdatedAt = s.now().UTC()
	if err := s.journal.Update(ctx, rec); err != nil {
		return err
	}
	s.refreshPending(ctx)
	return nil
}

// Defer hands the funding of a reserved record to the retry sweep. It is used
// when the ledger released funds but moving them into custody failed.
func (s *Settlement) Defer(id xchain.IntentID, fn FundFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.unfunded[id] = fn
	s.mu.Unlock()
	s.logger.Warn("settlement funding deferred", slog.String("intent_id", id.Hex()))
}

// Dispatch sends a credited record to its origin receiver. Dispatching a sent
// record is a no-op. A failed send leaves the record credited for retry; a
// send the origin reports as a duplicate marks the record sent.
func (s *Settlement) Dispatch(ctx context.Context, id xchain.IntentID) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return xchain.ErrPaused
	}
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		return ErrInFlight
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	rec, err := s.journal.Get(ctx, id)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateSent:
		return nil
	case StateCredited:
	default:
		return fmt.Errorf("%w: %s", ErrNotCredited, rec.State)
	}

	receiver := s.cfg.Receivers[rec.Origin]
	payload, err := xchain.EncodeSettlement(xchain.SettlementPayload{
		IntentID:  rec.IntentID,
		Recipient: rec.User,
		Asset:     rec.Asset,
		Amount:    rec.Amount,
	})
	if err != nil {
		return err
	}
	msgID, sendErr := s.gateway.Send(ctx, xchain.OutboundMessage{
		Source:      xchain.Endpoint{Domain: s.cfg.Domain, Address: s.cfg.Address},
		Destination: xchain.Endpoint{Domain: rec.Origin, Address: receiver},
		Payload:     payload,
		Asset:       rec.Asset,
		Amount:      rec.Amount,
		Fee:         s.cfg.Fee,
	})
	rec.Attempts++
	rec.UpdatedAt = s.now().UTC()
	if errors.Is(sendErr, xchain.ErrDuplicateSettlement) {
		// The origin already paid this intent out on an earlier attempt.
		rec.State = StateSent
		rec.LastError = ""
		if err := s.journal.Update(ctx, rec); err != nil {
			return err
		}
		s.refreshPending(ctx)
		s.logger.Info("settlement already delivered",
			slog.String("intent_id", id.Hex()),
			slog.Int("attempts", rec.Attempts))
		return nil
	}
	if sendErr != nil {
		rec.LastError = sendErr.Error()
		if err := s.journal.Update(ctx, rec); err != nil {
			s.logger.Error("settlement journal update failed", slog.String("intent_id", id.Hex()), slog.Any("error", err))
		}
		s.metrics.RecordSettlementError(rec.Asset, "send")
		s.logger.Warn("settlement send failed",
			slog.String("intent_id", id.Hex()),
			slog.Int("attempts", rec.Attempts),
			slog.Any("error", sendErr))
		return fmt.Errorf("settlement: send: %w", sendErr)
	}
	rec.State = StateSent
	rec.MessageID = msgID
	rec.LastError = ""
	if err := s.journal.Update(ctx, rec); err != nil {
		// The message is queued; a stale credited record would be re-sent
		// by the retry worker and rejected as a duplicate on the origin.
		s.logger.Error("settlement journal update failed after send", slog.String("intent_id", id.Hex()), slog.Any("error", err))
		return err
	}
	s.metrics.RecordSettlementSent(rec.Asset, rec.UpdatedAt.Sub(rec.CreatedAt))
	s.refreshPending(ctx)
	s.emitter.Emit(events.SettlementSent{
		IntentID:          rec.IntentID,
		User:              rec.User,
		Asset:             rec.Asset,
		Amount:            xchain.CloneAmount(rec.Amount),
		DestinationDomain: uint64(rec.Origin),
		MessageID:         string(msgID),
	})
	s.logger.Info("settlement sent",
		slog.String("intent_id", id.Hex()),
		slog.String("asset", rec.Asset),
		slog.String("amount", rec.Amount.String()),
		slog.String("origin", rec.Origin.String()),
		slog.String("message_id", string(msgID)))
	return nil
}

// SendBack settles amount of asset to user on origin outside of a borrow
// saga. The funds must already be held at Address. The generated id is
// returned even when the send fails and the record awaits retry.
func (s *Settlement) SendBack(ctx context.Context, user common.Address, asset string, amount *big.Int, origin xchain.DomainID) (xchain.IntentID, error) {
	random := uuid.New()
	var id xchain.IntentID
	copy(id[:], crypto.Keccak256(random[:], user.Bytes(), []byte(xchain.NormalizeAsset(asset))))
	rec := Record{IntentID: id, User: user, Asset: asset, Amount: amount, Origin: origin}
	if err := s.Reserve(ctx, rec); err != nil {
		return xchain.IntentID{}, err
	}
	if err := s.Credit(ctx, id, amount); err != nil {
		return id, err
	}
	return id, s.Dispatch(ctx, id)
}

// Record returns the journal entry for id.
func (s *Settlement) Record(ctx context.Context, id xchain.IntentID) (Record, error) {
	return s.journal.Get(ctx, id)
}

// Pause halts dispatching. Records keep accumulating as credited.
func (s *Settlement) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.metrics.SetPause(true)
}

// Resume re-enables dispatching.
func (s *Settlement) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.metrics.SetPause(false)
}

// Status summarises settlement state for administrative endpoints.
type Status struct {
	Paused   bool `json:"paused"`
	Reserved int  `json:"reserved"`
	Pending  int  `json:"pending"`
	Sent     int  `json:"sent"`
	InFlight int  `json:"in_flight"`
	Unfunded int  `json:"unfunded"`
}

// Status reports the current settlement snapshot.
func (s *Settlement) Status(ctx context.Context) (Status, error) {
	counts, err := s.journal.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Paused:   s.paused,
		Reserved: counts[StateReserved],
		Pending:  counts[StateCredited],
		Sent:     counts[StateSent],
		InFlight: len(s.inFlight),
		Unfunded: len(s.unfunded),
	}, nil
}

func (s *Settlement) refreshPending(ctx context.Context) {
	counts, err := s.journal.Counts(ctx)
	if err != nil {
		return
	}
	s.metrics.SetSettlementPending(counts[StateCredited])
}
