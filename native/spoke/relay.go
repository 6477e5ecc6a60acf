// Package spoke implements the origin-domain side of the protocol: the relay
// that escrows value and ships signed intents to the hub, and the receiver
// that releases settled borrows to users.
package spoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"crosslend/core/events"
	nativecommon "crosslend/native/common"
	"crosslend/native/xchain"
	"crosslend/observability"
)

// ModuleName is the pause switch consulted before relaying.
const ModuleName = "relay"

var (
	// ErrRateLimited is returned when a user exceeds the relay request rate.
	ErrRateLimited = errors.New("spoke: rate limited")
	// ErrIntentPending is returned when an intent is submitted again while an
	// earlier relay of it awaits confirmation.
	ErrIntentPending = errors.New("spoke: intent pending")
)

// TokenBook is the custody surface the relay moves value through.
type TokenBook interface {
	Transfer(asset string, from, to common.Address, amount *big.Int) error
	TransferFrom(asset string, spender, from, to common.Address, amount *big.Int) error
}

// Payment identifies who pays the relay fee and how much.
type Payment struct {
	Payer common.Address
	Fee   *big.Int
}

// RateLimit bounds per-user request throughput.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// RelayConfig binds the relay to its domain and hub counterpart.
type RelayConfig struct {
	// Address is the relay account; escrowed value is held here until the
	// gateway takes it.
	Address common.Address
	Domain  xchain.DomainID
	// Hub is the hub receiver endpoint.
	Hub xchain.Endpoint
	// SigningDomain is the hub forwarder's EIP-712 domain, used to derive
	// intent ids.
	SigningDomain xchain.SigningDomain
	// Assets lists the symbols this spoke may relay. Empty allows any.
	Assets   []string
	FeeAsset string
	MinFee   *big.Int
}

// Relay escrows supplies and forwards signed intents to the hub.
type Relay struct {
	cfg     RelayConfig
	assets  map[string]struct{}
	book    TokenBook
	gateway xchain.Gateway
	log     RequestLog
	emitter events.Emitter
	pauses  nativecommon.PauseView
	quota   *nativecommon.QuotaTracker
	limit   *RateLimit
	metrics *observability.SpokeMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	limiters map[common.Address]*rate.Limiter
	inFlight map[xchain.IntentID]struct{}
	pending  map[xchain.MessageID]*pendingRelay
	// early holds outcomes resolved before the relay registered the message.
	early map[xchain.MessageID]error
}

// pendingRelay is a relayed intent whose delivery outcome is unknown. Its
// escrow stays with the gateway until Resolve settles it.
type pendingRelay struct {
	action   xchain.Action
	req      Request
	signed   xchain.SignedIntent
	rollback func()
	logged   chan struct{}
}

// RelayOption customises the relay.
type RelayOption func(*Relay)

func WithRequestLog(l RequestLog) RelayOption {
	return func(r *Relay) { r.log = l }
}

func WithRelayEmitter(e events.Emitter) RelayOption {
	return func(r *Relay) { r.emitter = e }
}

func WithRelayPauses(p nativecommon.PauseView) RelayOption {
	return func(r *Relay) { r.pauses = p }
}

// WithQuota caps per-user requests and amount per epoch.
func WithQuota(q nativecommon.Quota) RelayOption {
	return func(r *Relay) { r.quota = nativecommon.NewQuotaTracker(q) }
}

// WithRateLimit throttles each user with a token bucket.
func WithRateLimit(l RateLimit) RelayOption {
	return func(r *Relay) { r.limit = &l }
}

func WithRelayMetrics(m *observability.SpokeMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

func WithRelayClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.now = clock }
}

// NewRelay constructs a relay.
func NewRelay(cfg RelayConfig, book TokenBook, gateway xchain.Gateway, opts ...RelayOption) (*Relay, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("spoke: relay address required")
	}
	if cfg.Hub.IsZero() {
		return nil, fmt.Errorf("spoke: hub endpoint required")
	}
	if book == nil || gateway == nil {
		return nil, fmt.Errorf("spoke: token book and gateway required")
	}
	cfg.FeeAsset = xchain.NormalizeAsset(cfg.FeeAsset)
	cfg.MinFee = xchain.CloneAmount(cfg.MinFee)
	if cfg.MinFee.Sign() > 0 && cfg.FeeAsset == "" {
		return nil, fmt.Errorf("spoke: fee asset required when a minimum fee is set")
	}
	r := &Relay{
		cfg:      cfg,
		assets:   make(map[string]struct{}, len(cfg.Assets)),
		book:     book,
		gateway:  gateway,
		log:      NewMemoryRequestLog(),
		emitter:  events.NoopEmitter{},
		metrics:  observability.Spoke(),
		logger:   slog.Default(),
		now:      time.Now,
		limiters: make(map[common.Address]*rate.Limiter),
		inFlight: make(map[xchain.IntentID]struct{}),
		pending:  make(map[xchain.MessageID]*pendingRelay),
		early:    make(map[xchain.MessageID]error),
	}
	for _, asset := range cfg.Assets {
		r.assets[xchain.NormalizeAsset(asset)] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.emitter == nil {
		r.emitter = events.NoopEmitter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Address returns the relay account users approve for escrow.
func (r *Relay) Address() common.Address { return r.cfg.Address }

// MinFee returns the configured minimum relay fee.
func (r *Relay) MinFee() (string, *big.Int) {
	return r.cfg.FeeAsset, new(big.Int).Set(r.cfg.MinFee)
}

// Requests lists the user's relayed requests, newest first.
func (r *Relay) Requests(ctx context.Context, user common.Address, limit int) ([]Request, error) {
	return r.log.ListByUser(ctx, user, limit)
}

// Supply escrows the intent amount from the user and sends the intent to the
// hub with the value attached. The user must have approved the relay.
func (r *Relay) Supply(ctx context.Context, signed xchain.SignedIntent, payment Payment) (xchain.MessageID, error) {
	return r.relay(ctx, xchain.ActionSupply, signed, payment)
}

// Borrow sends a borrow intent to the hub. No value leaves the user.
func (r *Relay) Borrow(ctx context.Context, signed xchain.SignedIntent, payment Payment) (xchain.MessageID, error) {
	return r.relay(ctx, xchain.ActionBorrow, signed, payment)
}

func (r *Relay) relay(ctx context.Context, action xchain.Action, signed xchain.SignedIntent, payment Payment) (msgID xchain.MessageID, err error) {
	intent := signed.Intent
	req := Request{
		Action:    action.String(),
		User:      intent.User,
		Asset:     intent.Asset,
		Amount:    intent.Amount,
		Nonce:     intent.Nonce,
		Fee:       payment.Fee,
		Status:    xchain.StatusCreated,
		CreatedAt: r.now().UTC(),
	}
	var held *pendingRelay
	defer func() {
		r.finish(ctx, req, msgID, err)
		if held != nil {
			close(held.logged)
		}
	}()

	if err := nativecommon.Guard(r.pauses, ModuleName); err != nil {
		return "", fmt.Errorf("%w: %v", xchain.ErrPaused, err)
	}
	if err := r.validate(action, intent); err != nil {
		return "", err
	}
	if id, derr := r.cfg.SigningDomain.Digest(intent); derr == nil {
		req.IntentID = id
	}
	if !r.claim(req.IntentID) {
		return "", fmt.Errorf("%w: %s", ErrIntentPending, req.IntentID.Hex())
	}
	defer func() {
		if held == nil {
			r.unclaim(req.IntentID)
		}
	}()
	if err := r.checkPayment(payment); err != nil {
		return "", err
	}
	if err := r.throttle(intent); err != nil {
		return "", err
	}
	payload, err := xchain.EncodeIntent(signed)
	if err != nil {
		return "", err
	}

	msg := xchain.OutboundMessage{
		Source:      xchain.Endpoint{Domain: r.cfg.Domain, Address: r.cfg.Address},
		Destination: r.cfg.Hub,
		Payload:     payload,
		Fee:         xchain.CloneAmount(payment.Fee),
	}
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	if action == xchain.ActionSupply {
		if err := r.book.TransferFrom(intent.Asset, r.cfg.Address, intent.User, r.cfg.Address, intent.Amount); err != nil {
			return "", fmt.Errorf("spoke: escrow: %w", err)
		}
		undo = append(undo, func() { r.refund(intent.Asset, intent.User, intent.Amount) })
		msg.Asset = intent.Asset
		msg.Amount = xchain.CloneAmount(intent.Amount)
	}
	if payment.Fee != nil && payment.Fee.Sign() > 0 {
		if err := r.book.TransferFrom(r.cfg.FeeAsset, r.cfg.Address, payment.Payer, r.cfg.Address, payment.Fee); err != nil {
			rollback()
			return "", fmt.Errorf("%w: collect fee: %v", xchain.ErrInsufficientRelayPayment, err)
		}
		undo = append(undo, func() { r.refund(r.cfg.FeeAsset, payment.Payer, payment.Fee) })
	}

	msgID, err = r.gateway.Send(ctx, msg)
	if err != nil {
		if msgID != "" && errors.Is(err, xchain.ErrDeliveryUnconfirmed) {
			p := &pendingRelay{action: action, req: req, signed: signed, rollback: rollback, logged: make(chan struct{})}
			p.req.MessageID = msgID
			r.mu.Lock()
			outcome, resolved := r.early[msgID]
			delete(r.early, msgID)
			if !resolved {
				r.pending[msgID] = p
				held = p
			}
			r.mu.Unlock()
			if !resolved {
				return msgID, fmt.Errorf("spoke: gateway send: %w", err)
			}
			err = outcome
		}
	}
	if err != nil {
		rollback()
		return "", fmt.Errorf("spoke: gateway send: %w", err)
	}
	r.relayed(action, req.IntentID, signed, msgID)
	return msgID, nil
}

// Resolve settles a relay whose delivery was unconfirmed. A nil err means
// the hub applied the message; otherwise the escrow and fee are refunded.
// An outcome for an id not yet registered is kept until the relay sees it.
func (r *Relay) Resolve(ctx context.Context, id xchain.MessageID, err error) {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	if !ok {
		r.early[id] = err
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	defer r.unclaim(p.req.IntentID)
	select {
	case <-p.logged:
	case <-ctx.Done():
	}

	status, errText := xchain.StatusSent, ""
	if err != nil {
		p.rollback()
		status, errText = xchain.StatusFailed, err.Error()
		r.metrics.RecordRequest(p.req.Action, xchain.RejectionReason(err))
		r.logger.Warn("pending relay rejected",
			slog.String("intent_id", p.req.IntentID.Hex()),
			slog.String("message_id", string(id)),
			slog.Any("error", err))
	} else {
		r.relayed(p.action, p.req.IntentID, p.signed, id)
		r.metrics.RecordRequest(p.req.Action, "")
		r.logger.Info("pending relay confirmed",
			slog.String("intent_id", p.req.IntentID.Hex()),
			slog.String("message_id", string(id)))
	}
	if lerr := r.log.Update(ctx, p.req.User, id, status, errText); lerr != nil {
		r.logger.Error("request log update failed", slog.String("message_id", string(id)), slog.Any("error", lerr))
	}
}

// Pending reports how many relays await delivery confirmation.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) relayed(action xchain.Action, id xchain.IntentID, signed xchain.SignedIntent, msgID xchain.MessageID) {
	intent := signed.Intent
	if action == xchain.ActionSupply {
		r.metrics.RecordEscrow(intent.Asset, intent.Amount)
	}
	r.emitter.Emit(events.IntentRequested{
		Borrow:    action == xchain.ActionBorrow,
		IntentID:  id,
		User:      intent.User,
		Asset:     intent.Asset,
		Amount:    xchain.CloneAmount(intent.Amount),
		Nonce:     intent.Nonce,
		Signature: append([]byte(nil), signed.Signature...),
		MessageID: string(msgID),
	})
}

// claim marks an intent as being relayed. Intents without an id are not
// tracked.
func (r *Relay) claim(id xchain.IntentID) bool {
	if id.IsZero() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[id]; busy {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Relay) unclaim(id xchain.IntentID) {
	if id.IsZero() {
		return
	}
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// validate rejects requests the hub would refuse on shape alone.
func (r *Relay) validate(action xchain.Action, intent xchain.Intent) error {
	if intent.Action != action {
		return fmt.Errorf("%w: expected %s intent, got %s", xchain.ErrInvalidIntent, action, intent.Action)
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	if len(r.assets) > 0 {
		if _, ok := r.assets[intent.Asset]; !ok {
			return fmt.Errorf("%w: %s", xchain.ErrUnknownAsset, intent.Asset)
		}
	}
	return nil
}

func (r *Relay) checkPayment(payment Payment) error {
	fee := payment.Fee
	if fee == nil {
		fee = big.NewInt(0)
	}
	if fee.Sign() < 0 || fee.Cmp(r.cfg.MinFee) < 0 {
		return fmt.Errorf("%w: fee %s below minimum %s", xchain.ErrInsufficientRelayPayment, fee, r.cfg.MinFee)
	}
	if fee.Sign() > 0 && payment.Payer == (common.Address{}) {
		return fmt.Errorf("%w: payer required", xchain.ErrInsufficientRelayPayment)
	}
	return nil
}

func (r *Relay) throttle(intent xchain.Intent) error {
	if r.limit != nil && !r.limiter(intent.User).AllowN(r.now(), 1) {
		return fmt.Errorf("%w: %s", ErrRateLimited, intent.User.Hex())
	}
	if r.quota != nil {
		if err := r.quota.Consume(intent.User, intent.Amount, r.now()); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return nil
}

func (r *Relay) limiter(user common.Address) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[user]; ok {
		return l
	}
	perSecond := r.limit.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.limiters[user] = l
	return l
}

func (r *Relay) refund(asset string, to common.Address, amount *big.Int) {
	if err := r.book.Transfer(asset, r.cfg.Address, to, amount); err != nil {
		r.logger.Error("relay refund failed",
			slog.String("asset", asset),
			slog.String("to", to.Hex()),
			slog.Any("error", err))
	}
}

func (r *Relay) finish(ctx context.Context, req Request, msgID xchain.MessageID, err error) {
	reason := xchain.RejectionReason(err)
	switch {
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, ErrIntentPending):
		reason = "intent_pending"
	}
	switch {
	case errors.Is(err, xchain.ErrDeliveryUnconfirmed) && msgID != "":
		req.Status = xchain.StatusPending
		req.MessageID = msgID
		req.Error = err.Error()
		r.logger.Warn("intent relay unconfirmed",
			slog.String("action", req.Action),
			slog.String("user", req.User.Hex()),
			slog.String("intent_id", req.IntentID.Hex()),
			slog.String("message_id", string(msgID)),
			slog.Any("error", err))
		if lerr := r.log.Append(ctx, req); lerr != nil {
			r.logger.Error("request log append failed", slog.Any("error", lerr))
		}
		return
	}
	r.metrics.RecordRequest(req.Action, reason)
	if err != nil {
		req.Status = xchain.StatusFailed
		req.Error = err.Error()
		r.logger.Warn("relay request refused",
			slog.String("action", req.Action),
			slog.String("user", req.User.Hex()),
			slog.String("reason", reason),
			slog.Any("error", err))
	} else {
		req.Status = xchain.StatusSent
		req.MessageID = msgID
		r.logger.Info("intent relayed",
			slog.String("action", req.Action),
			slog.String("user", req.User.Hex()),
			slog.String("intent_id", req.IntentID.Hex()),
			slog.String("message_id", string(msgID)))
	}
	if lerr := r.log.Append(ctx, req); lerr != nil {
		r.logger.Error("request log append failed", slog.Any("error", lerr))
	}
}
