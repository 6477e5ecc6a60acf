package httprelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"crosslend/native/xchain"
	"crosslend/transport/middleware"
)

const maxDeliveryBytes = 1 << 20

// Bank releases delivered value on the destination domain.
type Bank interface {
	Transfer(asset string, from, to common.Address, amount *big.Int) error
}

// HandlerConfig binds the inbound side to its domain.
type HandlerConfig struct {
	Domain xchain.DomainID
	// Bridge is the account value is released from and returned to.
	Bridge common.Address
}

// Handler accepts deliveries posted by relayers.
type Handler struct {
	cfg    HandlerConfig
	bank   Bank
	auth   *middleware.Authenticator
	logger *slog.Logger

	receipts Receipts
	now      func() time.Time

	mu       sync.Mutex
	handlers map[common.Address]xchain.Handler
	inFlight map[xchain.MessageID]struct{}
	// applied backs receipts that could not be persisted.
	applied map[xchain.MessageID]struct{}
}

// HandlerOption customises the inbound handler.
type HandlerOption func(*Handler)

// WithReceipts persists applied message ids so duplicates are refused across
// restarts.
func WithReceipts(r Receipts) HandlerOption {
	return func(h *Handler) { h.receipts = r }
}

// WithHandlerClock sets the function used to timestamp receipts.
func WithHandlerClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = clock }
}

// NewHandler constructs the inbound handler. A nil authenticator accepts
// unauthenticated deliveries and is only suitable for tests.
func NewHandler(cfg HandlerConfig, bank Bank, auth *middleware.Authenticator, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:      cfg,
		bank:     bank,
		auth:     auth,
		logger:   logger,
		receipts: NewMemoryReceipts(),
		now:      time.Now,
		handlers: make(map[common.Address]xchain.Handler),
		inFlight: make(map[xchain.MessageID]struct{}),
		applied:  make(map[xchain.MessageID]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.receipts == nil {
		h.receipts = NewMemoryReceipts()
	}
	return h
}

// Register attaches a destination handler to a local address.
func (h *Handler) Register(addr common.Address, handler xchain.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[addr] = handler
}

// Mount adds the delivery route to r.
func (h *Handler) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth.Middleware(ScopeDeliver))
		}
		r.Post(DeliveryPath, h.serveDelivery)
	})
}

func (h *Handler) serveDelivery(w http.ResponseWriter, r *http.Request) {
	var raw deliveryJSON
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeliveryBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", xchain.ErrInvalidPayload, err))
		return
	}
	env, err := decodeDelivery(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", xchain.ErrInvalidPayload, err))
		return
	}
	if err := h.Deliver(r.Context(), env); err != nil {
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, xchain.ErrAlreadyDelivered):
			status = http.StatusConflict
		case errors.Is(err, xchain.ErrDeliveryInFlight):
			status = http.StatusServiceUnavailable
		case errors.Is(err, xchain.ErrUnauthorizedSource):
			status = http.StatusForbidden
		case xchain.RejectionReason(err) == "internal":
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ackJSON{MessageID: string(env.MessageID)})
}

// Deliver releases attached value and invokes the destination handler. On a
// handler error the value goes back to the bridge account. A message id is
// applied at most once; a repeat returns xchain.ErrAlreadyDelivered and a
// repeat racing the first attempt returns xchain.ErrDeliveryInFlight.
func (h *Handler) Deliver(ctx context.Context, env xchain.Envelope) error {
	if env.Destination.Domain != h.cfg.Domain {
		return fmt.Errorf("%w: delivery for domain %d", xchain.ErrInvalidPayload, env.Destination.Domain)
	}
	h.mu.Lock()
	target, ok := h.handlers[env.Destination.Address]
	_, busy := h.inFlight[env.MessageID]
	_, applied := h.applied[env.MessageID]
	if ok && !busy && !applied {
		h.inFlight[env.MessageID] = struct{}{}
	}
	h.mu.Unlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: no handler at %s", xchain.ErrInvalidPayload, env.Destination)
	case applied:
		return fmt.Errorf("%w: %s", xchain.ErrAlreadyDelivered, env.MessageID)
	case busy:
		return fmt.Errorf("%w: %s", xchain.ErrDeliveryInFlight, env.MessageID)
	}
	defer func() {
		h.mu.Lock()
		delete(h.inFlight, env.MessageID)
		h.mu.Unlock()
	}()

	seen, err := h.receipts.Delivered(ctx, env.MessageID)
	if err != nil {
		return fmt.Errorf("httprelay: read receipt: %w", err)
	}
	if seen {
		return fmt.Errorf("%w: %s", xchain.ErrAlreadyDelivered, env.MessageID)
	}

	if err := h.dispatch(ctx, target, env); err != nil {
		h.logger.Warn("delivery rejected",
			slog.String("message_id", string(env.MessageID)),
			slog.String("source", env.Source.String()),
			slog.String("reason", xchain.RejectionReason(err)),
			slog.Any("error", err))
		return err
	}
	if err := h.receipts.MarkDelivered(context.WithoutCancel(ctx), env.MessageID, h.now().UTC()); err != nil {
		h.mu.Lock()
		h.applied[env.MessageID] = struct{}{}
		h.mu.Unlock()
		h.logger.Error("delivery receipt not persisted",
			slog.String("message_id", string(env.MessageID)),
			slog.Any("error", err))
	}
	h.logger.Info("delivery accepted",
		slog.String("message_id", string(env.MessageID)),
		slog.String("source", env.Source.String()),
		slog.String("destination", env.Destination.String()))
	return nil
}

func (h *Handler) dispatch(ctx context.Context, target xchain.Handler, env xchain.Envelope) error {
	if !env.HasValue() {
		return target.OnMessage(ctx, env.Source, env.Payload)
	}
	if err := h.bank.Transfer(env.Asset, h.cfg.Bridge, env.Destination.Address, env.Amount); err != nil {
		return fmt.Errorf("httprelay: release value: %w", err)
	}
	if err := target.OnMessageWithValue(ctx, env.Source, env.Payload, env.Asset, new(big.Int).Set(env.Amount)); err != nil {
		if rerr := h.bank.Transfer(env.Asset, env.Destination.Address, h.cfg.Bridge, env.Amount); rerr != nil {
			h.logger.Error("return delivered value failed",
				slog.String("message_id", string(env.MessageID)),
				slog.Any("error", rerr))
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorJSON{Error: err.Error(), Reason: xchain.RejectionReason(err)})
}
