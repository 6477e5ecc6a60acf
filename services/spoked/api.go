package spoked

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crosslend/native/spoke"
	"crosslend/native/xchain"
	"crosslend/services/internal/daemon"
	"crosslend/transport/httprelay"
	"crosslend/transport/middleware"
)

// RelayRequest is the body of POST /v1/supply and /v1/borrow.
type RelayRequest struct {
	Intent xchain.SignedIntentJSON `json:"intent"`
	Payer  string                  `json:"payer,omitempty"`
	Fee    string                  `json:"fee,omitempty"`
}

// RelayResponse acknowledges a relayed intent. Status is PENDING when the hub
// has not confirmed the delivery yet.
type RelayResponse struct {
	IntentID  string `json:"intent_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type requestView struct {
	IntentID  string `json:"intent_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Action    string `json:"action"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Fee       string `json:"fee,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type infoResponse struct {
	Network  string   `json:"network"`
	Domain   uint64   `json:"domain"`
	Relay    string   `json:"relay"`
	Receiver string   `json:"receiver"`
	Assets   []string `json:"assets"`
	FeeAsset string   `json:"fee_asset,omitempty"`
	MinFee   string   `json:"min_fee"`
	Hub      uint64   `json:"hub_domain"`
}

// Router returns the spoke HTTP surface.
func (n *Node) Router() (http.Handler, error) {
	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "spoked",
		LogRequests: n.cfg.LogRequests,
	}, n.registry, n.logger)
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"relay": {RequestsPerMinute: n.cfg.APILimit.RequestsPerMinute, Burst: n.cfg.APILimit.Burst},
	}, n.logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: n.cfg.CORSOrigins}))
	r.With(obs.Middleware("deliveries")).Group(n.Inbound.Mount)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		daemon.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, n.registry}, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.With(obs.Middleware("info")).Get("/info", n.handleInfo)
		r.With(obs.Middleware("supply"), limiter.Middleware("relay")).Post("/supply", n.handleRelay(xchain.ActionSupply))
		r.With(obs.Middleware("borrow"), limiter.Middleware("relay")).Post("/borrow", n.handleRelay(xchain.ActionBorrow))
		r.With(obs.Middleware("requests")).Get("/requests/{user}", n.handleRequests)
		r.With(obs.Middleware("released")).Get("/released/{id}", n.handleReleased)
	})

	admin := daemon.NewBearerAuth(n.cfg.Admin.BearerToken)
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Middleware, obs.Middleware("admin"))
		r.Get("/status", n.handleStatus)
		r.Post("/pause", n.handlePause(true))
		r.Post("/resume", n.handlePause(false))
	})
	return otelhttp.NewHandler(r, "spoked"), nil
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	feeAsset, minFee := n.Relay.MinFee()
	daemon.WriteJSON(w, http.StatusOK, infoResponse{
		Network:  n.network.Name,
		Domain:   n.spoke.Domain,
		Relay:    n.Relay.Address().Hex(),
		Receiver: n.Receiver.Address().Hex(),
		Assets:   n.spoke.Assets,
		FeeAsset: feeAsset,
		MinFee:   minFee.String(),
		Hub:      n.network.Hub.Domain,
	})
}

func (n *Node) handleRelay(action xchain.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RelayRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			daemon.WriteError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
		signed, err := req.Intent.Decode()
		if err != nil {
			daemon.WriteError(w, statusFor(err), err)
			return
		}
		payment, err := req.payment()
		if err != nil {
			daemon.WriteError(w, http.StatusBadRequest, err)
			return
		}
		// A client disconnect must not abandon a send whose escrow is
		// already locked.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), n.cfg.SendTimeout.Duration)
		defer cancel()
		var msgID xchain.MessageID
		if action == xchain.ActionSupply {
			msgID, err = n.Relay.Supply(ctx, signed, payment)
		} else {
			msgID, err = n.Relay.Borrow(ctx, signed, payment)
		}
		status := xchain.StatusSent
		if errors.Is(err, xchain.ErrDeliveryUnconfirmed) && msgID != "" {
			status, err = xchain.StatusPending, nil
		}
		if err != nil {
			daemon.WriteError(w, statusFor(err), err)
			return
		}
		resp := RelayResponse{MessageID: string(msgID), Status: string(status)}
		if id, derr := n.network.SigningDomain().Digest(signed.Intent); derr == nil {
			resp.IntentID = id.Hex()
		}
		daemon.WriteJSON(w, http.StatusAccepted, resp)
	}
}

func (req RelayRequest) payment() (spoke.Payment, error) {
	var p spoke.Payment
	if raw := strings.TrimSpace(req.Fee); raw != "" {
		fee, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return p, errors.New("invalid fee")
		}
		p.Fee = fee
	}
	if raw := strings.TrimSpace(req.Payer); raw != "" {
		if !common.IsHexAddress(raw) {
			return p, errors.New("invalid payer")
		}
		p.Payer = common.HexToAddress(raw)
	}
	return p, nil
}

// statusFor maps relay errors onto HTTP codes. Remote hub rejections keep
// their sentinel through RemoteError.Unwrap.
func statusFor(err error) int {
	var remote *httprelay.RemoteError
	switch {
	case errors.Is(err, spoke.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, spoke.ErrIntentPending):
		return http.StatusConflict
	case errors.Is(err, xchain.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, xchain.ErrInsufficientRelayPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, xchain.ErrInvalidIntent),
		errors.Is(err, xchain.ErrInvalidSignature),
		errors.Is(err, xchain.ErrUnknownAsset):
		return http.StatusBadRequest
	case errors.As(err, &remote):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (n *Node) handleRequests(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "user")
	if !common.IsHexAddress(raw) {
		daemon.WriteError(w, http.StatusBadRequest, errors.New("invalid user address"))
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	reqs, err := n.Relay.Requests(r.Context(), common.HexToAddress(raw), limit)
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		view := requestView{
			MessageID: string(req.MessageID),
			Action:    req.Action,
			Asset:     req.Asset,
			Amount:    xchain.CloneAmount(req.Amount).String(),
			Nonce:     req.Nonce,
			Status:    string(req.Status),
			Error:     req.Error,
			CreatedAt: req.CreatedAt.Unix(),
		}
		if !req.IntentID.IsZero() {
			view.IntentID = req.IntentID.Hex()
		}
		if req.Fee != nil && req.Fee.Sign() > 0 {
			view.Fee = req.Fee.String()
		}
		out = append(out, view)
	}
	daemon.WriteJSON(w, http.StatusOK, out)
}

func (n *Node) handleReleased(w http.ResponseWriter, r *http.Request) {
	id, err := xchain.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		daemon.WriteError(w, http.StatusBadRequest, err)
		return
	}
	released, err := n.Receiver.Released(r.Context(), id)
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	daemon.WriteJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for _, evt := range n.Recorder.Events() {
		counts[evt.EventType()]++
	}
	daemon.WriteJSON(w, http.StatusOK, map[string]any{
		"paused": n.Pauses.Paused(),
		"events": counts,
	})
}

func (n *Node) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if paused {
			n.Pauses.Pause(spoke.ModuleName)
		} else {
			n.Pauses.Resume(spoke.ModuleName)
		}
		n.logger.Warn("pause switch changed", "module", spoke.ModuleName, "paused", paused)
		w.WriteHeader(http.StatusNoContent)
	}
}
