package hubd

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crosslend/native/hub"
	"crosslend/native/lending"
	"crosslend/native/settlement"
	"crosslend/native/tracker"
	"crosslend/native/xchain"
	"crosslend/services/internal/daemon"
	"crosslend/transport/middleware"
)

type transitionView struct {
	Status string `json:"status"`
	At     int64  `json:"at"`
}

type intentView struct {
	ID                  string           `json:"id"`
	Action              string           `json:"action"`
	User                string           `json:"user"`
	Asset               string           `json:"asset"`
	Market              string           `json:"market,omitempty"`
	Amount              string           `json:"amount"`
	Nonce               uint64           `json:"nonce"`
	Status              string           `json:"status"`
	RequestMessageID    string           `json:"request_message_id,omitempty"`
	SettlementMessageID string           `json:"settlement_message_id,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	History             []transitionView `json:"history"`
}

func intentViewFrom(rec tracker.Intent) intentView {
	view := intentView{
		ID:                  rec.ID.Hex(),
		Action:              rec.Action,
		User:                rec.User.Hex(),
		Asset:               rec.Asset,
		Market:              rec.Market,
		Amount:              xchain.CloneAmount(rec.Amount).String(),
		Nonce:               rec.Nonce,
		Status:              string(rec.Status),
		RequestMessageID:    rec.RequestMessageID,
		SettlementMessageID: rec.SettlementMessageID,
		Reason:              rec.Reason,
		History:             make([]transitionView, 0, len(rec.History)),
	}
	for _, tr := range rec.History {
		view.History = append(view.History, transitionView{Status: string(tr.Status), At: tr.At.Unix()})
	}
	return view
}

type positionView struct {
	Asset    string `json:"asset"`
	Supplied string `json:"supplied"`
	Borrowed string `json:"borrowed"`
	Released string `json:"released"`
}

type ledgerView struct {
	Market   string `json:"market"`
	Asset    string `json:"asset"`
	Supplied string `json:"supplied"`
	Debt     string `json:"debt"`
}

type positionsResponse struct {
	User      string         `json:"user"`
	Nonce     uint64         `json:"next_nonce"`
	CrossLend []positionView `json:"cross_domain"`
	Ledger    []ledgerView   `json:"ledger"`
}

type marketView struct {
	ID            string `json:"id"`
	Asset         string `json:"asset"`
	Cash          string `json:"cash"`
	TotalSupplied string `json:"total_supplied"`
	TotalBorrowed string `json:"total_borrowed"`
}

type deliveryView struct {
	Digest     string `json:"digest"`
	Source     string `json:"source"`
	IntentID   string `json:"intent_id,omitempty"`
	Action     string `json:"action,omitempty"`
	User       string `json:"user,omitempty"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	ReceivedAt int64  `json:"received_at"`
}

type settlementView struct {
	IntentID  string `json:"intent_id"`
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Origin    uint64 `json:"origin"`
	State     string `json:"state"`
	MessageID string `json:"message_id,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Router returns the hub HTTP surface: relay deliveries, the public read
// API, the event stream, metrics and the admin controls.
func (n *Node) Router() (http.Handler, error) {
	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "hubd",
		LogRequests: n.cfg.LogRequests,
	}, n.registry, n.logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: n.cfg.CORSOrigins}))

	r.With(obs.Middleware("deliveries")).Group(n.Relay.Mount)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		daemon.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, n.registry}, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.With(obs.Middleware("intent")).Get("/intents/{id}", n.handleIntent)
		r.With(obs.Middleware("user_intents")).Get("/users/{user}/intents", n.handleUserIntents)
		r.With(obs.Middleware("positions")).Get("/positions/{user}", n.handlePositions)
		r.With(obs.Middleware("markets")).Get("/markets", n.handleMarkets)
		r.With(obs.Middleware("deliveries_log")).Get("/deliveries", n.handleDeliveries)
		r.Get("/events/ws", n.Events.serveWS)
	})

	admin := daemon.NewBearerAuth(n.cfg.Admin.BearerToken)
	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.Middleware, obs.Middleware("admin"))
		r.Get("/status", n.handleStatus)
		r.Post("/pause/{module}", n.handlePause)
		r.Post("/resume/{module}", n.handleResume)
		r.Post("/settlements/retry", n.handleRetry)
		r.Get("/settlements/{id}", n.handleSettlement)
	})
	return otelhttp.NewHandler(r, "hubd"), nil
}

func (n *Node) handleIntent(w http.ResponseWriter, r *http.Request) {
	id, err := xchain.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		daemon.WriteError(w, http.StatusBadRequest, err)
		return
	}
	rec, ok := n.Tracker.Intent(id)
	if !ok {
		daemon.WriteError(w, http.StatusNotFound, errors.New("intent not found"))
		return
	}
	daemon.WriteJSON(w, http.StatusOK, intentViewFrom(rec))
}

func (n *Node) handleUserIntents(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(w, r)
	if !ok {
		return
	}
	recs := n.Tracker.IntentsByUser(user)
	out := make([]intentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, intentViewFrom(rec))
	}
	daemon.WriteJSON(w, http.StatusOK, out)
}

func (n *Node) handlePositions(w http.ResponseWriter, r *http.Request) {
	user, ok := parseUser(w, r)
	if !ok {
		return
	}
	next, err := n.Forwarder.NextNonce(r.Context(), user)
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	ledger, err := n.Engine.Positions(user)
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	resp := positionsResponse{User: user.Hex(), Nonce: next, CrossLend: []positionView{}, Ledger: []ledgerView{}}
	for _, p := range n.Tracker.Positions(user) {
		resp.CrossLend = append(resp.CrossLend, positionView{
			Asset:    p.Asset,
			Supplied: p.Supplied.String(),
			Borrowed: p.Borrowed.String(),
			Released: p.Released.String(),
		})
	}
	for _, p := range ledger {
		resp.Ledger = append(resp.Ledger, ledgerViewFrom(p))
	}
	daemon.WriteJSON(w, http.StatusOK, resp)
}

func ledgerViewFrom(p lending.Position) ledgerView {
	return ledgerView{
		Market:   p.Market,
		Asset:    p.Asset,
		Supplied: xchain.CloneAmount(p.Supplied).String(),
		Debt:     xchain.CloneAmount(p.Debt).String(),
	}
}

func (n *Node) handleMarkets(w http.ResponseWriter, _ *http.Request) {
	out := make([]marketView, 0, len(n.network.Markets))
	for _, m := range n.network.Markets {
		market, err := n.Engine.Market(m.ID)
		if err != nil {
			daemon.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, marketView{
			ID:            market.ID,
			Asset:         market.Asset,
			Cash:          xchain.CloneAmount(market.Cash).String(),
			TotalSupplied: xchain.CloneAmount(market.TotalSupplied).String(),
			TotalBorrowed: xchain.CloneAmount(market.TotalBorrowed).String(),
		})
	}
	daemon.WriteJSON(w, http.StatusOK, out)
}

func (n *Node) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	var (
		list []hub.Delivery
		err  error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("intent")); raw != "" {
		id, perr := xchain.ParseIntentID(raw)
		if perr != nil {
			daemon.WriteError(w, http.StatusBadRequest, perr)
			return
		}
		list, err = n.Deliveries.ForIntent(r.Context(), id)
	} else {
		list, err = n.Deliveries.Recent(r.Context(), queryLimit(r, 50))
	}
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]deliveryView, 0, len(list))
	for _, d := range list {
		view := deliveryView{
			Digest:     common.Hash(d.Digest).Hex(),
			Source:     d.Source.String(),
			Action:     d.Action,
			User:       d.User,
			Asset:      d.Asset,
			Outcome:    d.Outcome,
			Error:      d.Error,
			ReceivedAt: d.ReceivedAt.Unix(),
		}
		if !d.IntentID.IsZero() {
			view.IntentID = d.IntentID.Hex()
		}
		if d.Amount != nil {
			view.Amount = d.Amount.String()
		}
		out = append(out, view)
	}
	daemon.WriteJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	Paused     []string          `json:"paused"`
	Settlement settlement.Status `json:"settlement"`
	Intents    map[string]int    `json:"intents"`
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := n.Settlement.Status(r.Context())
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	counts := make(map[string]int)
	for status, c := range n.Tracker.Counts() {
		counts[string(status)] = c
	}
	paused := n.Pauses.Paused()
	if st.Paused {
		paused = append(paused, moduleSettlement)
	}
	daemon.WriteJSON(w, http.StatusOK, statusResponse{Paused: paused, Settlement: st, Intents: counts})
}

const moduleSettlement = "settlement"

func (n *Node) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := n.setPaused(chi.URLParam(r, "module"), true); err != nil {
		daemon.WriteError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := n.setPaused(chi.URLParam(r, "module"), false); err != nil {
		daemon.WriteError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) setPaused(module string, paused bool) error {
	module = strings.ToLower(strings.TrimSpace(module))
	switch module {
	case moduleSettlement:
		if paused {
			n.Settlement.Pause()
		} else {
			n.Settlement.Resume()
		}
	case "forwarder", "lending":
		if paused {
			n.Pauses.Pause(module)
		} else {
			n.Pauses.Resume(module)
		}
	default:
		return errors.New("unknown module " + strconv.Quote(module))
	}
	n.logger.Warn("pause switch changed", "module", module, "paused", paused)
	return nil
}

func (n *Node) handleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := n.Settlement.RetryPending(r.Context())
	switch {
	case errors.Is(err, settlement.ErrSweepInProgress):
		daemon.WriteError(w, http.StatusConflict, err)
		return
	case errors.Is(err, xchain.ErrPaused):
		daemon.WriteError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	daemon.WriteJSON(w, http.StatusOK, result)
}

func (n *Node) handleSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := xchain.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		daemon.WriteError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := n.Settlement.Record(r.Context(), id)
	if errors.Is(err, settlement.ErrRecordNotFound) {
		daemon.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		daemon.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	daemon.WriteJSON(w, http.StatusOK, settlementView{
		IntentID:  rec.IntentID.Hex(),
		User:      rec.User.Hex(),
		Asset:     rec.Asset,
		Amount:    xchain.CloneAmount(rec.Amount).String(),
		Origin:    uint64(rec.Origin),
		State:     string(rec.State),
		MessageID: string(rec.MessageID),
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
	})
}

func parseUser(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "user")
	if !common.IsHexAddress(raw) {
		daemon.WriteError(w, http.StatusBadRequest, errors.New("invalid user address"))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryLimit(r *http.Request, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 500 {
		return 500
	}
	return v
}
