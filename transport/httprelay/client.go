package httprelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"crosslend/native/xchain"
	"crosslend/transport/middleware"
)

// ErrNoRoute is returned when no relay URL is configured for a destination.
var ErrNoRoute = errors.New("httprelay: no route to domain")

// Vault locks outbound value on the source domain.
type Vault interface {
	Transfer(asset string, from, to common.Address, amount *big.Int) error
}

// Credentials sign the bearer tokens attached to deliveries.
type Credentials struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  string
	TTL      time.Duration
}

// ClientConfig binds the outbound side to its domain.
type ClientConfig struct {
	Domain xchain.DomainID
	// Bridge holds value locked for outbound messages.
	Bridge common.Address
	// Routes maps destination domains to relay base URLs.
	Routes map[xchain.DomainID]string
	// FeeAsset and FeeCollector receive message fees.
	FeeAsset     string
	FeeCollector common.Address
	Credentials  Credentials
	Timeout      time.Duration
}

// Client implements xchain.Gateway by posting deliveries directly to the
// destination domain. Send returns once the destination accepted the
// delivery. A definitive rejection unlocks the value; an unknown outcome
// keeps it locked and the message pending until Reconcile settles it.
type Client struct {
	cfg    ClientConfig
	vault  Vault
	http   *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[xchain.MessageID]*outbound
	byContent map[[32]byte]xchain.MessageID
	onResolve ResolveFunc
}

// ResolveFunc observes the final outcome of a message that Send reported as
// unconfirmed. A nil err means the destination applied it.
type ResolveFunc func(ctx context.Context, id xchain.MessageID, err error)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Attempted   int `json:"attempted"`
	Delivered   int `json:"delivered"`
	Rejected    int `json:"rejected"`
	Unconfirmed int `json:"unconfirmed"`
}

type outbound struct {
	env    xchain.Envelope
	base   string
	key    [32]byte
	unlock []func()
	busy   bool
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeApplied
	outcomeRejected
	outcomeUnknown
)

// NewClient constructs a client. A nil httpClient uses a client with the
// configured timeout.
func NewClient(cfg ClientConfig, vault Vault, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if vault == nil {
		return nil, fmt.Errorf("httprelay: vault required")
	}
	if cfg.Bridge == (common.Address{}) {
		return nil, fmt.Errorf("httprelay: bridge account required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Credentials.TTL <= 0 {
		cfg.Credentials.TTL = time.Minute
	}
	cfg.FeeAsset = xchain.NormalizeAsset(cfg.FeeAsset)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		vault:     vault,
		http:      httpClient,
		logger:    logger,
		pending:   make(map[xchain.MessageID]*outbound),
		byContent: make(map[[32]byte]xchain.MessageID),
	}, nil
}

// OnResolve registers fn to observe messages settled by Reconcile.
func (c *Client) OnResolve(fn ResolveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolve = fn
}

// Pending lists the ids of messages whose outcome is still unknown.
func (c *Client) Pending() []xchain.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]xchain.MessageID, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send implements xchain.Gateway. When the outcome is unknown the message id
// is returned together with an error matching xchain.ErrDeliveryUnconfirmed.
// Sending a message identical to a pending one re-posts the pending envelope
// instead of locking value twice.
func (c *Client) Send(ctx context.Context, msg xchain.OutboundMessage) (xchain.MessageID, error) {
	if msg.Source.Domain != c.cfg.Domain {
		return "", fmt.Errorf("httprelay: client bound to domain %d, message from %d", c.cfg.Domain, msg.Source.Domain)
	}
	base, ok := c.cfg.Routes[msg.Destination.Domain]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrNoRoute, msg.Destination.Domain)
	}
	key := contentKey(msg)
	if out, claimed, found := c.claimByContent(key); found {
		if !claimed {
			return out.env.MessageID, fmt.Errorf("%w: message %s: %w", xchain.ErrDeliveryUnconfirmed, out.env.MessageID, xchain.ErrDeliveryInFlight)
		}
		return sendResult(out.env.MessageID, c.attempt(ctx, out))
	}

	env := xchain.NewEnvelope(xchain.MessageID(uuid.NewString()), msg)
	fee := xchain.CloneAmount(msg.Fee)
	var unlock []func()
	if fee.Sign() > 0 {
		if err := c.vault.Transfer(c.cfg.FeeAsset, msg.Source.Address, c.cfg.FeeCollector, fee); err != nil {
			return "", fmt.Errorf("httprelay: collect fee: %w", err)
		}
		unlock = append(unlock, func() { c.move(c.cfg.FeeAsset, c.cfg.FeeCollector, msg.Source.Address, fee) })
	}
	if env.HasValue() {
		if err := c.vault.Transfer(env.Asset, msg.Source.Address, c.cfg.Bridge, env.Amount); err != nil {
			runAll(unlock)
			return "", fmt.Errorf("httprelay: lock value: %w", err)
		}
		unlock = append(unlock, func() { c.move(env.Asset, c.cfg.Bridge, msg.Source.Address, env.Amount) })
	}
	out := &outbound{env: env, base: base, key: key, unlock: unlock, busy: true}
	c.mu.Lock()
	c.pending[env.MessageID] = out
	c.byContent[key] = env.MessageID
	c.mu.Unlock()

	return sendResult(env.MessageID, c.attempt(ctx, out))
}

// sendResult keeps the id only when the message was delivered or may still be.
func sendResult(id xchain.MessageID, err error) (xchain.MessageID, error) {
	if err != nil && !errors.Is(err, xchain.ErrDeliveryUnconfirmed) {
		return "", err
	}
	return id, err
}

// Reconcile re-posts every pending message once. A 409 for an id the
// destination already applied counts as delivered.
func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	c.mu.Lock()
	batch := make([]*outbound, 0, len(c.pending))
	for _, out := range c.pending {
		if out.busy {
			continue
		}
		out.busy = true
		batch = append(batch, out)
	}
	resolve := c.onResolve
	c.mu.Unlock()

	var result ReconcileResult
	for i, out := range batch {
		if err := ctx.Err(); err != nil {
			c.mu.Lock()
			for _, rest := range batch[i:] {
				rest.busy = false
			}
			c.mu.Unlock()
			return result, err
		}
		result.Attempted++
		err := c.attempt(ctx, out)
		switch {
		case err == nil:
			result.Delivered++
		case errors.Is(err, xchain.ErrDeliveryUnconfirmed):
			result.Unconfirmed++
			continue
		default:
			result.Rejected++
		}
		if resolve != nil {
			resolve(ctx, out.env.MessageID, err)
		}
	}
	return result, nil
}

// Run reconciles pending messages every interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := c.Reconcile(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn("relay reconcile failed", slog.Any("error", err))
				}
				continue
			}
			if result.Attempted > 0 {
				c.logger.Info("relay reconcile complete",
					slog.Int("attempted", result.Attempted),
					slog.Int("delivered", result.Delivered),
					slog.Int("rejected", result.Rejected),
					slog.Int("unconfirmed", result.Unconfirmed))
			}
		}
	}
}

// attempt posts a claimed pending message and settles it according to the
// outcome. Only a definitive rejection unlocks the value.
func (c *Client) attempt(ctx context.Context, out *outbound) error {
	err := c.post(ctx, out.base, out.env)
	id := out.env.MessageID
	switch classify(err) {
	case outcomeDelivered:
		c.settle(out)
		if err != nil {
			c.logger.Info("relay delivery confirmed", slog.String("message_id", string(id)))
		}
		return nil
	case outcomeApplied:
		c.settle(out)
		c.logger.Warn("relay delivery already applied", slog.String("message_id", string(id)), slog.Any("error", err))
		return err
	case outcomeRejected:
		c.settle(out)
		runAll(out.unlock)
		return err
	default:
		c.mu.Lock()
		out.busy = false
		c.mu.Unlock()
		c.logger.Warn("relay delivery unconfirmed",
			slog.String("message_id", string(id)),
			slog.Any("error", err))
		return fmt.Errorf("%w: message %s: %w", xchain.ErrDeliveryUnconfirmed, id, err)
	}
}

func (c *Client) claimByContent(key [32]byte) (*outbound, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byContent[key]
	if !ok {
		return nil, false, false
	}
	out := c.pending[id]
	if out.busy {
		return out, false, true
	}
	out.busy = true
	return out, true, true
}

func (c *Client) settle(out *outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, out.env.MessageID)
	if c.byContent[out.key] == out.env.MessageID {
		delete(c.byContent, out.key)
	}
}

func classify(err error) outcome {
	if err == nil || errors.Is(err, xchain.ErrAlreadyDelivered) {
		return outcomeDelivered
	}
	if errors.Is(err, xchain.ErrDuplicateSettlement) {
		return outcomeApplied
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Status >= 400 && remote.Status < 500 &&
		remote.Status != http.StatusRequestTimeout && remote.Status != http.StatusTooManyRequests {
		return outcomeRejected
	}
	return outcomeUnknown
}

// contentKey identifies a message independently of its id.
func contentKey(msg xchain.OutboundMessage) [32]byte {
	env := xchain.NewEnvelope("", msg)
	digest := env.Digest()
	h := blake3.New(32, nil)
	h.Write(digest[:])
	h.Write(xchain.CloneAmount(msg.Fee).Bytes())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Client) post(ctx context.Context, base string, env xchain.Envelope) error {
	body, err := json.Marshal(encodeDelivery(env))
	if err != nil {
		return err
	}
	url := strings.TrimRight(base, "/") + DeliveryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Credentials.Secret != "" {
		cred := c.cfg.Credentials
		token, err := middleware.IssueToken(cred.Secret, cred.Issuer, cred.Audience, cred.Subject, []string{ScopeDeliver}, cred.TTL)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("httprelay: post delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var remote errorJSON
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if jerr := json.Unmarshal(raw, &remote); jerr != nil || remote.Error == "" {
		remote.Error = strings.TrimSpace(string(raw))
	}
	return &RemoteError{Status: resp.StatusCode, Reason: remote.Reason, Message: remote.Error}
}

func (c *Client) move(asset string, from, to common.Address, amount *big.Int) {
	if err := c.vault.Transfer(asset, from, to, amount); err != nil {
		c.logger.Error("unlock outbound value failed",
			slog.String("asset", asset),
			slog.String("to", to.Hex()),
			slog.Any("error", err))
	}
}

func runAll(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
