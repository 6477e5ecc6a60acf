package spoked

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"crosslend/config"
	"crosslend/core/events"
	nativecommon "crosslend/native/common"
	"crosslend/native/spoke"
	"crosslend/native/token"
	"crosslend/native/xchain"
	"crosslend/observability"
	"crosslend/services/internal/daemon"
	"crosslend/storage/boltlog"
	"crosslend/transport/httprelay"
	"crosslend/transport/middleware"
)

// Node is a fully wired spoke domain.
type Node struct {
	cfg     Config
	network *config.Network
	spoke   config.Spoke
	logger  *slog.Logger

	Book     *token.Book
	Pauses   *nativecommon.Pauses
	Relay    *spoke.Relay
	Receiver *spoke.SettlementReceiver
	Inbound  *httprelay.Handler
	Recorder *events.Recorder

	client   *httprelay.Client
	store    *boltlog.Store
	registry *prometheus.Registry
}

// Build wires the relay, the settlement receiver and both relay transports
// for the spoke named by cfg.Domain.
func Build(cfg Config, network *config.Network, logger *slog.Logger) (node *Node, err error) {
	if network == nil {
		return nil, errors.New("spoked: network required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	applyDefaults(&cfg)
	sp, ok := network.Spoke(cfg.Domain)
	if !ok {
		return nil, fmt.Errorf("spoked: domain %d not in network %s", cfg.Domain, network.Name)
	}
	if sp.Bridge == "" {
		return nil, fmt.Errorf("spoked: spoke %s has no Bridge", sp.Name)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("spoked: data dir: %w", err)
	}
	logger = logger.With(slog.String("spoke", sp.Name))

	n := &Node{cfg: cfg, network: network, spoke: sp, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	n.Book = token.NewBook(sp.Name)
	if err := daemon.Seed(n.Book, cfg.Balances); err != nil {
		return nil, fmt.Errorf("spoked: %w", err)
	}
	n.Pauses = nativecommon.NewPauses(network.Pauses.PausedModules()...)

	n.store, err = boltlog.Open(cfg.path("spoke.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("spoked: bolt: %w", err)
	}

	n.Recorder = &events.Recorder{}
	emitter := events.NewFanout(n.Recorder, events.EmitterFunc(func(evt events.Event) {
		observability.Events().Record(evt.EventType())
	}))

	bridge := common.HexToAddress(sp.Bridge)
	client, err := httprelay.NewClient(httprelay.ClientConfig{
		Domain:       xchain.DomainID(sp.Domain),
		Bridge:       bridge,
		Routes:       network.RelayRoutes(),
		FeeAsset:     sp.FeeAsset,
		FeeCollector: bridge,
		Credentials: httprelay.Credentials{
			Secret:   cfg.Relay.Secret,
			Issuer:   cfg.Relay.Issuer,
			Audience: cfg.Relay.Audience,
			Subject:  "spoked-" + sp.Name,
			TTL:      cfg.Relay.TokenTTL.Duration,
		},
	}, n.Book, nil, logger.With(slog.String("component", "relay-client")))
	if err != nil {
		return nil, err
	}
	n.client = client

	opts := []spoke.RelayOption{
		spoke.WithRequestLog(n.store),
		spoke.WithRelayEmitter(emitter),
		spoke.WithRelayPauses(n.Pauses),
		spoke.WithRelayMetrics(observability.Spoke()),
		spoke.WithRelayLogger(logger.With(slog.String("component", "relay"))),
	}
	if q := network.Quota; q.MaxRequestsPerEpoch > 0 || q.MaxAmountPerEpoch != "" {
		maxAmount, _ := config.ParseAmount(q.MaxAmountPerEpoch)
		if maxAmount.Sign() == 0 {
			maxAmount = nil
		}
		opts = append(opts, spoke.WithQuota(nativecommon.Quota{
			MaxRequestsPerEpoch: q.MaxRequestsPerEpoch,
			MaxAmountPerEpoch:   maxAmount,
			EpochSeconds:        q.EpochSeconds,
		}))
	}
	if cfg.UserLimit.RequestsPerMinute > 0 {
		opts = append(opts, spoke.WithRateLimit(spoke.RateLimit{
			RequestsPerMinute: cfg.UserLimit.RequestsPerMinute,
			Burst:             cfg.UserLimit.Burst,
		}))
	}
	n.Relay, err = spoke.NewRelay(spoke.RelayConfig{
		Address:       common.HexToAddress(sp.Relay),
		Domain:        xchain.DomainID(sp.Domain),
		Hub:           network.HubEndpoint(),
		SigningDomain: network.SigningDomain(),
		Assets:        sp.Assets,
		FeeAsset:      sp.FeeAsset,
		MinFee:        sp.MinFee(),
	}, n.Book, client, opts...)
	if err != nil {
		return nil, err
	}
	client.OnResolve(n.Relay.Resolve)

	receiverAddr := common.HexToAddress(sp.Receiver)
	n.Receiver, err = spoke.NewSettlementReceiver(spoke.ReceiverConfig{
		Address:    receiverAddr,
		Settlement: network.SettlementEndpoint(),
	}, n.Book,
		spoke.WithReleaseLog(n.store),
		spoke.WithReceiverEmitter(emitter),
		spoke.WithReceiverLogger(logger.With(slog.String("component", "settlement-receiver"))))
	if err != nil {
		return nil, err
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Relay.Secret != "",
		HMACSecret: cfg.Relay.Secret,
		Issuer:     cfg.Relay.Issuer,
		Audience:   cfg.Relay.Audience,
		ClockSkew:  cfg.Relay.ClockSkew.Duration,
	}, logger)
	n.Inbound = httprelay.NewHandler(httprelay.HandlerConfig{
		Domain: xchain.DomainID(sp.Domain),
		Bridge: bridge,
	}, n.Book, auth, logger.With(slog.String("component", "relay-handler")),
		httprelay.WithReceipts(n.store))
	n.Inbound.Register(receiverAddr, n.Receiver)
	return n, nil
}

// Run re-posts unconfirmed deliveries until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	n.client.Run(ctx, n.cfg.ReconcileInterval.Duration)
}

// Close releases the bolt database.
func (n *Node) Close() error {
	if n.store == nil {
		return nil
	}
	err := n.store.Close()
	n.store = nil
	return err
}
