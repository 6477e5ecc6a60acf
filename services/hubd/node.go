package hubd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"crosslend/config"
	"crosslend/core/events"
	nativecommon "crosslend/native/common"
	"crosslend/native/forwarder"
	"crosslend/native/hub"
	"crosslend/native/lending"
	"crosslend/native/nonces"
	"crosslend/native/settlement"
	"crosslend/native/token"
	"crosslend/native/tracker"
	"crosslend/native/xchain"
	"crosslend/observability"
	"crosslend/storage/gormstore"
	"crosslend/storage/sqlstore"
	"crosslend/transport/httprelay"
	"crosslend/services/internal/daemon"
	"crosslend/transport/middleware"
)

// Node is a fully wired hub domain.
type Node struct {
	cfg     Config
	network *config.Network
	logger  *slog.Logger

	Book       *token.Book
	Pauses     *nativecommon.Pauses
	Engine     *lending.Engine
	Nonces     nonces.Registry
	Settlement *settlement.Settlement
	Forwarder  *forwarder.Forwarder
	Receiver   *hub.Receiver
	Tracker    *tracker.Tracker
	Events     *Broadcaster
	Relay      *httprelay.Handler
	Deliveries *sqlstore.DeliveryLog

	auth     *middleware.Authenticator
	registry *prometheus.Registry
	closers  []io.Closer
}

// Build wires every hub component from the daemon and network configs.
func Build(cfg Config, network *config.Network, logger *slog.Logger) (node *Node, err error) {
	if network == nil {
		return nil, errors.New("hubd: network required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	applyDefaults(&cfg)
	if network.Hub.Bridge == "" {
		return nil, errors.New("hubd: hub.Bridge must be configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("hubd: data dir: %w", err)
	}

	n := &Node{cfg: cfg, network: network, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	n.Book = token.NewBook("hub")
	if err := daemon.Seed(n.Book, cfg.Balances); err != nil {
		return nil, fmt.Errorf("hubd: %w", err)
	}
	n.Pauses = nativecommon.NewPauses(network.Pauses.PausedModules()...)

	forwarderAddr := common.HexToAddress(network.Hub.Forwarder)
	custody := common.HexToAddress(network.Hub.Custody)
	n.Engine = lending.NewEngine(n.Book, custody)
	n.Engine.SetOperator(forwarderAddr)
	n.Engine.SetPauses(n.Pauses)
	for _, m := range network.Markets {
		borrowCap, _ := config.ParseAmount(m.BorrowCap)
		if borrowCap.Sign() == 0 {
			borrowCap = nil
		}
		if err := n.Engine.AddMarket(lending.MarketConfig{
			ID:    m.ID,
			Asset: m.Symbol,
			Risk:  lending.RiskParameters{CollateralFactorBps: m.CollateralFactorBps},
			Caps:  lending.BorrowCaps{Total: borrowCap, UtilisationBps: m.UtilisationCapBps},
		}); err != nil {
			return nil, fmt.Errorf("hubd: market %s: %w", m.ID, err)
		}
	}

	if cfg.NonceWindow > 0 {
		n.Nonces = nonces.NewWindowRegistry(cfg.NonceWindow)
	} else {
		ldb, err := nonces.OpenLevelDB(cfg.path("nonces"))
		if err != nil {
			return nil, fmt.Errorf("hubd: nonces: %w", err)
		}
		n.closers = append(n.closers, ldb)
		n.Nonces = ldb
	}

	store, err := sqlstore.Open(cfg.path("hub.db"))
	if err != nil {
		return nil, fmt.Errorf("hubd: sqlite: %w", err)
	}
	n.closers = append(n.closers, store)
	n.Deliveries = store.Deliveries()

	var journal settlement.Journal = store.Journal()
	if cfg.Journal.Driver == DriverPostgres {
		db, err := gormstore.OpenPostgres(cfg.Journal.DSN)
		if err != nil {
			return nil, fmt.Errorf("hubd: postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("hubd: postgres: %w", err)
		}
		n.closers = append(n.closers, sqlDB)
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("hubd: migrate: %w", err)
		}
		journal = gormstore.NewJournal(db)
	}

	n.Tracker = tracker.New()
	n.Events = NewBroadcaster(cfg.EventBacklog, cfg.CORSOrigins)
	emitter := events.NewFanout(n.Tracker, n.Events, events.EmitterFunc(func(evt events.Event) {
		observability.Events().Record(evt.EventType())
	}))

	n.auth = middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Relay.Secret != "",
		HMACSecret: cfg.Relay.Secret,
		Issuer:     cfg.Relay.Issuer,
		Audience:   cfg.Relay.Audience,
		ClockSkew:  cfg.Relay.ClockSkew.Duration,
	}, logger)

	bridge := common.HexToAddress(network.Hub.Bridge)
	client, err := httprelay.NewClient(httprelay.ClientConfig{
		Domain:       xchain.DomainID(network.Hub.Domain),
		Bridge:       bridge,
		Routes:       network.RelayRoutes(),
		FeeAsset:     network.Hub.FeeAsset,
		FeeCollector: bridge,
		Credentials: httprelay.Credentials{
			Secret:   cfg.Relay.Secret,
			Issuer:   cfg.Relay.Issuer,
			Audience: cfg.Relay.Audience,
			Subject:  "hubd",
			TTL:      cfg.Relay.TokenTTL.Duration,
		},
	}, n.Book, nil, logger.With(slog.String("component", "relay-client")))
	if err != nil {
		return nil, err
	}

	settlementFee, _ := config.ParseAmount(network.Hub.SettlementFee)
	metrics := observability.Hub()
	n.Settlement, err = settlement.New(settlement.Config{
		Address:   common.HexToAddress(network.Hub.Settlement),
		Domain:    xchain.DomainID(network.Hub.Domain),
		Receivers: network.SettlementReceivers(),
		Fee:       settlementFee,
	}, client, journal,
		settlement.WithEmitter(emitter),
		settlement.WithMetrics(metrics),
		settlement.WithLogger(logger.With(slog.String("component", "settlement"))),
		settlement.WithRetryInterval(cfg.RetryInterval.Duration),
		settlement.WithBatchSize(cfg.RetryBatch))
	if err != nil {
		return nil, err
	}
	if network.Pauses.Settlement {
		n.Settlement.Pause()
	}

	receiverAddr := common.HexToAddress(network.Hub.Receiver)
	n.Forwarder, err = forwarder.New(forwarder.Config{
		Domain:        network.SigningDomain(),
		Receiver:      receiverAddr,
		LedgerSpender: custody,
		Markets:       network.MarketToSymbol(),
	}, n.Engine, n.Book, n.Nonces,
		forwarder.WithSettlement(n.Settlement),
		forwarder.WithEmitter(emitter),
		forwarder.WithPauses(n.Pauses),
		forwarder.WithMetrics(metrics),
		forwarder.WithLogger(logger.With(slog.String("component", "forwarder"))))
	if err != nil {
		return nil, err
	}

	acl := hub.NewACL()
	for _, s := range network.Spokes {
		acl.Allow(s.RelayEndpoint())
	}
	n.Receiver, err = hub.NewReceiver(hub.Config{
		Address: receiverAddr,
		Markets: network.SymbolToMarket(),
	}, acl, n.Forwarder, n.Book,
		hub.WithDeliveryLog(n.Deliveries),
		hub.WithStatusHook(n.Tracker.Observe),
		hub.WithLogger(logger.With(slog.String("component", "receiver"))))
	if err != nil {
		return nil, err
	}

	n.Relay = httprelay.NewHandler(httprelay.HandlerConfig{
		Domain: xchain.DomainID(network.Hub.Domain),
		Bridge: bridge,
	}, n.Book, n.auth, logger.With(slog.String("component", "relay-handler")),
		httprelay.WithReceipts(store.Receipts()))
	n.Relay.Register(receiverAddr, n.Receiver)
	return n, nil
}

// Run drives the settlement retry loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	n.Settlement.Run(ctx)
}

// Close releases storage handles.
func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
