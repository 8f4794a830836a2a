// Package ecash exposes the transaction pipeline as an embeddable SDK so
// applications can execute transfer intents in-process without running the
// REST daemon.
package ecash

import (
	"context"

	"EasyCash-Core/internal/cache"
	"EasyCash-Core/internal/config"
	"EasyCash-Core/internal/crypto"
	"EasyCash-Core/internal/monitoring"
	"EasyCash-Core/internal/observability/alerting"
	"EasyCash-Core/internal/orchestrator"
	"EasyCash-Core/internal/protocol"
	"EasyCash-Core/internal/ratelimit"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
	"EasyCash-Core/internal/zk"
)

// Client assembles the negotiation, proving and execution components from a
// configuration and drives them through a single entry point.
type Client struct {
	orch   *orchestrator.Orchestrator
	ledger settlement.Ledger
	events *settlement.MemorySink
}

// Option overrides a component the configuration would otherwise build.
type Option func(*options)

type options struct {
	transport routing.Transport
	signer    *crypto.Signer
	ledger    settlement.Ledger
	alerts    alerting.Dispatcher
	store     cache.Store
}

// WithTransport injects a custom agent transport. Useful for tests that want
// deterministic quotes via a static transport.
func WithTransport(t routing.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSigner injects a pre-built signer instead of loading the key from the
// configuration.
func WithSigner(s *crypto.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithLedger replaces the execution ledger.
func WithLedger(l settlement.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithAlerts replaces the alert dispatcher.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *options) { o.alerts = d }
}

// WithCacheStore replaces the backing store shared by the route and proof
// caches.
func WithCacheStore(s cache.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds a client from the given configuration. A nil configuration uses
// the defaults, which target the hosted agent network on mainnet.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	transport := o.transport
	if transport == nil {
		built, err := buildTransport(cfg)
		if err != nil {
			return nil, err
		}
		transport = built
	}

	signer := o.signer
	if signer == nil {
		built, err := buildSigner(cfg)
		if err != nil {
			return nil, err
		}
		signer = built
	}

	ledger := o.ledger
	if ledger == nil {
		ledger = settlement.NewMemoryLedger(0)
	}

	alerts := o.alerts
	if alerts == nil {
		alerts = alerting.NewFanout(&alerting.LogNotifier{})
	}

	events := settlement.NewMemorySink()

	resolver := routing.NewNegotiator(transport,
		routing.WithWeights(routing.Weights{
			Cost:     cfg.Routing.WeightCost,
			Speed:    cfg.Routing.WeightSpeed,
			Security: cfg.Routing.WeightSecurity,
		}),
		routing.WithWindow(cfg.Routing.Window.Std()),
	)

	var prover zk.Prover
	if cfg.ZK.Enabled {
		prover = zk.NewLocalProver(cfg.ZK.CircuitPath)
	}

	routeTTL := cfg.Cache.TTL.Std()
	if !cfg.Cache.Enabled {
		routeTTL = 0
	}

	metrics := monitoring.NewAggregator()
	if !cfg.Metrics.Enabled {
		metrics = monitoring.Disabled()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		MaxRetries:         cfg.Pipeline.MaxRetries,
		RetryBackoff:       cfg.Pipeline.RetryBackoff.Std(),
		NegotiationTimeout: cfg.Pipeline.NegotiationTimeout.Std(),
		ProverTimeout:      cfg.Pipeline.ProverTimeout.Std(),
		SubmitTimeout:      cfg.Pipeline.SubmitTimeout.Std(),
		RouteCacheTTL:      routeTTL,
		ProofCacheTTL:      cfg.ZK.ProofCacheTTL.Std(),
		EnableZKProofs:     cfg.ZK.Enabled,
	}, orchestrator.Deps{
		Resolver:  resolver,
		Transport: transport,
		Prover:    prover,
		Signer:    signer,
		Metrics:   metrics,
		Ledger:    ledger,
		Events:    events,
		Alerts:    alerts,
		Limiter: ratelimit.New(ratelimit.Config{
			Enabled:     cfg.RateLimit.Enabled,
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window.Std(),
		}),
		Store: o.store,
	})
	if err != nil {
		return nil, err
	}

	return &Client{orch: orch, ledger: ledger, events: events}, nil
}

// ExecuteTransaction validates the intent, negotiates a route, generates a
// proof for shielded transfers and submits the transaction to the winning
// agent. The returned response carries the transaction hash and fee paid.
func (c *Client) ExecuteTransaction(ctx context.Context, req protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	return c.orch.Execute(ctx, req)
}

// GetMetrics returns a point-in-time snapshot of execution metrics.
func (c *Client) GetMetrics() monitoring.Snapshot {
	return c.orch.Metrics()
}

// ListExecutions returns the most recent ledger records, newest first.
func (c *Client) ListExecutions(ctx context.Context, limit int) ([]settlement.Record, error) {
	return c.ledger.ListLatest(ctx, limit)
}

// Events returns the settlement events published so far.
func (c *Client) Events() []settlement.Event {
	return c.events.Events()
}

// InvalidateRoute evicts the cached route for a request fingerprint, forcing
// the next matching transaction to renegotiate.
func (c *Client) InvalidateRoute(ctx context.Context, fp protocol.Fingerprint) error {
	return c.orch.InvalidateRoute(ctx, fp)
}

// Close releases the transport, ledger and event sink.
func (c *Client) Close() error {
	return c.orch.Close()
}

func buildTransport(cfg *config.Config) (routing.Transport, error) {
	if cfg.Agent.Mode == "static" {
		return routing.NewStaticTransport(
			routing.StaticAgent{ID: "devnet-alpha", Cost: "0.8", SecurityScore: 0.72},
			routing.StaticAgent{ID: "devnet-beta", Cost: "1.2", SecurityScore: 0.88},
		), nil
	}
	return routing.NewNetworkTransport(routing.NetworkTransportConfig{
		Endpoint:      cfg.Agent.Endpoint,
		APIKey:        cfg.Agent.APIKey,
		SubmitTimeout: cfg.Pipeline.SubmitTimeout.Std(),
	})
}

func buildSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.Signer.PrivateKey != "" {
		return crypto.NewSigner(cfg.Signer.PrivateKey)
	}
	return crypto.NewEphemeralSigner()
}
