package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"EasyCash-Core/internal/api"
	"EasyCash-Core/internal/cache"
	"EasyCash-Core/internal/config"
	"EasyCash-Core/internal/crypto"
	"EasyCash-Core/internal/monitoring"
	"EasyCash-Core/internal/observability/alerting"
	"EasyCash-Core/internal/orchestrator"
	"EasyCash-Core/internal/ratelimit"
	"EasyCash-Core/internal/routing"
	"EasyCash-Core/internal/settlement"
	"EasyCash-Core/internal/zk"
	"EasyCash-Core/pkg/logger"
)

// main 是 EasyCash 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("ecashd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ECASH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "ecash.yaml")
		if _, err := os.Stat(configPath); err != nil {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 缓存后端：路由与证明缓存共享同一个 Store。
	var store cache.Store
	switch cfg.Cache.Backend {
	case "", "memory":
		store = cache.NewMemoryStore()
	case "redis":
		redisStore, err := cache.NewRedisStore(cache.RedisStoreConfig{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			KeySpace: "ecash",
		})
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
	default:
		return fmt.Errorf("未知的缓存后端: %s", cfg.Cache.Backend)
	}

	transport, err := createTransport(cfg)
	if err != nil {
		return err
	}

	resolver := routing.NewNegotiator(transport,
		routing.WithWeights(routing.Weights{
			Cost:     cfg.Routing.WeightCost,
			Speed:    cfg.Routing.WeightSpeed,
			Security: cfg.Routing.WeightSecurity,
		}),
		routing.WithWindow(cfg.Routing.Window.Std()),
	)

	signer, err := createSigner(cfg)
	if err != nil {
		return err
	}

	var ledger settlement.Ledger
	switch cfg.Ledger.Driver {
	case "", "memory":
		ledger = settlement.NewMemoryLedger(0)
	case "mysql":
		sqlLedger, err := settlement.NewSQLLedger(cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		ledger = sqlLedger
	default:
		return fmt.Errorf("未知的流水驱动: %s", cfg.Ledger.Driver)
	}

	var events settlement.Sink
	switch cfg.Events.Driver {
	case "", "none":
		events = nil
	case "memory":
		events = settlement.NewMemorySink()
	case "rabbitmq":
		sink, err := settlement.NewRabbitMQSink(settlement.RabbitMQConfig{
			URL:     cfg.Events.URL,
			Queue:   cfg.Events.Queue,
			Durable: cfg.Events.Durable,
		})
		if err != nil {
			return err
		}
		events = sink
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}

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
		Alerts:    alerting.NewFanout(&alerting.LogNotifier{}),
		Limiter: ratelimit.New(ratelimit.Config{
			Enabled:     cfg.RateLimit.Enabled,
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window.Std(),
		}),
		Store: store,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			logger.L().Warn("关闭编排器失败", "error", err)
		}
	}()

	logger.L().Info("ecashd 启动",
		"environment", cfg.Environment,
		"address", cfg.Server.Address,
		"agent_mode", cfg.Agent.Mode,
		"zk_enabled", cfg.ZK.Enabled,
	)

	server := api.NewServer(cfg.Server.Address, orch, ledger, cfg.Server.APIKeys)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createTransport 按配置接入真实代理网络或内置模拟代理。
func createTransport(cfg *config.Config) (routing.Transport, error) {
	switch cfg.Agent.Mode {
	case "static":
		// 内置代理覆盖三档成本与安全组合，供 devnet 联调使用。
		return routing.NewStaticTransport(
			routing.StaticAgent{ID: "devnet-alpha", Cost: "0.8", Latency: 120 * time.Millisecond, SecurityScore: 0.72},
			routing.StaticAgent{ID: "devnet-beta", Cost: "1.2", Latency: 60 * time.Millisecond, SecurityScore: 0.88},
			routing.StaticAgent{ID: "devnet-gamma", Cost: "2.5", Latency: 40 * time.Millisecond, SecurityScore: 0.97},
		), nil
	case "", "network":
		return routing.NewNetworkTransport(routing.NetworkTransportConfig{
			Endpoint:      cfg.Agent.Endpoint,
			APIKey:        cfg.Agent.APIKey,
			SubmitTimeout: cfg.Pipeline.SubmitTimeout.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的代理接入模式: %s", cfg.Agent.Mode)
	}
}

// createSigner 优先使用配置私钥，devnet 允许临时密钥。
func createSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.Signer.PrivateKey != "" {
		return crypto.NewSigner(cfg.Signer.PrivateKey)
	}
	if cfg.Environment == config.EnvDevnet {
		return crypto.NewEphemeralSigner()
	}
	return nil, errors.New("mainnet 与 testnet 必须配置签名私钥，或通过 ECASH_PRIVATE_KEY 注入")
}
