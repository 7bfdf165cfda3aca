// Package app assembles the orchestrator and its collaborators from configuration.
// Both the API server and the recovery worker drive the same pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/config"
	"github.com/brojonat/agentpay/service/db"
	"github.com/brojonat/agentpay/service/metrics"
	natspkg "github.com/brojonat/agentpay/service/nats"
	"github.com/brojonat/agentpay/service/orchestrator"
	"github.com/brojonat/agentpay/service/policy"
	"github.com/brojonat/agentpay/service/signer"
	"github.com/brojonat/agentpay/service/solana"
	"github.com/brojonat/agentpay/service/submit"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Pool         *pgxpool.Pool
	Store        *db.Store
	Orchestrator *orchestrator.Orchestrator

	closers []func()
	logger  *slog.Logger
}

// New connects to Postgres, applies the schema and wires the pipeline.
// NATS and Redis are optional: without them events are not published and
// caches are process-local.
func New(ctx context.Context, cfg *config.Config, name string, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to database")

	a.Pool = pool
	a.Store = db.NewStore(pool, m)
	if err := a.Store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var backend cache.Backend = cache.NewMemoryBackend()
	if cfg.RedisURL != "" {
		redisBackend, err := cache.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { redisBackend.Close() })
		backend = redisBackend
		logger.Info("using redis cache backend")
	}

	endpoints := solana.ParseEndpoints(cfg.SolanaRPCURL)
	rpcURL, err := solana.SelectRandomEndpoint(endpoints)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to select solana RPC endpoint: %w", err)
	}
	solanaClient := solana.NewClient(solana.NewRPCClient(rpcURL, cfg.SolanaRPCRateLimit, m), m, logger)
	logger.Info("initialized solana RPC client",
		"total_endpoints", len(endpoints),
		"rate_limit", cfg.SolanaRPCRateLimit,
	)

	blockhashes := cache.NewBlockhashCache(solanaClient, backend, cfg.BlockhashTTL, m, logger)
	fees := cache.NewFeeCache(solanaClient, backend, cfg.PriorityFeeTTL, m, logger)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var relay submit.Broadcaster
	if cfg.GaslessEnabled {
		relay = submit.NewRelayClient(cfg.RelayURL, httpClient)
		logger.Info("gasless relay enabled", "relay_url", cfg.RelayURL)
	}

	var publisher natspkg.Publisher
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		a.closers = append(a.closers, func() { p.Close() })
		publisher = p
		logger.Info("connected to NATS", "url", cfg.NATSURL, "client", name)
	}

	deps := orchestrator.Deps{
		Store:     a.Store,
		Builder:   solana.NewBuilder(blockhashes, solanaClient),
		Simulator: solanaClient,
		Policy:    policy.NewClient(cfg.PolicyURL, cfg.PolicyAPIKey, httpClient, m, logger),
		Signer:    signer.NewClient(cfg.SignerURL, cfg.SignerAPIKey, httpClient, a.Store, m, logger),
		Submitter: submit.NewSubmitter(submit.NewDirectBroadcaster(solanaClient), relay, m, logger),
		Waiter:    solana.NewWaiter(solanaClient, cfg.ConfirmationPollInterval, m, logger),
		Fees:      solana.NewFeeEstimator(fees),
		Publisher: publisher,
		Chain:     solanaClient,
	}
	a.Orchestrator = orchestrator.New(deps, OrchestratorConfig(cfg), m, logger)
	return a, nil
}

// OrchestratorConfig maps process configuration onto the pipeline settings.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.MaxRetries = cfg.MaxRetries
	oc.SubmitMaxAttempts = cfg.SubmitMaxAttempts
	oc.GaslessEnabled = cfg.GaslessEnabled
	if cfg.ConfirmationCommitment != "" {
		oc.Commitment = rpc.CommitmentType(cfg.ConfirmationCommitment)
	}
	if cfg.ConfirmationTimeout > 0 {
		oc.ConfirmationTimeout = cfg.ConfirmationTimeout
	}
	return oc
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
