// Command node runs the off-chain compute node: REST ingress, optional
// chain listener/processor pair, container pipeline orchestration, and the
// dual-index job store, wired from a single YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-redis/redis/v9"

	"github.com/coriumlabs/compute-node/pkg/chain"
	"github.com/coriumlabs/compute-node/pkg/config"
	"github.com/coriumlabs/compute-node/pkg/containerlookup"
	"github.com/coriumlabs/compute-node/pkg/database"
	"github.com/coriumlabs/compute-node/pkg/guardian"
	"github.com/coriumlabs/compute-node/pkg/listener"
	"github.com/coriumlabs/compute-node/pkg/message"
	"github.com/coriumlabs/compute-node/pkg/metrics"
	"github.com/coriumlabs/compute-node/pkg/orchestrator"
	"github.com/coriumlabs/compute-node/pkg/processor"
	"github.com/coriumlabs/compute-node/pkg/server"
	"github.com/coriumlabs/compute-node/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the node's YAML configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[Node] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	lookup := containerlookup.New(containerIDs(cfg.Containers))
	endpoints := orchestrator.NewEndpoints(toOrchestratorContainers(cfg.Containers), runningInDocker())
	orch := orchestrator.New(endpoints, nil, log.New(os.Stdout, "[Orchestrator] ", log.LstdFlags))

	pending, completed, closeStore := buildStoreBackings(cfg, logger)
	defer closeStore()

	st, err := store.New(context.Background(), pending, completed)
	if err != nil {
		logger.Fatalf("build store: %v", err)
	}

	collector := metrics.NewCollector(st)

	handlers := server.NewHandlers(orch, st, containerIDs(cfg.Containers), log.New(os.Stdout, "[Server] ", log.LstdFlags))
	router := server.NewRouter(handlers, server.RateLimit{
		NumRequests: cfg.Server.RateLimit.NumRequests,
		Period:      time.Duration(cfg.Server.RateLimit.Period),
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", collector.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.Run(ctx, 15*time.Second)

	var lsnr *listener.Listener
	var proc *processor.Processor
	if cfg.Chain.Enabled {
		lsnr, proc, err = wireChain(ctx, cfg, orch, lookup, st, logger)
		if err != nil {
			logger.Fatalf("wire chain components: %v", err)
		}
		proc.Start(ctx)
		if err := lsnr.Start(ctx); err != nil {
			logger.Fatalf("start listener: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		logger.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	cancel()
	if proc != nil {
		proc.Stop()
	}
	if lsnr != nil {
		lsnr.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
	logger.Printf("stopped")
}

// wireChain builds the RPC connection, coordinator/wallet/registry bindings,
// and the listener/processor pair that tracks and delivers against them.
func wireChain(ctx context.Context, cfg *config.NodeConfig, orch *orchestrator.Orchestrator, lookup *containerlookup.Lookup, st *store.Store, logger *log.Logger) (*listener.Listener, *processor.Processor, error) {
	rpc, err := chain.NewRPC(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}

	// This deployment has no separate on-chain reader contract: pkg/chain.Reader
	// batches subscription reads through the coordinator itself, so the
	// registry's reader slot is filled with the coordinator's own address.
	registry, err := chain.NewRegistry(cfg.Chain.RegistryAddress, cfg.Chain.RegistryAddress, cfg.Chain.WalletFactoryAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("build registry: %w", err)
	}

	coord := chain.NewCoordinator(rpc, registry.Coordinator)
	reader := chain.NewReader(coord)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.Wallet.PrivateKey, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("parse wallet private key: %w", err)
	}
	wallet := chain.NewWallet(rpc, key)
	checker := chain.NewWalletChecker(rpc, registry.WalletFactory, common.HexToAddress(cfg.Chain.Wallet.PaymentAddress), containerPaymentRequirements(cfg.Containers))

	procCfg := processor.Config{
		TickPeriod:       time.Duration(cfg.Chain.SnapshotSync.SyncPeriod),
		ChainID:          rpc.ChainID(),
		RegistryAddr:     registry.Coordinator,
		NodeWallet:       wallet.Address(),
		MaxGasLimit:      cfg.Chain.Wallet.MaxGasLimit,
		AllowedSimErrors: cfg.Chain.Wallet.AllowedSimErrors,
	}
	proc := processor.New(procCfg, rpc, coord, wallet, checker, orch, st, lookup, log.New(os.Stdout, "[Processor] ", log.LstdFlags))

	listenerCfg := listener.Config{
		TrailHeadBlocks:       cfg.Chain.TrailHeadBlocks,
		SnapshotSleep:         time.Duration(cfg.Chain.SnapshotSync.Sleep),
		SnapshotBatchSize:     cfg.Chain.SnapshotSync.BatchSize,
		SnapshotStartingSubID: cfg.Chain.SnapshotSync.StartingSubID,
		SyncPeriod:            time.Duration(cfg.Chain.SnapshotSync.SyncPeriod),
	}
	lsnr := listener.New(listenerCfg, rpc, reader, coord, guardian.AllowAll{}, trackerFunc(proc.Track), log.New(os.Stdout, "[Listener] ", log.LstdFlags))

	return lsnr, proc, nil
}

// trackerFunc adapts a plain function to listener.Tracker.
type trackerFunc func(msg message.Message) error

func (f trackerFunc) Track(msg message.Message) error { return f(msg) }

// buildStoreBackings resolves the pending and completed indices from
// configuration, falling back to in-memory indices when Redis/Postgres are
// not configured, so the node still runs standalone for local development.
func buildStoreBackings(cfg *config.NodeConfig, logger *log.Logger) (store.PendingIndex, store.CompletedIndex, func()) {
	noop := func() {}

	var pending store.PendingIndex = store.NewMemoryIndex()
	if cfg.Redis.Host != "" {
		client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)})
		pending = store.NewRedisPendingIndex(client)
		logger.Printf("pending job index backed by redis at %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	} else {
		logger.Printf("pending job index backed by memory (no redis configured)")
	}

	var completed store.CompletedIndex = store.NewMemoryIndex()
	closeFn := noop
	if cfg.Postgres.URL != "" {
		dbClient, err := database.NewClient(database.Config{
			URL:         cfg.Postgres.URL,
			MaxConns:    cfg.Postgres.MaxConns,
			MinConns:    cfg.Postgres.MinConns,
			MaxIdleTime: time.Duration(cfg.Postgres.MaxIdleTime),
			MaxLifetime: time.Duration(cfg.Postgres.MaxLifetime),
		}, database.WithLogger(log.New(os.Stdout, "[Database] ", log.LstdFlags)))
		if err != nil {
			logger.Fatalf("connect postgres: %v", err)
		}
		if err := dbClient.EnsureSchema(context.Background()); err != nil {
			logger.Fatalf("ensure schema: %v", err)
		}
		completed = database.NewJobRepository(dbClient)
		closeFn = func() { dbClient.Close() }
		logger.Printf("completed job index backed by postgres")
	} else {
		logger.Printf("completed job index backed by memory (no postgres configured)")
	}

	return pending, completed, closeFn
}

func containerIDs(containers []config.ContainerConfig) []string {
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids
}

func toOrchestratorContainers(containers []config.ContainerConfig) []orchestrator.ContainerConfig {
	out := make([]orchestrator.ContainerConfig, len(containers))
	for i, c := range containers {
		out[i] = orchestrator.ContainerConfig{ID: c.ID, ExternalURL: c.URL, Port: c.Port, Bearer: c.Bearer}
	}
	return out
}

// containerPaymentRequirements builds the WalletChecker's per-container
// (token -> minimum amount) maps from configuration, skipping a container
// that declares no accepted payments at all.
func containerPaymentRequirements(containers []config.ContainerConfig) map[string]map[common.Address]*big.Int {
	out := make(map[string]map[common.Address]*big.Int, len(containers))
	for _, c := range containers {
		if len(c.AcceptedPayments) == 0 {
			continue
		}
		minimums := make(map[common.Address]*big.Int, len(c.AcceptedPayments))
		for tokenHex, amountStr := range c.AcceptedPayments {
			amount, ok := new(big.Int).SetString(amountStr, 10)
			if !ok {
				amount = big.NewInt(0)
			}
			minimums[common.HexToAddress(tokenHex)] = amount
		}
		out[c.ID] = minimums
	}
	return out
}

// runningInDocker reports whether the node is itself running inside a
// container, so the orchestrator can pick the right host name for
// containers without an explicit external URL.
func runningInDocker() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
