package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namegate/namegate/pkg/config"
	"github.com/namegate/namegate/pkg/db"
	"github.com/namegate/namegate/pkg/metadata"
	"github.com/namegate/namegate/services/gateway/internal/audit"
	"github.com/namegate/namegate/services/gateway/internal/authz"
	"github.com/namegate/namegate/services/gateway/internal/backend"
	"github.com/namegate/namegate/services/gateway/internal/gateway"
	"github.com/namegate/namegate/services/gateway/internal/replay"
	"github.com/namegate/namegate/services/gateway/internal/resolver"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Gateway.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	client, err := ethclient.Dial(cfg.Origin.RPCEndpoint)
	if err != nil {
		logger.Fatal("origin chain dial failed", zap.Error(err))
	}

	registry, err := authz.NewEVMRegistry(client, common.HexToAddress(cfg.Origin.RegistryAddr))
	if err != nil {
		logger.Fatal("registry init failed", zap.Error(err))
	}
	res, err := resolver.New(client, common.HexToAddress(cfg.Origin.ResolverAddr),
		resolver.WithTTL(cfg.Origin.DescriptorTTL),
		resolver.WithCacheSize(cfg.Origin.DescriptorCache),
	)
	if err != nil {
		logger.Fatal("resolver init failed", zap.Error(err))
	}

	var transactor backend.Transactor
	if cfg.Origin.TransactorKey != "" {
		key, err := crypto.HexToECDSA(cfg.Origin.TransactorKey)
		if err != nil {
			logger.Fatal("transactor key parse failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		chainID, err := client.ChainID(ctx)
		cancel()
		if err != nil {
			logger.Fatal("chain id lookup failed", zap.Error(err))
		}
		transactor = backend.NewKeyedTransactor(client, key, chainID)
		logger.Info("chain writes enabled", zap.String("from", crypto.PubkeyToAddress(key.PublicKey).Hex()))
	}

	d := backend.NewDispatcher()
	d.Register(metadata.KindEVM, backend.NewEVMFactory(client, transactor))
	d.Register(metadata.KindNonChain, backend.NewHTTPFactory(&http.Client{Timeout: cfg.Timeouts.Apply}))
	if cfg.Starknet.RPCEndpoint != "" {
		d.Register(metadata.KindStarknet, backend.NewStarknetFactory(cfg.Starknet.RPCEndpoint, &http.Client{Timeout: cfg.Timeouts.Apply}, nil))
	}

	var recorder gateway.Recorder
	pool, err := db.Connect(context.Background(), cfg.DB())
	switch {
	case err == nil:
		recorder = audit.NewStore(pool)
	case errors.Is(err, db.ErrNoDSN):
		logger.Warn("database dsn unset; applied updates will not be audited")
	default:
		logger.Fatal("database connect failed", zap.Error(err))
	}

	engine := authz.NewEngine(registry, d)
	guard := replay.NewGuard(cfg.Gateway.FreshnessWindow)

	pipeline := gateway.NewPipeline(res, guard, engine, d, recorder, logger, gateway.Timeouts{
		Resolve:   cfg.Timeouts.Resolve,
		Authorize: cfg.Timeouts.Authorize,
		Apply:     cfg.Timeouts.Apply,
	})

	r := chi.NewRouter()
	gateway.NewHandler(pipeline, logger, cfg.Gateway.MaxBodyBytes).Routes(r)

	logger.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
	if err := http.ListenAndServe(cfg.Gateway.ListenAddr, r); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
