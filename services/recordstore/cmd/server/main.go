package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namegate/namegate/pkg/config"
	"github.com/namegate/namegate/pkg/db"
	"github.com/namegate/namegate/services/recordstore/internal/api"
	"github.com/namegate/namegate/services/recordstore/internal/store"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lvl, err := zap.ParseAtomicLevel(cfg.Recordstore.LogLevel)
	if err != nil {
		log.Fatalf("bad log level: %v", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.Connect(context.Background(), cfg.DB())
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	st := store.New(pool)

	r := chi.NewRouter()
	api.NewHandler(st, logger).Routes(r)

	logger.Info("recordstore listening", zap.String("addr", cfg.Recordstore.ListenAddr))
	if err := http.ListenAndServe(cfg.Recordstore.ListenAddr, r); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
