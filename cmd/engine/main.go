package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/api"
	"github.com/rawblock/mix-orchestrator/internal/config"
	"github.com/rawblock/mix-orchestrator/internal/db"
	"github.com/rawblock/mix-orchestrator/internal/engine"
	"github.com/rawblock/mix-orchestrator/internal/store"
	"github.com/rawblock/mix-orchestrator/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration error", "err", err)
	}
	if lvl, perr := log.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(lvl)
	}
	logger := log.Default().WithPrefix("main")
	logger.Info("starting mix orchestrator")

	// Optional audit trail. The engine runs without it.
	var audit *db.AuditStore
	if cfg.DatabaseURL != "" {
		audit, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("audit database unavailable, continuing without it", "err", err)
			audit = nil
		} else {
			defer audit.Close()
			if err := audit.InitSchema(); err != nil {
				logger.Warn("audit schema init failed", "err", err)
			}
		}
	}

	node, err := abcmint.New(abcmint.Config{
		Host: cfg.RPCAddr(),
		User: cfg.RPCUser,
		Pass: cfg.RPCPassword,
	})
	if err != nil {
		logger.Error("node RPC setup failed", "addr", cfg.RPCAddr(), "err", err)
		os.Exit(1)
	}
	defer node.Shutdown()

	if height, herr := node.GetBlockCount(); herr != nil {
		logger.Warn("node unreachable at startup, workers will retry", "err", herr)
	} else {
		logger.Info("node connected", "height", height)
	}

	st, err := store.New(cfg.StateDir)
	if err != nil {
		logger.Error("state store setup failed", "err", err)
		os.Exit(1)
	}
	logger.Info("state file", "path", st.Path())

	wsHub := api.NewHub()
	go wsHub.Run()

	w := wallet.New(cfg, node)
	eng := engine.New(cfg, w, st, audit, api.JobNotifier(wsHub))
	if err := eng.LoadState(); err != nil {
		logger.Error("state load failed", "err", err)
		os.Exit(1)
	}
	if err := w.EnsureUnlocked(); err != nil {
		logger.Warn("wallet unlock check failed", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	r := api.SetupRouter(eng, cfg, node, wsHub, audit)

	logger.Info("listening", "port", cfg.Port)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatal("server failed", "err", err)
	}
}
