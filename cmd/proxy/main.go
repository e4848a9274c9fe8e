package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vault-service/internal/config"
	"vault-service/internal/proxy"
	"vault-service/internal/util"
)

func main() {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if cfg.Server.ServiceCredential == "" && cfg.IsProduction() {
		util.Fatal("SERVICE_CREDENTIAL must be set in production")
	}

	p, err := proxy.NewProxy(cfg, util.Get())
	if err != nil {
		util.Fatal("Failed to build proxy", util.ErrorField(err))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:      p.Router(cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		util.Info("Proxy started successfully",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
			util.String("keeper_url", cfg.Proxy.KeeperURL),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Proxy failed to start", util.ErrorField(err))
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown proxy gracefully", util.ErrorField(err))
	} else {
		util.Info("Proxy shutdown completed")
	}
}
