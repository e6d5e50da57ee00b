// Command server runs the HTTP API: credential management for tenants and
// the job endpoints driven by the scheduler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iliyamo/poscred/internal/app"
	"github.com/iliyamo/poscred/internal/config"
)

func main() {
	cfg, err := config.Load()
	log := config.NewLogger(cfg.Env)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is optional; without it the breaker state lives in SQL.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn("redis unavailable: sql breaker store, in-process alert suppression, no rate limit or cache")
	}
	a, err := app.New(ctx, cfg, log, rdb)
	if err != nil {
		log.WithError(err).Fatal("build app")
	}
	defer a.Close()

	e := a.HTTP()
	addr := ":" + cfg.Port
	go func() {
		log.WithField("addr", addr).WithField("env", cfg.Env).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	// Wait for SIGINT/SIGTERM, then drain in-flight requests.
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("stopped")
}
