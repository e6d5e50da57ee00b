package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/poscred/internal/config"
	"github.com/iliyamo/poscred/internal/provider/simulator"
	"github.com/iliyamo/poscred/internal/queue"
)

func alertsSinkCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "alerts-sink",
		Short: "Consume alert events from RabbitMQ and append them to a log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Alerts.RabbitURL == "" {
				return errors.New("RABBITMQ_URL is not set")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			err = queue.StartAlertConsumer(ctx, queue.ConsumerConfig{
				URL:   cfg.Alerts.RabbitURL,
				Queue: cfg.Alerts.Queue,
				Path:  path,
				Log:   config.NewLogger(cfg.Env),
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&path, "out", "o", "logs/alerts.log", "file the alerts are appended to")
	return cmd
}

func simulatorCmd() *cobra.Command {
	var (
		addr  string
		opts  simulator.Options
		seeds []string
	)
	cmd := &cobra.Command{
		Use:   "simulator",
		Short: "Serve a fault injecting POS provider for local chaos runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := config.NewLogger("dev")
			sim := simulator.NewServer(opts)
			for _, ext := range seeds {
				tok := sim.Issue(ext)
				log.WithField("external_id", ext).WithField("secret", tok.Encode()).Info("issued token")
			}
			srv := &http.Server{Addr: addr, Handler: sim, ReadHeaderTimeout: 10 * time.Second}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.WithField("addr", addr).Info("simulator listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":9090", "listen address")
	f.Float64Var(&opts.FailureRate, "failure-rate", 0, "share of requests answered with 503")
	f.DurationVar(&opts.Latency, "latency", 0, "latency added to every request")
	f.DurationVar(&opts.TokenTTL, "token-ttl", time.Hour, "lifetime of issued access tokens")
	f.IntVar(&opts.PageSize, "page-size", 50, "sales per page")
	f.Uint64Var(&opts.Seed, "seed", 1, "random seed for injected failures")
	f.StringSliceVar(&seeds, "issue", nil, "external ids to issue tokens for at startup")
	return cmd
}
