package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lcx/oscroute/app"
	"github.com/lcx/oscroute/log"
	"github.com/lcx/oscroute/metrics"
	"github.com/lcx/oscroute/net"
	"github.com/lcx/oscroute/route"
)

const shutdownTimeout = 5 * time.Second

func newListenCommand() *cobra.Command {
	var (
		name        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log every OSC message that arrives",
		Long: `Join the configured channel and log each received message with its
sender until interrupted. With --metrics the Prometheus counters are served
on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, name, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&name, "name", "listener", "Application name, used for logs and discovery")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// logMessage is the default handler; it receives the address first.
func logMessage(args ...any) error {
	if len(args) == 0 {
		return errors.New("missing address")
	}
	address, _ := args[0].(string)
	log.Info().Str("address", address).Any("args", args[1:]).Msg("message")
	return nil
}

func runListen(ctx context.Context, name, metricsAddr string) error {
	defer shutdown()

	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}

	opts := []app.Option{app.WithConfig(cfg)}
	if haveConfig(net.DispatcherConfigName) {
		opts = append(opts, app.WithConfigManager(cm))
	}
	a, err := app.New(name, nil, nil, opts...)
	if err != nil {
		return err
	}
	a.SetDefaultHandler(route.Func("log", logMessage))

	if err := a.Connect(cfg.Bind, cfg.SendPort, cfg.Transport); err != nil {
		return err
	}
	defer a.Close()

	local, _ := a.LocalAddr()
	if cfg.Discovery.Advertise {
		if err := a.Advertise(ctx, cfg.Transport); err != nil {
			return fmt.Errorf("advertise: %w", err)
		}
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if _, err := app.Start(a); err != nil {
		return err
	}
	log.Info().Str("name", name).Str("local", local.String()).Str("transport", cfg.Transport).Msg("listening")

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.StopAll(sctx)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
