package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrEthical07/portalguard/internal/server"
)

const shutdownGrace = 10 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal access server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx := cmd.Context()
			rt, err := server.Bootstrap(ctx, cfg, true)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer rt.Close()

			green := color.New(color.FgGreen)
			green.Print("▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
			green.Print("▶ ")
			fmt.Printf("Directory: %s\n", cfg.Database.Driver)
			if cfg.Redis.Embedded {
				warn("using embedded redis; sessions are lost on restart")
			}
			if rt.EphemeralKey {
				warn("signing key generated at startup; tokens will not survive a restart")
			}
			if rt.Meters != nil {
				otel.SetMeterProvider(rt.Meters)
				green.Print("▶ ")
				fmt.Println("OTel:      engine meters registered")
			}

			srv := server.New(rt.Engine, rt.Directory, rt.Log, server.Options{
				TrustForwarded: cfg.Server.TrustForwarded,
				CookieDomain:   cfg.Server.CookieDomain,
				InsecureCookie: cfg.Server.InsecureCookie,
				MetricsPath:    metricsPath(cfg.Metrics.Enabled, cfg.Metrics.Path),
			})
			return listen(ctx, rt.Log, &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv.Routes(),
				ReadTimeout:       cfg.Server.ReadTimeout,
				ReadHeaderTimeout: 5 * time.Second,
				WriteTimeout:      cfg.Server.WriteTimeout,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func metricsPath(enabled bool, path string) string {
	if !enabled {
		return ""
	}
	return path
}

// listen serves until ctx is cancelled, then drains in-flight requests.
func listen(ctx context.Context, log logrus.FieldLogger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("portalguard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
