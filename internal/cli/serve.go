package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"followup/internal/api"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP bind address (default from config, :8080)")
	serveCmd.Flags().Bool("debug", false, "mount /debug/pprof")
	serveCmd.Flags().Bool("no-sweeper", false, "serve the API without the background sweeper")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.HTTP.Addr = serveAddr
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cfg.HTTP.Debug = true
		}
		if off, _ := cmd.Flags().GetBool("no-sweeper"); off {
			cfg.Sweeper.Enabled = false
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if n, err := a.engine.RecoverAbandoned(ctx, cfg.Sweeper.ClaimTimeout); err != nil {
			log.Warn().Err(err).Msg("recover abandoned tasks")
		} else if n > 0 {
			log.Info().Int("recovered", n).Msg("recovered abandoned executing tasks")
		}

		if cfg.Sequences.Watch && cfg.Sequences.Dir != "" {
			go func() {
				if err := a.registry.Watch(ctx, cfg.Sequences.Debounce); err != nil {
					log.Warn().Err(err).Msg("sequence hot reload disabled")
				}
			}()
		}

		if cfg.Sweeper.Enabled {
			if err := a.sweeper.Start(ctx, cfg.Sweeper.Interval); err != nil {
				return err
			}
		}

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewServerWithDebug(a.engine, a.sweeper, a.registry, cfg.HTTP.Debug),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
			log.Error().Err(serveErr).Msg("http server")
		}

		log.Info().Msg("shutting down")
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		_ = srv.Shutdown(ctxTimeout)
		if a.sweeper.Running() {
			_ = a.sweeper.Stop()
		}
		return serveErr
	},
}
