package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/axiom-crypto/blockhash-relayer/config"
	"github.com/axiom-crypto/blockhash-relayer/relayer"
	"github.com/axiom-crypto/blockhash-relayer/status"
	"github.com/axiom-crypto/blockhash-relayer/types"
)

func newRecentCmd(v *viper.Viper, envFile *string) *cobra.Command {
	var latest uint64

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Stream block header proofs from the indexer and submit updateRecent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *envFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRecent(); err != nil {
				return err
			}
			log := newLogger(cfg.Level())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			recentCfg := relayer.RecentConfig{
				IdleTimeout:   cfg.IdleTimeout,
				MaxReconnects: cfg.MaxReconnects,
				Metrics:       relayer.NewMetrics(reg),
				Logger:        log,
			}
			if cmd.Flags().Changed("latest") {
				// --latest names the last committed block; the cursor is exclusive.
				recentCfg.Seed = &types.Cursor{LastFinalized: latest + 1}
				log.Info().Uint64("last_finalized", latest+1).Msg("seeding cursor from --latest")
			}
			recent := relayer.NewRecent(a.tracker, a.submitter, a.indexer, recentCfg)

			srv := status.NewServer(status.Config{Addr: cfg.StatusAddr, Logger: log}, recent, reg)
			go func() {
				if err := srv.Run(ctx); err != nil {
					log.Error().Err(err).Msg("status server stopped")
				}
			}()

			err = recent.Run(ctx)
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("shutting down")
				return nil
			}
			return err
		},
	}

	cmd.Flags().Uint64Var(&latest, "latest", 0, "last block already committed on-chain; skips deriving the starting cursor")
	cmd.Flags().String("status-addr", "", "listen address of the health, status and metrics server (STATUS_ADDR)")
	cmd.Flags().Duration("idle-timeout", 0, "resubscribe when the stream is silent this long (IDLE_TIMEOUT)")
	cmd.Flags().Uint64("max-reconnects", 0, "consecutive failed subscriptions before halting (MAX_RECONNECTS)")
	bindFlags(v, cmd.Flags(), map[string]string{
		config.KeyStatusAddr:    "status-addr",
		config.KeyIdleTimeout:   "idle-timeout",
		config.KeyMaxReconnects: "max-reconnects",
	})
	return cmd
}
