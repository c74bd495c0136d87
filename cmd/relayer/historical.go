package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/axiom-crypto/blockhash-relayer/config"
	"github.com/axiom-crypto/blockhash-relayer/indexer"
	"github.com/axiom-crypto/blockhash-relayer/relayer"
)

const confirmAnswer = "Yes"

func newHistoricalCmd(v *viper.Viper, envFile *string) *cobra.Command {
	var (
		prevNum uint64
		dryRun  bool
		yes     bool
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "historical",
		Short: "Commit the 131072 blocks before --prev-num with updateHistorical",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *envFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateHistorical(); err != nil {
				return err
			}
			log := newLogger(cfg.Level())
			out := cmd.OutOrStdout()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var source relayer.HistoricalSource = a.indexer
			if !noCache && cfg.CachePath != "" {
				cache, err := indexer.OpenCache(cfg.CachePath)
				if err != nil {
					return err
				}
				defer cache.Close()
				source = indexer.NewCachingSource(a.indexer, cache, log)
			}

			historical := relayer.NewHistorical(a.tracker, source, a.submitter, relayer.HistoricalConfig{
				Metrics: relayer.NewMetrics(prometheus.NewRegistry()),
				Logger:  log,
			})
			payload, err := historical.Prepare(ctx, prevNum)
			if err != nil {
				return err
			}
			printPayload(out, payload)
			if dryRun {
				return nil
			}
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), out)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			receipt, err := historical.Submit(ctx, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Updated historical blocks %d to %d in tx %s\n",
				payload.Window.Start, payload.Window.End()-1, receipt.TxHash.Hex())
			return nil
		},
	}

	cmd.Flags().Uint64Var(&prevNum, "prev-num", 0, "start block of an existing commitment; must be a multiple of 131072")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the call without submitting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "submit without asking for confirmation")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "always query block hashes from the indexer")
	cmd.Flags().String("cache-path", "", "bbolt file caching block hashes (CACHE_PATH)")
	if err := cmd.MarkFlagRequired("prev-num"); err != nil {
		panic(err)
	}
	bindFlags(v, cmd.Flags(), map[string]string{
		config.KeyCachePath: "cache-path",
	})
	return cmd
}

func printPayload(w io.Writer, p *relayer.HistoricalPayload) {
	fmt.Fprintf(w, "updateHistorical for blocks [%d, %d)\n", p.Window.Start, p.Window.End())
	fmt.Fprintf(w, "  event:          block %d tx %s\n", p.Event.EmittedAt, p.Event.TxHash.Hex())
	fmt.Fprintf(w, "  next root:      %s\n", p.NextRoot.Hex())
	fmt.Fprintf(w, "  next num final: %d\n", p.NextNumFinal)
	fmt.Fprintf(w, "  chunk roots:    %d\n", len(p.Roots))
	for i, root := range p.Roots {
		fmt.Fprintf(w, "    [%3d] %s\n", i, root.Hex())
	}
	fmt.Fprintf(w, "  proof data:     %d bytes\n", len(p.ProofData))
	fmt.Fprintf(w, "  calldata:       %d bytes\n", len(p.Data))
}

// confirm asks for an exact "Yes" before an expensive transaction.
func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprintln(out, "WARNING: updateHistorical is a very expensive transaction.")
	fmt.Fprint(out, "Confirm (Yes/no): ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.TrimSpace(line) == confirmAnswer, nil
}
