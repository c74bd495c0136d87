package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/axiom-crypto/blockhash-relayer/chain"
	"github.com/axiom-crypto/blockhash-relayer/config"
	"github.com/axiom-crypto/blockhash-relayer/indexer"
	"github.com/axiom-crypto/blockhash-relayer/signer"
	"github.com/axiom-crypto/blockhash-relayer/submitter"
	"github.com/axiom-crypto/blockhash-relayer/tracker"
	"github.com/axiom-crypto/blockhash-relayer/types"
)

const nodeHealthRetries = 5

// NewRootCmd returns the relayer command tree.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "relayer",
		Short:        "Relays block hash Merkle commitments to the commitment contract",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "file of KEY=value pairs loaded into the environment")
	flags.String("rpc", "", "Ethereum JSON-RPC endpoint (ETH_RPC_URL)")
	flags.String("contract", "", "commitment contract address (CONTRACT_ADDRESS)")
	flags.Uint64("chain-id", 0, "chain id transactions are signed for (CHAIN_ID)")
	flags.String("log-level", "", "zerolog level (LOG_LEVEL)")
	flags.Uint64("safety-margin", 0, "reject updates ending this many blocks behind the head (SAFETY_MARGIN)")
	bindFlags(v, flags, map[string]string{
		config.KeyEthRPCURL:    "rpc",
		config.KeyContract:     "contract",
		config.KeyChainID:      "chain-id",
		config.KeyLogLevel:     "log-level",
		config.KeySafetyMargin: "safety-margin",
	})

	rootCmd.AddCommand(newRecentCmd(v, &envFile), newHistoricalCmd(v, &envFile))
	return rootCmd
}

// bindFlags binds each config key to the named flag. Unset flags fall through
// to the environment and the defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

// app holds the collaborators shared by both commands.
type app struct {
	rpc       *rpc.Client
	tracker   *tracker.Tracker
	submitter *submitter.Submitter
	indexer   *indexer.Client
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	rpcClient, err := rpc.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.EthRPCURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	if err := chain.CheckNodeHealth(ctx, eth, nodeHealthRetries); err != nil {
		rpcClient.Close()
		return nil, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if chainID.Cmp(new(big.Int).SetUint64(cfg.ChainID)) != 0 {
		rpcClient.Close()
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "node is on chain %s, configured for %d", chainID, cfg.ChainID)
	}

	keySigner, err := signer.NewKeystoreSigner(cfg.KeystorePath, cfg.KeyPassword)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	if sender, ok := cfg.SenderAddress(); ok && sender != keySigner.Address() {
		rpcClient.Close()
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "keystore holds %s, not sender %s", keySigner.Address().Hex(), sender.Hex())
	}

	reader := chain.NewReader(eth, chain.ReaderConfig{
		Contract:    cfg.ContractAddress(),
		MaxLogRange: cfg.MaxLogRange,
		Logger:      log,
	})
	tr := tracker.New(reader, tracker.Config{
		Lookback:     cfg.Lookback,
		SafetyMargin: cfg.SafetyMargin,
		Logger:       log,
	})
	sub, err := submitter.New(eth, keySigner, submitter.Config{
		ChainID:        chainID,
		Contract:       cfg.ContractAddress(),
		ReceiptTimeout: cfg.ReceiptTimeout,
		Tracer:         submitter.NewRPCTracer(rpcClient),
		Logger:         log,
	})
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	idx := indexer.NewClient(indexer.Config{
		HTTPURL: cfg.IndexerHTTPURL,
		WSURL:   cfg.IndexerWSURL,
		Token:   cfg.JWTToken,
		ChainID: cfg.ChainID,
		Logger:  log,
	})

	log.Info().
		Str("sender", keySigner.Address().Hex()).
		Str("contract", cfg.ContractAddress().Hex()).
		Uint64("chain_id", cfg.ChainID).
		Msg("connected to ethereum node")
	return &app{rpc: rpcClient, tracker: tr, submitter: sub, indexer: idx}, nil
}

func (a *app) Close() {
	a.rpc.Close()
}
