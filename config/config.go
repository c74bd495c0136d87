// Package config loads the relayer configuration from the environment, an
// optional .env file and command line flags.
package config

import (
	"errors"
	"io/fs"
	"time"

	errorsmod "cosmossdk.io/errors"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// Config keys. Each is read from the upper-cased environment variable of the
// same name, e.g. ETH_RPC_URL.
const (
	KeyEthRPCURL      = "eth_rpc_url"
	KeyIndexerHTTPURL = "indexer_http_url"
	KeyIndexerWSURL   = "indexer_ws_url"
	KeyJWTToken       = "jwt_token"
	KeyContract       = "contract_address"
	KeySender         = "sender_address"
	KeyKeystorePath   = "keystore_path"
	KeyKeyPassword    = "key_passwd"
	KeyChainID        = "chain_id"
	KeyStatusAddr     = "status_addr"
	KeyLogLevel       = "log_level"
	KeySafetyMargin   = "safety_margin"
	KeyLookback       = "lookback"
	KeyMaxLogRange    = "max_log_range"
	KeyIdleTimeout    = "idle_timeout"
	KeyReceiptTimeout = "receipt_timeout"
	KeyMaxReconnects  = "max_reconnects"
	KeyCachePath      = "cache_path"
)

// DefaultContract is the mainnet commitment contract.
const DefaultContract = "0x09120eAED8e4cD86D85a616680151DAA653880F2"

// Config holds the application configuration.
type Config struct {
	EthRPCURL      string        `mapstructure:"eth_rpc_url"`
	IndexerHTTPURL string        `mapstructure:"indexer_http_url"`
	IndexerWSURL   string        `mapstructure:"indexer_ws_url"`
	JWTToken       string        `mapstructure:"jwt_token"`
	Contract       string        `mapstructure:"contract_address"`
	Sender         string        `mapstructure:"sender_address"`
	KeystorePath   string        `mapstructure:"keystore_path"`
	KeyPassword    string        `mapstructure:"key_passwd"`
	ChainID        uint64        `mapstructure:"chain_id"`
	StatusAddr     string        `mapstructure:"status_addr"`
	LogLevel       string        `mapstructure:"log_level"`
	SafetyMargin   uint64        `mapstructure:"safety_margin"`
	Lookback       uint64        `mapstructure:"lookback"`
	MaxLogRange    uint64        `mapstructure:"max_log_range"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
	MaxReconnects  uint64        `mapstructure:"max_reconnects"`
	CachePath      string        `mapstructure:"cache_path"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEthRPCURL, "http://localhost:8545")
	v.SetDefault(KeyIndexerHTTPURL, "")
	v.SetDefault(KeyIndexerWSURL, "")
	v.SetDefault(KeyJWTToken, "")
	v.SetDefault(KeyContract, DefaultContract)
	v.SetDefault(KeySender, "")
	v.SetDefault(KeyKeystorePath, "")
	v.SetDefault(KeyKeyPassword, "")
	v.SetDefault(KeyChainID, 1)
	v.SetDefault(KeyStatusAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeySafetyMargin, types.SafetyMargin)
	v.SetDefault(KeyLookback, types.SafetyMargin)
	v.SetDefault(KeyMaxLogRange, 2_000)
	v.SetDefault(KeyIdleTimeout, 30*time.Minute)
	v.SetDefault(KeyReceiptTimeout, 10*time.Minute)
	v.SetDefault(KeyMaxReconnects, 10)
	v.SetDefault(KeyCachePath, "blockhash_cache.db")
}

// Load reads envFiles (".env" when none are given) into the process
// environment, then resolves every key from flags bound on v, the environment
// and the defaults, in that order. Missing env files are ignored and never
// override variables that are already set.
func Load(v *viper.Viper, envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errorsmod.Wrapf(types.ErrInvalidConfig, "failed to load env file: %v", err)
	}
	SetDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsmod.Wrapf(types.ErrInvalidConfig, "%v", err)
	}
	return cfg, nil
}

// Validate checks the settings shared by every command.
func (c Config) Validate() error {
	if c.EthRPCURL == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "ETH_RPC_URL is required")
	}
	if !ethcommon.IsHexAddress(c.Contract) {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "invalid contract address %q", c.Contract)
	}
	if c.Sender != "" && !ethcommon.IsHexAddress(c.Sender) {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "invalid sender address %q", c.Sender)
	}
	if c.KeystorePath == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "KEYSTORE_PATH is required")
	}
	if c.ChainID == 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "CHAIN_ID must be positive")
	}
	if c.SafetyMargin == 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "SAFETY_MARGIN must be positive")
	}
	if c.Lookback == 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "LOOKBACK must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "invalid log level %q", c.LogLevel)
	}
	return nil
}

// ValidateRecent checks the settings of the recent-path service.
func (c Config) ValidateRecent() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IndexerWSURL == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "INDEXER_WS_URL is required")
	}
	return nil
}

// ValidateHistorical checks the settings of the historical command.
func (c Config) ValidateHistorical() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IndexerHTTPURL == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "INDEXER_HTTP_URL is required")
	}
	return nil
}

// ContractAddress returns the parsed contract address.
func (c Config) ContractAddress() ethcommon.Address {
	return ethcommon.HexToAddress(c.Contract)
}

// SenderAddress returns the configured sender, if any.
func (c Config) SenderAddress() (ethcommon.Address, bool) {
	if c.Sender == "" {
		return ethcommon.Address{}, false
	}
	return ethcommon.HexToAddress(c.Sender), true
}

// Level returns the parsed log level.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
