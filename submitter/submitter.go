// Package submitter builds, signs, broadcasts and confirms calls to the
// commitment contract, one at a time.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/types"
	"github.com/axiom-crypto/blockhash-relayer/utils"
)

const (
	// RecentGasLimit is the gas limit of an updateRecent call.
	RecentGasLimit = 500_000
	// HistoricalGasLimit is the gas limit of an updateHistorical call, which
	// writes far more contract state.
	HistoricalGasLimit = 5_000_000
	// DefaultReceiptTimeout bounds the wait for a receipt.
	DefaultReceiptTimeout = 10 * time.Minute
	// DefaultPollInterval is how often the receipt is polled.
	DefaultPollInterval = 2 * time.Second
)

// DefaultPriorityFee is the fixed tip paid per gas.
var DefaultPriorityFee = big.NewInt(3 * params.GWei)

// Kind identifies the contract call being submitted.
type Kind string

const (
	KindRecent     Kind = "recent"
	KindHistorical Kind = "historical"
)

// Call is an encoded contract call.
type Call struct {
	Kind Kind
	Data []byte
}

// Backend is the subset of *ethclient.Client used to submit transactions.
type Backend interface {
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (tx *ethtypes.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*ethtypes.Receipt, error)
}

// Signer signs transactions on behalf of Address. The submitter only ever
// refers to the key through this interface.
type Signer interface {
	Address() ethcommon.Address
	SignTx(ctx context.Context, tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)
}

// Config configures a Submitter.
type Config struct {
	ChainID        *big.Int
	Contract       ethcommon.Address
	PriorityFee    *big.Int
	GasLimits      map[Kind]uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	// Tracer, when set, is asked for a trace of reverted transactions.
	Tracer Tracer
	Logger zerolog.Logger
}

// Submitter is the TransactionSubmitter. Only one submission is in flight at
// a time: the nonce lookup, broadcast and confirmation run under one lock.
type Submitter struct {
	backend Backend
	signer  Signer
	cfg     Config
	log     zerolog.Logger

	mu sync.Mutex
}

// New returns a Submitter sending from signer.Address() to cfg.Contract.
func New(backend Backend, signer Signer, cfg Config) (*Submitter, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errorsmod.Wrap(types.ErrInvalidConfig, "chain id must be positive")
	}
	if cfg.Contract == (ethcommon.Address{}) {
		return nil, errorsmod.Wrap(types.ErrInvalidConfig, "contract address is required")
	}
	if cfg.PriorityFee == nil {
		cfg.PriorityFee = DefaultPriorityFee
	}
	limits := map[Kind]uint64{
		KindRecent:     RecentGasLimit,
		KindHistorical: HistoricalGasLimit,
	}
	for kind, limit := range cfg.GasLimits {
		limits[kind] = limit
	}
	cfg.GasLimits = limits
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Submitter{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "submitter").Str("sender", signer.Address().Hex()).Logger(),
	}, nil
}

// Submit sends call and blocks until its receipt is available. A receipt
// with failed status is returned together with ErrTransactionReverted; the
// caller decides what that means.
func (s *Submitter) Submit(ctx context.Context, call Call) (*ethtypes.Receipt, error) {
	gasLimit, ok := s.cfg.GasLimits[call.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown call kind %q", call.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.buildTx(ctx, gasLimit, call.Data)
	if err != nil {
		return nil, err
	}
	signed, err := s.signer.SignTx(ctx, tx, s.cfg.ChainID)
	if err != nil {
		return nil, err
	}

	log := s.log.With().Str("kind", string(call.Kind)).Str("tx", signed.Hash().Hex()).Uint64("nonce", signed.Nonce()).Logger()
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		if err := s.checkBroadcast(ctx, signed, err); err != nil {
			return nil, err
		}
		log.Warn().Err(err).Msg("send failed but the node knows the transaction")
	}
	log.Info().Uint64("gas", gasLimit).Msg("transaction broadcast, waiting for receipt")

	receipt, err := s.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		log.Error().Uint64("block", receipt.BlockNumber.Uint64()).Uint64("gas_used", receipt.GasUsed).Msg("transaction failed")
		s.traceRevert(ctx, log, signed.Hash())
		return receipt, errorsmod.Wrapf(types.ErrTransactionReverted, "tx %s in block %d", signed.Hash().Hex(), receipt.BlockNumber.Uint64())
	}

	log.Info().Uint64("block", receipt.BlockNumber.Uint64()).Uint64("gas_used", receipt.GasUsed).Msg("transaction confirmed")
	return receipt, nil
}

// checkBroadcast decides what a failed send means. The node may have accepted
// the transaction before the error (a timeout after acceptance, "already
// known"), and rebuilding the call at the next nonce would submit it twice.
// It returns nil when the node knows the transaction, ErrTransient when the
// nonce is provably unused and ErrAmbiguousBroadcast otherwise.
func (s *Submitter) checkBroadcast(ctx context.Context, signed *ethtypes.Transaction, sendErr error) error {
	hash := signed.Hash()
	_, _, err := s.backend.TransactionByHash(ctx, hash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return errorsmod.Wrapf(types.ErrAmbiguousBroadcast, "send of %s failed (%v) and lookup failed: %v", hash.Hex(), sendErr, err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return errorsmod.Wrapf(types.ErrAmbiguousBroadcast, "send of %s failed (%v) and nonce lookup failed: %v", hash.Hex(), sendErr, err)
	}
	if nonce > signed.Nonce() {
		return errorsmod.Wrapf(types.ErrAmbiguousBroadcast, "send of %s failed (%v) but nonce %d was consumed", hash.Hex(), sendErr, signed.Nonce())
	}
	return errorsmod.Wrapf(types.ErrTransient, "failed to send transaction: %v", sendErr)
}

func (s *Submitter) buildTx(ctx context.Context, gasLimit uint64, data []byte) (*ethtypes.Transaction, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransient, "failed to get nonce: %v", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransient, "failed to get latest header: %v", err)
	}

	tip := new(big.Int).Set(s.cfg.PriorityFee)
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := s.cfg.Contract
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	}), nil
}

func (s *Submitter) waitForReceipt(ctx context.Context, hash ethcommon.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := utils.WaitForCondition(ctx, s.cfg.ReceiptTimeout, s.cfg.PollInterval, func() (bool, error) {
		r, err := s.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				s.log.Warn().Err(err).Str("tx", hash.Hex()).Msg("failed to fetch receipt")
			}
			return false, nil
		}
		receipt = r
		return receipt != nil, nil
	})
	if errors.Is(err, utils.ErrConditionTimeout) {
		return nil, errorsmod.Wrapf(types.ErrConfirmationTimeout, "tx %s: %v", hash.Hex(), err)
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Submitter) traceRevert(ctx context.Context, log zerolog.Logger, hash ethcommon.Hash) {
	if s.cfg.Tracer == nil {
		return
	}
	trace, err := s.cfg.Tracer.TraceTransaction(ctx, hash)
	if err != nil {
		log.Warn().Err(err).Msg("failed to trace reverted transaction")
		return
	}
	log.Error().RawJSON("trace", trace).Msg("reverted transaction trace")
}
