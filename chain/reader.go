// Package chain reads the commitment contract's state from an EVM node.
package chain

import (
	"context"
	"math/big"
	"sort"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

// DefaultMaxLogRange is the widest block range requested in one eth_getLogs
// call. Providers silently cap or reject wider queries.
const DefaultMaxLogRange = 2_000

// Client is the subset of *ethclient.Client the reader needs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	Contract    ethcommon.Address
	MaxLogRange uint64
	Logger      zerolog.Logger
}

// Reader reads the chain head and UpdateEvents of the commitment contract. It
// has no side effects.
type Reader struct {
	client      Client
	contract    ethcommon.Address
	maxLogRange uint64
	log         zerolog.Logger
}

// NewReader returns a Reader for the contract at cfg.Contract.
func NewReader(client Client, cfg ReaderConfig) *Reader {
	maxRange := cfg.MaxLogRange
	if maxRange == 0 {
		maxRange = DefaultMaxLogRange
	}
	return &Reader{
		client:      client,
		contract:    cfg.Contract,
		maxLogRange: maxRange,
		log:         cfg.Logger.With().Str("component", "chain-reader").Logger(),
	}
}

// CurrentHeight returns the latest block number.
func (r *Reader) CurrentHeight(ctx context.Context) (uint64, error) {
	height, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, errorsmod.Wrapf(types.ErrTransient, "failed to get block number: %v", err)
	}
	return height, nil
}

// ScanUpdateEvents returns every UpdateEvent emitted in [from, to], in chain
// inclusion order. The range is queried in pages of at most MaxLogRange
// blocks so that no provider-side truncation can drop an event. An empty
// result is not an error.
func (r *Reader) ScanUpdateEvents(ctx context.Context, from, to uint64) ([]types.UpdateEvent, error) {
	if from > to {
		return nil, nil
	}

	var events []types.UpdateEvent
	for start := from; start <= to; {
		end := start + r.maxLogRange - 1
		if end > to || end < start {
			end = to
		}

		logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []ethcommon.Address{r.contract},
			Topics:    [][]ethcommon.Hash{{UpdateEventID}},
		})
		if err != nil {
			return nil, errorsmod.Wrapf(types.ErrTransient, "failed to filter logs in [%d, %d]: %v", start, end, err)
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			event, err := ParseUpdateEvent(l)
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
		r.log.Debug().Uint64("from", start).Uint64("to", end).Int("logs", len(logs)).Msg("scanned update events")

		if end == to {
			break
		}
		start = end + 1
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[j].After(events[i])
	})
	return events, nil
}
