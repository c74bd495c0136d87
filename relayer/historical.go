package relayer

import (
	"context"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/chain"
	"github.com/axiom-crypto/blockhash-relayer/merkle"
	"github.com/axiom-crypto/blockhash-relayer/submitter"
	"github.com/axiom-crypto/blockhash-relayer/types"
)

// EventResolver finds the finalized UpdateEvent starting at a block.
type EventResolver interface {
	ResolveLastFinalized(ctx context.Context, start uint64) (types.Cursor, types.UpdateEvent, error)
}

// HistoricalSource is the indexer query surface used by the historical path.
type HistoricalSource interface {
	BlockHashes(ctx context.Context, start, stop uint64) ([]ethcommon.Hash, error)
	CalldataFor(ctx context.Context, start, endInclusive, initialDepth, maxDepth uint64) ([]byte, bool, error)
}

// HistoricalConfig configures a Historical protocol.
type HistoricalConfig struct {
	Metrics *Metrics
	Logger  zerolog.Logger
}

// HistoricalPayload is the fully computed updateHistorical call for the
// window ending at PrevNum. Prepare returns it without submitting so it can be
// inspected first.
type HistoricalPayload struct {
	PrevNum uint64
	// Window is the range of blocks committed, [PrevNum-N, PrevNum).
	Window types.Window
	// Event is the finalized update starting at PrevNum.
	Event        types.UpdateEvent
	NextRoot     ethcommon.Hash
	NextNumFinal uint64
	// Roots are the per-chunk roots at MaxDepth, in block order.
	Roots     []ethcommon.Hash
	ProofData []byte
	// Data is the encoded contract call.
	Data []byte
}

// Historical is the one-shot HistoricalUpdateProtocol.
type Historical struct {
	resolver  EventResolver
	source    HistoricalSource
	submitter Submitter
	metrics   *Metrics
	log       zerolog.Logger
}

// NewHistorical returns a Historical protocol.
func NewHistorical(resolver EventResolver, source HistoricalSource, sub Submitter, cfg HistoricalConfig) *Historical {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Historical{
		resolver:  resolver,
		source:    source,
		submitter: sub,
		metrics:   metrics,
		log:       cfg.Logger.With().Str("component", "historical").Logger(),
	}
}

// Prepare computes the updateHistorical call committing the
// HistoricalNumLeaves blocks before prevNum. It never submits.
func (h *Historical) Prepare(ctx context.Context, prevNum uint64) (*HistoricalPayload, error) {
	const numLeaves = types.HistoricalNumLeaves
	if prevNum < numLeaves {
		return nil, fmt.Errorf("prev num %d is below the historical window size %d", prevNum, numLeaves)
	}
	window := types.Window{Start: prevNum - numLeaves, Length: numLeaves}
	log := h.log.With().Uint64("prev_num", prevNum).Stringer("window", window).Logger()

	_, event, err := h.resolver.ResolveLastFinalized(ctx, prevNum)
	if err != nil {
		return nil, err
	}

	hashes, err := h.source.BlockHashes(ctx, window.Start, window.End())
	if err != nil {
		return nil, err
	}
	if uint64(len(hashes)) != numLeaves {
		return nil, errorsmod.Wrapf(types.ErrIncompleteLeaves, "got %d of %d block hashes for %s", len(hashes), numLeaves, window)
	}

	roots, err := merkle.ChunkRoots(hashes, types.MaxDepth)
	if err != nil {
		return nil, err
	}
	log.Info().Int("roots", len(roots)).Msg("computed chunk roots")

	proofData, ok, err := h.source.CalldataFor(ctx, window.Start, window.End()-1, types.InitialDepth, types.HistoricalDepth)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrCalldataMissing, "no depth %d proof for %s", types.HistoricalDepth, window)
	}

	data, err := chain.PackUpdateHistorical(event.Root, event.NumFinal, roots, proofData)
	if err != nil {
		return nil, err
	}

	return &HistoricalPayload{
		PrevNum:      prevNum,
		Window:       window,
		Event:        event,
		NextRoot:     event.Root,
		NextNumFinal: event.NumFinal,
		Roots:        roots,
		ProofData:    proofData,
		Data:         data,
	}, nil
}

// Submit sends a prepared payload. A reverted transaction is returned as
// ErrTransactionReverted and must not be retried blindly.
func (h *Historical) Submit(ctx context.Context, p *HistoricalPayload) (*ethtypes.Receipt, error) {
	log := h.log.With().Uint64("prev_num", p.PrevNum).Stringer("window", p.Window).Logger()
	log.Info().Msg("submitting historical update")

	receipt, err := h.submitter.Submit(ctx, submitter.Call{Kind: submitter.KindHistorical, Data: p.Data})
	h.metrics.Submissions.WithLabelValues(string(submitter.KindHistorical), submissionOutcome(err)).Inc()
	if err != nil {
		log.Error().Err(err).Msg("ALERT! historical update failed")
		return receipt, err
	}
	log.Info().Str("tx", receipt.TxHash.Hex()).Msg("successfully updated historical blocks")
	return receipt, nil
}
