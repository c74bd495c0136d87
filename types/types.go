package types

import (
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	// InitialDepth is the aggregation depth of the live calldata stream.
	InitialDepth = 7
	// MaxDepth is the depth of each root the contract stores per chunk.
	MaxDepth = 10
	// HistoricalDepth is the depth of a full historical backfill.
	HistoricalDepth = 17
	// HistoricalNumLeaves is the number of block hashes covered by one
	// historical update.
	HistoricalNumLeaves = 1 << HistoricalDepth
	// SafetyMargin is the number of most recent blocks whose hashes are
	// available to the contract. Updates ending further back are rejected.
	SafetyMargin = 256
)

// Window is the half-open block range [Start, Start+Length).
type Window struct {
	Start  uint64
	Length uint64
}

// End returns the first block number after the window.
func (w Window) End() uint64 {
	return w.Start + w.Length
}

// Contiguous reports whether next begins exactly where w ends.
func (w Window) Contiguous(next Window) bool {
	return next.Start == w.End()
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d)", w.Start, w.End())
}

// UpdateEvent is a decoded UpdateEvent log emitted by the commitment contract.
type UpdateEvent struct {
	StartBlock uint64
	NumFinal   uint64
	PrevHash   ethcommon.Hash
	Root       ethcommon.Hash
	// EmittedAt is the number of the block that included the event.
	EmittedAt uint64
	LogIndex  uint
	TxHash    ethcommon.Hash
}

// Window returns the block range finalized by the event.
func (e UpdateEvent) Window() Window {
	return Window{Start: e.StartBlock, Length: e.NumFinal}
}

// After reports whether e was included in the chain after other.
func (e UpdateEvent) After(other UpdateEvent) bool {
	if e.EmittedAt != other.EmittedAt {
		return e.EmittedAt > other.EmittedAt
	}
	return e.LogIndex > other.LogIndex
}

// Cursor is the relayer's derived view of the contract. It is recomputed from
// UpdateEvents and never persisted.
type Cursor struct {
	// LastFinalized is the first block number not yet committed on-chain.
	LastFinalized uint64
	Root          ethcommon.Hash
	HasRoot       bool
}

// CursorFromEvent returns the cursor implied by a finalized event.
func CursorFromEvent(e UpdateEvent) Cursor {
	return Cursor{
		LastFinalized: e.Window().End(),
		Root:          e.Root,
		HasRoot:       true,
	}
}

// ProofBatch is one block-header proof delivered by the indexer stream. End is
// exclusive.
type ProofBatch struct {
	Start    uint64
	End      uint64
	Calldata []byte
}

// Window returns the block range proven by the batch.
func (b ProofBatch) Window() Window {
	if b.End < b.Start {
		return Window{Start: b.Start}
	}
	return Window{Start: b.Start, Length: b.End - b.Start}
}
