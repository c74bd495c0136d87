// Package tracker derives the relayer's view of the last finalized block from
// the commitment contract's event log and checks candidate windows against
// the chain before anything is submitted.
package tracker

import (
	"context"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

const (
	// DefaultLookback matches the number of recent block hashes the contract
	// can verify, so any live update is at most this far behind the head.
	DefaultLookback = types.SafetyMargin
	// DefaultMaxRetries bounds retries of transient RPC failures.
	DefaultMaxRetries = 5
)

// ChainReader is the read-only view of the chain the tracker depends on.
type ChainReader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	ScanUpdateEvents(ctx context.Context, from, to uint64) ([]types.UpdateEvent, error)
}

// Config configures a Tracker.
type Config struct {
	Lookback     uint64
	SafetyMargin uint64
	MaxRetries   uint64
	// InitialInterval is the first backoff delay for transient errors.
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

// Tracker is the SyncStateTracker: it projects UpdateEvents into a Cursor and
// validates candidate windows. It holds no state of its own.
type Tracker struct {
	chain ChainReader
	cfg   Config
	log   zerolog.Logger
}

// New returns a Tracker reading from chain.
func New(chain ChainReader, cfg Config) *Tracker {
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = types.SafetyMargin
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	return &Tracker{
		chain: chain,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "tracker").Logger(),
	}
}

// SafetyMargin returns the reorg safety margin used by Reconcile.
func (t *Tracker) SafetyMargin() uint64 {
	return t.cfg.SafetyMargin
}

// CurrentHeight returns the chain head, retrying transient failures.
func (t *Tracker) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := t.retry(ctx, func() error {
		var err error
		height, err = t.chain.CurrentHeight(ctx)
		return err
	})
	return height, err
}

// ResolveLastFinalized finds the UpdateEvent that starts at start and returns
// the cursor it finalized. When several events compete for the same start the
// one included last in the chain wins. An event starting at start can only be
// included after start, so one scan of [start-Lookback, head] is enough.
func (t *Tracker) ResolveLastFinalized(ctx context.Context, start uint64) (types.Cursor, types.UpdateEvent, error) {
	height, err := t.CurrentHeight(ctx)
	if err != nil {
		return types.Cursor{}, types.UpdateEvent{}, err
	}
	from := saturatingSub(start, t.cfg.Lookback)

	events, err := t.scan(ctx, from, height)
	if err != nil {
		return types.Cursor{}, types.UpdateEvent{}, err
	}

	var (
		best  types.UpdateEvent
		found bool
	)
	for _, e := range events {
		if e.StartBlock != start {
			continue
		}
		if !found || e.After(best) {
			best, found = e, true
		}
	}
	if !found {
		return types.Cursor{}, types.UpdateEvent{}, errorsmod.Wrapf(types.ErrEventNotFound,
			"no existing UpdateEvent has startBlockNumber = %d in blocks [%d, %d]", start, from, height)
	}
	t.log.Info().
		Uint64("start", start).
		Uint64("num_final", best.NumFinal).
		Uint64("emitted_at", best.EmittedAt).
		Str("root", best.Root.Hex()).
		Msg("resolved finalized update event")
	return types.CursorFromEvent(best), best, nil
}

// Rederive rebuilds the recent-path cursor from the most recently included
// UpdateEvent in the lookback window. It never falls back to a guess.
func (t *Tracker) Rederive(ctx context.Context) (types.Cursor, error) {
	height, err := t.CurrentHeight(ctx)
	if err != nil {
		return types.Cursor{}, err
	}
	from := saturatingSub(height, t.cfg.Lookback)

	events, err := t.scan(ctx, from, height)
	if err != nil {
		return types.Cursor{}, err
	}
	if len(events) == 0 {
		return types.Cursor{}, errorsmod.Wrapf(types.ErrEventNotFound,
			"no UpdateEvent in blocks [%d, %d]; seed the cursor explicitly", from, height)
	}

	latest := events[0]
	for _, e := range events[1:] {
		if e.After(latest) {
			latest = e
		}
	}
	cursor := types.CursorFromEvent(latest)
	t.log.Info().
		Uint64("last_finalized", cursor.LastFinalized).
		Uint64("emitted_at", latest.EmittedAt).
		Msg("derived cursor from chain")
	return cursor, nil
}

// Reconcile checks a candidate window against the chain head. A window ending
// beyond the head means the relayer raced ahead of the chain. A window whose
// last block is at or before head - SafetyMargin has fallen out of the
// BLOCKHASH range the contract can read.
func (t *Tracker) Reconcile(window types.Window, height uint64) error {
	end := window.End()
	if end > height {
		return errorsmod.Wrapf(types.ErrAheadOfChain, "window %s ends beyond chain height %d", window, height)
	}
	// end is exclusive: the last block end-1 <= height-margin.
	if height >= t.cfg.SafetyMargin && end <= height-t.cfg.SafetyMargin+1 {
		return errorsmod.Wrapf(types.ErrStaleUpdate, "window %s last block is at or before %d (height %d, margin %d)",
			window, height-t.cfg.SafetyMargin, height, t.cfg.SafetyMargin)
	}
	return nil
}

// CheckContiguous rejects a window that would leave a gap or overlap with the
// last finalized block.
func (t *Tracker) CheckContiguous(cursor types.Cursor, window types.Window) error {
	if window.Start != cursor.LastFinalized {
		return errorsmod.Wrapf(types.ErrWindowGap, "window %s does not start at last finalized block %d", window, cursor.LastFinalized)
	}
	return nil
}

// Advance returns the cursor after window has been finalized on top of
// cursor. The contract computes the new root on-chain, so the result carries
// no root; callers holding the emitted UpdateEvent use CursorFromEvent.
func (t *Tracker) Advance(cursor types.Cursor, window types.Window) types.Cursor {
	if window.Start != cursor.LastFinalized {
		t.log.Warn().Uint64("cursor", cursor.LastFinalized).Stringer("window", window).Msg("advancing over a non-contiguous window")
	}
	return types.Cursor{LastFinalized: window.End()}
}

func (t *Tracker) scan(ctx context.Context, from, to uint64) ([]types.UpdateEvent, error) {
	var events []types.UpdateEvent
	err := t.retry(ctx, func() error {
		var err error
		events, err = t.chain.ScanUpdateEvents(ctx, from, to)
		return err
	})
	return events, err
}

// retry runs fn until it succeeds, fails with a non-transient error, or
// exhausts MaxRetries.
func (t *Tracker) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.cfg.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !types.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		t.log.Warn().Err(err).Dur("retry_in", wait).Msg("transient chain error")
	})
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
