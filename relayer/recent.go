// Package relayer implements the two update protocols of the block-hash
// commitment contract: the long-running recent path that relays streamed
// proofs, and the one-shot historical backfill.
package relayer

import (
	"context"
	"errors"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/axiom-crypto/blockhash-relayer/chain"
	"github.com/axiom-crypto/blockhash-relayer/submitter"
	"github.com/axiom-crypto/blockhash-relayer/types"
)

const (
	// DefaultIdleTimeout is how long the stream may stay silent before it is
	// treated as stalled and resubscribed.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultMaxReconnects bounds consecutive reconnects without progress.
	DefaultMaxReconnects = 10
)

// State is the state of the recent-path protocol.
type State int32

const (
	StateAwaitingBatch State = iota
	StateValidating
	StateSubmitting
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingBatch:
		return "awaiting_batch"
	case StateValidating:
		return "validating"
	case StateSubmitting:
		return "submitting"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker is the view of the SyncStateTracker used by the recent path.
type Tracker interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	Rederive(ctx context.Context) (types.Cursor, error)
	Reconcile(window types.Window, height uint64) error
	CheckContiguous(cursor types.Cursor, window types.Window) error
	Advance(cursor types.Cursor, window types.Window) types.Cursor
}

// Submitter submits one contract call at a time.
type Submitter interface {
	Submit(ctx context.Context, call submitter.Call) (*ethtypes.Receipt, error)
}

// BatchSource streams proof batches whose End is greater than from.
type BatchSource interface {
	Subscribe(ctx context.Context, from uint64, sink chan<- types.ProofBatch) (ethereum.Subscription, error)
}

// Snapshot is a point-in-time view of the recent path for the status API.
type Snapshot struct {
	State         string `json:"state"`
	LastFinalized uint64 `json:"last_finalized"`
	Root          string `json:"root,omitempty"`
	LastTx        string `json:"last_tx,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RecentConfig configures a Recent protocol.
type RecentConfig struct {
	// Seed is used as the starting cursor on first start instead of deriving
	// it from the chain.
	Seed              *types.Cursor
	IdleTimeout       time.Duration
	MaxReconnects     uint64
	ReconnectInterval time.Duration
	Metrics           *Metrics
	Logger            zerolog.Logger
}

// Recent is the RecentUpdateProtocol state machine. It owns the cursor and
// handles one batch at a time.
type Recent struct {
	tracker   Tracker
	submitter Submitter
	source    BatchSource
	cfg       RecentConfig
	metrics   *Metrics
	log       zerolog.Logger

	mu          sync.RWMutex
	state       State
	cursor      types.Cursor
	initialized bool
	// seeded is true while the cursor is the operator seed and nothing has
	// been submitted on top of it.
	seeded  bool
	lastTx  string
	lastErr error
}

// NewRecent returns a Recent protocol in StateAwaitingBatch.
func NewRecent(tracker Tracker, sub Submitter, source BatchSource, cfg RecentConfig) *Recent {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = time.Second
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Recent{
		tracker:   tracker,
		submitter: sub,
		source:    source,
		cfg:       cfg,
		metrics:   metrics,
		log:       cfg.Logger.With().Str("component", "recent").Logger(),
	}
}

// State returns the current protocol state.
func (r *Recent) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Cursor returns the current cursor.
func (r *Recent) Cursor() types.Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// Snapshot returns the status of the protocol.
func (r *Recent) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		State:         r.state.String(),
		LastFinalized: r.cursor.LastFinalized,
		LastTx:        r.lastTx,
	}
	if r.cursor.HasRoot {
		s.Root = r.cursor.Root.Hex()
	}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	return s
}

// Init sets the starting cursor: the operator seed on first start, otherwise
// the cursor re-derived from the chain.
func (r *Recent) Init(ctx context.Context) error {
	r.mu.Lock()
	first := !r.initialized
	r.mu.Unlock()

	if first && r.cfg.Seed != nil {
		r.log.Info().Uint64("cursor", r.cfg.Seed.LastFinalized).Msg("starting from operator seed")
		r.setCursor(*r.cfg.Seed, true)
		return nil
	}
	return r.resync(ctx)
}

// resync replaces the cursor with one derived from the chain. A seeded
// cursor nothing was submitted on top of has no event to derive from yet and
// is kept.
func (r *Recent) resync(ctx context.Context) error {
	cursor, err := r.tracker.Rederive(ctx)
	if err != nil {
		r.mu.RLock()
		seeded := r.seeded
		r.mu.RUnlock()
		if seeded && errors.Is(err, types.ErrEventNotFound) {
			r.log.Info().Uint64("cursor", r.Cursor().LastFinalized).Msg("no update event yet, keeping operator seed")
			return nil
		}
		return err
	}
	r.setCursor(cursor, false)
	return nil
}

// Handle validates batch against the cursor and the chain and submits it.
// Batches at or behind the cursor are discarded. Transient errors leave the
// protocol in StateAwaitingBatch; every other error moves it to StateFailed.
func (r *Recent) Handle(ctx context.Context, batch types.ProofBatch) error {
	if r.State() == StateFailed {
		return errorsmod.Wrap(types.ErrHalted, "recent protocol has failed")
	}

	cursor := r.Cursor()
	window := batch.Window()
	log := r.log.With().Uint64("start", batch.Start).Uint64("end", batch.End).Logger()

	if batch.End <= cursor.LastFinalized {
		log.Debug().Uint64("cursor", cursor.LastFinalized).Msg("discarding already finalized batch")
		r.metrics.Discarded.Inc()
		return nil
	}

	r.setState(StateValidating)
	if err := r.tracker.CheckContiguous(cursor, window); err != nil {
		return r.fail(err)
	}
	height, err := r.tracker.CurrentHeight(ctx)
	if err != nil {
		return r.abort(err)
	}
	if err := r.tracker.Reconcile(window, height); err != nil {
		return r.fail(err)
	}
	data, err := chain.PackUpdateRecent(batch.Calldata)
	if err != nil {
		return r.fail(err)
	}

	r.setState(StateSubmitting)
	log.Info().Uint64("height", height).Msg("submitting recent update")
	receipt, err := r.submitter.Submit(ctx, submitter.Call{Kind: submitter.KindRecent, Data: data})
	r.metrics.Submissions.WithLabelValues(string(submitter.KindRecent), submissionOutcome(err)).Inc()
	if err != nil {
		return r.abort(err)
	}

	next := r.tracker.Advance(cursor, window)
	if event, ok := updateEventIn(receipt, window); ok {
		next = types.CursorFromEvent(event)
	}

	r.mu.Lock()
	r.cursor = next
	r.seeded = false
	r.lastTx = receipt.TxHash.Hex()
	r.mu.Unlock()
	r.metrics.LastFinalized.Set(float64(window.End()))
	r.setState(StateConfirmed)
	log.Info().Str("tx", receipt.TxHash.Hex()).Msg("successfully sent recent update")

	r.setState(StateAwaitingBatch)
	return nil
}

// Run drives the protocol until ctx is cancelled or it fails. Stream errors
// and stalls are recovered by re-deriving the cursor and resubscribing with
// backoff; more than MaxReconnects consecutive failures are fatal.
func (r *Recent) Run(ctx context.Context) error {
	if err := r.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(err)
	}
	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ReconnectInterval
	b.MaxElapsedTime = 0

	var failures uint64
	for {
		progressed, err := r.stream(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case r.State() == StateFailed:
			return err
		case types.IsFatal(err):
			return r.fail(err)
		}
		if progressed {
			failures = 0
			b.Reset()
		}

		for {
			failures++
			if failures > r.cfg.MaxReconnects {
				return r.fail(errorsmod.Wrapf(types.ErrHalted, "%d consecutive stream failures, last: %v", failures-1, err))
			}
			wait := b.NextBackOff()
			r.log.Warn().Err(err).Uint64("attempt", failures).Dur("retry_in", wait).Msg("calldata stream interrupted, resubscribing")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			if err = r.resync(ctx); err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if types.IsFatal(err) {
				return r.fail(err)
			}
		}
	}
}

// stream subscribes from the cursor and handles batches until the stream
// ends, stalls or a batch fails. progressed reports whether any batch was
// submitted.
func (r *Recent) stream(ctx context.Context) (progressed bool, err error) {
	batches := make(chan types.ProofBatch)
	sub, err := r.source.Subscribe(ctx, r.Cursor().LastFinalized, batches)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()
	r.setState(StateAwaitingBatch)

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return progressed, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errorsmod.Wrap(types.ErrStreamClosed, "subscription ended")
			}
			return progressed, err
		case <-idle.C:
			return progressed, errorsmod.Wrapf(types.ErrStreamClosed, "no batch received for %s", r.cfg.IdleTimeout)
		case batch := <-batches:
			before := r.Cursor().LastFinalized
			if err := r.Handle(ctx, batch); err != nil {
				return progressed, err
			}
			if r.Cursor().LastFinalized != before {
				progressed = true
			}
			idle.Reset(r.cfg.IdleTimeout)
		}
	}
}

// updateEventIn returns the UpdateEvent for window emitted by receipt.
func updateEventIn(receipt *ethtypes.Receipt, window types.Window) (types.UpdateEvent, bool) {
	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		event, err := chain.ParseUpdateEvent(*log)
		if err != nil {
			continue
		}
		if event.Window() == window {
			return event, true
		}
	}
	return types.UpdateEvent{}, false
}

func (r *Recent) setCursor(cursor types.Cursor, seeded bool) {
	r.mu.Lock()
	r.cursor = cursor
	r.seeded = seeded
	r.mu.Unlock()
	r.metrics.LastFinalized.Set(float64(cursor.LastFinalized))
}

func (r *Recent) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.metrics.State.Set(float64(s))
}

// abort returns a recoverable error to the caller without leaving the
// protocol; fatal errors fail it.
func (r *Recent) abort(err error) error {
	if types.IsFatal(err) {
		return r.fail(err)
	}
	r.setState(StateAwaitingBatch)
	return err
}

func (r *Recent) fail(err error) error {
	r.mu.Lock()
	r.state = StateFailed
	r.lastErr = err
	cursor := r.cursor.LastFinalized
	r.mu.Unlock()
	r.metrics.State.Set(float64(StateFailed))
	r.log.Error().Err(err).Uint64("cursor", cursor).Msg("ALERT! recent updater halted, operator intervention required")
	return err
}
