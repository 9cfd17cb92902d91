// Package eventmonitor implements the Event Monitor (C5): a per-chain
// polling loop that turns raw chain-adapter reads into an ordered,
// reorg-tolerant event feed for the Coordinator.
package eventmonitor

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
	"github.com/1balancer/swap-orchestrator/pkg/retry"
)

const CodeChainConnectionFailed = chainadapter.CodeChainConnectionFailed

// Params configures a Monitor. Zero values fall back to the spec defaults.
type Params struct {
	TickInterval time.Duration
	WindowSize   uint64
	ReorgBuffer  uint64
	RetryPolicy  retry.Policy
}

func (p Params) withDefaults() Params {
	if p.TickInterval <= 0 {
		p.TickInterval = 5 * time.Second
	}
	if p.WindowSize <= 0 {
		p.WindowSize = 100
	}
	if p.ReorgBuffer <= 0 {
		p.ReorgBuffer = 10
	}
	if p.RetryPolicy == (retry.Policy{}) {
		p.RetryPolicy = retry.DefaultPolicy
	}
	return p
}

// ReorgNotice is emitted when a previously observed block's hash changes.
type ReorgNotice struct {
	Chain      string
	FromHeight uint64
}

// Delivery is one item on the multiplexed event feed: either a decoded
// chain event or a reorg notice, never both.
type Delivery struct {
	Event *chainadapter.Event
	Reorg *ReorgNotice
}

// Monitor polls a single chain adapter and writes deliveries, in chain
// order, to a shared output channel.
type Monitor struct {
	adapter chainadapter.Adapter
	params  Params
	out     chan<- Delivery
	log     *zap.SugaredLogger

	cursor     uint64
	seenHashes map[uint64]string
}

// New constructs a Monitor for adapter, starting its cursor at
// startHeight (typically the finalized height at session-store recovery
// time, or 0 on a cold start).
func New(adapter chainadapter.Adapter, startHeight uint64, params Params, out chan<- Delivery) *Monitor {
	return &Monitor{
		adapter:    adapter,
		params:     params.withDefaults(),
		out:        out,
		log:        zap.L().Sugar().Named("eventmonitor").With("chain", adapter.ChainTag()),
		cursor:     startHeight,
		seenHashes: make(map[uint64]string),
	}
}

// Cursor reports the last fully processed height.
func (m *Monitor) Cursor() uint64 {
	return m.cursor
}

// Run polls on params.TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.params.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.log.Warnw("tick failed", "error", err)
			}
		}
	}
}

// tick advances the cursor by at most params.WindowSize blocks, detecting
// reorgs against previously observed block hashes (spec §4.5).
func (m *Monitor) tick(ctx context.Context) error {
	var finalized uint64
	err := retry.Do(ctx, m.params.RetryPolicy, retry.AlwaysTransient, func(ctx context.Context) error {
		h, err := m.adapter.FinalizedHeight(ctx)
		finalized = h
		return err
	})
	if err != nil {
		return err
	}
	if finalized <= m.cursor {
		return nil
	}

	target := m.cursor + m.params.WindowSize
	if target > finalized {
		target = finalized
	}

	var events []chainadapter.Event
	err = retry.Do(ctx, m.params.RetryPolicy, retry.AlwaysTransient, func(ctx context.Context) error {
		got, err := m.adapter.GetLogs(ctx, m.cursor+1, target)
		events = got
		return err
	})
	if err != nil {
		return err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Height != events[j].Height {
			return events[i].Height < events[j].Height
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	for i := range events {
		ev := events[i]
		if priorHash, ok := m.seenHashes[ev.Height]; ok && priorHash != ev.BlockHash {
			m.handleReorg(ev.Height)
			return nil
		}
		m.seenHashes[ev.Height] = ev.BlockHash
		m.out <- Delivery{Event: &ev}
	}

	m.cursor = target
	m.pruneSeenHashes()
	return nil
}

// handleReorg rewinds the cursor to reorgBuffer blocks before the first
// divergent height and discards observations at or after it, so the next
// tick refetches the affected window.
func (m *Monitor) handleReorg(fromHeight uint64) {
	rewindTo := uint64(0)
	if fromHeight > m.params.ReorgBuffer {
		rewindTo = fromHeight - m.params.ReorgBuffer
	}
	m.cursor = rewindTo
	for height := range m.seenHashes {
		if height >= rewindTo {
			delete(m.seenHashes, height)
		}
	}
	m.out <- Delivery{Reorg: &ReorgNotice{Chain: m.adapter.ChainTag(), FromHeight: fromHeight}}
}

// pruneSeenHashes drops entries older than the reorg buffer window, since
// a reorg deeper than that can no longer be detected or acted on.
func (m *Monitor) pruneSeenHashes() {
	if m.cursor < m.params.ReorgBuffer {
		return
	}
	floor := m.cursor - m.params.ReorgBuffer
	for height := range m.seenHashes {
		if height < floor {
			delete(m.seenHashes, height)
		}
	}
}

// Multiplexer fans multiple per-chain Monitors into one ordered-per-chain,
// unordered-across-chains Delivery feed (spec §4.5 ordering guarantee).
type Multiplexer struct {
	monitors []*Monitor
	out      chan Delivery
}

// NewMultiplexer builds a Multiplexer over the given adapters. bufferSize
// bounds the shared channel; a full buffer applies backpressure to every
// monitor equally.
func NewMultiplexer(adapters []chainadapter.Adapter, startHeights map[string]uint64, params Params, bufferSize int) *Multiplexer {
	out := make(chan Delivery, bufferSize)
	mux := &Multiplexer{out: out}
	for _, a := range adapters {
		mux.monitors = append(mux.monitors, New(a, startHeights[a.ChainTag()], params, out))
	}
	return mux
}

// Events returns the shared delivery channel.
func (mux *Multiplexer) Events() <-chan Delivery {
	return mux.out
}

// Run starts every monitor's poll loop and blocks until ctx is cancelled
// or any monitor's loop returns a non-context error.
func (mux *Multiplexer) Run(ctx context.Context) error {
	errCh := make(chan error, len(mux.monitors))
	for _, m := range mux.monitors {
		m := m
		go func() {
			errCh <- m.Run(ctx)
		}()
	}
	for range mux.monitors {
		if err := <-errCh; err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			return err
		}
	}
	return nil
}
