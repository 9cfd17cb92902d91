package eventmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
)

type fakeAdapter struct {
	tag       string
	finalized uint64
	logs      map[[2]uint64][]chainadapter.Event
}

func (f *fakeAdapter) ChainTag() string { return f.tag }
func (f *fakeAdapter) CurrentHeight(context.Context) (uint64, error) {
	return f.finalized, nil
}
func (f *fakeAdapter) FinalizedHeight(context.Context) (uint64, error) {
	return f.finalized, nil
}
func (f *fakeAdapter) GetLogs(_ context.Context, from, to uint64) ([]chainadapter.Event, error) {
	return f.logs[[2]uint64{from, to}], nil
}
func (f *fakeAdapter) TxStatus(context.Context, chainadapter.TxRef) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}
func (f *fakeAdapter) LockSource(context.Context, chainadapter.LockRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}
func (f *fakeAdapter) LockDestination(context.Context, chainadapter.LockRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}
func (f *fakeAdapter) Reveal(context.Context, chainadapter.RevealRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}
func (f *fakeAdapter) Refund(context.Context, chainadapter.RefundRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}

func TestTickDeliversEventsInOrder(t *testing.T) {
	adapter := &fakeAdapter{
		tag:       "ethereum",
		finalized: 10,
		logs: map[[2]uint64][]chainadapter.Event{
			{1, 10}: {
				{Height: 5, LogIndex: 1, BlockHash: "h5"},
				{Height: 3, LogIndex: 0, BlockHash: "h3"},
				{Height: 5, LogIndex: 0, BlockHash: "h5"},
			},
		},
	}
	out := make(chan Delivery, 10)
	m := New(adapter, 0, Params{WindowSize: 100}, out)

	err := m.tick(context.Background())
	require.NoError(t, err)
	close(out)

	var heights []uint64
	var logIdx []uint32
	for d := range out {
		require.NotNil(t, d.Event)
		heights = append(heights, d.Event.Height)
		logIdx = append(logIdx, d.Event.LogIndex)
	}
	assert.Equal(t, []uint64{3, 5, 5}, heights)
	assert.Equal(t, []uint32{0, 0, 1}, logIdx)
	assert.Equal(t, uint64(10), m.Cursor())
}

func TestTickNoOpWhenFinalizedBehindCursor(t *testing.T) {
	adapter := &fakeAdapter{tag: "ethereum", finalized: 5}
	out := make(chan Delivery, 1)
	m := New(adapter, 5, Params{}, out)

	err := m.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), m.Cursor())
	select {
	case <-out:
		t.Fatal("expected no delivery")
	default:
	}
}

func TestTickDetectsReorgAndRewindsCursor(t *testing.T) {
	adapter := &fakeAdapter{
		tag:       "ethereum",
		finalized: 20,
		logs: map[[2]uint64][]chainadapter.Event{
			{1, 20}: {{Height: 15, LogIndex: 0, BlockHash: "original"}},
		},
	}
	out := make(chan Delivery, 10)
	m := New(adapter, 0, Params{WindowSize: 100, ReorgBuffer: 10}, out)
	require.NoError(t, m.tick(context.Background()))
	// drain the first delivery
	<-out

	// Simulate a reorg: the same height now reports a different hash.
	adapter.logs[[2]uint64{21, 20}] = nil // unused
	adapter.finalized = 20
	adapter.logs[[2]uint64{1, 20}] = nil
	// cursor is at 20 already; force another window covering height 15 again
	m.cursor = 10
	adapter.logs[[2]uint64{11, 20}] = []chainadapter.Event{{Height: 15, LogIndex: 0, BlockHash: "changed"}}

	err := m.tick(context.Background())
	require.NoError(t, err)

	delivery := <-out
	require.NotNil(t, delivery.Reorg)
	assert.Equal(t, uint64(15), delivery.Reorg.FromHeight)
	assert.Equal(t, uint64(5), m.Cursor()) // 15 - ReorgBuffer(10)
}

func TestMultiplexerFansInAcrossChains(t *testing.T) {
	a1 := &fakeAdapter{tag: "ethereum", finalized: 1, logs: map[[2]uint64][]chainadapter.Event{
		{1, 1}: {{Height: 1, BlockHash: "a"}},
	}}
	a2 := &fakeAdapter{tag: "cosmoshub", finalized: 1, logs: map[[2]uint64][]chainadapter.Event{
		{1, 1}: {{Height: 1, BlockHash: "b"}},
	}}
	mux := NewMultiplexer([]chainadapter.Adapter{a1, a2}, nil, Params{TickInterval: 10 * time.Millisecond, WindowSize: 100}, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go mux.Run(ctx)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case d := <-mux.Events():
			if d.Event != nil {
				seen[d.Event.Chain] = true
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timed out waiting for both chains to deliver")
		}
	}
	assert.True(t, seen["ethereum"])
	assert.True(t, seen["cosmoshub"])
}
