package coordinator

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
	"github.com/1balancer/swap-orchestrator/internal/secretmgr"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/pkg/retry"
)

type fakeAdapter struct {
	tag string

	mu      sync.Mutex
	locks   int
	reveals int
	refunds int
}

func (f *fakeAdapter) ChainTag() string                                               { return f.tag }
func (f *fakeAdapter) CurrentHeight(context.Context) (uint64, error)                  { return 0, nil }
func (f *fakeAdapter) FinalizedHeight(context.Context) (uint64, error)                { return 0, nil }
func (f *fakeAdapter) GetLogs(context.Context, uint64, uint64) ([]chainadapter.Event, error) {
	return nil, nil
}
func (f *fakeAdapter) TxStatus(_ context.Context, ref chainadapter.TxRef) (chainadapter.TxRef, error) {
	ref.State = chainadapter.TxFinalized
	return ref, nil
}
func (f *fakeAdapter) LockSource(context.Context, chainadapter.LockRequest) (chainadapter.TxRef, error) {
	f.mu.Lock()
	f.locks++
	f.mu.Unlock()
	return chainadapter.TxRef{Chain: f.tag, Hash: "0xlock", State: TxStatePending}, nil
}
func (f *fakeAdapter) LockDestination(ctx context.Context, req chainadapter.LockRequest) (chainadapter.TxRef, error) {
	return f.LockSource(ctx, req)
}
func (f *fakeAdapter) Reveal(context.Context, chainadapter.RevealRequest) (chainadapter.TxRef, error) {
	f.mu.Lock()
	f.reveals++
	f.mu.Unlock()
	return chainadapter.TxRef{Chain: f.tag, Hash: "0xreveal", State: TxStatePending}, nil
}
func (f *fakeAdapter) Refund(context.Context, chainadapter.RefundRequest) (chainadapter.TxRef, error) {
	f.mu.Lock()
	f.refunds++
	f.mu.Unlock()
	return chainadapter.TxRef{Chain: f.tag, Hash: "0xrefund", State: TxStatePending}, nil
}

// TxStatePending aliases the adapter package's pending state for brevity
// in fixtures above.
const TxStatePending = chainadapter.TxPending

func newTestKey() [32]byte {
	var key [32]byte
	_, _ = rand.Read(key[:])
	return key
}

func setupSession(t *testing.T, store *session.Store, hash secretmgr.Hash, sourceDeadline, destDeadline time.Time) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:               "sess-1",
		SourceChain:      "ethereum",
		DestinationChain: "cosmoshub",
		SourceAmount:     "1000",
		DestinationAmount: "1000",
		Maker:            "0xmaker",
		Taker:            "0xtaker",
		Hashlock:         [32]byte(hash),
		Status:           session.StatusInitialized,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
		Deadlines: session.Deadlines{
			SourceCancellation:      sourceDeadline,
			DestinationCancellation: destDeadline,
		},
	}
	require.NoError(t, store.Put(sess))
	return sess
}

func TestRunSessionHappyPath(t *testing.T) {
	key := newTestKey()
	secrets, err := secretmgr.New(key, time.Hour)
	require.NoError(t, err)
	_, hash, err := secrets.Create()
	require.NoError(t, err)

	store := session.NewStore(session.StoreParams{})
	sm := session.NewStateMachine(store)
	future := time.Now().Add(time.Hour)
	setupSession(t, store, hash, future, future)

	source := &fakeAdapter{tag: "ethereum"}
	destination := &fakeAdapter{tag: "cosmoshub"}
	c := New(store, sm, secrets, source, destination, retry.Policy{InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Millisecond, MaxAttempts: 1})

	done := make(chan error, 1)
	go func() { done <- c.RunSession(context.Background(), "sess-1") }()

	require.Eventually(t, func() bool { return source.locks == 1 }, time.Second, time.Millisecond)
	c.deliver(chainadapter.Event{
		Chain: "ethereum", Kind: chainadapter.EventSourceEscrowLocked,
		Hashlock: [32]byte(hash), EscrowRef: "escrow-src",
	})

	require.Eventually(t, func() bool { return destination.locks == 1 }, time.Second, time.Millisecond)
	c.deliver(chainadapter.Event{
		Chain: "cosmoshub", Kind: chainadapter.EventDestinationEscrowLocked,
		Hashlock: [32]byte(hash), EscrowRef: "escrow-dst",
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not complete")
	}

	got, err := store.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, 1, destination.reveals)
	assert.Equal(t, 1, source.reveals)
}

func TestRunSessionSourceLockTimeoutFails(t *testing.T) {
	key := newTestKey()
	secrets, err := secretmgr.New(key, time.Hour)
	require.NoError(t, err)
	_, hash, err := secrets.Create()
	require.NoError(t, err)

	store := session.NewStore(session.StoreParams{})
	sm := session.NewStateMachine(store)
	past := time.Now().Add(60 * time.Millisecond)
	setupSession(t, store, hash, past, past)

	source := &fakeAdapter{tag: "ethereum"}
	destination := &fakeAdapter{tag: "cosmoshub"}
	c := New(store, sm, secrets, source, destination, retry.Policy{InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Millisecond, MaxAttempts: 1})

	// Never deliver the source-escrow event: the wait should time out, and
	// since source_locking has no timeout edge, the session must fail
	// rather than move through the refund path.
	err = c.RunSession(context.Background(), "sess-1")
	require.Error(t, err)

	got, getErr := store.Get("sess-1")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusFailed, got.Status)
}

func TestRunSessionDestinationTimeoutRefundsSourceOnly(t *testing.T) {
	key := newTestKey()
	secrets, err := secretmgr.New(key, time.Hour)
	require.NoError(t, err)
	_, hash, err := secrets.Create()
	require.NoError(t, err)

	store := session.NewStore(session.StoreParams{})
	sm := session.NewStateMachine(store)
	sourceDeadline := time.Now().Add(time.Hour)
	destDeadline := time.Now().Add(200 * time.Millisecond)
	setupSession(t, store, hash, sourceDeadline, destDeadline)

	source := &fakeAdapter{tag: "ethereum"}
	destination := &fakeAdapter{tag: "cosmoshub"}
	c := New(store, sm, secrets, source, destination, retry.Policy{InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Millisecond, MaxAttempts: 1})

	done := make(chan error, 1)
	go func() { done <- c.RunSession(context.Background(), "sess-1") }()

	require.Eventually(t, func() bool { return source.locks == 1 }, time.Second, time.Millisecond)
	c.deliver(chainadapter.Event{
		Chain: "ethereum", Kind: chainadapter.EventSourceEscrowLocked,
		Hashlock: [32]byte(hash), EscrowRef: "escrow-src",
	})

	// Destination lock is submitted but its escrow event never arrives;
	// destination_locking has a timeout edge, so this should refund source
	// only (destination was never locked).
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSession did not finish")
	}

	got, getErr := store.Get("sess-1")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusRefunded, got.Status)
	assert.Equal(t, 1, source.refunds)
	assert.Equal(t, 0, destination.refunds)
}

func TestRunSessionRejectsCancelAfterSourceLocked(t *testing.T) {
	key := newTestKey()
	secrets, err := secretmgr.New(key, time.Hour)
	require.NoError(t, err)
	_, hash, err := secrets.Create()
	require.NoError(t, err)

	store := session.NewStore(session.StoreParams{})
	sm := session.NewStateMachine(store)
	setupSession(t, store, hash, time.Now().Add(time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, store.Mutate("sess-1", func(s *session.Session) error {
		s.Status = session.StatusSourceLocked
		return nil
	}))

	err = sm.Transition("sess-1", session.StatusCancelling, "")
	require.Error(t, err)
}
