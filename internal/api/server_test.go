package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
	"github.com/1balancer/swap-orchestrator/internal/coordinator"
	"github.com/1balancer/swap-orchestrator/internal/notifier"
	"github.com/1balancer/swap-orchestrator/internal/quote"
	"github.com/1balancer/swap-orchestrator/internal/secretmgr"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/internal/timelock"
	"github.com/1balancer/swap-orchestrator/pkg/retry"
)

type noopAdapter struct{ tag string }

func (a noopAdapter) ChainTag() string { return a.tag }
func (a noopAdapter) CurrentHeight(context.Context) (uint64, error)   { return 0, nil }
func (a noopAdapter) FinalizedHeight(context.Context) (uint64, error) { return 0, nil }
func (a noopAdapter) GetLogs(context.Context, uint64, uint64) ([]chainadapter.Event, error) {
	return nil, nil
}
func (a noopAdapter) TxStatus(context.Context, chainadapter.TxRef) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{}, nil
}
func (a noopAdapter) LockSource(context.Context, chainadapter.LockRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{Chain: a.tag, State: chainadapter.TxPending}, nil
}
func (a noopAdapter) LockDestination(context.Context, chainadapter.LockRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{Chain: a.tag, State: chainadapter.TxPending}, nil
}
func (a noopAdapter) Reveal(context.Context, chainadapter.RevealRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{Chain: a.tag, State: chainadapter.TxFinalized}, nil
}
func (a noopAdapter) Refund(context.Context, chainadapter.RefundRequest) (chainadapter.TxRef, error) {
	return chainadapter.TxRef{Chain: a.tag, State: chainadapter.TxFinalized}, nil
}

type fakeOracle struct{ rate *big.Float }

func (f fakeOracle) Rate(context.Context, string, string) (*big.Float, error) { return f.rate, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := session.NewStore(session.StoreParams{})
	sm := session.NewStateMachine(store)
	var key [chacha20poly1305.KeySize]byte
	secrets, err := secretmgr.New(key, time.Hour)
	require.NoError(t, err)

	source := noopAdapter{tag: "ethereum"}
	destination := noopAdapter{tag: "cosmoshub"}
	coord := coordinator.New(store, sm, secrets, source, destination, retry.DefaultPolicy)
	quoter := quote.New(fakeOracle{rate: big.NewFloat(2.0)}, quote.Params{})
	notify := notifier.NewRegistry(16)

	return NewServer(Config{
		Store:                store,
		StateMachine:         sm,
		Coordinator:          coord,
		Quoter:               quoter,
		Secrets:              secrets,
		Notifier:             notify,
		SourceChainTag:       "ethereum",
		DestinationChainTag:  "cosmoshub",
		TimelockParams:       timelock.Params{},
		TimelockBaseDuration: time.Hour,
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCreateSessionSucceeds(t *testing.T) {
	s := newTestServer(t)
	router := s.NewRouter()

	rec := doRequest(t, router, http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain:      "ethereum",
		DestinationChain: "cosmoshub",
		SourceToken:      "ETH",
		DestinationToken: "ATOM",
		SourceAmount:     "1000000",
		Maker:            "0xabc",
		Taker:            "cosmos1xyz",
		SlippageBps:      50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "initialized", resp.Status)
	assert.Len(t, resp.Hashlock, 64)
}

func TestHandleCreateSessionRejectsBadAmount(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain:      "ethereum",
		DestinationChain: "cosmoshub",
		SourceToken:      "ETH",
		DestinationToken: "ATOM",
		SourceAmount:     "not-a-number",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, quote.CodeValidationError, resp.Code)
}

func TestHandleGetSessionRoundTrips(t *testing.T) {
	s := newTestServer(t)
	router := s.NewRouter()

	createRec := doRequest(t, router, http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain:      "ethereum",
		DestinationChain: "cosmoshub",
		SourceToken:      "ETH",
		DestinationToken: "ATOM",
		SourceAmount:     "1000000",
	})
	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	getRec := doRequest(t, router, http.MethodGet, "/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, getRec.Code)

	var snap SessionSnapshotResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &snap))
	assert.Equal(t, created.SessionID, snap.SessionID)
	assert.Equal(t, "initialized", snap.Status)
	assert.Len(t, snap.Steps, 5)
}

func TestHandleGetSessionNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodGet, "/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleExecuteRejectsAlreadyRunningSession(t *testing.T) {
	s := newTestServer(t)
	router := s.NewRouter()

	createRec := doRequest(t, router, http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain: "ethereum", DestinationChain: "cosmoshub",
		SourceToken: "ETH", DestinationToken: "ATOM", SourceAmount: "1000",
	})
	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	execRec := doRequest(t, router, http.MethodPost, "/sessions/"+created.SessionID+"/execute", ExecuteRequest{SignedOrder: "deadbeef"})
	require.Equal(t, http.StatusAccepted, execRec.Code)

	require.Eventually(t, func() bool {
		sess, err := s.store.Get(created.SessionID)
		return err == nil && sess.Status != session.StatusInitialized
	}, time.Second, 5*time.Millisecond)

	execRec2 := doRequest(t, router, http.MethodPost, "/sessions/"+created.SessionID+"/execute", ExecuteRequest{SignedOrder: "deadbeef"})
	assert.Equal(t, http.StatusConflict, execRec2.Code)
}

func TestHandleCancelNeverStartedSessionIsImmediate(t *testing.T) {
	s := newTestServer(t)
	router := s.NewRouter()

	createRec := doRequest(t, router, http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain: "ethereum", DestinationChain: "cosmoshub",
		SourceToken: "ETH", DestinationToken: "ATOM", SourceAmount: "1000",
	})
	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	cancelRec := doRequest(t, router, http.MethodPost, "/sessions/"+created.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	sess, err := s.store.Get(created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
}

func TestHandleQuoteSucceeds(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/quote", QuoteRequest{
		SourceChain: "ethereum", DestinationChain: "cosmoshub",
		SourceToken: "ETH", DestinationToken: "ATOM", Amount: "500", Urgency: "fast",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QuoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Rate)
	assert.True(t, resp.DurationSecs > 0)
}

func TestHandleQuoteRejectsBadAmount(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/quote", QuoteRequest{
		SourceChain: "ethereum", DestinationChain: "cosmoshub",
		SourceToken: "ETH", DestinationToken: "ATOM", Amount: "nope",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuoteRejectsUnknownChain(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/quote", QuoteRequest{
		SourceChain: "mars", DestinationChain: "cosmoshub",
		SourceToken: "ETH", DestinationToken: "ATOM", Amount: "500",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, quote.CodeValidationError, resp.Code)
}

func TestHandleCreateSessionRejectsUnknownChain(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s.NewRouter(), http.MethodPost, "/sessions", CreateSessionRequest{
		SourceChain:      "mars",
		DestinationChain: "cosmoshub",
		SourceToken:      "ETH",
		DestinationToken: "ATOM",
		SourceAmount:     "1000000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, quote.CodeValidationError, resp.Code)
}
