package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/1balancer/swap-orchestrator/internal/quote"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/internal/timelock"
	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "malformed request body"))
		return
	}

	sourceAmount, ok := new(big.Int).SetString(req.SourceAmount, 10)
	if !ok {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "source_amount must be a decimal integer"))
		return
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10000 {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "slippage_bps must be between 0 and 10000"))
		return
	}
	if err := s.validateChainTags(req.SourceChain, req.DestinationChain); err != nil {
		writeError(w, err)
		return
	}

	quoteReq := quote.Request{
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		SourceToken:      req.SourceToken,
		DestinationToken: req.DestinationToken,
		Amount:           sourceAmount,
		Urgency:          quote.Normal,
	}
	got, err := s.quoter.Quote(r.Context(), quoteReq, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	_, hash, err := s.secrets.Create()
	if err != nil {
		writeError(w, err)
		return
	}

	deadlines, err := timelock.Compute(time.Now(), s.timelockBaseDuration, s.timelockParams)
	if err != nil {
		writeError(w, err)
		return
	}

	sess := &session.Session{
		ID:                uuid.New().String(),
		SourceChain:       req.SourceChain,
		DestinationChain:  req.DestinationChain,
		SourceToken:       req.SourceToken,
		DestinationToken:  req.DestinationToken,
		SourceAmount:      req.SourceAmount,
		DestinationAmount: req.DestinationAmount,
		Maker:             req.Maker,
		Taker:             req.Taker,
		SlippageBps:       req.SlippageBps,
		Hashlock:          hash,
		Status:            session.StatusInitialized,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
		Deadlines: session.Deadlines{
			SourceWithdrawal:        deadlines.SourceWithdrawal,
			SourcePublicWithdrawal:  deadlines.SourcePublicWithdrawal,
			SourceCancellation:      deadlines.SourceCancellation,
			DestinationWithdrawal:   deadlines.DestinationWithdrawal,
			DestinationCancellation: deadlines.DestinationCancellation,
		},
	}
	if err := s.store.Put(sess); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Hashlock:  hash.String(),
		Deadlines: toDeadlinesView(sess.Deadlines),
		Fees:      got.Fees.String(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := sess.ToSnapshot()

	steps := make([]StepView, 0, len(snap.Steps))
	for _, st := range snap.Steps {
		steps = append(steps, StepView{Name: st.Name, Status: st.Status, TxHash: st.TxHash})
	}

	writeJSON(w, http.StatusOK, SessionSnapshotResponse{
		SessionID:            snap.ID,
		Status:               string(snap.Status),
		PhaseProgress:        snap.PhaseProgress,
		Hashlock:             snap.Hashlock,
		Deadlines:            toDeadlinesView(snap.Deadlines),
		Steps:                steps,
		SourceEscrowRef:      snap.SourceEscrowRef,
		DestinationEscrowRef: snap.DestinationEscrowRef,
		LastError:            snap.LastError,
		CreatedAt:            snap.CreatedAt,
		UpdatedAt:            snap.UpdatedAt,
	})
}

// handleExecute decodes the caller's signed-order body and, on a freshly
// created (passive) session, starts the coordinator's driver loop. The
// signed order is neither checked nor stored on the session. A session
// that already started (or terminated) cannot be executed again.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "malformed request body"))
		return
	}

	sess, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Status != session.StatusInitialized {
		writeError(w, utils.NewCodedError(session.CodeSessionInvalidState, "session already executed or no longer eligible"))
		return
	}

	go func() {
		if err := s.coordinator.RunSession(context.Background(), id); err != nil {
			s.notify.Alert("session " + id + " driver loop ended with error: " + err.Error())
		}
	}()

	writeJSON(w, http.StatusAccepted, AckResponse{Acknowledged: true})
}

// handleCancel requests cancellation; a session still in its initial
// (never-executed) state is cancelled immediately, since no coordinator
// loop is running yet to notice the flag.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	neverStarted := sess.Status == session.StatusInitialized
	if err := s.sm.Transition(id, session.StatusCancelling, ""); err != nil {
		writeError(w, err)
		return
	}
	if neverStarted {
		if err := s.sm.Transition(id, session.StatusCancelled, ""); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, CancelResponse{
		Acknowledged:        true,
		ProjectedRefundTime: sess.Deadlines.SourceCancellation,
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "malformed request body"))
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, utils.NewCodedError(quote.CodeValidationError, "amount must be a decimal integer"))
		return
	}
	urgency := quote.Urgency(req.Urgency)
	if urgency == "" {
		urgency = quote.Normal
	}
	if err := s.validateChainTags(req.SourceChain, req.DestinationChain); err != nil {
		writeError(w, err)
		return
	}

	got, err := s.quoter.Quote(r.Context(), quote.Request{
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		SourceToken:      req.SourceToken,
		DestinationToken: req.DestinationToken,
		Amount:           amount,
		Urgency:          urgency,
	}, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		Rate:         got.Rate.String(),
		StartPrice:   got.StartPrice.String(),
		EndPrice:     got.EndPrice.String(),
		CurrentPrice: got.CurrentPrice.String(),
		DurationSecs: got.Duration.Seconds(),
		PriceImpact:  got.PriceImpact,
		Fees:         got.Fees.String(),
		ValidUntil:   got.ValidUntil,
	})
}

// validateChainTags rejects a request naming a chain this server wasn't
// configured for (spec §8 Scenario 5: an unrecognized source_chain must
// fail VALIDATION_ERROR rather than reach the oracle).
func (s *Server) validateChainTags(sourceChain, destinationChain string) error {
	if sourceChain != s.sourceChainTag {
		return utils.NewCodedError(quote.CodeValidationError, "unknown source_chain "+sourceChain)
	}
	if destinationChain != s.destinationChainTag {
		return utils.NewCodedError(quote.CodeValidationError, "unknown destination_chain "+destinationChain)
	}
	return nil
}

func toDeadlinesView(d session.Deadlines) SessionDeadlines {
	return SessionDeadlines{
		SourceWithdrawal:        d.SourceWithdrawal,
		SourcePublicWithdrawal:  d.SourcePublicWithdrawal,
		SourceCancellation:      d.SourceCancellation,
		DestinationWithdrawal:   d.DestinationWithdrawal,
		DestinationCancellation: d.DestinationCancellation,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := utils.CodeOf(err, "INTERNAL_ERROR")
	writeJSON(w, statusForCode(code), ErrorResponse{Code: code, Message: err.Error()})
}

func statusForCode(code string) int {
	switch code {
	case quote.CodeValidationError:
		return http.StatusBadRequest
	case session.CodeSessionNotFound:
		return http.StatusNotFound
	case session.CodeSessionLimitReached, session.CodeSessionInvalidState:
		return http.StatusConflict
	case quote.CodeQuoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
