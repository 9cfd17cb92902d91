// Package coordinator implements the Cross-Chain Coordinator (C8): the
// per-session driver loop that sequences chain-adapter writes against
// events observed by the Event Monitor.
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1balancer/swap-orchestrator/internal/chainadapter"
	"github.com/1balancer/swap-orchestrator/internal/eventmonitor"
	"github.com/1balancer/swap-orchestrator/internal/secretmgr"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/pkg/retry"
	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const CodeCoordinatorFailed = "COORDINATOR_FAILED"

// CodeSessionRefunded marks a RunSession return as "session ended via the
// timeout/refund branch", not a driver-loop failure — callers (the HTTP
// execute handler) still treat it as alert-worthy, but it is distinct
// from CodeCoordinatorFailed, which marks an unrecovered error.
const CodeSessionRefunded = "SESSION_REFUNDED"

type eventKey struct {
	hashlock string
	chain    string
	kind     chainadapter.EventKind
}

// Coordinator drives every active session's lock -> lock -> reveal ->
// reveal sequence (spec §4.8), dispatching incoming chain events from the
// Event Monitor to whichever session is waiting on them.
type Coordinator struct {
	store       *session.Store
	sm          *session.StateMachine
	secrets     *secretmgr.Manager
	source      chainadapter.Adapter
	destination chainadapter.Adapter
	retryPolicy retry.Policy
	log         *zap.SugaredLogger

	mu      sync.Mutex
	waiters map[eventKey][]chan chainadapter.Event
}

// New constructs a Coordinator. source and destination must report
// ChainTag() values matching the sessions this Coordinator will drive.
func New(store *session.Store, sm *session.StateMachine, secrets *secretmgr.Manager, source, destination chainadapter.Adapter, retryPolicy retry.Policy) *Coordinator {
	return &Coordinator{
		store:       store,
		sm:          sm,
		secrets:     secrets,
		source:      source,
		destination: destination,
		retryPolicy: retryPolicy,
		log:         zap.L().Sugar().Named("coordinator"),
		waiters:     make(map[eventKey][]chan chainadapter.Event),
	}
}

// DispatchEvents consumes a multiplexed event feed and routes each
// decoded event to whichever RunSession call is waiting on its
// (hashlock, chain, kind) key. It runs until events is closed or ctx is
// cancelled.
func (c *Coordinator) DispatchEvents(ctx context.Context, events <-chan eventmonitor.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-events:
			if !ok {
				return
			}
			if d.Reorg != nil {
				c.log.Warnw("reorg observed", "chain", d.Reorg.Chain, "from_height", d.Reorg.FromHeight)
				continue
			}
			if d.Event != nil {
				c.deliver(*d.Event)
			}
		}
	}
}

func (c *Coordinator) deliver(ev chainadapter.Event) {
	key := eventKey{hashlock: hex.EncodeToString(ev.Hashlock[:]), chain: ev.Chain, kind: ev.Kind}
	c.mu.Lock()
	chans := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}

func (c *Coordinator) waitForEvent(ctx context.Context, hashlock [32]byte, chain string, kind chainadapter.EventKind) (chainadapter.Event, error) {
	key := eventKey{hashlock: hex.EncodeToString(hashlock[:]), chain: chain, kind: kind}
	ch := make(chan chainadapter.Event, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		c.mu.Lock()
		chans := c.waiters[key]
		for i, w := range chans {
			if w == ch {
				c.waiters[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return chainadapter.Event{}, ctx.Err()
	}
}

// RunSession drives sessionID through the happy path, or into its
// timeout/refund branch if a phase deadline elapses, or into cancelled if
// a cancellation was accepted before source locking began. It returns
// once the session reaches a terminal status.
func (c *Coordinator) RunSession(ctx context.Context, sessionID string) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}

	if stopped, err := c.checkCancelled(sessionID); stopped || err != nil {
		return err
	}
	if err := c.sm.Transition(sessionID, session.StatusSourceLocking, ""); err != nil {
		return c.fail(sessionID, err)
	}

	sourceRef, err := c.runPhase(ctx, sessionID, sess.Deadlines.SourceCancellation, func(ctx context.Context) error {
		_, err := retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
			return c.source.LockSource(ctx, chainadapter.LockRequest{
				Action:   chainadapter.Action{SessionID: sessionID, Phase: "source_lock"},
				Hashlock: sess.Hashlock,
				Amount:   sess.SourceAmount,
				Maker:    sess.Maker,
				Taker:    sess.Taker,
				Deadline: sess.Deadlines.SourceCancellation,
			})
		})
		return err
	})
	if err != nil {
		// source_locking has no timeout edge (spec §4.7): a lock write
		// that never confirms in time is a hard failure, not a timeout.
		return c.fail(sessionID, err)
	}
	_ = sourceRef

	sourceEvent, err := c.runPhase(ctx, sessionID, sess.Deadlines.SourceCancellation, func(ctx context.Context) error {
		ev, err := c.waitForEvent(ctx, sess.Hashlock, c.source.ChainTag(), chainadapter.EventSourceEscrowLocked)
		if err == nil {
			c.store.Mutate(sessionID, func(s *session.Session) error {
				s.SourceEscrowRef = ev.EscrowRef
				return nil
			})
		}
		return err
	})
	_ = sourceEvent
	if err != nil {
		return c.fail(sessionID, err)
	}
	if err := c.sm.Transition(sessionID, session.StatusSourceLocked, ""); err != nil {
		return c.fail(sessionID, err)
	}

	if err := c.sm.Transition(sessionID, session.StatusDestinationLocking, ""); err != nil {
		return c.fail(sessionID, err)
	}

	_, err = c.runPhase(ctx, sessionID, sess.Deadlines.DestinationCancellation, func(ctx context.Context) error {
		_, err := retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
			return c.destination.LockDestination(ctx, chainadapter.LockRequest{
				Action:   chainadapter.Action{SessionID: sessionID, Phase: "destination_lock"},
				Hashlock: sess.Hashlock,
				Amount:   sess.DestinationAmount,
				Maker:    sess.Maker,
				Taker:    sess.Taker,
				Deadline: sess.Deadlines.DestinationCancellation,
			})
		})
		return err
	})
	if err != nil {
		return c.handlePhaseError(sessionID, err)
	}

	destEvent, err := c.runPhase(ctx, sessionID, sess.Deadlines.DestinationCancellation, func(ctx context.Context) error {
		ev, err := c.waitForEvent(ctx, sess.Hashlock, c.destination.ChainTag(), chainadapter.EventDestinationEscrowLocked)
		if err == nil {
			c.store.Mutate(sessionID, func(s *session.Session) error {
				s.DestinationEscrowRef = ev.EscrowRef
				return nil
			})
		}
		return err
	})
	if err != nil {
		return c.handlePhaseError(sessionID, err)
	}
	if err := c.sm.Transition(sessionID, session.StatusBothLocked, ""); err != nil {
		return c.fail(sessionID, err)
	}

	if err := c.sm.Transition(sessionID, session.StatusRevealingSecret, ""); err != nil {
		return c.fail(sessionID, err)
	}
	c.store.Mutate(sessionID, func(s *session.Session) error {
		s.RevealPhaseEntered = true
		return nil
	})

	preimage, err := c.secrets.Reveal(secretmgr.Hash(sess.Hashlock))
	if err != nil {
		return c.fail(sessionID, err)
	}

	sess, _ = c.store.Get(sessionID)
	_, err = retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
		return c.destination.Reveal(ctx, chainadapter.RevealRequest{
			Action:    chainadapter.Action{SessionID: sessionID, Phase: "destination_reveal"},
			EscrowRef: sess.DestinationEscrowRef,
			Preimage:  [32]byte(preimage),
		})
	})
	if err != nil {
		return c.fail(sessionID, err)
	}
	c.store.Mutate(sessionID, func(s *session.Session) error {
		s.DestinationRevealed = true
		return nil
	})

	// Critical rule (spec §4.8): the destination reveal has already
	// succeeded and the preimage is now public on-chain. A failed source
	// reveal from here on does not roll the session back; it is recorded
	// and surfaced, and the session still completes.
	_, srcErr := retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
		return c.source.Reveal(ctx, chainadapter.RevealRequest{
			Action:    chainadapter.Action{SessionID: sessionID, Phase: "source_reveal"},
			EscrowRef: sess.SourceEscrowRef,
			Preimage:  [32]byte(preimage),
		})
	})
	errMsg := ""
	if srcErr != nil {
		errMsg = "source reveal failed after destination reveal succeeded: " + srcErr.Error()
		c.log.Errorw("source reveal failed post-destination-reveal", "session", sessionID, "error", srcErr)
	} else {
		c.store.Mutate(sessionID, func(s *session.Session) error {
			s.SourceRevealed = true
			return nil
		})
	}
	if err := c.sm.Transition(sessionID, session.StatusCompleted, errMsg); err != nil {
		return c.fail(sessionID, err)
	}
	return nil
}

// runPhase checks for a pending cancellation, then executes work under a
// context bound to deadline and returns work's error unchanged; callers
// route a deadline-exceeded error to timeout handling (handlePhaseError).
func (c *Coordinator) runPhase(ctx context.Context, sessionID string, deadline time.Time, work func(context.Context) error) (struct{}, error) {
	phaseCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if stopped, err := c.checkCancelled(sessionID); stopped || err != nil {
		return struct{}{}, err
	}
	err := work(phaseCtx)
	return struct{}{}, err
}

// checkCancelled re-reads the session; if an external cancel request has
// already moved it to cancelling (legal only from initialized or
// source_locking, enforced by the edge list), it finishes the transition
// to cancelled and reports stopped=true.
func (c *Coordinator) checkCancelled(sessionID string) (bool, error) {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return true, err
	}
	if sess.Status != session.StatusCancelling {
		return false, nil
	}
	if err := c.sm.Transition(sessionID, session.StatusCancelled, ""); err != nil {
		return true, c.fail(sessionID, err)
	}
	return true, nil
}

// handlePhaseError routes a phase failure to the timeout/refund branch on
// context-deadline-exceeded, or to failed on anything else.
func (c *Coordinator) handlePhaseError(sessionID string, err error) error {
	if err == context.DeadlineExceeded {
		return c.handleTimeout(sessionID)
	}
	return c.fail(sessionID, err)
}

// handleTimeout implements the refund branching of spec §4.8: from
// both_locked it refunds destination first, then source; from any earlier
// timeout-eligible status (source_locked, destination_locking) it refunds
// source alone.
func (c *Coordinator) handleTimeout(sessionID string) error {
	sess, err := c.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil // late timer on an already-terminal session is a no-op
	}
	if !session.CanTransition(sess.Status, session.StatusTimeout) {
		// source_locking has no timeout edge (spec §4.7): anything that
		// times out before the source lock is confirmed is a hard failure.
		return c.fail(sessionID, fmt.Errorf("deadline elapsed in non-timeout-eligible state %s", sess.Status))
	}
	if err := c.sm.Transition(sessionID, session.StatusTimeout, "deadline elapsed"); err != nil {
		return c.fail(sessionID, err)
	}
	if err := c.sm.Transition(sessionID, session.StatusRefunding, ""); err != nil {
		return c.fail(sessionID, err)
	}

	ctx := context.Background()
	if sess.Status == session.StatusBothLocked {
		if _, err := retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
			return c.destination.Refund(ctx, chainadapter.RefundRequest{
				Action:    chainadapter.Action{SessionID: sessionID, Phase: "destination_refund"},
				EscrowRef: sess.DestinationEscrowRef,
			})
		}); err != nil {
			return c.fail(sessionID, err)
		}
	}
	if _, err := retryWrite(ctx, c.retryPolicy, func(ctx context.Context) (chainadapter.TxRef, error) {
		return c.source.Refund(ctx, chainadapter.RefundRequest{
			Action:    chainadapter.Action{SessionID: sessionID, Phase: "source_refund"},
			EscrowRef: sess.SourceEscrowRef,
		})
	}); err != nil {
		return c.fail(sessionID, err)
	}
	if err := c.sm.Transition(sessionID, session.StatusRefunded, ""); err != nil {
		return c.fail(sessionID, err)
	}
	return utils.NewCodedError(CodeSessionRefunded, fmt.Sprintf("session %s: timed out and refunded", sessionID))
}

// fail transitions a session to failed, swallowing a secondary illegal-
// transition error (e.g. the session already reached a terminal status
// through another path) so callers can return the original cause.
func (c *Coordinator) fail(sessionID string, cause error) error {
	_ = c.sm.Transition(sessionID, session.StatusFailed, cause.Error())
	return utils.NewCodedError(utils.CodeOf(cause, CodeCoordinatorFailed), fmt.Sprintf("session %s: %v", sessionID, cause))
}

// retryWrite wraps a chain-adapter write in the shared backoff policy,
// classifying a TRANSACTION_FAILED error as terminal (no point retrying a
// rejected transaction) and everything else as transient.
func retryWrite(ctx context.Context, policy retry.Policy, fn func(context.Context) (chainadapter.TxRef, error)) (chainadapter.TxRef, error) {
	var ref chainadapter.TxRef
	err := retry.Do(ctx, policy, func(err error) bool {
		code := utils.CodeOf(err, "")
		return code != chainadapter.CodeTransactionFailed
	}, func(ctx context.Context) error {
		r, err := fn(ctx)
		ref = r
		return err
	})
	return ref, err
}
