package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const CodeSessionInvalidState = "SESSION_INVALID_STATE"

// edges is the allowed-transition graph from spec §4.7. A status absent
// from this map is terminal.
var edges = map[Status][]Status{
	StatusInitialized:        {StatusSourceLocking, StatusCancelling, StatusFailed},
	StatusSourceLocking:      {StatusSourceLocked, StatusFailed, StatusCancelling},
	StatusSourceLocked:       {StatusDestinationLocking, StatusTimeout},
	StatusDestinationLocking: {StatusBothLocked, StatusFailed, StatusTimeout},
	StatusBothLocked:         {StatusRevealingSecret, StatusTimeout},
	StatusRevealingSecret:    {StatusCompleted, StatusFailed},
	StatusTimeout:            {StatusRefunding},
	StatusRefunding:          {StatusRefunded, StatusFailed},
	StatusCancelling:         {StatusCancelled, StatusFailed},
}

// TransitionListener is notified after every accepted transition so C9 can
// broadcast it (spec §4.7 "triggers C9 broadcast").
type TransitionListener func(sessionID string, from, to Status, errMsg string)

// StateMachine validates and applies status transitions on Store-held
// sessions.
type StateMachine struct {
	store     *Store
	listeners []TransitionListener
	log       *zap.SugaredLogger
}

// NewStateMachine constructs a StateMachine bound to store.
func NewStateMachine(store *Store) *StateMachine {
	return &StateMachine{store: store, log: zap.L().Sugar().Named("session.statemachine")}
}

// OnTransition registers a listener invoked after every accepted
// transition. Intended for the Notifier; listeners run synchronously and
// must not block.
func (sm *StateMachine) OnTransition(l TransitionListener) {
	sm.listeners = append(sm.listeners, l)
}

// CanTransition reports whether to is a legal successor of from, without
// mutating anything.
func CanTransition(from, to Status) bool {
	for _, allowed := range edges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change to the session
// identified by id, recording updated_at and the optional error message,
// and firing registered listeners on success.
func (sm *StateMachine) Transition(id string, to Status, errMsg string) error {
	var from Status
	err := sm.store.Mutate(id, func(s *Session) error {
		from = s.Status
		if !CanTransition(from, to) {
			return utils.NewCodedError(CodeSessionInvalidState,
				"illegal transition "+string(from)+" -> "+string(to))
		}
		s.Status = to
		s.UpdatedAt = time.Now()
		s.LastError = errMsg
		s.PhaseProgress = phaseProgress(to)
		return nil
	})
	if err != nil {
		return err
	}
	for _, l := range sm.listeners {
		l(id, from, to, errMsg)
	}
	return nil
}

// phaseProgress maps a status onto the 0-100 scale the spec requires on
// the session record.
func phaseProgress(s Status) int {
	switch s {
	case StatusInitialized:
		return 0
	case StatusSourceLocking:
		return 10
	case StatusSourceLocked:
		return 30
	case StatusDestinationLocking:
		return 40
	case StatusBothLocked:
		return 60
	case StatusRevealingSecret:
		return 80
	case StatusCompleted:
		return 100
	case StatusCancelling:
		return 90
	case StatusCancelled:
		return 100
	case StatusTimeout, StatusRefunding:
		return 90
	case StatusRefunded:
		return 100
	case StatusFailed:
		return 100
	default:
		return 0
	}
}
