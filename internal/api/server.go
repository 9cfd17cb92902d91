// Package api implements the Public API Surface (C10): a thin HTTP
// dispatch layer over the Dutch-Auction Quoter, Session Store, State
// Machine, and Cross-Chain Coordinator.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/1balancer/swap-orchestrator/internal/coordinator"
	"github.com/1balancer/swap-orchestrator/internal/notifier"
	"github.com/1balancer/swap-orchestrator/internal/quote"
	"github.com/1balancer/swap-orchestrator/internal/secretmgr"
	"github.com/1balancer/swap-orchestrator/internal/session"
	"github.com/1balancer/swap-orchestrator/internal/timelock"
)

// Server wires the five transport-agnostic operations of spec §4.10 onto
// a gorilla/mux router.
type Server struct {
	store       *session.Store
	sm          *session.StateMachine
	coordinator *coordinator.Coordinator
	quoter      *quote.Quoter
	secrets     *secretmgr.Manager
	notify      *notifier.Registry

	sourceChainTag       string
	destinationChainTag  string
	timelockParams       timelock.Params
	timelockBaseDuration time.Duration
}

// Config gathers Server's dependencies and the configured chain tags
// create_session/quote requests are validated against.
type Config struct {
	Store                *session.Store
	StateMachine         *session.StateMachine
	Coordinator          *coordinator.Coordinator
	Quoter               *quote.Quoter
	Secrets              *secretmgr.Manager
	Notifier             *notifier.Registry
	SourceChainTag       string
	DestinationChainTag  string
	TimelockParams       timelock.Params
	TimelockBaseDuration time.Duration
}

// NewServer constructs a Server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		store:                cfg.Store,
		sm:                   cfg.StateMachine,
		coordinator:          cfg.Coordinator,
		quoter:               cfg.Quoter,
		secrets:              cfg.Secrets,
		notify:               cfg.Notifier,
		sourceChainTag:       cfg.SourceChainTag,
		destinationChainTag:  cfg.DestinationChainTag,
		timelockParams:       cfg.TimelockParams,
		timelockBaseDuration: cfg.TimelockBaseDuration,
	}
}

// NewRouter builds the HTTP route table, mirroring the teacher's
// xchainserver router construction: request logging and JSON headers as
// global middleware, one handler per operation.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger)
	r.Use(JSONHeaders)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/quote", s.handleQuote).Methods(http.MethodPost)

	return r
}
