// Package chainadapter implements the Chain Adapter (C4): a uniform read
// and write surface over a single chain, parameterized by chain family
// (EVM vs a generic JSON-RPC non-EVM chain) per the "dynamic dispatch for
// per-chain behavior" design note — resolved statically via one
// implementation per family rather than runtime polymorphism over an
// opaque capability set.
package chainadapter

import (
	"context"
	"time"
)

const (
	CodeChainConnectionFailed = "CHAIN_CONNECTION_FAILED"
	CodeTransactionFailed     = "TRANSACTION_FAILED"
	CodeBlockNotFound         = "BLOCK_NOT_FOUND"
)

// TxState is the lifecycle of a submitted transaction.
type TxState int

const (
	TxPending TxState = iota
	TxIncluded
	TxFinalized
	TxFailed
)

// TxRef identifies a submitted transaction and its observed state.
type TxRef struct {
	Chain   string
	Hash    string
	State   TxState
	Height  uint64
	Reason  string // populated when State == TxFailed
}

// EventKind tags the semantic meaning of a decoded chain event, letting
// the Event Monitor and Coordinator match events without depending on
// chain-specific log layouts.
type EventKind string

const (
	EventSourceEscrowLocked      EventKind = "source_escrow_locked"
	EventDestinationEscrowLocked EventKind = "destination_escrow_locked"
	EventSecretRevealed          EventKind = "secret_revealed"
	EventRefunded                EventKind = "refunded"
)

// Event is a decoded, chain-agnostic representation of an on-chain log
// relevant to swap orchestration.
type Event struct {
	Chain       string
	Kind        EventKind
	Height      uint64
	LogIndex    uint32
	BlockHash   string
	Hashlock    [32]byte
	Preimage    *[32]byte // populated only for EventSecretRevealed
	TxHash      string
	EscrowRef   string
	ObservedAt  time.Time
}

// Action identifies an idempotent write. ActionKey makes repeated
// submissions with the same (SessionID, Phase) pair return the same TxRef
// (spec §4.4 "idempotent by nonce / action key").
type Action struct {
	SessionID string
	Phase     string
}

// ActionKey derives the opaque idempotency key for an Action.
func (a Action) ActionKey() string {
	return a.SessionID + ":" + a.Phase
}

// LockRequest carries what a chain adapter needs to submit a lock
// transaction: the hashlock, the relevant deadline, amount, and the
// counterpart addresses.
type LockRequest struct {
	Action       Action
	Hashlock     [32]byte
	Amount       string // decimal string, smallest unit
	Maker        string
	Taker        string
	Deadline     time.Time
}

// RevealRequest carries what a chain adapter needs to submit a reveal.
type RevealRequest struct {
	Action    Action
	EscrowRef string
	Preimage  [32]byte
}

// RefundRequest carries what a chain adapter needs to submit a refund.
type RefundRequest struct {
	Action    Action
	EscrowRef string
}

// Adapter is the uniform per-chain contract the Event Monitor and
// Coordinator program against (spec §4.4).
type Adapter interface {
	// ChainTag identifies which configured chain this adapter serves.
	ChainTag() string

	// Read surface.
	CurrentHeight(ctx context.Context) (uint64, error)
	FinalizedHeight(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, from, to uint64) ([]Event, error)
	TxStatus(ctx context.Context, ref TxRef) (TxRef, error)

	// Write surface — idempotent by Action.ActionKey().
	LockSource(ctx context.Context, req LockRequest) (TxRef, error)
	LockDestination(ctx context.Context, req LockRequest) (TxRef, error)
	Reveal(ctx context.Context, req RevealRequest) (TxRef, error)
	Refund(ctx context.Context, req RefundRequest) (TxRef, error)
}

// Endpoint is one ranked RPC endpoint an adapter may use, tried in order
// on transport error (spec §4.4 "ranked list of endpoints").
type Endpoint struct {
	URL string
}
