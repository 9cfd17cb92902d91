// Package timelock implements the Timelock Calculator (C2): a pure
// function of a base duration and current wall time producing the five
// absolute deadlines a Session carries, enforcing the cross-chain ordering
// invariant from spec §3.
package timelock

import (
	"time"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const CodeInvalidTimeout = "INVALID_TIMEOUT"

const (
	MinDuration = 30 * time.Minute
	MaxDuration = 7 * 24 * time.Hour

	// DefaultPublicWindow is the public-withdrawal window after the
	// private window on the source chain.
	DefaultPublicWindow = 10 * time.Minute
	// DefaultCancelWindow is the cancellation window after the public
	// window on the source chain.
	DefaultCancelWindow = 30 * time.Minute
	// DefaultSafetyBuffer is subtracted from the source withdrawal
	// deadline to derive the destination cancellation deadline.
	DefaultSafetyBuffer = 2 * time.Hour
)

// Params configures the calculator's public/cancel window and safety
// buffer. Zero values fall back to the package defaults.
type Params struct {
	PublicWindow time.Duration
	CancelWindow time.Duration
	SafetyBuffer time.Duration
}

func (p Params) withDefaults() Params {
	if p.PublicWindow <= 0 {
		p.PublicWindow = DefaultPublicWindow
	}
	if p.CancelWindow <= 0 {
		p.CancelWindow = DefaultCancelWindow
	}
	if p.SafetyBuffer <= 0 {
		p.SafetyBuffer = DefaultSafetyBuffer
	}
	return p
}

// Deadlines holds the five absolute timestamps a Session carries.
type Deadlines struct {
	SourceWithdrawal        time.Time
	SourcePublicWithdrawal  time.Time
	SourceCancellation      time.Time
	DestinationWithdrawal   time.Time
	DestinationCancellation time.Time
}

// Compute derives the five deadlines from a base duration D and the
// current wall time t0, per spec §4.2:
//
//	source_withdrawal        = t0 + D
//	source_public_withdrawal = t0 + D + P
//	source_cancellation      = t0 + D + P + C
//	destination_withdrawal   = t0 + D/2
//	destination_cancellation = t0 + D - S
//
// It rejects with INVALID_TIMEOUT if D is outside [30m, 7d] or if the
// resulting timestamps violate any §3 inequality.
func Compute(t0 time.Time, d time.Duration, params Params) (Deadlines, error) {
	if d < MinDuration || d > MaxDuration {
		return Deadlines{}, utils.NewCodedError(CodeInvalidTimeout, "base duration out of [30m, 7d]")
	}
	p := params.withDefaults()

	dl := Deadlines{
		SourceWithdrawal:        t0.Add(d),
		SourcePublicWithdrawal:  t0.Add(d + p.PublicWindow),
		SourceCancellation:      t0.Add(d + p.PublicWindow + p.CancelWindow),
		DestinationWithdrawal:   t0.Add(d / 2),
		DestinationCancellation: t0.Add(d - p.SafetyBuffer),
	}

	if err := Validate(dl); err != nil {
		return Deadlines{}, err
	}
	return dl, nil
}

// Validate checks the §3 inequalities on an already-computed Deadlines
// value. It is exported so the session package can re-check invariants on
// records it did not itself compute (e.g. loaded from a durable store).
func Validate(dl Deadlines) error {
	switch {
	case !dl.DestinationCancellation.Before(dl.SourceWithdrawal):
		return utils.NewCodedError(CodeInvalidTimeout, "destination_cancellation must be strictly before source_withdrawal")
	case dl.SourcePublicWithdrawal.Before(dl.SourceWithdrawal):
		return utils.NewCodedError(CodeInvalidTimeout, "source_public_withdrawal must be >= source_withdrawal")
	case !dl.SourcePublicWithdrawal.Before(dl.SourceCancellation):
		return utils.NewCodedError(CodeInvalidTimeout, "source_public_withdrawal must be strictly before source_cancellation")
	case !dl.DestinationWithdrawal.Before(dl.DestinationCancellation):
		return utils.NewCodedError(CodeInvalidTimeout, "destination_withdrawal must be strictly before destination_cancellation")
	default:
		return nil
	}
}
