package timelock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

var fixedT0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestComputeHappyPath(t *testing.T) {
	dl, err := Compute(fixedT0, time.Hour, Params{})
	require.NoError(t, err)

	assert.Equal(t, fixedT0.Add(time.Hour), dl.SourceWithdrawal)
	assert.Equal(t, fixedT0.Add(time.Hour+DefaultPublicWindow), dl.SourcePublicWithdrawal)
	assert.Equal(t, fixedT0.Add(time.Hour+DefaultPublicWindow+DefaultCancelWindow), dl.SourceCancellation)
	assert.Equal(t, fixedT0.Add(30*time.Minute), dl.DestinationWithdrawal)
	assert.Equal(t, fixedT0.Add(time.Hour-DefaultSafetyBuffer), dl.DestinationCancellation)
}

func TestComputeIsPureFunctionOfInputs(t *testing.T) {
	a, err := Compute(fixedT0, 90*time.Minute, Params{})
	require.NoError(t, err)
	b, err := Compute(fixedT0, 90*time.Minute, Params{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeBoundaryDurationAccepted(t *testing.T) {
	_, err := Compute(fixedT0, MinDuration, Params{})
	assert.NoError(t, err)
}

func TestComputeBelowMinimumRejected(t *testing.T) {
	_, err := Compute(fixedT0, MinDuration-time.Minute, Params{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidTimeout, utils.CodeOf(err, ""))
}

func TestComputeAboveMaximumRejected(t *testing.T) {
	_, err := Compute(fixedT0, MaxDuration+time.Hour, Params{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidTimeout, utils.CodeOf(err, ""))
}

func TestComputeRejectsWhenSafetyBufferViolatesOrdering(t *testing.T) {
	// A safety buffer larger than D pushes destination_cancellation past
	// t0, but the real failure mode is when it is not strictly before
	// source_withdrawal once D is tiny relative to the buffer.
	_, err := Compute(fixedT0, MinDuration, Params{SafetyBuffer: MinDuration + time.Hour})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidTimeout, utils.CodeOf(err, ""))
}

func TestValidateDetectsEachInequality(t *testing.T) {
	base, err := Compute(fixedT0, 2*time.Hour, Params{})
	require.NoError(t, err)

	broken := base
	broken.DestinationCancellation = base.SourceWithdrawal
	assert.Error(t, Validate(broken))

	broken = base
	broken.SourcePublicWithdrawal = base.SourceCancellation
	assert.Error(t, Validate(broken))

	broken = base
	broken.DestinationWithdrawal = base.DestinationCancellation
	assert.Error(t, Validate(broken))

	assert.NoError(t, Validate(base))
}
