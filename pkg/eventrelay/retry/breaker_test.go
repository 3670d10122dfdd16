package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type transition struct {
	from, to State
}

func observed(b *Breaker) *[]transition {
	var got []transition
	b.OnTransition(func(from, to State, _ int) {
		got = append(got, transition{from, to})
	})
	return &got
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	got := observed(b)

	b.RecordFailure(t0)
	b.RecordFailure(t0)
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(t0)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Stats().ConsecutiveFailures)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *got)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	b.RecordFailure(t0)
	b.RecordFailure(t0)
	b.RecordSuccess()
	b.RecordFailure(t0)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().ConsecutiveFailures)
}

func TestBreaker_OpenRejectsUntilResetTimeout(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordFailure(t0)

	probe, err := b.Allow(t0.Add(59 * time.Second))
	assert.False(t, probe)
	var openErr *relayerrors.BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, t0, openErr.OpenedAt)
	assert.Equal(t, t0.Add(time.Minute), openErr.RetryAt)
	assert.True(t, relayerrors.IsBreakerOpen(err))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SingleHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordFailure(t0)

	probe, err := b.Allow(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, probe)
	assert.Equal(t, StateHalfOpen, b.State())

	probe, err = b.Allow(t0.Add(time.Minute))
	assert.False(t, probe)
	assert.Error(t, err, "only one probe may be outstanding")
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	got := observed(b)
	b.RecordFailure(t0)
	b.RecordFailure(t0)

	_, err := b.Allow(t0.Add(2 * time.Minute))
	require.NoError(t, err)
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Stats().ConsecutiveFailures)
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *got)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordFailure(t0)

	probeAt := t0.Add(time.Minute)
	_, err := b.Allow(probeAt)
	require.NoError(t, err)
	b.RecordFailure(probeAt)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, probeAt, b.Stats().LastFailure)

	_, err = b.Allow(probeAt.Add(30 * time.Second))
	assert.Error(t, err, "reset timeout restarts from the probe failure")
}

func TestBreaker_ReleaseProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	b.RecordFailure(t0)

	_, err := b.Allow(t0.Add(time.Minute))
	require.NoError(t, err)
	b.ReleaseProbe()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, b.Stats().ConsecutiveFailures)

	probe, err := b.Allow(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, probe)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
