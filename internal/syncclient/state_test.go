package syncclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	forgelinesdk "forgeline/sdk/go"
)

func snapshotOf(statuses ...domain.StageStatus) domain.WorkflowSnapshot {
	snap := domain.WorkflowSnapshot{ProjectID: "p1", ProjectName: "Shop"}
	for i, st := range statuses {
		id := domain.StageID(i + 1)
		snap.Stages = append(snap.Stages, domain.StageRecord{StageID: id, Name: id.Name(), Status: st})
	}
	return snap.Normalized()
}

var (
	errDown = &TransientNetworkError{Op: "fetch workflow", Err: errors.New("connection refused")}
	t0      = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestReduceFirstSuccessRendersEverything(t *testing.T) {
	opts := DefaultOptions("p1")
	tr := Reduce(NewViewState(), PollResult{Seq: 1, Snapshot: snapshotOf()}, opts, t0)
	require.True(t, tr.Applied)
	assert.True(t, tr.Full)
	assert.Len(t, tr.Changed, domain.StageCount)
	assert.Equal(t, PhasePolling, tr.State.Phase)
	assert.Equal(t, domain.StageRequirements, tr.State.Gate.Current)
	assert.Equal(t, []int{1}, tr.State.Gate.Accessible.Ints())
	assert.Equal(t, opts.SlowInterval, tr.Next, "nothing pending")
	assert.Equal(t, t0, tr.State.LastSuccess)
}

func TestReduceRendersOnlyChangedStages(t *testing.T) {
	opts := DefaultOptions("p1")
	s := Reduce(NewViewState(), PollResult{Seq: 1, Snapshot: snapshotOf(domain.StatusApproved, domain.StatusNotStarted)}, opts, t0).State

	tr := Reduce(s, PollResult{Seq: 2, Snapshot: snapshotOf(domain.StatusApproved, domain.StatusPending)}, opts, t0)
	require.True(t, tr.Applied)
	assert.False(t, tr.Full)
	require.Len(t, tr.Changed, 1)
	assert.Equal(t, domain.StagePlanning, tr.Changed[0].StageID)
	assert.Equal(t, opts.FastInterval, tr.Next, "a pending stage polls fast")

	same := Reduce(tr.State, PollResult{Seq: 3, Snapshot: snapshotOf(domain.StatusApproved, domain.StatusPending)}, opts, t0)
	assert.Empty(t, same.Changed)
}

func TestReduceDiscardsOutOfOrderResponses(t *testing.T) {
	opts := DefaultOptions("p1")
	s := Reduce(NewViewState(), PollResult{Seq: 6, Snapshot: snapshotOf(domain.StatusApproved)}, opts, t0).State

	tr := Reduce(s, PollResult{Seq: 5, Snapshot: snapshotOf(domain.StatusPending)}, opts, t0)
	assert.False(t, tr.Applied)
	assert.Equal(t, s, tr.State)
	assert.Equal(t, domain.StatusApproved, tr.State.Snapshot.Stage(domain.StageRequirements).Status)

	late := Reduce(s, PollResult{Seq: 4, Err: errDown}, opts, t0)
	assert.False(t, late.Applied)
	assert.Zero(t, late.State.Failures)
}

func TestReduceCircuitBreaker(t *testing.T) {
	opts := DefaultOptions("p1")
	s := Reduce(NewViewState(), PollResult{Seq: 1, Snapshot: snapshotOf(domain.StatusPending)}, opts, t0).State
	good := s.Snapshot

	var tr Transition
	for i := 2; i <= 3; i++ {
		tr = Reduce(s, PollResult{Seq: uint64(i), Err: errDown}, opts, t0)
		s = tr.State
		assert.False(t, tr.CircuitOpened)
		assert.False(t, s.Degraded())
		assert.Equal(t, opts.FastInterval, tr.Next)
	}
	assert.Same(t, good, s.Snapshot, "last good snapshot stays rendered")

	tr = Reduce(s, PollResult{Seq: 4, Err: errDown}, opts, t0)
	s = tr.State
	assert.True(t, tr.CircuitOpened)
	assert.True(t, s.Degraded())
	assert.Equal(t, 3, s.Failures)
	assert.Equal(t, opts.Cooldown, tr.Next)
	assert.Equal(t, t0.Add(opts.Cooldown), s.CircuitOpenUntil)
	assert.Same(t, good, s.Snapshot)

	// failed probes back off up to the cap
	for _, want := range []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute} {
		tr = Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: errDown}, opts, t0)
		s = tr.State
		assert.Equal(t, want, tr.Next)
		assert.Equal(t, t0.Add(want), s.CircuitOpenUntil)
		assert.True(t, s.Degraded())
	}

	tr = Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Snapshot: snapshotOf(domain.StatusApproved)}, opts, t0)
	assert.True(t, tr.CircuitClosed)
	assert.Equal(t, PhasePolling, tr.State.Phase)
	assert.Zero(t, tr.State.Failures)
	assert.Zero(t, tr.State.Cooldown)
	assert.True(t, tr.State.CircuitOpenUntil.IsZero())
	assert.Nil(t, tr.State.LastError)
	assert.Len(t, tr.Changed, 2, "stage 1 approved and stage 2 now accessible")
}

func TestReduceNotFoundParksTheView(t *testing.T) {
	opts := DefaultOptions("p1")
	s := Reduce(NewViewState(), PollResult{Seq: 1, Snapshot: snapshotOf(domain.StatusPending)}, opts, t0).State
	missing := domain.NotFoundError{Kind: "project", ID: "p1"}

	for i := 0; i < opts.FailureThreshold+1; i++ {
		tr := Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: missing}, opts, t0)
		s = tr.State
		assert.False(t, tr.CircuitOpened)
		assert.Zero(t, tr.Next)
	}
	assert.True(t, s.NotFound())
	assert.False(t, s.Degraded())
	assert.Zero(t, s.Failures)
	assert.Equal(t, missing, s.LastError)

	tr := Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Snapshot: snapshotOf(domain.StatusApproved)}, opts, t0)
	assert.Equal(t, PhasePolling, tr.State.Phase)
	assert.Nil(t, tr.State.LastError)
}

func TestReduceNotFoundClosesOpenCircuit(t *testing.T) {
	opts := DefaultOptions("p1")
	s := NewViewState()
	for i := 1; i <= opts.FailureThreshold; i++ {
		s = Reduce(s, PollResult{Seq: uint64(i), Err: errDown}, opts, t0).State
	}
	require.True(t, s.Degraded())

	tr := Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: &forgelinesdk.APIError{StatusCode: 404, Code: "not_found"}}, opts, t0)
	assert.True(t, tr.CircuitClosed)
	assert.True(t, tr.State.NotFound())
	assert.Zero(t, tr.State.Failures)
	assert.True(t, tr.State.CircuitOpenUntil.IsZero())
}

func TestReduceNonTransientErrorsSkipTheBreaker(t *testing.T) {
	opts := DefaultOptions("p1")
	s := Reduce(NewViewState(), PollResult{Seq: 1, Snapshot: snapshotOf(domain.StatusPending)}, opts, t0).State
	bad := &forgelinesdk.APIError{StatusCode: 400, Code: "validation_failed"}

	for i := 0; i < opts.FailureThreshold*2; i++ {
		tr := Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: bad}, opts, t0)
		s = tr.State
		assert.False(t, tr.CircuitOpened)
		assert.Equal(t, opts.FastInterval, tr.Next)
	}
	assert.Equal(t, PhasePolling, s.Phase)
	assert.Zero(t, s.Failures)
	assert.Equal(t, bad, s.LastError)

	for i := 0; i < opts.FailureThreshold; i++ {
		s = Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: errDown}, opts, t0).State
	}
	require.True(t, s.Degraded())
	tr := Reduce(s, PollResult{Seq: s.AppliedSeq + 1, Err: bad}, opts, t0)
	assert.True(t, tr.CircuitClosed, "the server answered the probe")
	assert.Equal(t, PhasePolling, tr.State.Phase)
}

func TestIntervalBoostAndLoading(t *testing.T) {
	opts := DefaultOptions("p1")
	s := NewViewState()
	assert.Equal(t, opts.FastInterval, s.Interval(opts), "retry fast until something is loaded")

	snap := snapshotOf(domain.StatusApproved)
	s.Snapshot = &snap
	assert.Equal(t, opts.SlowInterval, s.Interval(opts))
	s.Boost = 1
	assert.Equal(t, opts.FastInterval, s.Interval(opts))

	s.Boost = 2
	tr := Reduce(s, PollResult{Seq: 1, Snapshot: snap}, opts, t0)
	assert.Equal(t, 1, tr.State.Boost)
	assert.Equal(t, opts.FastInterval, tr.Next)
	tr = Reduce(tr.State, PollResult{Seq: 2, Snapshot: snap}, opts, t0)
	assert.Equal(t, 0, tr.State.Boost)
	assert.Equal(t, opts.SlowInterval, tr.Next)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{ProjectID: "p1", Cooldown: time.Minute, MaxCooldown: time.Second}.withDefaults()
	assert.Equal(t, 2*time.Second, o.FastInterval)
	assert.Equal(t, 3, o.FailureThreshold)
	assert.Equal(t, time.Minute, o.MaxCooldown)
}
