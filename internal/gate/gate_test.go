package gate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func snapshotOf(statuses ...domain.StageStatus) domain.WorkflowSnapshot {
	snap := domain.WorkflowSnapshot{ProjectID: "p1", ProjectName: "Demo"}
	for i, st := range statuses {
		id := domain.StageID(i + 1)
		snap.Stages = append(snap.Stages, domain.StageRecord{StageID: id, Name: id.Name(), Status: st})
	}
	return snap
}

const (
	ns = domain.StatusNotStarted
	pe = domain.StatusPending
	ap = domain.StatusApproved
	rj = domain.StatusRejected
)

func TestAllNotStarted(t *testing.T) {
	snap := snapshotOf(ns, ns, ns, ns, ns)
	assert.Equal(t, domain.StageRequirements, CurrentStage(snap))
	assert.Equal(t, []int{1}, AccessibleStages(snap).Ints())
	assert.False(t, CanAdvance(snap, domain.StageRequirements))
}

func TestPendingBlocksAdvance(t *testing.T) {
	snap := snapshotOf(ap, pe, ns, ns, ns)
	assert.Equal(t, domain.StagePlanning, CurrentStage(snap))
	assert.Equal(t, []int{1, 2}, AccessibleStages(snap).Ints())
	assert.False(t, CanAdvance(snap, domain.StagePlanning))
	assert.True(t, CanAdvance(snap, domain.StageRequirements))
}

func TestThreeApproved(t *testing.T) {
	snap := snapshotOf(ap, ap, ap, ns, ns)
	assert.Equal(t, []int{1, 2, 3, 4}, AccessibleStages(snap).Ints())
	assert.Equal(t, domain.StagePrompts, CurrentStage(snap))
}

func TestAllApprovedIsStageFive(t *testing.T) {
	snap := snapshotOf(ap, ap, ap, ap, ap)
	assert.Equal(t, domain.StageReview, CurrentStage(snap))
	assert.True(t, Complete(snap))
	assert.Equal(t, 5, AccessibleStages(snap).Len())
	assert.False(t, CanAdvance(snap, domain.StageReview))
}

func TestMissingEntriesAreNotStarted(t *testing.T) {
	snap := domain.WorkflowSnapshot{Stages: []domain.StageRecord{
		{StageID: domain.StageRequirements, Status: ap},
		{StageID: 9, Status: ap},
		{StageID: domain.StageStories, Status: "garbage"},
	}}
	assert.Equal(t, domain.StagePlanning, CurrentStage(snap))
	assert.Equal(t, []int{1, 2}, AccessibleStages(snap).Ints())

	assert.Equal(t, domain.StageRequirements, CurrentStage(domain.WorkflowSnapshot{}))
	assert.Equal(t, []int{1}, AccessibleStages(domain.WorkflowSnapshot{}).Ints())
}

func TestLaterApprovalDoesNotUnlock(t *testing.T) {
	snap := snapshotOf(ap, rj, ap, ns, ns)
	assert.Equal(t, domain.StagePlanning, CurrentStage(snap))
	assert.Equal(t, []int{1, 2}, AccessibleStages(snap).Ints())
	assert.False(t, CanAdvance(snap, domain.StageStories))
}

// every combination of five statuses
func allSnapshots() []domain.WorkflowSnapshot {
	values := []domain.StageStatus{ns, pe, ap, rj}
	var out []domain.WorkflowSnapshot
	var walk func(prefix []domain.StageStatus)
	walk = func(prefix []domain.StageStatus) {
		if len(prefix) == domain.StageCount {
			out = append(out, snapshotOf(prefix...))
			return
		}
		for _, v := range values {
			walk(append(append([]domain.StageStatus(nil), prefix...), v))
		}
	}
	walk(nil)
	return out
}

func TestAccessiblePrefixClosed(t *testing.T) {
	for _, snap := range allSnapshots() {
		set := AccessibleStages(snap)
		require.True(t, set.Contains(domain.StageRequirements))
		for _, id := range domain.AllStages {
			if !set.Contains(id) {
				continue
			}
			for lower := domain.StageRequirements; lower < id; lower++ {
				require.Truef(t, set.Contains(lower), "%v: stage %d accessible but %d not", snap.Statuses(), id, lower)
			}
		}
	}
}

func TestCurrentIsMinNonApproved(t *testing.T) {
	for _, snap := range allSnapshots() {
		want := domain.StageReview
		for i, st := range snap.Statuses() {
			if st != ap {
				want = domain.StageID(i + 1)
				break
			}
		}
		require.Equalf(t, want, CurrentStage(snap), "%v", snap.Statuses())
		require.Truef(t, Accessible(snap, CurrentStage(snap)), "current stage must be accessible: %v", snap.Statuses())
	}
}

func TestCanAdvanceImpliesNextAccessible(t *testing.T) {
	for _, snap := range allSnapshots() {
		for _, id := range domain.AllStages {
			if !CanAdvance(snap, id) {
				continue
			}
			next, ok := id.Next()
			require.True(t, ok)
			require.True(t, Accessible(snap, next))
			require.Equal(t, ap, snap.Stage(id).Status)
		}
	}
}

func TestEvaluateAndChanged(t *testing.T) {
	before := Evaluate(snapshotOf(ap, pe, ns, ns, ns))
	after := Evaluate(snapshotOf(ap, ap, ns, ns, ns))

	assert.Equal(t, domain.StagePlanning, before.Current)
	assert.Equal(t, domain.StageStories, after.Current)

	changed := Changed(before, after)
	require.Len(t, changed, 2)
	assert.Equal(t, domain.StagePlanning, changed[0].StageID)
	assert.True(t, changed[0].CanAdvance)
	assert.Equal(t, domain.StageStories, changed[1].StageID)
	assert.True(t, changed[1].Accessible)
	assert.True(t, changed[1].Current)

	assert.Empty(t, Changed(after, after))
}

func TestStageSetJSON(t *testing.T) {
	raw, err := json.Marshal(NewStageSet(domain.StageStories, domain.StageRequirements, 0, 7))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,3]`, string(raw))
}
