// Package gate decides which pipeline stages a client may open or advance from.
// Every function is total: snapshots with missing or malformed stage entries are
// normalized (missing means NotStarted) and evaluated, never rejected.
package gate

import (
	"encoding/json"

	"forgeline/internal/domain"
)

// StageSet is a small set of stage ids.
type StageSet uint8

func NewStageSet(ids ...domain.StageID) StageSet {
	var s StageSet
	for _, id := range ids {
		s = s.With(id)
	}
	return s
}

func (s StageSet) With(id domain.StageID) StageSet {
	if !id.Valid() {
		return s
	}
	return s | 1<<(uint(id)-1)
}

func (s StageSet) Contains(id domain.StageID) bool {
	if !id.Valid() {
		return false
	}
	return s&(1<<(uint(id)-1)) != 0
}

// Stages lists members in pipeline order.
func (s StageSet) Stages() []domain.StageID {
	out := make([]domain.StageID, 0, domain.StageCount)
	for _, id := range domain.AllStages {
		if s.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

func (s StageSet) Len() int { return len(s.Stages()) }

// Ints is the wire form of the set.
func (s StageSet) Ints() []int {
	ids := s.Stages()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func (s StageSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Ints())
}

// AccessibleStages returns stage 1 plus every stage whose predecessors are all Approved.
// The result is prefix-closed.
func AccessibleStages(snap domain.WorkflowSnapshot) StageSet {
	statuses := snap.Statuses()
	set := NewStageSet(domain.StageRequirements)
	for i := 1; i < domain.StageCount; i++ {
		if !statuses[i-1].IsApproved() {
			break
		}
		set = set.With(domain.StageID(i + 1))
	}
	return set
}

// CurrentStage is the lowest stage that is not Approved, or the last stage when
// every stage is Approved.
func CurrentStage(snap domain.WorkflowSnapshot) domain.StageID {
	statuses := snap.Statuses()
	for i, st := range statuses {
		if !st.IsApproved() {
			return domain.StageID(i + 1)
		}
	}
	return domain.StageReview
}

// Complete reports whether every stage is Approved.
func Complete(snap domain.WorkflowSnapshot) bool {
	for _, st := range snap.Statuses() {
		if !st.IsApproved() {
			return false
		}
	}
	return true
}

// CanAdvance reports whether navigation may move forward from the given stage:
// the stage and all of its predecessors must be Approved and a next stage must exist.
// A Pending stage blocks forward navigation even though it is accessible.
func CanAdvance(snap domain.WorkflowSnapshot, from domain.StageID) bool {
	if !from.Valid() || from == domain.StageReview {
		return false
	}
	statuses := snap.Statuses()
	for i := 0; i < int(from); i++ {
		if !statuses[i].IsApproved() {
			return false
		}
	}
	return true
}

// Accessible reports whether a single stage may be opened.
func Accessible(snap domain.WorkflowSnapshot, id domain.StageID) bool {
	return AccessibleStages(snap).Contains(id)
}

// StageView holds the derived values the client renders for one stage.
type StageView struct {
	StageID    domain.StageID
	Name       string
	Status     domain.StageStatus
	ArtifactID string
	ReviewID   string
	Accessible bool
	Current    bool
	CanAdvance bool
}

// Evaluation is the gate applied to a whole snapshot.
type Evaluation struct {
	Accessible StageSet
	Current    domain.StageID
	Complete   bool
	Stages     [domain.StageCount]StageView
}

func Evaluate(snap domain.WorkflowSnapshot) Evaluation {
	ev := Evaluation{
		Accessible: AccessibleStages(snap),
		Current:    CurrentStage(snap),
		Complete:   Complete(snap),
	}
	for i, id := range domain.AllStages {
		rec := snap.Stage(id)
		ev.Stages[i] = StageView{
			StageID:    id,
			Name:       id.Name(),
			Status:     rec.Status,
			ArtifactID: deref(rec.ArtifactID),
			ReviewID:   deref(rec.ReviewID),
			Accessible: ev.Accessible.Contains(id),
			Current:    id == ev.Current,
			CanAdvance: CanAdvance(snap, id),
		}
	}
	return ev
}

// Changed returns the stages whose derived view differs between two evaluations.
func Changed(prev, next Evaluation) []StageView {
	var out []StageView
	for i := range next.Stages {
		if prev.Stages[i] != next.Stages[i] {
			out = append(out, next.Stages[i])
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
