package domain

import "time"

// StageRecord is the aggregated state of one stage of one project.
type StageRecord struct {
	StageID    StageID     `json:"stage_id"`
	Name       string      `json:"name"`
	ArtifactID *string     `json:"external_artifact_id"`
	Status     StageStatus `json:"status" enum:"NotStarted,Pending,Approved,Rejected"`
	ReviewID   *string     `json:"review_id"`
}

// NotStartedRecord is the record of a stage with no stored row.
func NotStartedRecord(id StageID) StageRecord {
	return StageRecord{StageID: id, Name: id.Name(), Status: StatusNotStarted}
}

// WorkflowSnapshot is a read-time projection of every stage of a project.
// It is recomputed on each read and never stored.
type WorkflowSnapshot struct {
	ProjectID   string        `json:"project_id"`
	ProjectName string        `json:"project_name"`
	Stages      []StageRecord `json:"stages"`
	FetchedAt   time.Time     `json:"fetched_at" format:"date-time"`
}

// Stage returns the record for id, or a NotStarted record when the snapshot lacks it.
func (s WorkflowSnapshot) Stage(id StageID) StageRecord {
	for _, rec := range s.Stages {
		if rec.StageID == id {
			if !rec.Status.Valid() {
				rec.Status = StatusNotStarted
			}
			if rec.Name == "" {
				rec.Name = id.Name()
			}
			return rec
		}
	}
	return NotStartedRecord(id)
}

// Normalized returns a copy with exactly one record per stage in pipeline order.
// Missing, duplicated or out-of-range entries never cause an error: the first valid
// record per stage wins and gaps are filled with NotStarted.
func (s WorkflowSnapshot) Normalized() WorkflowSnapshot {
	out := s
	out.Stages = make([]StageRecord, 0, StageCount)
	for _, id := range AllStages {
		out.Stages = append(out.Stages, s.Stage(id))
	}
	return out
}

// Statuses returns the normalized status of every stage, indexed by StageID-1.
func (s WorkflowSnapshot) Statuses() [StageCount]StageStatus {
	var res [StageCount]StageStatus
	for i, id := range AllStages {
		res[i] = s.Stage(id).Status
	}
	return res
}

// AnyPending reports whether at least one stage awaits a review decision.
func (s WorkflowSnapshot) AnyPending() bool {
	for _, id := range AllStages {
		if s.Stage(id).Status.IsPending() {
			return true
		}
	}
	return false
}
