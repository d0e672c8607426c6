package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// StageArtifact is one generation of a stage. The newest row that is not
// superseded is the stage's current record.
type StageArtifact struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	StageID      StageID     `json:"stage_id"`
	ReviewID     string      `json:"review_id"`
	Status       StageStatus `json:"status" enum:"NotStarted,Pending,Approved,Rejected"`
	Content      string      `json:"content"`
	InputsJSON   string      `json:"inputs_json,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	SupersededAt *string     `json:"superseded_at,omitempty" format:"date-time"`
}

type ReviewTicket struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	StageID   StageID     `json:"stage_id"`
	Status    StageStatus `json:"status" enum:"Pending,Approved,Rejected"`
	Feedback  *string     `json:"feedback,omitempty"`
	CreatedAt string      `json:"created_at" format:"date-time"`
	DecidedAt *string     `json:"decided_at,omitempty" format:"date-time"`
}

// Story is an individually reviewable item produced by the Stories stage.
type Story struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	ArtifactID string      `json:"artifact_id"`
	Position   int         `json:"position"`
	Title      string      `json:"title"`
	Body       string      `json:"body,omitempty"`
	Status     StageStatus `json:"status" enum:"Pending,Approved,Rejected"`
	Feedback   *string     `json:"feedback,omitempty"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
	UpdatedAt  string      `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
