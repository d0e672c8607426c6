package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StageID identifies one of the five pipeline stages.
type StageID int

const (
	StageRequirements StageID = 1
	StagePlanning     StageID = 2
	StageStories      StageID = 3
	StagePrompts      StageID = 4
	StageReview       StageID = 5
)

// StageCount is the number of stages in the pipeline.
const StageCount = 5

// AllStages lists the stages in pipeline order.
var AllStages = []StageID{StageRequirements, StagePlanning, StageStories, StagePrompts, StageReview}

var stageNames = map[StageID]string{
	StageRequirements: "Requirements",
	StagePlanning:     "Planning",
	StageStories:      "Stories",
	StagePrompts:      "Prompts",
	StageReview:       "Review",
}

var stageSlugs = map[StageID]string{
	StageRequirements: "requirements",
	StagePlanning:     "planning",
	StageStories:      "stories",
	StagePrompts:      "prompts",
	StageReview:       "review",
}

func (s StageID) Valid() bool {
	return s >= StageRequirements && s <= StageReview
}

// Name returns the display name, or "Stage N" for out-of-range ids.
func (s StageID) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Stage %d", int(s))
}

func (s StageID) Slug() string {
	return stageSlugs[s]
}

func (s StageID) String() string { return s.Name() }

// Next returns the following stage and false when s is the last one.
func (s StageID) Next() (StageID, bool) {
	if !s.Valid() || s == StageReview {
		return s, false
	}
	return s + 1, true
}

// ParseStageID accepts a number ("3") or a slug ("stories").
func ParseStageID(raw string) (StageID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(trimmed); err == nil {
		id := StageID(n)
		if !id.Valid() {
			return 0, ValidationError{Field: "stage_id", Reason: fmt.Sprintf("stage %d out of range 1..%d", n, StageCount)}
		}
		return id, nil
	}
	for id, slug := range stageSlugs {
		if slug == trimmed {
			return id, nil
		}
	}
	return 0, ValidationError{Field: "stage_id", Reason: fmt.Sprintf("unknown stage %q", raw)}
}

// StageStatus is the lifecycle of a stage (and of review tickets and stories).
type StageStatus string

const (
	StatusNotStarted StageStatus = "NotStarted"
	StatusPending    StageStatus = "Pending"
	StatusApproved   StageStatus = "Approved"
	StatusRejected   StageStatus = "Rejected"
)

// Storage codes for sub-resources that persist status as an integer.
const (
	statusCodeNotStarted = 0
	statusCodePending    = 1
	statusCodeApproved   = 2
	statusCodeRejected   = 3
)

func (s StageStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

func (s StageStatus) IsStarted() bool  { return s != StatusNotStarted && s != "" }
func (s StageStatus) IsPending() bool  { return s == StatusPending }
func (s StageStatus) IsApproved() bool { return s == StatusApproved }
func (s StageStatus) IsRejected() bool { return s == StatusRejected }

// IsDecided reports whether a reviewer has already ruled on the item.
func (s StageStatus) IsDecided() bool { return s == StatusApproved || s == StatusRejected }

// Code returns the integer storage code of the status.
func (s StageStatus) Code() int {
	switch s {
	case StatusPending:
		return statusCodePending
	case StatusApproved:
		return statusCodeApproved
	case StatusRejected:
		return statusCodeRejected
	default:
		return statusCodeNotStarted
	}
}

// ParseStageStatus is the single normalization point for status values coming from
// storage rows or API payloads. It accepts the canonical names in any case and
// separator style, integer storage codes, and nil (NotStarted).
func ParseStageStatus(v any) (StageStatus, error) {
	switch val := v.(type) {
	case nil:
		return StatusNotStarted, nil
	case StageStatus:
		if val == "" {
			return StatusNotStarted, nil
		}
		return ParseStageStatus(string(val))
	case string:
		return parseStatusString(val)
	case []byte:
		return parseStatusString(string(val))
	case int:
		return parseStatusCode(int64(val))
	case int64:
		return parseStatusCode(val)
	case float64:
		if val != float64(int64(val)) {
			return "", fmt.Errorf("invalid stage status %v", val)
		}
		return parseStatusCode(int64(val))
	default:
		return "", fmt.Errorf("invalid stage status type %T", v)
	}
}

func parseStatusString(raw string) (StageStatus, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	switch key {
	case "", "notstarted", "none", "new":
		return StatusNotStarted, nil
	case "pending", "pendingreview", "inreview", "submitted":
		return StatusPending, nil
	case "approved", "accepted":
		return StatusApproved, nil
	case "rejected", "declined":
		return StatusRejected, nil
	}
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return parseStatusCode(n)
	}
	return "", fmt.Errorf("invalid stage status %q", raw)
}

func parseStatusCode(code int64) (StageStatus, error) {
	switch code {
	case statusCodeNotStarted:
		return StatusNotStarted, nil
	case statusCodePending:
		return StatusPending, nil
	case statusCodeApproved:
		return StatusApproved, nil
	case statusCodeRejected:
		return StatusRejected, nil
	}
	return "", fmt.Errorf("invalid stage status code %d", code)
}

func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStageStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
