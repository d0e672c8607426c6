package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forgeline/internal/domain"
)

// Static is a deterministic Generator for local runs and tests.
// Stories output is a JSON array so it decomposes like a real model reply.
type Static struct {
	// Stories is the number of stories produced for the Stories stage. Zero means 3.
	Stories int
	// Err, when set, is returned from every call.
	Err error
}

func (s Static) Name() string { return "static" }

func (s Static) Health(context.Context) error { return s.Err }

func (s Static) Generate(ctx context.Context, req Request) (Result, error) {
	if s.Err != nil {
		return Result{}, s.Err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	name := req.ProjectName
	if name == "" {
		name = "project"
	}
	var content string
	switch req.Stage {
	case domain.StageStories:
		n := s.Stories
		if n <= 0 {
			n = 3
		}
		drafts := make([]StoryDraft, 0, n)
		for i := 1; i <= n; i++ {
			drafts = append(drafts, StoryDraft{
				Title: fmt.Sprintf("Story %d for %s", i, name),
				Body:  fmt.Sprintf("As a user of %s I want capability %d so that the plan moves forward.", name, i),
			})
		}
		raw, err := json.MarshalIndent(drafts, "", "  ")
		if err != nil {
			return Result{}, err
		}
		content = string(raw)
	default:
		content = fmt.Sprintf("# %s: %s\n\n%s", req.Stage.Name(), name, summarize(req.Prompt))
	}
	return Result{Content: content, Model: "static"}, nil
}

func summarize(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	if len(lines) > 6 {
		lines = lines[:6]
	}
	return strings.Join(lines, "\n")
}
