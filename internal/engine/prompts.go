package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"forgeline/internal/domain"
	"forgeline/internal/repo"
)

// upstreamContext is what a stage generation reads from earlier approved stages.
type upstreamContext struct {
	artifacts map[domain.StageID]string
	stories   []domain.Story
}

func (e Engine) upstream(ctx context.Context, projectID string, stage domain.StageID) (upstreamContext, error) {
	up := upstreamContext{artifacts: map[domain.StageID]string{}}
	for _, prev := range domain.AllStages[:int(stage)-1] {
		row, err := e.Repo.LatestStage(ctx, projectID, prev)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return up, err
		}
		if row.Status.IsApproved() {
			up.artifacts[prev] = row.Content
		}
		if prev == domain.StageStories && row.Status.IsApproved() {
			stories, err := e.Repo.ListApprovedStories(ctx, row.ID)
			if err != nil {
				return up, err
			}
			up.stories = stories
		}
	}
	return up, nil
}

var systemPrompts = map[domain.StageID]string{
	domain.StageRequirements: "You are a senior business analyst. Produce a structured requirements analysis: goals, actors, functional and non-functional requirements, open questions.",
	domain.StagePlanning:     "You are a technical lead. Produce a project plan from the approved requirements: architecture outline, milestones, risks.",
	domain.StageStories:      "You are a product owner. Break the plan into user stories. Reply with a JSON array of objects with \"title\" and \"body\" fields only.",
	domain.StagePrompts:      "You are a prompt engineer. For every approved user story write an implementation prompt a coding assistant can follow.",
	domain.StageReview:       "You are a reviewer. Check the artifacts below for consistency and gaps and summarise what is ready to build.",
}

func systemPrompt(stage domain.StageID) string { return systemPrompts[stage] }

func buildPrompt(project domain.Project, stage domain.StageID, inputs map[string]string, up upstreamContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", project.Name)
	if desc := inputs["description"]; desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", desc)
	} else if project.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", project.Description)
	}
	for _, prev := range domain.AllStages[:int(stage)-1] {
		content, ok := up.artifacts[prev]
		if !ok || prev == domain.StageStories && len(up.stories) > 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## Approved %s\n%s\n", prev.Name(), content)
	}
	if len(up.stories) > 0 {
		b.WriteString("\n## Approved stories\n")
		for _, s := range up.stories {
			fmt.Fprintf(&b, "%d. %s", s.Position, s.Title)
			if s.Body != "" {
				fmt.Fprintf(&b, " - %s", s.Body)
			}
			b.WriteByte('\n')
		}
	}
	var extra []string
	for k := range inputs {
		if k != "description" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	if len(extra) > 0 {
		b.WriteString("\n## Additional input\n")
		for _, k := range extra {
			fmt.Fprintf(&b, "%s: %s\n", k, inputs[k])
		}
	}
	fmt.Fprintf(&b, "\nProduce the %s artifact.\n", stage.Name())
	return b.String()
}
