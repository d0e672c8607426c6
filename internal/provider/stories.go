package provider

import (
	"encoding/json"
	"regexp"
	"strings"
)

// StoryDraft is one story extracted from a Stories artifact.
type StoryDraft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

var (
	numberedLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*])\s+(.+)$`)
	headingLine  = regexp.MustCompile(`^\s*#{2,4}\s+(.+)$`)
)

// ParseStories decomposes model output into stories. A JSON array (optionally inside a
// code fence) is preferred; otherwise markdown headings or list items start new stories
// and following lines become the body.
func ParseStories(content string) []StoryDraft {
	if drafts, ok := parseStoriesJSON(content); ok {
		return drafts
	}
	var out []StoryDraft
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var title string
		if m := headingLine.FindStringSubmatch(trimmed); m != nil {
			title = m[1]
		} else if m := numberedLine.FindStringSubmatch(trimmed); m != nil {
			title = m[1]
		}
		if title != "" {
			t, body := splitTitle(title)
			out = append(out, StoryDraft{Title: t, Body: body})
			continue
		}
		if len(out) == 0 {
			continue
		}
		last := &out[len(out)-1]
		if last.Body == "" {
			last.Body = trimmed
		} else {
			last.Body += "\n" + trimmed
		}
	}
	return out
}

func parseStoriesJSON(content string) ([]StoryDraft, bool) {
	trimmed := stripCodeFence(content)
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var drafts []StoryDraft
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &drafts); err != nil {
		return nil, false
	}
	out := drafts[:0]
	for _, d := range drafts {
		d.Title = strings.TrimSpace(d.Title)
		d.Body = strings.TrimSpace(d.Body)
		if d.Title != "" {
			out = append(out, d)
		}
	}
	return out, len(out) > 0
}

func splitTitle(s string) (string, string) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "**", ""))
	for _, sep := range []string{" - ", ": "} {
		if i := strings.Index(s, sep); i > 0 {
			return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(sep):])
		}
	}
	return strings.TrimSpace(s), ""
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimLeft(trimmed[3:], " \t\r\n")
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}
