package main

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	"forgeline/internal/gate"
	"forgeline/internal/syncclient"
)

type fakeControls struct {
	visible   []bool
	polls     int
	generated []domain.StageID
	decisions []string
}

func (f *fakeControls) SetVisible(v bool) { f.visible = append(f.visible, v) }

func (f *fakeControls) PollNow() { f.polls++ }

func (f *fakeControls) Generate(stage domain.StageID) { f.generated = append(f.generated, stage) }

func (f *fakeControls) Decide(id string, approve bool, _ *string) {
	verb := "reject"
	if approve {
		verb = "approve"
	}
	f.decisions = append(f.decisions, verb+":"+id)
}

func stateFor(statuses ...domain.StageStatus) syncclient.ViewState {
	snap := domain.WorkflowSnapshot{ProjectID: "p1", ProjectName: "Shop"}
	for i, st := range statuses {
		id := domain.StageID(i + 1)
		rec := domain.StageRecord{StageID: id, Status: st}
		if st != domain.StatusNotStarted {
			review := "r" + id.Slug()
			rec.ReviewID = &review
		}
		snap.Stages = append(snap.Stages, rec)
	}
	snap = snap.Normalized()
	s := syncclient.NewViewState()
	s.Phase = syncclient.PhasePolling
	s.Snapshot = &snap
	s.Gate = gate.Evaluate(snap)
	s.LastSuccess = time.Date(2024, 1, 1, 15, 4, 0, 0, time.UTC)
	return s
}

func key(r string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(r)}
}

func TestWatchRendersOnlyChangedRows(t *testing.T) {
	ctrl := &fakeControls{}
	m := newWatchModel("p1", ctrl)
	assert.Contains(t, m.View(), "loading workflow")

	s := stateFor(domain.StatusApproved, domain.StatusPending)
	m.Update(frameMsg{State: s, Changed: s.Gate.Stages[:], Full: true})
	view := m.View()
	assert.Contains(t, view, "Shop")
	assert.Contains(t, view, "Requirements")
	assert.Contains(t, view, "review rplanning")
	assert.Contains(t, view, "locked")

	// a frame that lists no stages leaves the cached rows alone
	before := m.rows
	next := stateFor(domain.StatusApproved, domain.StatusApproved)
	m.Update(frameMsg{State: next})
	assert.Equal(t, before, m.rows)

	m.Update(frameMsg{State: next, Changed: []gate.StageView{next.Gate.Stages[1]}})
	assert.Equal(t, before[0], m.rows[0])
	assert.NotEqual(t, before[1], m.rows[1])
}

func TestWatchDegradedBanner(t *testing.T) {
	m := newWatchModel("p1", &fakeControls{})
	s := stateFor(domain.StatusPending)
	m.Update(frameMsg{State: s, Changed: s.Gate.Stages[:], Full: true})
	assert.NotContains(t, m.View(), "Sync degraded")

	s.Phase = syncclient.PhaseCircuitOpen
	s.Failures = 3
	s.NextPoll = 15 * time.Second
	s.LastError = errors.New("connection refused")
	m.Update(frameMsg{State: s})
	view := m.View()
	assert.Contains(t, view, "Sync degraded: 3 failed polls, retrying in 15s")
	assert.Contains(t, view, "Requirements", "last good snapshot stays on screen")

	s.CircuitOpenUntil = time.Date(2024, 1, 1, 15, 4, 15, 0, time.UTC)
	m.Update(frameMsg{State: s})
	assert.Contains(t, m.View(), "retrying in 15s at "+s.CircuitOpenUntil.Local().Format(time.TimeOnly))
}

func TestWatchUnknownProject(t *testing.T) {
	ctrl := &fakeControls{}
	m := newWatchModel("ghost", ctrl)
	s := syncclient.NewViewState()
	s.Phase = syncclient.PhaseNotFound
	s.LastError = errors.New("api error: status=404")
	m.Update(frameMsg{State: s})

	view := m.View()
	assert.Contains(t, view, "Project ghost not found")
	assert.NotContains(t, view, "Sync degraded")
	assert.NotContains(t, view, "loading workflow")

	m.Update(key("g"))
	assert.Empty(t, ctrl.generated)
	assert.Equal(t, "project not found", m.notice)
	m.Update(key("r"))
	assert.Equal(t, 1, ctrl.polls)
}

func TestWatchKeys(t *testing.T) {
	ctrl := &fakeControls{}
	m := newWatchModel("p1", ctrl)

	m.Update(key("g"))
	assert.Empty(t, ctrl.generated, "nothing loaded yet")
	assert.Equal(t, "still loading", m.notice)

	s := stateFor(domain.StatusApproved, domain.StatusPending)
	m.Update(frameMsg{State: s, Changed: s.Gate.Stages[:], Full: true})

	m.Update(key("g"))
	assert.Empty(t, ctrl.generated)
	assert.Equal(t, "Planning awaits review", m.notice)

	m.Update(key("a"))
	m.Update(key("x"))
	assert.Equal(t, []string{"approve:rplanning", "reject:rplanning"}, ctrl.decisions)

	s = stateFor(domain.StatusApproved, domain.StatusRejected)
	m.Update(frameMsg{State: s, Changed: s.Gate.Stages[:]})
	m.Update(key("g"))
	assert.Equal(t, []domain.StageID{domain.StagePlanning}, ctrl.generated)
	m.Update(key("a"))
	assert.Equal(t, "no pending review", m.notice)

	m.Update(key("r"))
	assert.Equal(t, 1, ctrl.polls)

	m.Update(tea.BlurMsg{})
	m.Update(tea.FocusMsg{})
	assert.Equal(t, []bool{false, true}, ctrl.visible)

	_, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestWatchNoticeFromFrame(t *testing.T) {
	m := newWatchModel("p1", &fakeControls{})
	s := stateFor()
	m.Update(frameMsg{State: s, Changed: s.Gate.Stages[:], Full: true, Notice: "Requirements generation requested"})
	assert.Contains(t, m.View(), "Requirements generation requested")
}

func TestParseInputs(t *testing.T) {
	in, err := parseInputs([]string{"audience=developers", " tone = dry"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"audience": "developers", "tone": " dry"}, in)

	_, err = parseInputs([]string{"novalue"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b   c", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
