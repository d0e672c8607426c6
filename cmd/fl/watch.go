package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/gate"
	"forgeline/internal/logging"
	"forgeline/internal/syncclient"
	forgelinesdk "forgeline/sdk/go"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#C0392B")).Padding(0, 1)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	lockedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	boardStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	statusStyles = map[domain.StageStatus]lipgloss.Style{
		domain.StatusNotStarted: lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC")),
		domain.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		domain.StatusApproved:   lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		domain.StatusRejected:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
	}
)

// controls is the part of syncclient.Controller the view drives.
type controls interface {
	SetVisible(bool)
	PollNow()
	Generate(domain.StageID)
	Decide(reviewID string, approve bool, feedback *string)
}

type frameMsg syncclient.Frame

type watchModel struct {
	ctrl      controls
	projectID string
	spinner   spinner.Model
	state     syncclient.ViewState
	// rows caches the rendered line of every stage; frames only re-render the stages they list.
	rows     [domain.StageCount]string
	notice   string
	quitting bool
}

func newWatchModel(projectID string, ctrl controls) *watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &watchModel{
		ctrl:      ctrl,
		projectID: projectID,
		spinner:   sp,
		state:     syncclient.NewViewState(),
	}
}

func (m *watchModel) Init() tea.Cmd { return m.spinner.Tick }

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case frameMsg:
		m.applyFrame(syncclient.Frame(msg))
		return m, nil
	case tea.FocusMsg:
		m.ctrl.SetVisible(true)
		return m, nil
	case tea.BlurMsg:
		m.ctrl.SetVisible(false)
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) applyFrame(fr syncclient.Frame) {
	m.state = fr.State
	for _, v := range fr.Changed {
		if v.StageID.Valid() {
			m.rows[v.StageID-1] = renderStage(v)
		}
	}
	if fr.Notice != "" {
		m.notice = fr.Notice
	}
}

func (m *watchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit
	case "r":
		m.ctrl.PollNow()
		m.notice = "refreshing"
	case "g":
		m.generateCurrent()
	case "a", "x":
		approve := msg.String() == "a"
		id, stage, ok := pendingReview(m.state)
		if !ok {
			m.notice = "no pending review"
			return m, nil
		}
		m.ctrl.Decide(id, approve, nil)
		verb := "rejecting"
		if approve {
			verb = "approving"
		}
		m.notice = fmt.Sprintf("%s %s", verb, stage.Name())
	}
	return m, nil
}

func (m *watchModel) generateCurrent() {
	if m.state.NotFound() {
		m.notice = "project not found"
		return
	}
	if m.state.Snapshot == nil {
		m.notice = "still loading"
		return
	}
	if m.state.Gate.Complete {
		m.notice = "workflow complete"
		return
	}
	cur := m.state.Gate.Current
	if m.state.Snapshot.Stage(cur).Status.IsPending() {
		m.notice = fmt.Sprintf("%s awaits review", cur.Name())
		return
	}
	m.ctrl.Generate(cur)
	m.notice = fmt.Sprintf("generating %s", cur.Name())
}

// pendingReview returns the review ticket of the lowest Pending stage.
func pendingReview(s syncclient.ViewState) (string, domain.StageID, bool) {
	for _, v := range s.Gate.Stages {
		if v.Status.IsPending() && v.ReviewID != "" {
			return v.ReviewID, v.StageID, true
		}
	}
	return "", 0, false
}

func renderStage(v gate.StageView) string {
	marker := "  "
	if v.Current {
		marker = "▶ "
	}
	style, ok := statusStyles[v.Status]
	if !ok {
		style = statusStyles[domain.StatusNotStarted]
	}
	line := fmt.Sprintf("%s%d. %-13s %s", marker, int(v.StageID), v.Name, style.Render(fmt.Sprintf("%-10s", v.Status)))
	switch {
	case !v.Accessible:
		line += lockedStyle.Render("  locked")
	case v.Status.IsPending():
		line += hintStyle.Render("  review " + v.ReviewID)
	}
	return line
}

func (m *watchModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	title := fmt.Sprintf("Forgeline · %s", m.projectID)
	if m.state.Snapshot != nil && m.state.Snapshot.ProjectName != "" {
		title = fmt.Sprintf("Forgeline · %s (%s)", m.state.Snapshot.ProjectName, m.projectID)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if m.state.Degraded() {
		msg := fmt.Sprintf("Sync degraded: %d failed polls, retrying in %s", m.state.Failures, m.state.NextPoll)
		if !m.state.CircuitOpenUntil.IsZero() {
			msg += " at " + m.state.CircuitOpenUntil.Local().Format(time.TimeOnly)
		}
		b.WriteString(bannerStyle.Render(msg))
		b.WriteString("\n")
	}

	switch {
	case m.state.NotFound():
		b.WriteString(bannerStyle.Render(fmt.Sprintf("Project %s not found", m.projectID)))
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("polling stopped; press r to retry"))
		b.WriteString("\n")
	case m.state.Snapshot == nil:
		line := m.spinner.View() + " loading workflow"
		if m.state.LastError != nil {
			line += hintStyle.Render(fmt.Sprintf(" (%v)", m.state.LastError))
		}
		b.WriteString(line)
		b.WriteString("\n")
	default:
		b.WriteString(boardStyle.Render(strings.Join(m.rows[:], "\n")))
		b.WriteString("\n")
		if m.state.Gate.Complete {
			b.WriteString(statusStyles[domain.StatusApproved].Render("Workflow complete"))
			b.WriteString("\n")
		}
		if !m.state.LastSuccess.IsZero() {
			b.WriteString(hintStyle.Render("updated " + m.state.LastSuccess.Format(time.Kitchen)))
			b.WriteString("\n")
		}
		if m.state.LastError != nil && !m.state.Degraded() {
			b.WriteString(hintStyle.Render(fmt.Sprintf("last poll failed: %v", m.state.LastError)))
			b.WriteString("\n")
		}
	}
	if !m.state.Visible {
		b.WriteString(hintStyle.Render("paused while unfocused"))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render("g generate · a approve · x reject · r refresh · q quit"))
	return b.String()
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of a project workflow served by fl serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(viper.GetString("project"))
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			dir, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			logFile, err := os.OpenFile(filepath.Join(dir, "watch.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer logFile.Close()
			level := cfg.Log.Level
			if v := viper.GetString("log-level"); v != "" {
				level = v
			}
			logger, err := logging.New(logging.Options{Level: level, Format: "json", Writer: logFile})
			if err != nil {
				return err
			}

			client := forgelinesdk.New(viper.GetString("server"))
			client.BearerToken = viper.GetString("token")
			client.ActorID = viper.GetString("actor-id")
			// request deadlines come from the controller contexts; generation can take minutes
			client.Timeout = 0

			model := newWatchModel(projectID, nil)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(cmd.Context()))
			ctrl := syncclient.NewController(
				syncclient.OptionsFromConfig(projectID, cfg.Sync),
				syncclient.NewHTTPTransport(client),
				syncclient.RenderFunc(func(fr syncclient.Frame) { p.Send(frameMsg(fr)) }),
				syncclient.WithLogger(logger),
			)
			model.ctrl = ctrl

			ctx, cancel := context.WithCancel(cmd.Context())
			go func() { _ = ctrl.Run(ctx) }()
			_, runErr := p.Run()
			cancel()
			<-ctrl.Done()
			if runErr != nil && cmd.Context().Err() == nil {
				return runErr
			}
			return nil
		},
	}
}
