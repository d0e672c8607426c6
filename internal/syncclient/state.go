// Package syncclient keeps a client view of one project's workflow in step with the
// server by polling, with a circuit breaker around repeated failures.
package syncclient

import (
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/gate"
)

// Phase is the controller lifecycle: Idle, then Loading, then Polling and
// CircuitOpen back and forth, then Stopped. NotFound parks the view until a manual poll.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseLoading     Phase = "loading"
	PhasePolling     Phase = "polling"
	PhaseCircuitOpen Phase = "circuit-open"
	PhaseNotFound    Phase = "not-found"
	PhaseStopped     Phase = "stopped"
)

type Options struct {
	ProjectID        string
	FastInterval     time.Duration
	SlowInterval     time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	ActionBoostPolls int
	RequestTimeout   time.Duration
}

func DefaultOptions(projectID string) Options {
	return Options{
		ProjectID:        projectID,
		FastInterval:     2 * time.Second,
		SlowInterval:     30 * time.Second,
		FailureThreshold: 3,
		Cooldown:         15 * time.Second,
		MaxCooldown:      2 * time.Minute,
		ActionBoostPolls: 3,
		RequestTimeout:   10 * time.Second,
	}
}

// OptionsFromConfig reads the cadence and breaker thresholds from the sync config.
func OptionsFromConfig(projectID string, cfg config.SyncConfig) Options {
	return Options{
		ProjectID:        projectID,
		FastInterval:     cfg.FastInterval.D(),
		SlowInterval:     cfg.SlowInterval.D(),
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown.D(),
		MaxCooldown:      cfg.MaxCooldown.D(),
		ActionBoostPolls: cfg.ActionBoostPolls,
		RequestTimeout:   cfg.RequestTimeout.D(),
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	def := DefaultOptions(o.ProjectID)
	if o.FastInterval <= 0 {
		o.FastInterval = def.FastInterval
	}
	if o.SlowInterval <= 0 {
		o.SlowInterval = def.SlowInterval
	}
	if o.FailureThreshold < 1 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = def.Cooldown
	}
	if o.MaxCooldown < o.Cooldown {
		o.MaxCooldown = o.Cooldown
	}
	if o.ActionBoostPolls < 0 {
		o.ActionBoostPolls = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	return o
}

// ViewState is everything a view renders. It is owned by a single Controller.
type ViewState struct {
	Phase Phase
	// Snapshot is the last successfully fetched snapshot; nil until the first success.
	Snapshot    *domain.WorkflowSnapshot
	Gate        gate.Evaluation
	Failures    int
	Cooldown    time.Duration
	Boost       int
	Visible     bool
	AppliedSeq  uint64
	LastError   error
	LastSuccess time.Time
	NextPoll    time.Duration
	// CircuitOpenUntil is when the next probe runs; zero while the circuit is closed.
	CircuitOpenUntil time.Time
}

func NewViewState() ViewState {
	return ViewState{Phase: PhaseIdle, Visible: true}
}

// Degraded reports whether the view should show the degraded banner.
func (s ViewState) Degraded() bool { return s.Phase == PhaseCircuitOpen }

// NotFound reports whether the server no longer knows the project.
func (s ViewState) NotFound() bool { return s.Phase == PhaseNotFound }

// Loading reports whether nothing has been fetched yet.
func (s ViewState) Loading() bool { return s.Snapshot == nil }

// Interval is the delay before the next regular poll: fast while nothing is loaded yet,
// while a stage is Pending or while a boost is running, slow otherwise.
func (s ViewState) Interval(opts Options) time.Duration {
	if s.Boost > 0 || s.Snapshot == nil || s.Snapshot.AnyPending() {
		return opts.FastInterval
	}
	return opts.SlowInterval
}

// PollResult is the outcome of one snapshot fetch, tagged with its request sequence number.
type PollResult struct {
	Seq      uint64
	Snapshot domain.WorkflowSnapshot
	Err      error
}

// Transition is the result of reducing a PollResult into a ViewState.
type Transition struct {
	State   ViewState
	Applied bool
	// Changed lists stage views whose derived values differ from the previous render.
	Changed       []gate.StageView
	Full          bool
	Next          time.Duration
	CircuitOpened bool
	CircuitClosed bool
}

// Reduce applies a poll result. Results not newer than the last applied one are
// discarded and leave the state untouched.
func Reduce(s ViewState, r PollResult, opts Options, now time.Time) Transition {
	opts = opts.withDefaults()
	if r.Seq <= s.AppliedSeq {
		return Transition{State: s}
	}
	s.AppliedSeq = r.Seq
	if r.Err != nil {
		return reduceFailure(s, r.Err, opts, now)
	}
	return reduceSuccess(s, r.Snapshot, opts, now)
}

func reduceSuccess(s ViewState, snap domain.WorkflowSnapshot, opts Options, now time.Time) Transition {
	snap = snap.Normalized()
	full := s.Snapshot == nil
	prev := s.Gate
	wasOpen := s.Phase == PhaseCircuitOpen

	s.Snapshot = &snap
	s.Gate = gate.Evaluate(snap)
	s.Phase = PhasePolling
	s.Failures = 0
	s.Cooldown = 0
	s.CircuitOpenUntil = time.Time{}
	s.LastError = nil
	s.LastSuccess = now
	if s.Boost > 0 {
		s.Boost--
	}
	s.NextPoll = s.Interval(opts)

	tr := Transition{State: s, Applied: true, Full: full, Next: s.NextPoll, CircuitClosed: wasOpen}
	if full {
		tr.Changed = append([]gate.StageView(nil), s.Gate.Stages[:]...)
	} else {
		tr.Changed = gate.Changed(prev, s.Gate)
	}
	return tr
}

// reduceFailure counts only transient errors toward the breaker. Any other error means
// the server answered: a not-found parks the view, the rest keep the regular cadence.
func reduceFailure(s ViewState, err error, opts Options, now time.Time) Transition {
	s.LastError = err
	tr := Transition{Applied: true}
	wasOpen := s.Phase == PhaseCircuitOpen
	switch {
	case IsNotFound(err):
		s = closeCircuit(s)
		s.Phase = PhaseNotFound
		s.NextPoll = 0
		tr.CircuitClosed = wasOpen
	case !IsTransient(err):
		s = closeCircuit(s)
		s.Phase = PhasePolling
		s.NextPoll = s.Interval(opts)
		tr.CircuitClosed = wasOpen
	case wasOpen:
		// failed probe
		s.Failures++
		s.Cooldown *= 2
		if s.Cooldown > opts.MaxCooldown {
			s.Cooldown = opts.MaxCooldown
		}
		s.NextPoll = s.Cooldown
		s.CircuitOpenUntil = now.Add(s.Cooldown)
	default:
		s.Failures++
		if s.Failures >= opts.FailureThreshold {
			s.Phase = PhaseCircuitOpen
			s.Cooldown = opts.Cooldown
			s.NextPoll = s.Cooldown
			s.CircuitOpenUntil = now.Add(s.Cooldown)
			tr.CircuitOpened = true
			break
		}
		s.Phase = PhasePolling
		s.NextPoll = s.Interval(opts)
	}
	tr.State = s
	tr.Next = s.NextPoll
	return tr
}

func closeCircuit(s ViewState) ViewState {
	s.Failures = 0
	s.Cooldown = 0
	s.CircuitOpenUntil = time.Time{}
	return s
}
