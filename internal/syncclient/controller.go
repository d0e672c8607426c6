package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/gate"
	"forgeline/internal/logging"
)

// Frame is what the controller hands to a Renderer after every state change.
type Frame struct {
	State ViewState
	// Changed holds only the stages whose derived values changed; all five when Full.
	Changed []gate.StageView
	Full    bool
	// Notice reports the outcome of a user action, such as a failed generation.
	Notice string
}

type Renderer interface {
	Render(Frame)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(Frame)

func (f RenderFunc) Render(fr Frame) { f(fr) }

// Timer is the part of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// Clock schedules the poll timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logging.Component(logger, "sync") }
}

type event interface{}

type tickEvent struct{ gen uint64 }

type pollEvent struct{ PollResult }

type visibilityEvent struct{ visible bool }

type pollNowEvent struct{}

type actionEvent struct {
	notice string
}

// Controller owns the ViewState of one project view. All state changes happen on the
// goroutine running Run; the exported methods only post events to it.
type Controller struct {
	opts      Options
	transport Transport
	renderer  Renderer
	clock     Clock
	logger    *slog.Logger

	events chan event
	done   chan struct{}

	// owned by the Run goroutine
	runCtx     context.Context
	state      ViewState
	seq        uint64
	inflight   uint64
	cancelPoll context.CancelFunc
	timer      Timer
	timerGen   uint64

	mu        sync.Mutex
	published ViewState
	started   bool
}

func NewController(opts Options, transport Transport, renderer Renderer, options ...Option) *Controller {
	c := &Controller{
		opts:      opts.withDefaults(),
		transport: transport,
		renderer:  renderer,
		clock:     realClock{},
		logger:    logging.Component(nil, "sync"),
		events:    make(chan event, 16),
		done:      make(chan struct{}),
		state:     NewViewState(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.renderer == nil {
		c.renderer = RenderFunc(func(Frame) {})
	}
	c.published = c.state
	return c
}

// State returns a copy of the latest published view state.
func (c *Controller) State() ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// Done is closed once the controller has torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run performs the initial blocking fetch and then drives polling until ctx is
// cancelled. Cancelling ctx is the navigation-away teardown.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already running")
	}
	c.started = true
	c.mu.Unlock()

	c.runCtx = ctx
	defer c.teardown()

	c.state.Phase = PhaseLoading
	c.publish(Frame{})

	c.seq++
	c.inflight = c.seq
	c.apply(c.fetch(ctx, c.seq))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// SetVisible suspends polling while hidden and polls at once when shown again.
func (c *Controller) SetVisible(visible bool) { c.send(visibilityEvent{visible: visible}) }

// PollNow requests an out-of-cadence poll. After PhaseNotFound only PollNow and actions poll again.
func (c *Controller) PollNow() { c.send(pollNowEvent{}) }

// Generate asks the server to generate a stage. The call is not awaited and the view does
// not change until a poll confirms the new status.
func (c *Controller) Generate(stage domain.StageID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		_, err := c.transport.GenerateStage(ctx, c.opts.ProjectID, stage)
		notice := fmt.Sprintf("%s generation requested", stage.Name())
		if err != nil {
			c.logger.Warn("generate failed", logging.FieldStage, stage.Slug(), "error", err)
			notice = fmt.Sprintf("%s generation failed: %v", stage.Name(), err)
		}
		c.send(actionEvent{notice: notice})
	}()
}

// Decide approves or rejects a review ticket without waiting for the answer.
func (c *Controller) Decide(reviewID string, approve bool, feedback *string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		res, err := c.transport.DecideReview(ctx, reviewID, approve, feedback)
		verb := "rejected"
		if approve {
			verb = "approved"
		}
		var notice string
		switch {
		case err != nil:
			c.logger.Warn("decision failed", logging.FieldReviewID, reviewID, "error", err)
			notice = fmt.Sprintf("decision failed: %v", err)
		case res.AlreadyDecided:
			notice = "review was already decided"
		default:
			notice = fmt.Sprintf("review %s, next: %s", verb, res.RedirectTarget)
		}
		c.send(actionEvent{notice: notice})
	}()
}

func (c *Controller) send(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case tickEvent:
		if ev.gen != c.timerGen || !c.state.Visible || c.inflight != 0 || c.state.NotFound() {
			return
		}
		c.startPoll()
	case pollEvent:
		if ev.Seq != c.inflight {
			c.logger.Debug("discarding superseded poll", "seq", ev.Seq, "inflight", c.inflight)
			return
		}
		c.inflight = 0
		c.cancelPoll = nil
		c.apply(ev.PollResult)
	case visibilityEvent:
		if c.state.Visible == ev.visible {
			return
		}
		c.state.Visible = ev.visible
		if !ev.visible || c.state.NotFound() {
			c.stopTimer()
			c.publish(Frame{})
			return
		}
		c.startPoll()
	case pollNowEvent:
		c.startPoll()
	case actionEvent:
		c.state.Boost = c.opts.ActionBoostPolls
		c.publish(Frame{Notice: ev.notice})
		c.startPoll()
	}
}

// startPoll aborts any in-flight poll so polls never overlap; the aborted
// result is dropped by its stale sequence number.
func (c *Controller) startPoll() {
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}
	c.stopTimer()
	c.seq++
	seq := c.seq
	c.inflight = seq
	ctx, cancel := context.WithCancel(c.runCtx)
	c.cancelPoll = cancel
	go func() {
		res := c.fetch(ctx, seq)
		cancel()
		c.send(pollEvent{res})
	}()
}

func (c *Controller) fetch(ctx context.Context, seq uint64) PollResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	snap, err := c.transport.FetchSnapshot(ctx, c.opts.ProjectID)
	return PollResult{Seq: seq, Snapshot: snap, Err: err}
}

func (c *Controller) apply(res PollResult) {
	if c.inflight == res.Seq {
		c.inflight = 0
	}
	tr := Reduce(c.state, res, c.opts, c.clock.Now())
	if !tr.Applied {
		c.logger.Debug("discarding stale poll", "seq", res.Seq, "applied", c.state.AppliedSeq)
		return
	}
	c.state = tr.State
	switch {
	case tr.CircuitOpened:
		c.logger.Warn("sync degraded, polling paused",
			logging.FieldProjectID, c.opts.ProjectID, "failures", c.state.Failures, "retry_in", tr.Next.String(), "error", res.Err)
	case c.state.NotFound():
		c.logger.Warn("project not found, polling stopped", logging.FieldProjectID, c.opts.ProjectID, "error", res.Err)
	case tr.CircuitClosed:
		c.logger.Info("sync recovered", logging.FieldProjectID, c.opts.ProjectID)
	case res.Err != nil:
		c.logger.Debug("poll failed", "failures", c.state.Failures, "transient", IsTransient(res.Err), "error", res.Err)
	}
	c.publish(Frame{Changed: tr.Changed, Full: tr.Full})
	switch {
	case c.state.NotFound():
		c.stopTimer()
	case c.state.Visible:
		c.schedule(tr.Next)
	}
}

func (c *Controller) schedule(d time.Duration) {
	c.stopTimer()
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() { c.send(tickEvent{gen: gen}) })
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Controller) publish(fr Frame) {
	c.mu.Lock()
	c.published = c.state
	c.mu.Unlock()
	fr.State = c.state
	c.renderer.Render(fr)
}

func (c *Controller) teardown() {
	c.stopTimer()
	if c.cancelPoll != nil {
		c.cancelPoll()
		c.cancelPoll = nil
	}
	c.inflight = 0
	c.state.Phase = PhaseStopped
	c.publish(Frame{})
	close(c.done)
}
