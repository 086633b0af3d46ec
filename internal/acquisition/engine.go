package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/instrument"
	"codeberg.org/mutker/sweepctl/internal/logger"
	"go.uber.org/multierr"
)

const (
	DefaultSetCommand    = ":SOUR:VOLT %f"
	DefaultEnableCommand = ":OUTP ON"
	DefaultSettle        = 200 * time.Millisecond

	// upper bound on the preallocated record list; longer sweeps grow it
	recordsHint = 1024
)

// Instrument is the part of the instrument link the engine drives.
type Instrument interface {
	Send(ctx context.Context, cmd string) (string, error)
	BasicReading(ctx context.Context) (instrument.Reading, error)
	MeasureA(ctx context.Context, repeats int) (float64, error)
	MeasureB(ctx context.Context, repeats int) (float64, error)
}

// PlotSession is a running live plot.
type PlotSession interface {
	Push(v float64) error
	Stop() error
}

// Plotter starts live plot sessions.
type Plotter interface {
	Start(ctx context.Context) (PlotSession, error)
}

// PlotterFunc adapts a function to Plotter.
type PlotterFunc func(ctx context.Context) (PlotSession, error)

func (f PlotterFunc) Start(ctx context.Context) (PlotSession, error) {
	return f(ctx)
}

// Observer is called after each record is appended.
type Observer func(step int, rec Record)

type State int

const (
	Idle State = iota
	Sweeping
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sweeping:
		return "sweeping"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result summarizes a run. Records holds exactly the Completed points in
// acquisition order.
type Result struct {
	State      State
	Identity   Identity
	Records    []Record
	Completed  int
	Planned    int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

type Engine struct {
	inst          Instrument
	plotter       Plotter
	sink          RecordSink
	observer      Observer
	setCommand    string
	enableCommand string
	settle        time.Duration
	now           func() time.Time
	logger        logger.Logger

	mu    sync.Mutex
	state State
}

type EngineOption func(*Engine)

func WithPlotter(p Plotter) EngineOption {
	return func(e *Engine) { e.plotter = p }
}

// WithSink sets where records go when the plan asks for saving.
func WithSink(s RecordSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithSetCommand sets the format of the set-output command. It receives the
// set value as its only argument.
func WithSetCommand(format string) EngineOption {
	return func(e *Engine) {
		if format != "" {
			e.setCommand = format
		}
	}
}

func WithEnableCommand(cmd string) EngineOption {
	return func(e *Engine) {
		if cmd != "" {
			e.enableCommand = cmd
		}
	}
}

func WithSettle(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.settle = d
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithEngineLogger(log logger.Logger) EngineOption {
	return func(e *Engine) { e.logger = log }
}

func NewEngine(inst Instrument, opts ...EngineOption) (*Engine, error) {
	if inst == nil {
		return nil, errors.New().WithMessage(errors.ErrInvalidArgument, "engine requires an instrument")
	}

	e := &Engine{
		inst:          inst,
		setCommand:    DefaultSetCommand,
		enableCommand: DefaultEnableCommand,
		settle:        DefaultSettle,
		now:           time.Now,
		logger:        logger.Default(),
		state:         Idle,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// State reports the engine state. Safe to call while a sweep runs.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Go runs the sweep on its own goroutine. The channel yields one Result and
// is then closed.
func (e *Engine) Go(ctx context.Context, plan SweepPlan) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		res, _ := e.Run(ctx, plan)
		ch <- res
	}()
	return ch
}

// Run executes plan step by step. A transport failure or a cancelled ctx
// aborts the remaining steps; the records collected so far are still handed
// to the sink when the plan asks for saving, and a started plot session is
// always stopped. The returned error equals Result.Err.
func (e *Engine) Run(ctx context.Context, plan SweepPlan) (res Result, err error) {
	if err := plan.Validate(); err != nil {
		return Result{State: e.State(), Planned: plan.Points, Err: err}, err
	}

	e.mu.Lock()
	if e.state == Sweeping {
		e.mu.Unlock()
		err := errors.New().WithMessage(errors.ErrAlreadyRunning, "a sweep is already in progress")
		return Result{State: Sweeping, Planned: plan.Points, Err: err}, err
	}
	e.state = Sweeping
	e.mu.Unlock()

	res = Result{
		State:     Sweeping,
		Planned:   plan.Points,
		Records:   make([]Record, 0, min(plan.Points, recordsHint)),
		StartedAt: e.now(),
	}

	var session PlotSession
	defer func() {
		res = e.finish(ctx, plan, res, session)
		err = res.Err
	}()

	e.logger.Info().
		Str("type", plan.Type).
		Float64("start", plan.Start).
		Float64("end", plan.End).
		Int("points", plan.Points).
		Int("averages", plan.Averages).
		Msg("Starting sweep")

	reading, readErr := e.inst.BasicReading(ctx)
	if readErr != nil {
		res.Err = readErr
		return res, readErr
	}
	res.Identity = ParseIdentity(reading.Identity)

	if plan.Plot {
		session = e.startPlot(ctx)
	}

	for i := 0; i < plan.Points; i++ {
		value := plan.Value(i)

		a, b, stepErr := e.step(ctx, plan, value)
		if stepErr != nil {
			res.Err = stepErr
			return res, stepErr
		}

		rec := NewRecord(e.now(), res.Identity, value, a, b)
		res.Records = append(res.Records, rec)
		res.Completed++

		e.logger.Debug().
			Int("step", i).
			Float64("set_value", value).
			Float64("measured_a", rec.A).
			Float64("measured_b", rec.B).
			Float64("derived", rec.Derived).
			Msg("Point acquired")

		if e.observer != nil {
			e.observer(i, rec)
		}

		if session != nil {
			if pushErr := session.Push(rec.B); pushErr != nil {
				e.logger.Warn().Err(pushErr).Int("step", i).Msg("Plotter failed, continuing without plotting")
				if stopErr := session.Stop(); stopErr != nil {
					e.logger.Warn().Err(stopErr).Msg("Failed to stop plotter")
				}
				session = nil
			}
		}
	}

	return res, nil
}

// step sets the output, waits for it to settle and reads A and B.
func (e *Engine) step(ctx context.Context, plan SweepPlan, value float64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	if _, err := e.inst.Send(ctx, fmt.Sprintf(e.setCommand, value)); err != nil {
		return 0, 0, err
	}
	if _, err := e.inst.Send(ctx, e.enableCommand); err != nil {
		return 0, 0, err
	}

	if err := sleep(ctx, e.settle); err != nil {
		return 0, 0, err
	}

	if plan.Averages > 1 {
		a, err := e.inst.MeasureA(ctx, plan.Averages)
		if err != nil {
			return 0, 0, err
		}
		b, err := e.inst.MeasureB(ctx, plan.Averages)
		if err != nil {
			return 0, 0, err
		}
		return a, b, nil
	}

	reading, err := e.inst.BasicReading(ctx)
	if err != nil {
		return 0, 0, err
	}

	return reading.A, reading.B, nil
}

func (e *Engine) startPlot(ctx context.Context) PlotSession {
	if e.plotter == nil {
		e.logger.Warn().Msg("Plotting requested but no plotter is configured")
		return nil
	}

	session, err := e.plotter.Start(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Plotter unavailable, continuing without plotting")
		return nil
	}

	return session
}

// finish tears the run down. It runs on every exit path of Run.
func (e *Engine) finish(ctx context.Context, plan SweepPlan, res Result, session PlotSession) Result {
	if session != nil {
		if err := session.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to stop plotter")
		}
	}

	res.FinishedAt = e.now()
	if res.Err != nil {
		res.State = Aborted
		res.Err = errors.New().Wrap(errors.ErrAborted, res.Err).
			WithMessage(fmt.Sprintf("sweep aborted after %d of %d points", res.Completed, res.Planned))
	} else {
		res.State = Completed
	}

	if plan.Save && e.sink != nil {
		if err := e.sink.Save(context.WithoutCancel(ctx), plan, res); err != nil {
			res.Err = multierr.Append(res.Err, err)
		}
	}

	e.setState(res.State)

	event := e.logger.Info()
	if res.State == Aborted {
		event = e.logger.Warn()
	}
	event.Str("state", res.State.String()).
		Int("completed", res.Completed).
		Int("planned", res.Planned).
		Msg("Sweep finished")

	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
