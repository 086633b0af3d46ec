package plotter

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
	"go.uber.org/multierr"
)

// StopSentinel is the line that asks the child to finish and exit.
const StopSentinel = "STOP"

const lineTerminator = "\n"

// Config locates the plotting program. Executable and Script come from the
// surrounding application's configuration; nothing here assumes an
// installation layout.
type Config struct {
	Executable string
	// Script, when set, is passed as the first argument.
	Script string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// StopTimeout bounds the wait in Stop. After it elapses the child is
	// killed. Zero waits indefinitely.
	StopTimeout time.Duration
}

// Bridge spawns plotting sessions.
type Bridge struct {
	cfg    Config
	logger logger.Logger
}

// NewBridge validates cfg and returns a bridge that can start sessions.
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Executable == "" {
		return nil, errors.New().WithData(errors.ErrInvalidConfig, "plotter executable is empty")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	return &Bridge{cfg: cfg, logger: logger.Default()}, nil
}

// Start spawns the child with its standard input connected to a pipe owned
// by the returned session. ctx only gates the start; the session lives until
// Stop. On failure no session exists and plotting is unavailable.
func (b *Bridge) Start(ctx context.Context) (*Session, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(errors.ErrProcess, err)
	}

	args := make([]string, 0, len(b.cfg.Args)+1)
	if b.cfg.Script != "" {
		args = append(args, b.cfg.Script)
	}
	args = append(args, b.cfg.Args...)

	cmd := exec.Command(b.cfg.Executable, args...)
	cmd.Dir = b.cfg.Dir
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}
	cmd.Stdout = b.cfg.Stdout
	cmd.Stderr = b.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrProcess, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, errFactory.Wrap(errors.ErrProcess, err).
			WithMessage("failed to start plotter " + b.cfg.Executable)
	}

	b.logger.Debug().
		Str("executable", b.cfg.Executable).
		Str("script", b.cfg.Script).
		Int("pid", cmd.Process.Pid).
		Msg("Plotter started")

	return &Session{
		state:       Running,
		cmd:         cmd,
		stdin:       stdin,
		stopTimeout: b.cfg.StopTimeout,
		logger:      b.logger,
	}, nil
}

// State is the lifecycle state of a session.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Session owns one child process and the write end of its input pipe. A
// session runs at most once; start a new one to plot again. All methods are
// safe on a nil session, which behaves as stopped.
type Session struct {
	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	pushed      int
	stopTimeout time.Duration
	logger      logger.Logger
}

func (s *Session) State() State {
	if s == nil {
		return Stopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Running() bool {
	return s.State() == Running
}

// Pushed is the number of values delivered to the child.
func (s *Session) Pushed() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushed
}

// Push writes one value as a text line. The pipe is unbuffered, so the line
// is with the child when Push returns. A slow child blocks the caller.
func (s *Session) Push(v float64) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return nil
	}

	line := strconv.FormatFloat(v, 'g', -1, 64) + lineTerminator
	if _, err := io.WriteString(s.stdin, line); err != nil {
		return errors.New().Wrap(errors.ErrProcess, err)
	}
	s.pushed++

	return nil
}

// Stop sends the sentinel, closes the pipe and waits for the child to exit.
// The exit status is not interpreted. Calling Stop again is a no-op.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return nil
	}
	s.state = Stopped

	if _, err := io.WriteString(s.stdin, StopSentinel+lineTerminator); err != nil {
		s.logger.Debug().Err(err).Msg("Plotter did not take the stop line")
	}

	var errs error
	if err := s.stdin.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
		errs = multierr.Append(errs, err)
	}

	if err := s.wait(); err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			errs = multierr.Append(errs, err)
		}
	}

	s.logger.Debug().
		Int("pid", s.cmd.Process.Pid).
		Int("pushed", s.pushed).
		Msg("Plotter stopped")

	if errs != nil {
		return errors.New().Wrap(errors.ErrProcess, errs)
	}

	return nil
}

func (s *Session) wait() error {
	if s.stopTimeout <= 0 {
		return s.cmd.Wait()
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.logger.Warn().
			Int("pid", s.cmd.Process.Pid).
			Dur("timeout", s.stopTimeout).
			Msg("Plotter did not exit, killing it")
		if err := s.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return err
		}
		return <-done
	}
}
