package instrument

import (
	"context"
	stderrors "errors"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
)

const (
	DefaultMaxResponse = 1024
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 5 * time.Second

	terminator = "\n"
)

// Link sends one command per connection and reads one bounded response.
// It holds no session state, so a Link is safe for concurrent use, although
// instruments generally are not.
type Link struct {
	endpoint    Endpoint
	dialer      Dialer
	commands    Commands
	maxResponse int
	ioTimeout   time.Duration
	transcript  *Transcript
	logger      logger.Logger
}

// LinkOption applies an option to the link.
type LinkOption func(*Link)

// WithMaxResponse bounds the bytes read for a single response. Anything the
// instrument sends beyond n bytes is dropped.
func WithMaxResponse(n int) LinkOption {
	return func(l *Link) {
		if n > 0 {
			l.maxResponse = n
		}
	}
}

// WithDialTimeout bounds connection establishment when the default dialer
// is in use.
func WithDialTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if nd, ok := l.dialer.(*net.Dialer); ok && d > 0 {
			nd.Timeout = d
		}
	}
}

// WithIOTimeout bounds the write and the read of each exchange.
func WithIOTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if d > 0 {
			l.ioTimeout = d
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) LinkOption {
	return func(l *Link) { l.dialer = d }
}

// WithCommands replaces the basic-reading command set.
func WithCommands(c Commands) LinkOption {
	return func(l *Link) { l.commands = c }
}

// WithTranscript records every exchange into t.
func WithTranscript(t *Transcript) LinkOption {
	return func(l *Link) { l.transcript = t }
}

// WithLogger sets the logger used for exchange tracing.
func WithLogger(log logger.Logger) LinkOption {
	return func(l *Link) { l.logger = log }
}

// NewLink creates a link to the instrument at ep.
func NewLink(ep Endpoint, opts ...LinkOption) *Link {
	l := &Link{
		endpoint:    ep,
		dialer:      &net.Dialer{Timeout: DefaultDialTimeout},
		commands:    DefaultCommands(),
		maxResponse: DefaultMaxResponse,
		ioTimeout:   DefaultIOTimeout,
		logger:      logger.Default(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Link) Endpoint() Endpoint { return l.endpoint }

func (l *Link) Commands() Commands { return l.commands }

// Send opens a connection, writes cmd plus the line terminator, performs a
// single read of at most the configured response size and closes. There is
// no retry; every failure to connect, write or read comes back as
// ErrTransport.
func (l *Link) Send(ctx context.Context, cmd string) (string, error) {
	errFactory := errors.New()

	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		return "", errFactory.WithData(ErrInvalidCommand, strconv.Quote(cmd))
	}

	conn, err := l.dialer.DialContext(ctx, "tcp", l.endpoint.Address())
	if err != nil {
		return "", errFactory.Wrap(errors.ErrTransport, err).
			WithMessage("connect to " + l.endpoint.Address() + " failed")
	}
	defer conn.Close()

	deadline := time.Now().Add(l.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", errFactory.Wrap(errors.ErrTransport, err)
	}

	// Unblock the read if the caller gives up first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, cmd+terminator); err != nil {
		return "", l.transportErr(ctx, "write", err)
	}

	buf := make([]byte, l.maxResponse)
	n, err := conn.Read(buf)
	if err != nil && n == 0 && !stderrors.Is(err, io.EOF) {
		return "", l.transportErr(ctx, "read", err)
	}

	resp := string(buf[:n])
	if l.transcript != nil {
		l.transcript.Record(cmd, resp)
	}

	l.logger.Debug().
		Str("endpoint", l.endpoint.Address()).
		Str("command", cmd).
		Int("bytes", n).
		Bool("truncated", n == len(buf)).
		Msg("Instrument exchange")

	return resp, nil
}

func (l *Link) transportErr(ctx context.Context, phase string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}

	return errors.New().Wrap(errors.ErrTransport, err).
		WithMessage(phase + " " + l.endpoint.Address() + " failed")
}

// BasicReading issues identify, measure-A and measure-B in that order. A
// measurement that does not parse is reported as 0; only transport failures
// are returned as errors.
func (l *Link) BasicReading(ctx context.Context) (Reading, error) {
	identity, err := l.Send(ctx, l.commands.Identify)
	if err != nil {
		return Reading{}, err
	}

	a, err := l.measure(ctx, l.commands.MeasureA)
	if err != nil {
		return Reading{}, err
	}

	b, err := l.measure(ctx, l.commands.MeasureB)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Identity: strings.TrimSpace(identity),
		A:        a,
		B:        b,
	}, nil
}

// MeasureA queries the first measured quantity, averaging over repeats.
func (l *Link) MeasureA(ctx context.Context, repeats int) (float64, error) {
	return l.MeasureAverage(ctx, l.commands.MeasureA, repeats)
}

// MeasureB queries the second measured quantity, averaging over repeats.
func (l *Link) MeasureB(ctx context.Context, repeats int) (float64, error) {
	return l.MeasureAverage(ctx, l.commands.MeasureB, repeats)
}

func (l *Link) measure(ctx context.Context, cmd string) (float64, error) {
	resp, err := l.Send(ctx, cmd)
	if err != nil {
		return 0, err
	}

	v, err := ParseValue(resp)
	if err != nil {
		l.logger.Warn().
			Str("command", cmd).
			Str("response", resp).
			Err(err).
			Msg("Unparseable response, using 0")
		return 0, nil
	}

	return v, nil
}

// MeasureAverage sends cmd repeats times and averages the responses that
// parse. If none do, the result is 0.
func (l *Link) MeasureAverage(ctx context.Context, cmd string, repeats int) (float64, error) {
	if repeats < 1 {
		return 0, errors.New().WithData(errors.ErrInvalidArgument, struct {
			Field string
			Value int
		}{"repeats", repeats})
	}

	var sum float64
	var count int
	for i := 0; i < repeats; i++ {
		resp, err := l.Send(ctx, cmd)
		if err != nil {
			return 0, err
		}
		v, err := ParseValue(resp)
		if err != nil {
			l.logger.Debug().Str("command", cmd).Err(err).Msg("Skipping unparseable response")
			continue
		}
		sum += v
		count++
	}

	if count == 0 {
		return 0, nil
	}

	return sum / float64(count), nil
}

// Repeat sends cmd times times and returns the raw responses. On a transport
// failure the responses gathered so far are returned with the error.
func (l *Link) Repeat(ctx context.Context, cmd string, times int) ([]string, error) {
	responses := make([]string, 0, max(times, 0))
	for i := 0; i < times; i++ {
		resp, err := l.Send(ctx, cmd)
		if err != nil {
			return responses, err
		}
		responses = append(responses, resp)
	}

	return responses, nil
}

// ParseValue converts a response into a finite number. Empty, non-numeric
// and non-finite responses are ErrParse.
func ParseValue(resp string) (float64, error) {
	errFactory := errors.New()

	s := strings.TrimSpace(resp)
	if s == "" {
		return 0, errFactory.WithData(errors.ErrParse, "empty response")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrParse, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errFactory.WithData(errors.ErrParse, strconv.Quote(s))
	}

	return v, nil
}
