package instrument

import (
	"context"
	"net"
	"strconv"
	"strings"

	"codeberg.org/mutker/sweepctl/internal/errors"
)

const (
	// ErrInvalidEndpoint reports an unusable host/port pair.
	ErrInvalidEndpoint = errors.ErrorCode("instrument_invalid_endpoint")
	// ErrInvalidCommand reports a command that cannot be framed as one line.
	ErrInvalidCommand = errors.ErrorCode("instrument_invalid_command")
)

// Dialer opens the transport connection for one command.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Endpoint identifies an instrument on the network. The zero value is not
// usable; construct one with NewEndpoint.
type Endpoint struct {
	host string
	port int
}

// NewEndpoint validates host and port.
func NewEndpoint(host string, port int) (Endpoint, error) {
	errFactory := errors.New()

	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, errFactory.WithData(ErrInvalidEndpoint, "empty host")
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, errFactory.WithData(ErrInvalidEndpoint, struct {
			Host string
			Port int
		}{host, port})
	}

	return Endpoint{host: host, port: port}, nil
}

func (e Endpoint) Host() string { return e.host }

func (e Endpoint) Port() int { return e.port }

// Address returns the dialable host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Commands names the three queries of a basic reading.
type Commands struct {
	Identify string
	MeasureA string
	MeasureB string
}

// DefaultCommands returns the SCPI identity, voltage and current queries.
func DefaultCommands() Commands {
	return Commands{
		Identify: "*IDN?",
		MeasureA: ":MEAS:VOLT?",
		MeasureB: ":MEAS:CURR?",
	}
}

// Reading is the result of one basic-measurement sequence.
type Reading struct {
	Identity string
	A        float64
	B        float64
}
