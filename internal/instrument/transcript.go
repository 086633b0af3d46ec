package instrument

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"codeberg.org/mutker/sweepctl/internal/errors"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// ErrTranscript reports a failure to write or decode a transcript.
const ErrTranscript = errors.ErrorCode("instrument_transcript_failed")

// Exchange is one command and the raw response it produced.
type Exchange struct {
	Command  string
	Response string
}

// Transcript collects exchanges in send order.
type Transcript struct {
	mu        sync.Mutex
	exchanges []Exchange
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Record(cmd, resp string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = append(t.exchanges, Exchange{Command: cmd, Response: resp})
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.exchanges)
}

// Exchanges returns a copy of the recorded exchanges.
func (t *Transcript) Exchanges() []Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Exchange(nil), t.exchanges...)
}

// WriteTo writes each exchange as a little-endian uint32 command length,
// the command bytes, a uint32 response length and the response bytes.
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, ex := range t.Exchanges() {
		for _, field := range [2]string{ex.Command, ex.Response} {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(field))); err != nil {
				return written, errors.New().Wrap(ErrTranscript, err)
			}
			written += 4
			n, err := io.WriteString(w, field)
			written += int64(n)
			if err != nil {
				return written, errors.New().Wrap(ErrTranscript, err)
			}
		}
	}

	return written, nil
}

// Save writes the transcript to path, creating parent directories.
func (t *Transcript) Save(path string) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrTranscript, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrTranscript, err)
	}

	bw := bufio.NewWriter(f)
	if _, err := t.WriteTo(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errFactory.Wrap(ErrTranscript, err)
	}

	if err := f.Close(); err != nil {
		return errFactory.Wrap(ErrTranscript, err)
	}

	return nil
}

// ReadTranscript decodes the format written by WriteTo.
func ReadTranscript(r io.Reader) ([]Exchange, error) {
	var out []Exchange
	for {
		cmd, err := readField(r)
		if stderrors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, errors.New().Wrap(ErrTranscript, err)
		}
		resp, err := readField(r)
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return out, errors.New().Wrap(ErrTranscript, err)
		}
		out = append(out, Exchange{Command: cmd, Response: resp})
	}
}

func readField(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if stderrors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}

	return string(buf), nil
}
