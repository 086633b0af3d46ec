package pid

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/sweepctl/internal/errors"
)

const (
	filePrefix = "sweepctl-"
	fileSuffix = ".pid"

	tempPattern = ".sweepctl-*.tmp"
	maxAttempts = 3
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Lock is a held pid file.
type Lock struct {
	path string
}

// Acquire takes the run lock for name in the system temp directory.
func Acquire(name string) (*Lock, error) {
	return AcquireIn(os.TempDir(), name)
}

// AcquireIn writes the current process ID to the pid file for name in dir.
// The file appears atomically with its content. It fails with
// ErrAlreadyRunning while another live process holds the file; a file left
// behind by a dead process is taken over.
func AcquireIn(dir, name string) (*Lock, error) {
	errFactory := errors.New()
	path := filepath.Join(dir, FileName(name))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := create(dir, path)
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}
		if holder, ok := parsePID(data); ok && alive(holder) {
			return nil, errFactory.WithData(errors.ErrAlreadyRunning, struct {
				Path string
				PID  int
			}{
				Path: path,
				PID:  holder,
			})
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}
	}

	return nil, errFactory.WithData(errors.ErrAlreadyRunning, struct {
		Path string
	}{
		Path: path,
	})
}

// create links a fully written temp file to path. The link fails with an
// exists error when path is already present.
func create(dir, path string) error {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Link(tmp.Name(), path)
}

// FileName returns the pid file name used for name.
func FileName(name string) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_")
	if safe == "" {
		safe = "default"
	}
	return filePrefix + safe + fileSuffix
}

func (l *Lock) Path() string { return l.path }

// Release removes the pid file. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
