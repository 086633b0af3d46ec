package record

import (
	"bufio"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/logger"
)

// TimestampLayout is the local-time format of the timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// CSVSink writes the records of a run to a delimited file, replacing any
// previous content.
type CSVSink struct {
	path   string
	labels Labels
	logger logger.Logger
}

func NewCSVSink(path string, labels Labels, log logger.Logger) (*CSVSink, error) {
	if path == "" {
		return nil, errors.New().WithMessage(ErrInvalidPath, "csv path is empty")
	}
	if log == nil {
		log = logger.Default()
	}

	return &CSVSink{path: path, labels: labels.withDefaults(), logger: log}, nil
}

func (s *CSVSink) Path() string { return s.path }

// Header returns the column names in file order.
func (s *CSVSink) Header() []string {
	return []string{
		"Timestamp", "Vendor", "Model", "Serial", "Firmware",
		s.labels.A, s.labels.B, s.labels.Derived,
	}
}

func (s *CSVSink) Save(ctx context.Context, _ acquisition.SweepPlan, result acquisition.Result) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrPersist, err).WithMessage("create directory for " + s.path)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)

	if err := w.Write(s.Header()); err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}
	for _, rec := range result.Records {
		if err := w.Write(formatRow(rec)); err != nil {
			return errFactory.Wrap(ErrPersist, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}
	if err := buf.Flush(); err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}
	if err := f.Close(); err != nil {
		return errFactory.Wrap(ErrPersist, err)
	}

	s.logger.Info().
		Str("path", s.path).
		Int("records", len(result.Records)).
		Msg("Data table saved")

	return nil
}

func formatRow(rec acquisition.Record) []string {
	return []string{
		rec.Timestamp.Local().Format(TimestampLayout),
		rec.Identity.Vendor,
		rec.Identity.Model,
		rec.Identity.Serial,
		rec.Identity.Firmware,
		formatFloat(rec.A),
		formatFloat(rec.B),
		formatFloat(rec.Derived),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
