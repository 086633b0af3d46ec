package acquisition

import (
	"context"

	"codeberg.org/mutker/sweepctl/internal/errors"
	"go.uber.org/multierr"
)

// RecordSink receives the records of a finished run, complete or aborted.
type RecordSink interface {
	Save(ctx context.Context, plan SweepPlan, result Result) error
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(ctx context.Context, plan SweepPlan, result Result) error

func (f SinkFunc) Save(ctx context.Context, plan SweepPlan, result Result) error {
	return f(ctx, plan, result)
}

// MultiSink saves to every sink in order. A failing sink does not stop the
// others; all failures are returned together.
type MultiSink []RecordSink

func (m MultiSink) Save(ctx context.Context, plan SweepPlan, result Result) error {
	var errs error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Save(ctx, plan, result); err != nil {
			if !errors.HasCode(err, errors.ErrPersist) {
				err = errors.New().Wrap(errors.ErrPersist, err)
			}
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
