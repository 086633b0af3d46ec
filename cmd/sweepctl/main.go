package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/config"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/instrument"
	"codeberg.org/mutker/sweepctl/internal/logger"
	"codeberg.org/mutker/sweepctl/internal/pid"
	"codeberg.org/mutker/sweepctl/internal/plotter"
	"codeberg.org/mutker/sweepctl/internal/record"
	"go.uber.org/multierr"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	logger.Debug().Msg("Config loaded")

	plan, err := acquisition.ParsePlan(cfg.Sweep.Type, cfg.SweepFields())
	if err != nil {
		logError(err, "Invalid sweep parameters")
		return 2
	}

	endpoint, err := instrument.NewEndpoint(cfg.Instrument.Host, cfg.Instrument.Port)
	if err != nil {
		logError(err, "Invalid instrument endpoint")
		return 2
	}

	lock, err := pid.Acquire(endpoint.String())
	if err != nil {
		logError(err, "Another sweep is using this instrument")
		return 1
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	var transcript *instrument.Transcript
	if cfg.Transcript.Enabled {
		transcript = instrument.NewTranscript()
	}

	link := instrument.NewLink(endpoint,
		instrument.WithMaxResponse(cfg.Instrument.MaxResponse),
		instrument.WithDialTimeout(cfg.Instrument.DialTimeout),
		instrument.WithIOTimeout(cfg.Instrument.IOTimeout),
		instrument.WithCommands(instrument.Commands{
			Identify: cfg.Instrument.Commands.Identify,
			MeasureA: cfg.Instrument.Commands.MeasureA,
			MeasureB: cfg.Instrument.Commands.MeasureB,
		}),
		instrument.WithTranscript(transcript),
	)

	sink, closeSinks, err := newSink(ctx, cfg)
	if err != nil {
		logError(err, "Failed to open record storage")
		return 1
	}
	defer closeSinks()

	opts := []acquisition.EngineOption{
		acquisition.WithSetCommand(cfg.Instrument.Commands.SetOutput),
		acquisition.WithEnableCommand(cfg.Instrument.Commands.EnableOutput),
		acquisition.WithSettle(cfg.Sweep.Settle),
		acquisition.WithSink(sink),
		acquisition.WithObserver(func(step int, rec acquisition.Record) {
			logger.Info().
				Int("point", step+1).
				Int("of", plan.Points).
				Float64("set_value", rec.SetValue).
				Float64("derived", rec.Derived).
				Msg("Measured")
		}),
	}
	if plan.Plot {
		p, err := newPlotter(cfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Plotting disabled")
		} else {
			opts = append(opts, acquisition.WithPlotter(p))
		}
	}

	engine, err := acquisition.NewEngine(link, opts...)
	if err != nil {
		logError(err, "Failed to create sweep engine")
		return 1
	}

	logger.Info().
		Str("instrument", endpoint.String()).
		Str("type", plan.Type).
		Msg("Sweep starting")

	res := <-engine.Go(ctx, plan)

	if transcript != nil {
		if err := transcript.Save(cfg.Transcript.Path); err != nil {
			logger.Warn().Err(err).Str("path", cfg.Transcript.Path).Msg("Failed to save transcript")
		} else {
			logger.Info().
				Str("path", cfg.Transcript.Path).
				Int("exchanges", transcript.Len()).
				Msg("Transcript saved")
		}
	}

	logger.Info().
		Str("state", res.State.String()).
		Msgf("Completed %d of %d points", res.Completed, res.Planned)

	if res.Err != nil {
		for _, err := range multierr.Errors(res.Err) {
			logError(err, "Sweep failed")
		}
		return 1
	}

	return 0
}

func newSink(ctx context.Context, cfg *config.Config) (acquisition.RecordSink, func(), error) {
	labels := record.Labels{
		A:       cfg.Output.LabelA,
		B:       cfg.Output.LabelB,
		Derived: cfg.Output.LabelDerived,
	}

	csvSink, err := record.NewCSVSink(cfg.CSVPath(), labels, logger.Default())
	if err != nil {
		return nil, nil, err
	}
	sinks := acquisition.MultiSink{csvSink}

	if !cfg.Store.Enabled {
		return sinks, func() {}, nil
	}

	store, err := record.NewStore(ctx, record.StoreConfig{Path: cfg.Store.Path}, logger.Default())
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, store)

	return sinks, func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close record store")
		}
	}, nil
}

func newPlotter(cfg *config.Config) (acquisition.Plotter, error) {
	bridge, err := plotter.NewBridge(plotter.Config{
		Executable:  cfg.Plotter.Executable,
		Script:      cfg.Plotter.Script,
		Args:        cfg.Plotter.Args,
		StopTimeout: cfg.Plotter.StopTimeout,
	})
	if err != nil {
		return nil, err
	}

	return acquisition.PlotterFunc(func(ctx context.Context) (acquisition.PlotSession, error) {
		session, err := bridge.Start(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	}), nil
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal, aborting sweep")
		cancel()
	case <-ctx.Done():
	}
}

func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
