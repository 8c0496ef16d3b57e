package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"dirwatch/internal/change"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/process"
	"dirwatch/internal/runner"
	"dirwatch/internal/version"
	"dirwatch/internal/watcher"
)

func runWatch(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(os.Stdout, version.Get().String())
		return 0
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, cfg.LogLevel)
	logVersionInfo(logger)

	w, err := watcher.New(watcherOptions(cfg, logger))
	if err != nil {
		logger.Error("watcher setup failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	defer w.Stop()

	if err := w.Start(context.Background(), rootSpecs(cfg)); err != nil {
		logger.Error("watcher start failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}

	sink, err := startSink(w, cfg, logger, os.Stdout)
	if err != nil {
		logger.Error("command setup failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}

	var server *apiServer
	if cfg.Settings.Listen != "" {
		server, err = startAPIServer(w, cfg, logger)
		if err != nil {
			logger.Error("api listen failed", map[string]string{
				"addr":  cfg.Settings.Listen,
				"error": err.Error(),
			})
			sink.Stop()
			return 1
		}
	}

	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stopSignals)

	exit := 0
	select {
	case sig := <-stopSignals:
		logger.Info("shutdown signal received", map[string]string{
			"signal": sig.String(),
		})
		go logRepeatedSignals(logger, stopSignals)
		w.Stop()
	case <-w.Done():
	case err := <-server.Failed():
		logger.Error("http server stopped", map[string]string{
			"error": err.Error(),
		})
		exit = 1
		w.Stop()
	}

	// The watcher drains queued notifications before closing the
	// subscription, so Wait returns only after the sink saw them all.
	sink.Wait()
	sink.Stop()
	server.Shutdown(logger)

	if err := w.Err(); err != nil {
		logger.Error("watcher failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	return exit
}

func watcherOptions(cfg Config, logger *logging.Logger) watcher.Options {
	return watcher.Options{
		Backend:                 cfg.Settings.Backend,
		PollInterval:            cfg.Settings.PollInterval.Std(),
		MaxWatches:              cfg.Settings.MaxWatches,
		DebounceWindow:          cfg.Settings.DebounceWindow.Std(),
		RenamePairingWindow:     cfg.Settings.RenamePairingWindow.Std(),
		MaxPendingPaths:         cfg.Settings.MaxPendingPaths,
		SubscriberQueueCapacity: cfg.Settings.SubscriberQueueCapacity,
		BackpressureTimeout:     cfg.Settings.BackpressureTimeout.Std(),
		HistorySize:             cfg.Settings.HistorySize,
		Include:                 cfg.Settings.Include,
		Exclude:                 cfg.Settings.Exclude,
		Logger:                  logger,
		Metrics:                 metrics.Default,
	}
}

func rootSpecs(cfg Config) []watcher.RootSpec {
	specs := make([]watcher.RootSpec, 0, len(cfg.Settings.Roots))
	for _, root := range cfg.Settings.Roots {
		specs = append(specs, watcher.RootSpec{
			Path:      root,
			Recursive: cfg.Settings.Recursive,
		})
	}
	return specs
}

// sink consumes the notification stream: either printing lines to the
// output or nudging the command runner.
type sink struct {
	done chan struct{}
	stop func()
}

func startSink(w *watcher.Watcher, cfg Config, logger *logging.Logger, out io.Writer) (*sink, error) {
	notifications, cancel := w.Subscribe()

	deliver := func(notification change.Notification) {
		fmt.Fprintln(out, notification.Line())
	}
	stop := func() {}
	if len(cfg.Command) > 0 {
		run, err := runner.New(runner.Options{
			Command:   cfg.Command,
			Watch:     cfg.Watch,
			Kill:      cfg.Kill,
			PTY:       cfg.PTY,
			Stdout:    out,
			Logger:    logger,
			Processes: process.NewRegistry(),
		})
		if err != nil {
			cancel()
			return nil, err
		}
		// The command runs once up front, before any change arrives.
		run.Start()
		deliver = func(change.Notification) {
			run.Notify()
		}
		stop = run.Stop
	}

	s := &sink{done: make(chan struct{}), stop: stop}
	go func() {
		defer close(s.done)
		for notification := range notifications {
			deliver(notification)
		}
	}()
	return s, nil
}

// Wait blocks until the watcher closes the subscription.
func (s *sink) Wait() {
	if s == nil {
		return
	}
	<-s.done
}

// Stop terminates the command, if one is running. Idempotent.
func (s *sink) Stop() {
	if s == nil {
		return
	}
	s.stop()
}

func logVersionInfo(logger *logging.Logger) {
	if logger == nil {
		return
	}
	info := version.Get()
	fields := map[string]string{
		"version": info.Version,
	}
	if info.GitCommit != "" {
		fields["commit"] = info.GitCommit
	}
	logger.Debug("dirwatch starting", fields)
}

func logRepeatedSignals(logger *logging.Logger, signals <-chan os.Signal) {
	for sig := range signals {
		logger.Info("shutdown already in progress; ignoring signal", map[string]string{
			"signal": sig.String(),
		})
	}
}
