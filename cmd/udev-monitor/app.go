package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/health"
	"github.com/ydb-platform/udev-monitor/internal/metrics"
	"github.com/ydb-platform/udev-monitor/internal/monitor"
	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

const (
	programName     = "udev-monitor"
	observerService = "observer"

	eventBuffer = 64
	// bounds how long the observer callback waits for a slow output
	submitTimeout = 5 * time.Second
)

type klogLogger struct{}

func (klogLogger) Info(format string, args ...interface{}) {
	klog.Infof(format, args...)
}

// app wires the monitor and its observer to the outputs: drained events are
// fanned out to the printer and the metrics.
type app struct {
	config *Config
	wg     *sync.WaitGroup

	monitor  *monitor.Monitor
	observer *monitor.Observer
	events   *mux.Mux[*uevent.Device]
	printer  printer
	metrics  *metrics.Metrics
	health   *health.Server
	database *udev.Database
	watcher  *udev.DaemonWatcher
	cancel   mux.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

func newApp(ctx context.Context, wg *sync.WaitGroup, config *Config, out io.Writer, opts ...monitor.Option) (*app, error) {
	a := &app{
		config:  config,
		wg:      wg,
		printer: newPrinter(config.Output, out),
		metrics: metrics.New(),
		cancel:  func() {},
	}

	var err error
	a.health, err = health.NewServer(ctx, programName, config.HealthSocket, wg)
	if err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}
	a.health.SetServing(observerService, false)

	if config.Enumerate || config.Resolve {
		a.database = udev.NewDatabase()
	}

	a.monitor, err = monitor.New(config.Source, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.configureMonitor(); err != nil {
		a.monitor.Close()
		return nil, err
	}

	a.events = mux.Make[*uevent.Device](
		mux.Buffered[*uevent.Device](eventBuffer),
		mux.SubmitTimeout[*uevent.Device](submitTimeout),
		mux.WithLogger[*uevent.Device](klogLogger{}),
	)
	a.cancel = mux.ChainCancelFunc(
		a.events.Subscribe(mux.ThenSink[*uevent.Device, event](a.printer, a.resolve)),
		a.events.Subscribe(mux.SinkFunc(func(dev *uevent.Device) error {
			return a.metrics.Event(a.monitor.Source(), dev)
		})),
	)

	a.observer, err = monitor.NewObserver(a.monitor, a.deliver, monitor.WithName(programName))
	if err != nil {
		a.events.Close()
		a.monitor.Close()
		return nil, err
	}
	a.metrics.ObserverState(a.observer.Name(), a.observer.State())

	a.watchDaemon()

	return a, nil
}

func (a *app) configureMonitor() error {
	for _, filter := range a.config.Filters {
		var err error
		if filter.Tag != "" {
			err = a.monitor.FilterByTag(filter.Tag)
		} else {
			err = a.monitor.FilterBySubsystem(filter.Subsystem, filter.DevType)
		}
		if err != nil {
			return fmt.Errorf("failed to install filter %+v: %w", filter, err)
		}
	}

	if a.config.ReceiveBufferSize > 0 {
		err := a.monitor.SetReceiveBufferSize(a.config.ReceiveBufferSize)
		if errors.Is(err, monitor.ErrPermission) {
			klog.Warningf("keeping default receive buffer size: %v", err)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) watchDaemon() {
	if a.config.UdevRunDir == "" {
		return
	}
	watcher, err := udev.NewDaemonWatcher(a.config.UdevRunDir, a.wg)
	if err != nil {
		klog.Warningf("not watching the udev daemon: %v", err)
		return
	}
	a.watcher = watcher
	watcher.Subscribe(mux.SinkFunc(a.metrics.DaemonStatus))

	if a.monitor.Source() == uevent.SourceUdev {
		var running mux.FilterFunc[udev.DaemonStatus] = func(status udev.DaemonStatus) bool { return status.Running }
		watcher.Subscribe(mux.FilterSink(mux.SinkFunc(func(status udev.DaemonStatus) error {
			klog.Warningf("udev daemon is not running, no %s events will arrive until it starts", uevent.SourceUdev)
			return nil
		}), mux.Not(running)))
	}
}

// deliver runs on the observer goroutine.
func (a *app) deliver(dev *uevent.Device) {
	klog.V(5).Infof("observed %s", dev)
	if err := a.events.Submit(dev); err != nil {
		klog.Errorf("dropping %s: %v", dev, err)
	}
}

func (a *app) resolve(dev *uevent.Device) event {
	ev := event{device: dev}
	if a.config.Resolve && a.database != nil {
		record, err := a.database.Resolve(dev)
		if err != nil {
			klog.V(4).Infof("no database record for %s: %v", dev, err)
		} else {
			ev.record = record
		}
	}
	return ev
}

func (a *app) enumerate() error {
	records, err := a.database.Enumerate(a.config.matches())
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := a.printer.Record(record); err != nil {
			return err
		}
	}
	return nil
}

// start lists existing devices if configured and starts the observer.
func (a *app) start() error {
	if a.config.Enumerate {
		if err := a.enumerate(); err != nil {
			return fmt.Errorf("failed to enumerate devices: %w", err)
		}
	}

	a.observer.Start()
	a.metrics.ObserverState(a.observer.Name(), monitor.Running)
	a.health.SetServing(observerService, true)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-a.observer.Done()
		a.metrics.ObserverState(a.observer.Name(), a.observer.State())
		if err := a.observer.Err(); err != nil {
			klog.Errorf("observer %q failed: %v", a.observer.Name(), err)
			a.metrics.ObserverFailed(a.observer.Name())
		}
		a.health.SetServing(observerService, false)
	}()

	return nil
}

func (a *app) done() <-chan struct{} {
	return a.observer.Done()
}

func (a *app) handler() http.Handler {
	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", a.health.Healthz)
	handler.Handle("/metrics", a.metrics.Handler())
	return handler
}

// shutdown stops the observer, flushes the outputs and releases the monitor.
// It returns the observer's termination error.
func (a *app) shutdown() error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.observer.Stop()
		// Close hands buffered events to the sinks before closing them, so
		// the subscriptions are only cancelled afterwards
		a.events.Close()
		a.cancel()
		if a.watcher != nil {
			a.watcher.Close()
		}
		if err := a.monitor.Close(); err != nil {
			klog.Errorf("failed to close monitor: %v", err)
		}
	})
	return a.shutdownErr
}
