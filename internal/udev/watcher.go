package udev

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/mux"
)

const (
	DefaultRunDir = "/run/udev"
	controlSocket = "control"
)

type watcherRequest interface {
	requestSealed()
}

type statusRequest struct {
	reply chan DaemonStatus
}

func (statusRequest) requestSealed() {}

type subscribeRequest struct {
	sink  mux.Sink[DaemonStatus]
	reply chan mux.CancelFunc
}

func (subscribeRequest) requestSealed() {}

// DaemonWatcher follows the udev daemon control socket in a run directory.
// udevd creates it on startup and removes it on exit, so its presence tells
// whether events of the udev source can be expected at all.
type DaemonWatcher struct {
	path     string
	status   DaemonStatus // owned by the watch goroutine
	watcher  *fsnotify.Watcher
	requests chan watcherRequest
	mux      *mux.Mux[DaemonStatus]
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       *sync.WaitGroup
}

// NewDaemonWatcher starts watching runDir. `wg` is waited on by the caller
// before exiting; the watch goroutine is registered with it.
func NewDaemonWatcher(runDir string, wg *sync.WaitGroup) (*DaemonWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("failed to create fsnotify watcher: %v", err)
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(runDir); err != nil {
		watcher.Close()
		klog.Errorf("failed to watch %q: %v", runDir, err)
		return nil, fmt.Errorf("failed to watch %q: %w", runDir, err)
	}

	w := &DaemonWatcher{
		path:     filepath.Join(runDir, controlSocket),
		watcher:  watcher,
		requests: make(chan watcherRequest),
		mux:      mux.Make[DaemonStatus](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		wg:       wg,
	}
	w.status = w.stat()
	klog.Infof("udev daemon control socket %q present: %t", w.path, w.status.Running)

	wg.Add(1)
	go w.watch()

	return w, nil
}

func (w *DaemonWatcher) stat() DaemonStatus {
	_, err := os.Stat(w.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Errorf("failed to stat %q: %v", w.path, err)
	}
	return DaemonStatus{Running: err == nil, Path: w.path}
}

func (w *DaemonWatcher) watch() {
	defer w.wg.Done()
	defer close(w.done)
	defer w.mux.Close()
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			status := w.stat()
			if status == w.status {
				continue
			}
			w.status = status
			klog.Infof("udev daemon control socket %q present: %t", w.path, status.Running)
			if err := w.mux.Submit(status); err != nil {
				klog.Errorf("failed to publish daemon status: %v", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("error watching %q: %v", w.path, err)
		case req := <-w.requests:
			switch r := req.(type) {
			case statusRequest:
				r.reply <- w.status
			case subscribeRequest:
				// current status goes first so the sink never misses a transition
				if err := r.sink.Submit(w.status); err != nil {
					klog.Errorf("failed to submit initial daemon status: %v", err)
				}
				r.reply <- w.mux.Subscribe(r.sink)
			}
		case <-w.stop:
			return
		}
	}
}

func (w *DaemonWatcher) Path() string {
	return w.path
}

// Status returns the last observed daemon status.
func (w *DaemonWatcher) Status() DaemonStatus {
	reply := make(chan DaemonStatus, 1)
	select {
	case w.requests <- statusRequest{reply}:
		return <-reply
	case <-w.done:
		return w.stat()
	}
}

// Subscribe delivers the current status and then every change. The sink is
// fed from the watch goroutine and must not block.
func (w *DaemonWatcher) Subscribe(sink mux.Sink[DaemonStatus]) mux.CancelFunc {
	reply := make(chan mux.CancelFunc, 1)
	select {
	case w.requests <- subscribeRequest{sink, reply}:
		return <-reply
	case <-w.done:
		sink.Close()
		return func() {}
	}
}

func (w *DaemonWatcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
