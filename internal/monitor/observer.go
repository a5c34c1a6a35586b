package monitor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

// Callback is invoked on the observer goroutine for every event. The
// observer does not wait for the next event until it returns.
type Callback func(*uevent.Device)

type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type observerOptions struct {
	name string
}

type ObserverOption interface {
	apply(*observerOptions)
}

type withName struct {
	name string
}

func (w *withName) apply(o *observerOptions) {
	o.name = w.name
}

// WithName sets the name the observer logs under.
func WithName(name string) ObserverOption {
	return &withName{name}
}

// Observer drains a Monitor on its own goroutine and hands every event to a
// callback until it is stopped.
//
// The Monitor is not owned by the Observer and is not closed by it. Events
// still queued when a stop is observed are left unread.
type Observer struct {
	monitor  *Monitor
	callback Callback
	name     string

	// stop pipe: stopW is written and closed once by SendStop, stopR is
	// closed by the observer goroutine (or by Stop if it never started)
	stopR int
	stopW int

	sendOnce  sync.Once
	startOnce sync.Once

	state atomic.Int32
	// tid of the OS thread the observer goroutine is locked to, 0 when not
	// running
	tid  atomic.Int32
	done chan struct{}
	err  error // written before done is closed
}

// NewObserver prepares an Observer for the monitor. Nothing runs until
// Start is called.
func NewObserver(m *Monitor, callback Callback, opts ...ObserverOption) (*Observer, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: monitor missing", ErrInvalidArgument)
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: callback missing", ErrInvalidArgument)
	}

	o := &observerOptions{name: "monitor-observer"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("failed to create stop pipe: %w", err)
	}

	return &Observer{
		monitor:  m,
		callback: callback,
		name:     o.name,
		stopR:    pipe[0],
		stopW:    pipe[1],
		done:     make(chan struct{}),
	}, nil
}

func (o *Observer) Name() string {
	return o.name
}

func (o *Observer) State() State {
	return State(o.state.Load())
}

// Done is closed once the observer goroutine has exited.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Err reports why the observer goroutine exited: nil after a stop, an
// error wrapping ErrReceive or ErrConnection otherwise. It is only
// meaningful once Done is closed.
func (o *Observer) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Start launches the observer goroutine. Only the first call has an effect,
// and none after Stop.
func (o *Observer) Start() {
	o.startOnce.Do(func() {
		o.state.CompareAndSwap(int32(Created), int32(Running))
		go o.run()
	})
}

func (o *Observer) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	o.tid.Store(int32(unix.Gettid()))

	klog.V(2).Infof("%s: started", o.name)
	err := o.loop()
	if err != nil {
		klog.Errorf("%s: terminated: %v", o.name, err)
		// nobody is left to read a stop signal
		o.sendOnce.Do(func() {
			unix.Close(o.stopW)
		})
	} else {
		klog.V(2).Infof("%s: stopped", o.name)
	}

	o.err = err
	o.state.Store(int32(Stopped))
	o.tid.Store(0)
	close(o.done)
}

func (o *Observer) loop() error {
	defer unix.Close(o.stopR)

	if err := o.monitor.Start(); err != nil {
		return err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("failed to create epoll instance: %w", err)
	}
	defer unix.Close(epfd)

	for _, fd := range []int{o.stopR, o.monitor.Fd()} {
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("failed to add fd %d to epoll: %w", fd, err)
		}
	}

	events := make([]unix.EpollEvent, 2)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: epoll_wait failed: %w", ErrReceive, err)
		}

		stop, ready := false, false
		for _, event := range events[:n] {
			if int(event.Fd) == o.stopR {
				stop = true
			} else {
				ready = true
			}
		}

		// a stop wins over a pending event
		if stop {
			return nil
		}
		if !ready {
			continue
		}

		dev, err := o.monitor.Poll(0)
		if err != nil {
			return err
		}
		if dev != nil {
			o.callback(dev)
		}
	}
}

// SendStop asks the observer goroutine to exit without waiting for it. It
// never blocks and is safe to call any number of times from any goroutine,
// including from the callback.
func (o *Observer) SendStop() {
	o.sendOnce.Do(func() {
		if !o.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			o.state.CompareAndSwap(int32(Created), int32(Stopping))
		}
		if _, err := unix.Write(o.stopW, []byte{1}); err != nil {
			klog.Errorf("%s: failed to send stop signal: %v", o.name, err)
		}
		if err := unix.Close(o.stopW); err != nil {
			klog.Errorf("%s: failed to close stop signal: %v", o.name, err)
		}
	})
}

// Stop sends the stop signal and waits for the observer goroutine to exit,
// then returns the reason it exited. The callback is not invoked again once
// Stop returns.
//
// Called from the callback itself, Stop returns immediately and the
// observer exits after the callback returns.
func (o *Observer) Stop() error {
	o.SendStop()

	o.startOnce.Do(func() {
		// never started, there is no goroutine to drain the signal
		unix.Close(o.stopR)
		o.state.Store(int32(Stopped))
		close(o.done)
	})

	select {
	case <-o.done:
		return o.err
	default:
	}

	if int32(unix.Gettid()) == o.tid.Load() {
		klog.V(4).Infof("%s: stop requested from the observer itself", o.name)
		return nil
	}

	<-o.done
	return o.err
}
