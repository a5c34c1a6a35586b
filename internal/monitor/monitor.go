// Package monitor watches device events delivered by the kernel or the udev
// daemon over netlink. A Monitor can be polled synchronously, or handed to an
// Observer which drains it on a dedicated goroutine and invokes a callback
// for every event.
package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

// Forever makes Poll block until an event arrives.
const Forever time.Duration = -1

// Socket is the connection a Monitor reads from. *uevent.Conn implements it.
type Socket interface {
	Fd() int
	AddMatchSubsystemDevtype(subsystem, devtype string) error
	AddMatchTag(tag string) error
	UpdateFilter() error
	RemoveFilter() error
	EnableReceiving() error
	SetReceiveBufferSize(size int) error
	Receive() (*uevent.Device, error)
	Close() error
}

type Dialer func(uevent.Source) (Socket, error)

func dialNetlink(source uevent.Source) (Socket, error) {
	conn, err := uevent.Dial(source)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type options struct {
	dial Dialer
}

type Option interface {
	apply(*options)
}

type withDialer struct {
	dial Dialer
}

func (w *withDialer) apply(o *options) {
	o.dial = w.dial
}

// WithDialer replaces the netlink connection with another Socket.
func WithDialer(dial Dialer) Option {
	return &withDialer{dial}
}

// Monitor owns a single connection to a device event source.
//
// Poll must not be called concurrently, nor while an Observer drains the
// same Monitor.
type Monitor struct {
	source uevent.Source
	sock   Socket

	// mu guards sock against filter changes racing a receive
	mu      sync.Mutex
	started bool

	closeOnce sync.Once
	closeErr  error
}

// New connects to the named event source, "udev" or "kernel". The name is
// validated before any connection attempt.
func New(source string, opts ...Option) (*Monitor, error) {
	o := &options{dial: dialNetlink}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}

	src, err := uevent.ParseSource(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	sock, err := o.dial(src)
	if err != nil {
		klog.Errorf("Failed to connect to %q event source: %v", src, err)
		return nil, fmt.Errorf("%w: source %q: %w", ErrConnection, src, err)
	}

	klog.V(2).Infof("Connected to %q event source", src)
	return &Monitor{
		source: src,
		sock:   sock,
	}, nil
}

func (m *Monitor) Source() uevent.Source {
	return m.source
}

// Fd returns the descriptor that becomes readable when an event is queued.
// It is meant for poll/epoll only, never read from or write to it.
func (m *Monitor) Fd() int {
	return m.sock.Fd()
}

// FilterBySubsystem lets only events of the subsystem (and devtype, if not
// empty) through. The filter runs in the kernel, so non-matching events do
// not wake up the process. It can be called before or after Start.
func (m *Monitor) FilterBySubsystem(subsystem, devtype string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sock.AddMatchSubsystemDevtype(subsystem, devtype); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return m.updateFilter()
}

// FilterByTag lets only events of devices carrying the tag through.
func (m *Monitor) FilterByTag(tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sock.AddMatchTag(tag); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return m.updateFilter()
}

func (m *Monitor) updateFilter() error {
	if err := m.sock.UpdateFilter(); err != nil {
		klog.Errorf("Failed to update %q monitor filter: %v", m.source, err)
		return fmt.Errorf("failed to update filter: %w", err)
	}
	return nil
}

// RemoveFilter removes every filter installed so far. Kernels that refuse
// to detach a socket filter make it fail with ErrNotSupported.
func (m *Monitor) RemoveFilter() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sock.RemoveFilter(); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return fmt.Errorf("%w: %w", ErrNotSupported, err)
		}
		return fmt.Errorf("failed to remove filter: %w", err)
	}
	return m.updateFilter()
}

// Start enables event delivery. Calls after the first one do nothing.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	if err := m.sock.EnableReceiving(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	m.started = true
	klog.V(2).Infof("Started receiving %q events", m.source)
	return nil
}

func (m *Monitor) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// SetReceiveBufferSize needs CAP_NET_ADMIN, ErrPermission is returned
// without it.
func (m *Monitor) SetReceiveBufferSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: receive buffer size must be positive, got %d", ErrInvalidArgument, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sock.SetReceiveBufferSize(size); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %w", ErrPermission, err)
		}
		return err
	}
	return nil
}

// Poll waits up to timeout for an event and returns it. A zero timeout
// never blocks, Forever waits without limit. It returns a nil device and a
// nil error if the timeout expired. Poll implicitly calls Start.
func (m *Monitor) Poll(timeout time.Duration) (*uevent.Device, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(m.Fd()), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, pollTimeout(deadline, timeout))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("%w: poll failed: %w", ErrReceive, err)
		}
		if n == 0 {
			return nil, nil
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return nil, fmt.Errorf("%w: monitor is closed", ErrReceive)
		}

		dev, err := m.receive()
		if err != nil {
			return nil, err
		}
		if dev != nil {
			return dev, nil
		}

		// the queued datagram was rejected, wait for the next one
		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return nil, nil
		}
	}
}

func (m *Monitor) receive() (*uevent.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, err := m.sock.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceive, err)
	}
	if dev != nil {
		klog.V(5).Infof("Received %q event: %s", m.source, dev)
	}
	return dev, nil
}

func pollTimeout(deadline time.Time, timeout time.Duration) int {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	ms := (remaining + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// Close releases the connection. It is safe to call more than once and
// before Start.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.sock.Close()
		klog.V(2).Infof("Closed %q monitor", m.source)
	})
	return m.closeErr
}
