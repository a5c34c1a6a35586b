package uevent

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/mux"
)

// udev never sends messages larger than this.
const maxMessageSize = 8192

// Conn is a connection to a device event source. It is not safe for
// concurrent use, except for Fd and Close.
type Conn struct {
	fd     int
	source Source

	// bind is false for connections that are already connected to their
	// peer (loopback), trusted skips the sender checks done for netlink.
	bind    bool
	trusted bool
	enabled bool

	filters FilterSet
	match   mux.FilterFunc[*Device]

	buf []byte
	oob []byte

	closeOnce sync.Once
	closeErr  error
}

func newConn(fd int, source Source, bind, trusted bool) *Conn {
	return &Conn{
		fd:      fd,
		source:  source,
		bind:    bind,
		trusted: trusted,
		match:   mux.Any[*Device](),
		buf:     make([]byte, maxMessageSize),
		oob:     make([]byte, unix.CmsgSpace(unix.SizeofUcred)),
	}
}

// Dial opens a netlink uevent socket for the given source. The socket does
// not receive anything until EnableReceiving is called.
func Dial(source Source) (*Conn, error) {
	if source.group() == groupNone {
		return nil, fmt.Errorf("invalid source %q", source)
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to create netlink socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to enable SO_PASSCRED: %w", err)
	}

	klog.V(4).Infof("Opened netlink uevent socket fd=%d for source %q", fd, source)
	return newConn(fd, source, true, false), nil
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) Source() Source {
	return c.source
}

func (c *Conn) AddMatchSubsystemDevtype(subsystem, devtype string) error {
	if err := c.filters.AddSubsystem(subsystem, devtype); err != nil {
		return err
	}
	c.match = c.filters.Match()
	return nil
}

func (c *Conn) AddMatchTag(tag string) error {
	if err := c.filters.AddTag(tag); err != nil {
		return err
	}
	c.match = c.filters.Match()
	return nil
}

// UpdateFilter attaches the current filter set to the socket. An empty set
// leaves the socket untouched.
func (c *Conn) UpdateFilter() error {
	raw, err := c.filters.Program()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.SetsockoptSockFprog(c.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("failed to attach socket filter: %w", err)
	}
	klog.V(4).Infof("Attached %d instruction socket filter to fd=%d", len(filter), c.fd)
	return nil
}

// RemoveFilter drops every installed predicate and detaches the socket filter.
func (c *Conn) RemoveFilter() error {
	c.filters.Reset()
	c.match = c.filters.Match()

	err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_DETACH_FILTER, 0)
	switch {
	case err == nil, errors.Is(err, unix.ENOENT):
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOPROTOOPT):
		return fmt.Errorf("kernel refused to detach socket filter (%w): %w", err, errors.ErrUnsupported)
	}
	return fmt.Errorf("failed to detach socket filter: %w", err)
}

// EnableReceiving binds the socket to the source multicast group. It is
// idempotent.
func (c *Conn) EnableReceiving() error {
	if c.enabled {
		return nil
	}
	if c.bind {
		sa := &unix.SockaddrNetlink{
			Family: unix.AF_NETLINK,
			Groups: c.source.group(),
		}
		if err := unix.Bind(c.fd, sa); err != nil {
			return fmt.Errorf("failed to bind netlink socket to group %d: %w", sa.Groups, err)
		}
	}
	c.enabled = true
	return nil
}

// SetReceiveBufferSize requires CAP_NET_ADMIN.
func (c *Conn) SetReceiveBufferSize(size int) error {
	if err := unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size); err != nil {
		return fmt.Errorf("failed to set receive buffer size to %d: %w", size, err)
	}
	return nil
}

// Receive reads a single queued datagram without blocking. It returns a nil
// device and a nil error if nothing was queued or the datagram was rejected.
func (c *Conn) Receive() (*Device, error) {
	n, oobn, flags, from, err := unix.Recvmsg(c.fd, c.buf, c.oob, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("recvmsg failed: %w", err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return nil, fmt.Errorf("%w: datagram larger than %d bytes", ErrMalformed, len(c.buf))
	}

	if !c.trusted && !c.trustedSender(from, c.oob[:oobn]) {
		return nil, nil
	}

	dev, err := Parse(c.buf[:n])
	if err != nil {
		return nil, err
	}

	if !c.match(dev) {
		klog.V(5).Infof("Dropped event not matching filters: %s", dev)
		return nil, nil
	}

	return dev, nil
}

func (c *Conn) trustedSender(from unix.Sockaddr, oob []byte) bool {
	snl, ok := from.(*unix.SockaddrNetlink)
	if !ok {
		klog.V(4).Info("Ignored message from non-netlink sender")
		return false
	}
	if snl.Groups == groupNone {
		klog.V(4).Info("Ignored unicast netlink message")
		return false
	}
	if snl.Groups == groupKernel && snl.Pid > 0 {
		klog.V(4).Infof("Ignored kernel group message sent by PID %d", snl.Pid)
		return false
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		klog.V(4).Infof("Ignored message with unparsable control data: %v", err)
		return false
	}
	for i := range msgs {
		cred, err := unix.ParseUnixCredentials(&msgs[i])
		if err != nil {
			continue
		}
		if cred.Uid != 0 {
			klog.V(4).Infof("Ignored message sent by UID %d", cred.Uid)
			return false
		}
		return true
	}

	klog.V(4).Info("Ignored message without sender credentials")
	return false
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}

// Injector writes datagrams into a loopback connection.
type Injector struct {
	fd     int
	source Source

	closeOnce sync.Once
}

// NewLoopback returns a connection whose events come from the returned
// Injector instead of the kernel.
func NewLoopback(source Source) (*Conn, *Injector, error) {
	if source.group() == groupNone {
		return nil, nil, fmt.Errorf("invalid source %q", source)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket pair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("failed to make loopback socket non-blocking: %w", err)
	}

	return newConn(fds[0], source, false, true), &Injector{fd: fds[1], source: source}, nil
}

func (i *Injector) Send(dev *Device) error {
	buf, err := dev.Marshal(i.source)
	if err != nil {
		return err
	}
	return i.SendRaw(buf)
}

func (i *Injector) SendRaw(buf []byte) error {
	if _, err := unix.Write(i.fd, buf); err != nil {
		return fmt.Errorf("failed to inject datagram: %w", err)
	}
	return nil
}

func (i *Injector) Close() error {
	var err error
	i.closeOnce.Do(func() {
		err = unix.Close(i.fd)
	})
	return err
}
