package mux

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("mux is closed")

type Logger interface {
	Info(format string, args ...interface{})
}

type awaitDone[T any] struct {
	value T
	reply chan struct{}
}

func newAwaitDone[T any](value T) awaitDone[T] {
	return awaitDone[T]{
		value: value,
		reply: make(chan struct{}),
	}
}

func (ad awaitDone[T]) done() {
	close(ad.reply)
}

func (ad awaitDone[T]) wait() {
	<-ad.reply
}

type Sink[T any] interface {
	Submit(T) error
	Close()
}

type funcSink[T any] struct {
	submit func(T) error
}

func (f *funcSink[T]) Submit(v T) error {
	return f.submit(v)
}

func (f *funcSink[T]) Close() {}

// SinkFunc adapts a function to a Sink that has nothing to release.
func SinkFunc[T any](f func(T) error) Sink[T] {
	return &funcSink[T]{f}
}

type thenSink[U, T any] struct {
	sink      Sink[T]
	contramap func(U) T
}

func (c *thenSink[U, T]) Submit(v U) error {
	return c.sink.Submit(c.contramap(v))
}

func (c *thenSink[U, T]) Close() {
	c.sink.Close()
}

func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &thenSink[U, T]{sink, f}
}

type filterSink[T any] struct {
	sink Sink[T]
	f    FilterFunc[T]
}

func (c *filterSink[T]) Submit(v T) error {
	if c.f(v) {
		return c.sink.Submit(v)
	}
	return nil
}

func (c *filterSink[T]) Close() {
	c.sink.Close()
}

func FilterSink[T any](sink Sink[T], f FilterFunc[T]) Sink[T] {
	return &filterSink[T]{sink, f}
}

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T) error {
	c.ch <- v
	return nil
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch}
}

type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

// Mux fans every submitted value out to all subscribed sinks, in submission
// order. Sinks are closed when they unsubscribe or when the Mux is closed.
type Mux[T any] struct {
	input      chan T
	register   chan awaitDone[Sink[T]]
	unregister chan awaitDone[Sink[T]]
	closing    chan struct{}
	done       chan struct{}
	outputs    map[Sink[T]]bool

	submitTimeout time.Duration
	inBufSize     int
	logger        Logger
}

type Option[T any] interface {
	apply(*Mux[T])
}

type buffered[T any] struct {
	Size int
}

func (b *buffered[T]) apply(m *Mux[T]) {
	m.inBufSize = b.Size
}

func Buffered[T any](size int) Option[T] {
	return &buffered[T]{size}
}

type withLogger[T any] struct {
	Logger Logger
}

func (l *withLogger[T]) apply(m *Mux[T]) {
	m.logger = l.Logger
}

func WithLogger[T any](logger Logger) Option[T] {
	return &withLogger[T]{logger}
}

type submitTimeout[T any] struct {
	Timeout time.Duration
}

func (s *submitTimeout[T]) apply(m *Mux[T]) {
	m.submitTimeout = s.Timeout
}

func SubmitTimeout[T any](timeout time.Duration) Option[T] {
	return &submitTimeout[T]{timeout}
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	mux := &Mux[T]{
		submitTimeout: 1 * time.Second,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(mux)
	}

	mux.input = make(chan T, mux.inBufSize)
	mux.register = make(chan awaitDone[Sink[T]])
	mux.unregister = make(chan awaitDone[Sink[T]])
	mux.closing = make(chan struct{})
	mux.done = make(chan struct{})
	mux.outputs = make(map[Sink[T]]bool)

	go mux.run()

	return mux
}

func (c *Mux[T]) run() {
	defer close(c.done)
	defer func() {
		for sub := range c.outputs {
			delete(c.outputs, sub)
			sub.Close()
		}
	}()

	for {
		select {
		case v := <-c.input:
			c.dispatch(v)
		case ar := <-c.register:
			c.outputs[ar.value] = true
			ar.done()
		case ar := <-c.unregister:
			sub := ar.value
			if c.outputs[sub] {
				delete(c.outputs, sub)
				sub.Close()
			}
			ar.done()
		case <-c.closing:
			// deliver what was accepted before Close
			for {
				select {
				case v := <-c.input:
					c.dispatch(v)
				default:
					return
				}
			}
		}
	}
}

func (c *Mux[T]) dispatch(v T) {
	for out := range c.outputs {
		if err := out.Submit(v); err != nil {
			c.error("error submitting value %v: %v", v, err)
		}
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the Mux, closes every subscribed sink and waits for that to
// finish. It must be called once.
func (c *Mux[T]) Close() {
	close(c.closing)
	<-c.done
}

func (c *Mux[T]) Submit(v T) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(c.submitTimeout)
	defer timer.Stop()

	select {
	case c.input <- v:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-timer.C:
		return c.error("timed out submitting value %v after %s", v, c.submitTimeout)
	}
}

type CancelFunc func()

func (c *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	ar := newAwaitDone(sink)
	select {
	case c.register <- ar:
		ar.wait()
	case <-c.done:
		sink.Close()
		return func() {}
	}

	return func() {
		ar := newAwaitDone(sink)
		select {
		case c.unregister <- ar:
			ar.wait()
		case <-c.done:
		}
	}
}

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}
