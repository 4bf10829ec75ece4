package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener обрабатывает значения из канала в одной горутине, по одному.
// Ошибка обработчика не останавливает цикл, она уходит в onError.
type Listener[T any] struct {
	handler     func(input T) error
	onError     func(input T, err error)
	stopHandler func()

	in      <-chan T
	wg      sync.WaitGroup
	cancel  func()
	stopped chan struct{}
	once    sync.Once
}

type Option[T any] func(*Listener[T])

// WithStopHandler is called once after the loop exits.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.stopHandler = fn }
}

func WithErrorHandler[T any](fn func(input T, err error)) Option[T] {
	return func(l *Listener[T]) { l.onError = fn }
}

func New[T any](in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
		stopped:     make(chan struct{}),
		onError: func(_ T, err error) {
			slog.Error("listener handler failed", "error", err)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Job = (*Listener[int])(nil)

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.once.Do(func() { close(l.stopped) })
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			l.onError(inp, err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}
	return nil
}

// Stopped is closed once the loop has exited.
func (l *Listener[T]) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
