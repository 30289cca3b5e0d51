package worker

import (
	"context"
	"sync"
)

// Token 是不关心结果类型的完成信号，宿主据此等待所有未决事件。
type Token interface {
	Done() <-chan struct{}
}

// Completion 是生命周期事件与 fetch 事件返回的完成凭据。
// 事件结束（成功或失败）时 Done 关闭，之后 Await/Err 立即返回。
type Completion[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Start 在独立 goroutine 中执行 fn 并返回其完成凭据。
func Start[T any](ctx context.Context, fn func(context.Context) (T, error)) *Completion[T] {
	c := newCompletion[T]()
	go func() {
		value, err := fn(ctx)
		c.resolve(value, err)
	}()
	return c
}

// Resolved 返回一个已经完成的凭据。
func Resolved[T any](value T, err error) *Completion[T] {
	c := newCompletion[T]()
	c.resolve(value, err)
	return c
}

func (c *Completion[T]) resolve(value T, err error) {
	c.once.Do(func() {
		c.value = value
		c.err = err
		close(c.done)
	})
}

// Done 在事件结束后关闭。
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Await 阻塞直到事件结束或 ctx 取消。
func (c *Completion[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Err 返回事件的错误；事件未结束时返回 nil。
func (c *Completion[T]) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
