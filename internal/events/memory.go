package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBusFull 表示内存总线缓冲已满，事件被丢弃。
var ErrBusFull = errors.New("事件队列已满")

// MemoryBus 使用 channel 模拟消息总线，主要用于测试与单机部署。
type MemoryBus struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Publish 投递事件，缓冲已满时立即返回 ErrBusFull 而不阻塞调用方。
func (b *MemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("事件总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- evt:
		return nil
	default:
		return ErrBusFull
	}
}

// Consume 启动指定数量的工作协程消费事件，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, evt)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain 非阻塞地取出当前缓冲中的全部事件。
func (b *MemoryBus) Drain() []Event {
	var out []Event
	for {
		select {
		case evt, ok := <-b.ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}
