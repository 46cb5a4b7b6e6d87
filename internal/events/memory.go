package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存中保存事件，主要用于测试与本地调试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
	closed bool
}

// NewMemoryPublisher 创建一个内存发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录事件并转发给订阅者，订阅者处理不过来时丢弃。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	p.events = append(p.events, event)
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 返回一个接收后续事件的 channel。
func (p *MemoryPublisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Events 返回已记录事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Types 返回已记录事件的类型序列。
func (p *MemoryPublisher) Types() []Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// Close 关闭全部订阅 channel。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
	return nil
}

var _ Publisher = (*MemoryPublisher)(nil)
