package events

import (
	"context"
	"errors"
	"fmt"
)

// Named 为发布器附加名称，便于在错误中定位。
type Named struct {
	Name      string
	Publisher Publisher
}

// Fanout 将事件投递到多个发布器。
type Fanout struct {
	targets []Named
}

// NewFanout 创建一个新的 Fanout，忽略空发布器。
func NewFanout(targets ...Named) *Fanout {
	set := make([]Named, 0, len(targets))
	for _, t := range targets {
		if t.Publisher == nil {
			continue
		}
		set = append(set, t)
	}
	return &Fanout{targets: set}
}

// Len 返回已注册的发布器数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.targets)
}

// Publish 将事件广播至所有发布器，单个失败不影响其他发布器。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, t := range f.targets {
		if err := t.Publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部发布器。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, t := range f.targets {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*Fanout)(nil)
