package core

import (
	"context"
	"fmt"
	"time"

	"github.com/encodeous/spfsim/state"
)

// Loop runs every operation on an Instance from a single goroutine, so callers on other goroutines
// never overlap.
type Loop struct {
	in   *Instance
	work chan func(*Instance) error
}

func NewLoop(in *Instance) *Loop {
	return &Loop{in: in, work: make(chan func(*Instance) error, 128)}
}

// Run processes dispatched work until ctx is done or a task fails.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case fun := <-l.work:
			if err := l.call(fun); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) call(fun func(*Instance) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fun(l.in)
}

// Dispatch queues fun without waiting for it to run.
func (l *Loop) Dispatch(ctx context.Context, fun func(*Instance) error) {
	select {
	case l.work <- fun:
	case <-ctx.Done():
	}
}

// DispatchWait queues fun and waits for its result.
func (l *Loop) DispatchWait(ctx context.Context, fun func(*Instance) (any, error)) (any, error) {
	ret := make(chan state.Pair[any, error], 1)
	l.Dispatch(ctx, func(in *Instance) error {
		res, err := fun(in)
		ret <- state.Pair[any, error]{V1: res, V2: err}
		return nil
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RepeatTask dispatches fun every delay until ctx is done.
func (l *Loop) RepeatTask(ctx context.Context, fun func(*Instance) error, delay time.Duration) {
	go func() {
		t := time.NewTicker(delay)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Dispatch(ctx, fun)
			}
		}
	}()
}
