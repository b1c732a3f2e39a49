package core

import (
	"fmt"
	"log/slog"
)

// Observer receives the events raised by computations. It never influences them.
type Observer interface {
	Log(event RouterEvent, desc string, args ...any)
}

// SlogObserver writes events to a logger. Warn events are always logged, trace events only when their
// category is enabled.
type SlogObserver struct {
	Logger *slog.Logger
	Trace  TraceOptions
}

func NewSlogObserver(logger *slog.Logger, trace TraceOptions) *SlogObserver {
	return &SlogObserver{Logger: logger, Trace: trace}
}

func (o *SlogObserver) Log(event RouterEvent, desc string, args ...any) {
	if o == nil || o.Logger == nil {
		return
	}
	if event.Warn() {
		o.Logger.Warn(fmt.Sprintf("%s %s", event.String(), desc), args...)
		return
	}
	if o.Trace&event.category() != 0 {
		o.Logger.Debug(fmt.Sprintf("%s %s", event.String(), desc), args...)
	}
}

type nopObserver struct{}

func (nopObserver) Log(RouterEvent, string, ...any) {}

