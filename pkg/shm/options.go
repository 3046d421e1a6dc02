package shm

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const defaultName = "shmheap"

// Option configures a heap constructor.
type Option func(*options)

type options struct {
	flags  Flag
	offset int64
	name   string
	tracer trace.Tracer
	meter  metric.Meter
}

// WithFlags sets the heap flags.
func WithFlags(f Flag) Option {
	return func(o *options) { o.flags = f }
}

// WithOffset sets the byte offset the mapping starts at. Only NewFromFD uses it.
func WithOffset(off int64) Option {
	return func(o *options) { o.offset = off }
}

// WithName sets the debug name of an anonymous heap. Only NewAnonymous uses it.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTracer records each construction as a span.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter counts constructions per strategy and outcome.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func newOptions(opts []Option) *options {
	o := &options{
		name:   defaultName,
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  metricnoop.NewMeterProvider().Meter(""),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.name == "" {
		o.name = defaultName
	}
	return o
}
