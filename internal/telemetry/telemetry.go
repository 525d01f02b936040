// Package telemetry records scheduler activity as OpenTelemetry metrics and
// spans. Telemetry implements scheduler.Hooks.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
)

const instrumentationName = "tasksched/internal/telemetry"

const defaultExportInterval = 30 * time.Second

type Config struct {
	// Exporter is "stdout" or "none".
	Exporter       string
	ExportInterval time.Duration
	Traces         bool
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

type Option func(*options)

type options struct {
	reader sdkmetric.Reader
	spans  sdktrace.SpanExporter
}

// WithMetricReader replaces the exporter-backed reader.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// WithSpanExporter replaces the exporter-backed span pipeline. Spans are
// exported synchronously.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.spans = e }
}

type Telemetry struct {
	mp *sdkmetric.MeterProvider
	tp *sdktrace.TracerProvider // nil when traces are off

	tracer trace.Tracer

	admitted  metric.Int64Counter
	runs      metric.Int64Counter
	faults    metric.Int64Counter
	discarded metric.Int64Counter
	live      metric.Int64UpDownCounter
	duration  metric.Float64Histogram
}

var _ scheduler.Hooks = (*Telemetry)(nil)

func New(cfg Config, opts ...Option) (*Telemetry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" {
		exporter = "stdout"
	}
	if exporter != "stdout" && exporter != "none" {
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", "tasksched"))

	reader := o.reader
	if reader == nil {
		if exporter == "stdout" {
			exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
			if err != nil {
				return nil, fmt.Errorf("metric exporter: %w", err)
			}
			interval := cfg.ExportInterval
			if interval <= 0 {
				interval = defaultExportInterval
			}
			reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
		} else {
			// Instruments stay live; nothing collects them.
			reader = sdkmetric.NewManualReader()
		}
	}

	t := &Telemetry{
		mp:     sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
		tracer: noop.NewTracerProvider().Tracer(instrumentationName),
	}

	switch {
	case o.spans != nil:
		t.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(o.spans), sdktrace.WithResource(res))
	case cfg.Traces && exporter == "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			_ = t.mp.Shutdown(context.Background())
			return nil, fmt.Errorf("span exporter: %w", err)
		}
		t.tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	}
	if t.tp != nil {
		t.tracer = t.tp.Tracer(instrumentationName)
	}

	if err := t.instruments(); err != nil {
		_ = t.Shutdown(context.Background())
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) instruments() error {
	m := t.mp.Meter(instrumentationName)
	var err, e error

	t.admitted, e = m.Int64Counter("tasksched.task.admitted", metric.WithDescription("Tasks registered with the scheduler."))
	err = errors.Join(err, e)
	t.runs, e = m.Int64Counter("tasksched.task.runs", metric.WithDescription("Action invocations."))
	err = errors.Join(err, e)
	t.faults, e = m.Int64Counter("tasksched.task.faults", metric.WithDescription("Action invocations that failed or panicked."))
	err = errors.Join(err, e)
	t.discarded, e = m.Int64Counter("tasksched.task.discarded", metric.WithDescription("Entries removed after their last run."))
	err = errors.Join(err, e)
	t.live, e = m.Int64UpDownCounter("tasksched.task.live", metric.WithDescription("Entries currently registered."))
	err = errors.Join(err, e)
	t.duration, e = m.Float64Histogram("tasksched.task.duration",
		metric.WithDescription("Action run time."),
		metric.WithUnit("s"),
	)
	err = errors.Join(err, e)

	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}
	return nil
}

func taskAttrs(t *task.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.name", t.Name()),
		attribute.Int("task.priority", int(t.Priority())),
		attribute.Bool("task.periodic", t.Cadence().IsPeriodic()),
	}
}

func (t *Telemetry) OnAdmit(tk *task.Task) {
	ctx := context.Background()
	set := metric.WithAttributes(taskAttrs(tk)...)
	t.admitted.Add(ctx, 1, set)
	t.live.Add(ctx, 1, set)
}

func (t *Telemetry) OnExecute(tk *task.Task, res engine.Result) {
	ctx := context.Background()
	attrs := taskAttrs(tk)
	set := metric.WithAttributes(attrs...)

	t.runs.Add(ctx, 1, set)
	t.duration.Record(ctx, res.Duration.Seconds(), set)

	_, span := t.tracer.Start(ctx, "task.run",
		trace.WithTimestamp(res.Started),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs,
			attribute.String("task.id", tk.ID()),
			attribute.Int64("task.run", int64(tk.Runs())),
		)...),
	)
	if res.Failed() {
		t.faults.Add(ctx, 1, set)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		span.SetAttributes(attribute.Bool("task.panicked", engine.IsPanic(res.Err)))
	}
	span.End(trace.WithTimestamp(res.Started.Add(res.Duration)))
}

func (t *Telemetry) OnDiscard(tk *task.Task) {
	ctx := context.Background()
	set := metric.WithAttributes(taskAttrs(tk)...)
	t.discarded.Add(ctx, 1, set)
	t.live.Add(ctx, -1, set)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	errs = append(errs, t.mp.Shutdown(ctx))
	return errors.Join(errs...)
}
