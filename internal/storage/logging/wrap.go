package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/correlation"
	"github.com/TheDevXen/airgram/internal/storage"
)

const instrumentationName = "github.com/TheDevXen/airgram/storage"

type store struct {
	inner   storage.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	sys     string
	backend string
	metrics *storeMetrics
}

// Wrap decorates inner with trace/debug logging, spans and operation metrics.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		sys:     sys,
		backend: storage.BackendName(inner),
		metrics: newStoreMetrics(logger),
	}
}

func (s *store) start(ctx context.Context, op, docKey string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "airgram.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("airgram.storage.operation", op),
		attribute.String("airgram.storage.backend", s.backend),
		attribute.String("airgram.sys", s.sys),
	)

	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("airgram.correlation_id", corr))
	}
	logger = logger.With("key", docKey)
	logger.Trace("storage." + op + ".begin")

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		result := resultOf(err)
		switch result {
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		default:
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+"."+result, "elapsed", elapsed)
		}
		span.AddEvent("airgram.storage.end", trace.WithAttributes(
			attribute.String("airgram.storage.result", result),
			attribute.Int64("airgram.storage.duration_ms", elapsed.Milliseconds()),
		))
		s.metrics.record(ctx, op, s.backend, result, elapsed)
	}
}

// resultOf classifies err for logs and metrics. Missing documents are an
// expected outcome rather than a failure.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *store) Get(ctx context.Context, docKey string) (storage.Document, error) {
	ctx, span, _, finish := s.start(ctx, "get", docKey)
	defer span.End()
	doc, err := s.inner.Get(ctx, docKey)
	if err == nil {
		span.SetAttributes(attribute.Int("airgram.storage.fields", len(doc)))
	}
	finish(err)
	return doc, err
}

func (s *store) GetField(ctx context.Context, docKey, path string) (any, error) {
	ctx, span, _, finish := s.start(ctx, "get_field", docKey)
	defer span.End()
	span.SetAttributes(attribute.String("airgram.storage.path", path))
	value, err := s.inner.GetField(ctx, docKey, path)
	finish(err)
	return value, err
}

func (s *store) Set(ctx context.Context, docKey string, partial storage.Document) (storage.Document, error) {
	ctx, span, logger, finish := s.start(ctx, "set", docKey)
	defer span.End()
	span.SetAttributes(attribute.Int("airgram.storage.fields", len(partial)))
	logger.Trace("storage.set.fields", "count", len(partial))
	written, err := s.inner.Set(ctx, docKey, partial)
	finish(err)
	return written, err
}

func (s *store) Delete(ctx context.Context, docKey string) error {
	ctx, span, _, finish := s.start(ctx, "delete", docKey)
	defer span.End()
	err := s.inner.Delete(ctx, docKey)
	finish(err)
	return err
}

func (s *store) Subscribe(ctx context.Context, docKey string) (storage.Subscription, error) {
	feed, ok := s.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	ctx, span, _, finish := s.start(ctx, "subscribe", docKey)
	defer span.End()
	sub, err := feed.Subscribe(ctx, docKey)
	if errors.Is(err, storage.ErrNotImplemented) {
		finish(nil)
		return nil, err
	}
	finish(err)
	return sub, err
}

func (s *store) Backend() string {
	return s.backend
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("storage.close.error", "backend", s.backend, "error", err)
	}
	return err
}

type storeMetrics struct {
	ops      metric.Int64Counter
	duration metric.Float64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter(instrumentationName)
	m := &storeMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"airgram.storage.ops",
		metric.WithDescription("Storage operations by operation and result"),
	)
	logMetricInitError(logger, "airgram.storage.ops", err)

	m.duration, err = meter.Float64Histogram(
		"airgram.storage.duration_ms",
		metric.WithDescription("Storage operation latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "airgram.storage.duration_ms", err)
	return m
}

func (m *storeMetrics) record(ctx context.Context, op, backend, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("backend", backend),
		attribute.String("result", result),
	)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
