// Package pipeline runs one connector: it drives the engine on a fixed
// minimum interval, hands records to the sink and commits the cursors of
// acknowledged records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/s3stream/internal/engine"
	"github.com/lsm/s3stream/internal/observability"
	"github.com/lsm/s3stream/internal/offset"
	"github.com/lsm/s3stream/internal/sink"
	"github.com/lsm/s3stream/internal/tracing"
)

// Poll cycle results recorded on PollTotal.
const (
	StatusOK             = "ok"
	StatusFatal          = "fatal"
	StatusDeliveryFailed = "delivery_failed"
	StatusCommitFailed   = "commit_failed"
)

// Poller produces one cycle's worth of records.
type Poller interface {
	Poll(ctx context.Context) ([]engine.Record, error)
}

// Config holds pipeline configuration.
type Config struct {
	Name         string
	PollInterval time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer sets the tracer for commit spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithMetrics enables poll and commit metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHealth marks the connector ready on hs after its first clean cycle.
func WithHealth(hs *observability.HealthServer) Option {
	return func(p *Pipeline) { p.health = hs }
}

// WithClock overrides the time source used for interval scheduling.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Pipeline orchestrates the engine → sink → cursor store flow for one connector.
type Pipeline struct {
	config  Config
	poller  Poller
	sink    sink.Sink
	offsets offset.Store

	logger  *slog.Logger
	log     *observability.TraceLogger
	tracer  trace.Tracer
	metrics *observability.Metrics
	health  *observability.HealthServer
	now     func() time.Time

	lastRun time.Time
}

// New creates a Pipeline. The pipeline owns sk and offsets and closes them in Shutdown.
func New(cfg Config, poller Poller, sk sink.Sink, offsets offset.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:  cfg,
		poller:  poller,
		sink:    sk,
		offsets: offsets,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("connector", cfg.Name)
	p.log = observability.NewTraceLogger(p.logger)
	return p
}

// Run polls until ctx is cancelled or the engine reports a fatal error.
// Cancellation is not an error. A started cycle always runs to completion.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("starting pipeline", "poll_interval", p.config.PollInterval)

	for {
		if err := p.wait(ctx); err != nil {
			p.logger.Info("pipeline stopped")
			return nil
		}
		if err := p.RunOnce(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("pipeline stopped on fatal error", "error", err)
			return err
		}
	}
}

// wait blocks until PollInterval has passed since the previous cycle started.
func (p *Pipeline) wait(ctx context.Context) error {
	if p.lastRun.IsZero() {
		return ctx.Err()
	}
	d := p.lastRun.Add(p.config.PollInterval).Sub(p.now())
	if d <= 0 {
		return ctx.Err()
	}
	p.logger.Debug("waiting for next poll", "wait_ms", d.Milliseconds())

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunOnce executes a single cycle: poll, deliver, commit. Only engine errors
// are returned. Delivery and commit failures end the cycle early and leave
// the affected cursors where they were, so the next cycle replays them.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	start := p.now()
	p.lastRun = start

	status, err := p.cycle(ctx)
	if p.metrics != nil {
		p.metrics.PollTotal.WithLabelValues(p.config.Name, status).Inc()
		p.metrics.PollDuration.WithLabelValues(p.config.Name).Observe(p.now().Sub(start).Seconds())
	}
	if err != nil {
		return err
	}
	if status == StatusOK && p.health != nil {
		p.health.MarkReady(p.config.Name)
	}
	return nil
}

func (p *Pipeline) cycle(ctx context.Context) (string, error) {
	records, err := p.poller.Poll(ctx)
	if err != nil {
		return StatusFatal, fmt.Errorf("poll %s: %w", p.config.Name, err)
	}
	if len(records) == 0 {
		p.log.Debug(ctx, "no new records")
		return StatusOK, nil
	}

	deliverable := make([]engine.Record, 0, len(records))
	for _, r := range records {
		if !r.CursorOnly {
			deliverable = append(deliverable, r)
		}
	}

	var acked int
	var deliverErr error
	if len(deliverable) > 0 {
		acked, deliverErr = p.sink.Deliver(ctx, deliverable)
		acked = max(0, min(acked, len(deliverable)))
	}
	if deliverErr != nil {
		p.log.Error(ctx, "delivery failed, cursors held at last acknowledged record",
			"records", len(deliverable), "acked", acked, "error", deliverErr)
	}

	if err := p.commit(ctx, ackedRun(records, acked)); err != nil {
		p.log.Error(ctx, "cursor commit failed", "error", err)
		return StatusCommitFailed, nil
	}
	if deliverErr != nil {
		return StatusDeliveryFailed, nil
	}

	p.log.Info(ctx, "poll cycle complete", "records", len(deliverable))
	return StatusOK, nil
}

// ackedRun returns the leading run of records covered by acked delivered
// records. CursorOnly records join the run when every record before them
// was acknowledged.
func ackedRun(records []engine.Record, acked int) []engine.Record {
	n, delivered := 0, 0
	for _, r := range records {
		if !r.CursorOnly {
			if delivered == acked {
				break
			}
			delivered++
		}
		n++
	}
	return records[:n]
}

// commit stores, per prefix, the cursor of the last record in acked. acked
// must be a leading run of the cycle's records.
func (p *Pipeline) commit(ctx context.Context, acked []engine.Record) error {
	if len(acked) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCommit,
		trace.WithAttributes(tracing.ConnectorAttr(p.config.Name), tracing.RecordCountAttr(len(acked))))
	defer span.End()

	var order []string
	latest := make(map[string]engine.Record)
	for _, r := range acked {
		if _, seen := latest[r.Prefix]; !seen {
			order = append(order, r.Prefix)
		}
		latest[r.Prefix] = r
	}

	for _, prefix := range order {
		r := latest[prefix]
		if r.Cursor() == "" {
			continue
		}
		if err := p.offsets.Commit(ctx, r.Partition, r.Offset); err != nil {
			err = fmt.Errorf("commit cursor %q for prefix %q: %w", r.Cursor(), prefix, err)
			tracing.SetSpanError(span, err)
			return err
		}
		p.log.Debug(ctx, "cursor committed", "prefix", prefix, "cursor", r.Cursor())
		if p.metrics != nil {
			p.metrics.CursorCommits.WithLabelValues(p.config.Name, prefix).Inc()
		}
	}

	tracing.SetSpanOK(span)
	return nil
}

// Shutdown closes the sink and the cursor store.
func (p *Pipeline) Shutdown(_ context.Context) error {
	p.logger.Info("shutting down pipeline")

	var errs []error
	if err := p.sink.Close(); err != nil {
		p.logger.Error("sink close error", "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if err := p.offsets.Close(); err != nil {
		p.logger.Error("offset store close error", "error", err)
		errs = append(errs, fmt.Errorf("offset store close: %w", err))
	}

	p.logger.Info("pipeline shutdown complete")
	return errors.Join(errs...)
}
