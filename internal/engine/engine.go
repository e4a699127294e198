// Package engine turns new objects under a set of prefixes into ordered,
// cursor-stamped records. It reads cursors but never writes them; committing
// is left to whoever delivers the records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/s3stream/internal/objectstore"
	"github.com/lsm/s3stream/internal/observability"
	"github.com/lsm/s3stream/internal/offset"
	"github.com/lsm/s3stream/internal/tracing"
)

// Cursor store field names.
const (
	PrefixField   = "prefix"
	LastFileField = "last_file"
)

// ErrOffsetType is returned when a stored cursor is present but not a string.
var ErrOffsetType = errors.New("offset position is of incorrect type")

// Lister lists keys under a prefix strictly after a cursor.
type Lister interface {
	ListAfter(ctx context.Context, prefix, cursor string, max int) (objectstore.Listing, error)
}

// Stager downloads one object to local staging.
type Stager interface {
	Stage(ctx context.Context, key string) (objectstore.Staged, error)
}

// Decoder turns a staged file into lines. ok is false when the file could not be read.
type Decoder interface {
	Decode(path string) (lines []string, ok bool)
}

// Skip describes an object passed over because it could not be read.
type Skip struct {
	Connector string
	Prefix    string
	Key       string
	// Reason is the object outcome, such as "absent" or "undecodable".
	Reason string
}

// SkipReporter is told about every skipped object when SkipUnreadable is set.
type SkipReporter interface {
	ReportSkip(ctx context.Context, s Skip) error
}

// Record is one decoded line ready for delivery, or a cursor-only advance.
type Record struct {
	// Partition and Offset are the cursor entry to commit once this record is acknowledged.
	Partition offset.Partition
	Offset    offset.Offset
	Topic     string
	Key       string
	Value     []byte
	Timestamp time.Time

	Prefix    string
	ObjectKey string
	Line      int

	// CursorOnly marks a record with no payload. It moves the cursor past
	// objects that produced no lines and is committed, never delivered, once
	// every record before it has been acknowledged.
	CursorOnly bool
}

// Cursor returns the cursor value carried by r.
func (r Record) Cursor() string {
	s, _ := r.Offset[LastFileField].(string)
	return s
}

// Config holds per-connector engine settings.
type Config struct {
	Name     string
	Topic    string
	Prefixes []string
	MaxFiles int
	// SkipUnreadable continues past absent or undecodable objects instead of
	// halting the prefix for the cycle.
	SkipUnreadable bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for poll spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics enables object and record counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSkipReporter forwards skipped objects to r. Report failures are logged
// and do not stop the poll.
func WithSkipReporter(r SkipReporter) Option {
	return func(e *Engine) { e.skips = r }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine runs one poll cycle at a time. It is not safe for concurrent Poll calls.
type Engine struct {
	cfg     Config
	lister  Lister
	stager  Stager
	decoder Decoder
	offsets offset.Reader

	logger  *slog.Logger
	log     *observability.TraceLogger
	tracer  trace.Tracer
	metrics *observability.Metrics
	skips   SkipReporter
	now     func() time.Time
}

// New creates an Engine. A MaxFiles below 1 is treated as 1 and an empty
// prefix list as the single prefix "".
func New(cfg Config, lister Lister, stager Stager, decoder Decoder, offsets offset.Reader, opts ...Option) *Engine {
	if cfg.MaxFiles < 1 {
		cfg.MaxFiles = 1
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = []string{""}
	}
	e := &Engine{
		cfg:     cfg,
		lister:  lister,
		stager:  stager,
		decoder: decoder,
		offsets: offsets,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("connector", cfg.Name)
	e.log = observability.NewTraceLogger(e.logger)
	return e
}

// Partition returns the cursor store partition for prefix.
func Partition(prefix string) offset.Partition {
	return offset.Partition{PrefixField: prefix}
}

// Poll processes every configured prefix once and returns the records in
// prefix order, then batch order, then line order. A prefix whose batch ends
// in objects without lines closes with a CursorOnly record. A non-nil error
// is fatal and no records are returned with it.
func (e *Engine) Poll(ctx context.Context) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanPoll,
		trace.WithAttributes(tracing.ConnectorAttr(e.cfg.Name)))
	defer span.End()

	var records []Record
	for _, prefix := range e.cfg.Prefixes {
		recs, err := e.pollPrefix(ctx, prefix)
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, err
		}
		records = append(records, recs...)
	}

	span.SetAttributes(tracing.RecordCountAttr(CountLines(records)))
	tracing.SetSpanOK(span)
	return records, nil
}

func (e *Engine) pollPrefix(ctx context.Context, prefix string) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, e.tracer, tracing.SpanPrefixPoll,
		trace.WithAttributes(tracing.ConnectorAttr(e.cfg.Name), tracing.PrefixAttr(prefix)))
	defer span.End()

	start, err := e.cursor(ctx, prefix)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.CursorAttr(start))

	listing, err := e.lister.ListAfter(ctx, prefix, start, e.cfg.MaxFiles)
	if err != nil {
		tracing.SetSpanError(span, err)
		return nil, err
	}
	if listing.Status != objectstore.StatusOK {
		e.log.Warn(ctx, "listing unavailable, retrying next poll",
			"prefix", prefix, "cursor", start, "status", listing.Status.String(), "error", listing.Cause)
		e.countObject(prefix, observability.OutcomeListFailed)
		return nil, nil
	}

	var records []Record
	prev := start
	for _, key := range listing.Keys {
		recs, unreadable, err := e.processObject(ctx, prefix, key, prev)
		if err != nil {
			tracing.SetSpanError(span, err)
			return nil, err
		}
		if unreadable != "" {
			if !e.cfg.SkipUnreadable {
				e.log.Info(ctx, "halting prefix until object is readable", "prefix", prefix, "key", key)
				break
			}
			e.reportSkip(ctx, prefix, key, unreadable)
		}
		records = append(records, recs...)
		prev = key
	}

	// Trailing objects without lines leave prev ahead of every record's
	// cursor. Without an advance the next poll would list them again.
	if prev != start && (len(records) == 0 || records[len(records)-1].Cursor() != prev) {
		records = append(records, e.advance(prefix, prev))
	}

	lines := CountLines(records)
	if e.metrics != nil && lines > 0 {
		e.metrics.RecordsEmitted.WithLabelValues(e.cfg.Name, prefix).Add(float64(lines))
	}
	span.SetAttributes(tracing.RecordCountAttr(lines))
	tracing.SetSpanOK(span)
	return records, nil
}

// cursor reads the stored cursor for prefix. Missing entries, missing fields,
// nil and blank values all resolve to "".
func (e *Engine) cursor(ctx context.Context, prefix string) (string, error) {
	stored, err := e.offsets.Offset(ctx, Partition(prefix))
	if err != nil {
		return "", fmt.Errorf("read cursor for prefix %q: %w", prefix, err)
	}
	v, present := stored[LastFileField]
	if !present || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: prefix %q holds %T under %q, want string", ErrOffsetType, prefix, v, LastFileField)
	}
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return s, nil
}

// processObject stages and decodes key. unreadable names the outcome when
// the object was absent or undecodable and is empty otherwise.
func (e *Engine) processObject(ctx context.Context, prefix, key, prev string) (recs []Record, unreadable string, err error) {
	staged, err := e.stager.Stage(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("stage %s: %w", key, err)
	}
	if staged.Status != objectstore.StatusOK {
		e.log.Warn(ctx, "object unavailable", "prefix", prefix, "key", key, "error", staged.Cause)
		e.countObject(prefix, observability.OutcomeAbsent)
		return nil, observability.OutcomeAbsent, nil
	}
	defer e.removeStaged(ctx, staged.Path)

	lines, ok := e.decoder.Decode(staged.Path)
	if !ok {
		e.countObject(prefix, observability.OutcomeUndecoded)
		return nil, observability.OutcomeUndecoded, nil
	}
	if len(lines) == 0 {
		e.log.Debug(ctx, "object has no lines", "prefix", prefix, "key", key)
		e.countObject(prefix, observability.OutcomeEmpty)
		return nil, "", nil
	}

	e.countObject(prefix, observability.OutcomeEmitted)
	return e.buildRecords(prefix, key, prev, lines), "", nil
}

func (e *Engine) reportSkip(ctx context.Context, prefix, key, reason string) {
	e.log.Warn(ctx, "skipping unreadable object", "prefix", prefix, "key", key, "reason", reason)
	if e.skips == nil {
		return
	}
	err := e.skips.ReportSkip(ctx, Skip{Connector: e.cfg.Name, Prefix: prefix, Key: key, Reason: reason})
	if err != nil {
		e.log.Error(ctx, "failed to report skipped object", "prefix", prefix, "key", key, "error", err)
	}
}

// buildRecords applies the watermark: every line but the last carries prev,
// the last carries key.
func (e *Engine) buildRecords(prefix, key, prev string, lines []string) []Record {
	ts := e.now()
	last := len(lines) - 1
	recs := make([]Record, len(lines))
	for i, line := range lines {
		cursor := prev
		if i == last {
			cursor = key
		}
		recs[i] = Record{
			Partition: Partition(prefix),
			Offset:    offset.Offset{LastFileField: cursor},
			Topic:     e.cfg.Topic,
			Key:       key + "-" + strconv.Itoa(i),
			Value:     []byte(line),
			Timestamp: ts,
			Prefix:    prefix,
			ObjectKey: key,
			Line:      i,
		}
	}
	return recs
}

// advance builds the cursor-only record that moves prefix to key.
func (e *Engine) advance(prefix, key string) Record {
	return Record{
		Partition:  Partition(prefix),
		Offset:     offset.Offset{LastFileField: key},
		Topic:      e.cfg.Topic,
		Timestamp:  e.now(),
		Prefix:     prefix,
		ObjectKey:  key,
		CursorOnly: true,
	}
}

// CountLines returns the number of deliverable records in recs.
func CountLines(recs []Record) int {
	n := 0
	for _, r := range recs {
		if !r.CursorOnly {
			n++
		}
	}
	return n
}

func (e *Engine) removeStaged(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn(ctx, "failed to remove staged object", "path", path, "error", err)
	}
}

func (e *Engine) countObject(prefix, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObjectsTotal.WithLabelValues(e.cfg.Name, prefix, outcome).Inc()
}
