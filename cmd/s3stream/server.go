package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/s3stream/internal/config"
	"github.com/lsm/s3stream/internal/decode"
	"github.com/lsm/s3stream/internal/dlq"
	"github.com/lsm/s3stream/internal/engine"
	"github.com/lsm/s3stream/internal/objectstore"
	"github.com/lsm/s3stream/internal/observability"
	"github.com/lsm/s3stream/internal/offset"
	"github.com/lsm/s3stream/internal/pipeline"
	kafkasink "github.com/lsm/s3stream/internal/sink/kafka"
	"github.com/lsm/s3stream/internal/tracing"
)

const (
	metricsAddrEnv     = "S3STREAM_METRICS_ADDR"
	defaultMetricsAddr = ":9090"
	shutdownTimeout    = 10 * time.Second
)

// connector is one running pipeline.
type connector interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// runtime holds process-wide dependencies shared by all connectors.
type runtime struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
	health  *observability.HealthServer
	build   func(ctx context.Context, def *config.ConnectorDefinition) (connector, error)

	mu           sync.Mutex
	memoryStores map[string]*offset.MemoryStore
}

func newRuntime(logger *slog.Logger, tracer trace.Tracer, metrics *observability.Metrics, health *observability.HealthServer) *runtime {
	rt := &runtime{
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		health:       health,
		memoryStores: make(map[string]*offset.MemoryStore),
	}
	rt.build = func(ctx context.Context, def *config.ConnectorDefinition) (connector, error) {
		return rt.buildConnector(ctx, def)
	}
	return rt
}

func runServer(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir := fs.String("config-dir", config.Dir(), "directory of connector YAML files")
	metricsAddr := fs.String("metrics-addr", envOr(metricsAddrEnv, defaultMetricsAddr), "address for /metrics, /healthz and /readyz")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (default $S3STREAM_LOG_LEVEL or info)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := observability.NewLogger("s3stream", observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	loader := config.NewLoader(*configDir, logger)
	defs, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("no connector definitions found in %s", *configDir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig("s3stream"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	rt := newRuntime(logger, tracer, observability.NewMetrics(reg), observability.NewHealthServer())

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", rt.health.Handler())
	mux.Handle("GET /readyz", rt.health.Handler())

	handler := otelhttp.NewHandler(mux, "s3stream-admin",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }))
	httpServer := &http.Server{Addr: *metricsAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", *metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	reload := make(chan map[string]*config.ConnectorDefinition, 1)
	loader.OnChange(func(next map[string]*config.ConnectorDefinition) {
		select {
		case <-reload:
		default:
		}
		reload <- next
	})
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	rt.health.SetReady(true)
	runErr := rt.supervise(ctx, defs, reload)
	rt.health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// supervise runs one generation of connectors at a time and restarts them
// when the configuration changes.
func (rt *runtime) supervise(ctx context.Context, defs map[string]*config.ConnectorDefinition, reload <-chan map[string]*config.ConnectorDefinition) error {
	for {
		genCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- rt.runConnectors(genCtx, defs) }()

		select {
		case err := <-done:
			stop()
			return err
		case next := <-reload:
			rt.logger.Info("configuration changed, restarting connectors", "connectors", len(next))
			stop()
			if err := <-done; err != nil {
				rt.logger.Error("connector stopped during restart", "error", err)
			}
			defs = next
		}
	}
}

// runConnectors runs every definition until ctx is done or one connector
// fails, which stops the others.
func (rt *runtime) runConnectors(ctx context.Context, defs map[string]*config.ConnectorDefinition) error {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)
	rt.health.Expect(names...)

	if len(names) == 0 {
		rt.logger.Warn("no valid connectors, waiting for configuration")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		def := defs[name]
		g.Go(func() error {
			p, err := rt.build(gctx, def)
			if err != nil {
				return fmt.Errorf("connector %s: %w", def.Name, err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := p.Shutdown(shutdownCtx); err != nil {
					rt.logger.Error("connector shutdown error", "connector", def.Name, "error", err)
				}
			}()
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("connector %s: %w", def.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildConnector wires object store, decoder, cursor store, engine and
// Kafka sink for one definition.
func (rt *runtime) buildConnector(ctx context.Context, def *config.ConnectorDefinition) (*pipeline.Pipeline, error) {
	logger := rt.logger.With("connector", def.Name)
	logger.Info("starting connector", "bucket", def.Source.Bucket, "prefixes", def.Source.Prefixes, "topic", def.Topic, "file", def.Path)

	store, err := objectstore.NewClient(def.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	offsets, err := rt.openOffsets(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("offset store: %w", err)
	}

	sk, err := kafkasink.NewSink(kafkasink.Config{Cluster: def.Kafka, Connector: def.Name}, logger)
	if err != nil {
		_ = offsets.Close()
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	sk.SetTracer(rt.tracer)
	sk.SetMetrics(rt.metrics)

	for _, topic := range []string{def.Topic, def.DeadLetterTopic} {
		if topic == "" {
			continue
		}
		if err := sk.EnsureTopic(ctx, topic); err != nil {
			logger.Warn("topic check failed, relying on broker auto-creation", "topic", topic, "error", err)
		}
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(rt.tracer),
		engine.WithMetrics(rt.metrics),
	}
	if def.DeadLetterTopic != "" {
		engineOpts = append(engineOpts, engine.WithSkipReporter(dlq.NewHandler(sk, def.DeadLetterTopic)))
	}

	dec := decode.New(def.Codec(), def.Source.MaxLineBytes, logger)
	eng := engine.New(def.EngineConfig(), store, store, dec, offsets, engineOpts...)

	return pipeline.New(pipeline.Config{Name: def.Name, PollInterval: def.PollInterval()}, eng, sk, offsets,
		pipeline.WithLogger(rt.logger),
		pipeline.WithTracer(rt.tracer),
		pipeline.WithMetrics(rt.metrics),
		pipeline.WithHealth(rt.health),
	), nil
}

// openOffsets returns the cursor store for def. Memory stores are kept per
// connector name so their cursors survive a configuration reload.
func (rt *runtime) openOffsets(ctx context.Context, def *config.ConnectorDefinition) (offset.Store, error) {
	if !def.Offsets.IsMemory() {
		return offset.Open(ctx, def.Offsets, def.Name)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.memoryStores[def.Name]
	if !ok {
		rt.logger.Warn("cursors are kept in memory and will be lost on restart", "connector", def.Name)
		s = offset.NewMemoryStore()
		rt.memoryStores[def.Name] = s
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
