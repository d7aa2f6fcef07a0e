package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/garage/config"
	"github.com/c360studio/garage/credential"
	"github.com/c360studio/garage/history"
	"github.com/c360studio/garage/llm"
	"github.com/c360studio/garage/notify"
	"github.com/c360studio/garage/storage"
	"github.com/c360studio/garage/workflow"
)

// Storage namespaces under the data directory.
const (
	connectionsNamespace = "connections"
	historyNamespace     = "history"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream
	natsSink       *notify.NATSSink

	// Metrics
	registry        *prometheus.Registry
	llmMetrics      *llm.Metrics
	workflowMetrics *workflow.Metrics
	metricsServer   *http.Server
	metricsAddr     string

	// Providers
	client  *llm.Client
	invoker llm.Invoker
	tester  credential.Tester

	// Stores
	history     *history.Store
	credentials *credential.Store
	sink        notify.Multi

	stopWatch context.CancelFunc
}

// NewApp creates a new application instance. Nothing is started until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	llmMetrics := llm.InitMetrics(registry)

	opts := []llm.ClientOption{
		llm.WithLogger(logger),
		llm.WithMetrics(llmMetrics),
	}
	for id, p := range cfg.Providers {
		opts = append(opts, llm.WithProviderSettings(id, p.Settings()))
	}
	client := llm.NewClient(opts...)

	return &App{
		cfg:             cfg,
		logger:          logger,
		registry:        registry,
		llmMetrics:      llmMetrics,
		workflowMetrics: workflow.InitMetrics(registry),
		client:          client,
		invoker:         client,
		tester:          client,
	}
}

// Start connects NATS (when configured), opens storage, loads stored
// connections and starts the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NATS.Enabled() {
		if err := a.startNATS(); err != nil {
			return fmt.Errorf("start NATS: %w", err)
		}
		a.natsSink = notify.NewNATSSink(a.natsConn, a.cfg.NATS.SubjectPrefix, a.logger)
	}

	a.sink = notify.Multi{notify.NewLogSink(a.logger)}
	if a.natsSink != nil {
		a.sink = append(a.sink, a.natsSink)
	}

	historyBackend, err := a.openBackend(ctx, historyNamespace)
	if err != nil {
		return fmt.Errorf("open history storage: %w", err)
	}
	a.history = history.NewStore(historyBackend, a.logger)

	connBackend, err := a.openBackend(ctx, connectionsNamespace)
	if err != nil {
		return fmt.Errorf("open connection storage: %w", err)
	}
	a.credentials = credential.NewStore(connBackend, a.tester,
		credential.WithLogger(a.logger),
		credential.WithSink(a.sink),
		credential.WithHistory(a.history),
	)
	if err := a.credentials.Load(ctx); err != nil {
		return fmt.Errorf("load connections: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.stopWatch = cancel
	go func() {
		if err := a.credentials.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Connection watch stopped", "error", err)
		}
	}()

	if err := a.startMetrics(); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}
	return nil
}

func (a *App) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Debug("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name("garage"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		a.logger.Debug("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  filepath.Join(a.cfg.Storage.DataDir(), "nats"),
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// openBackend returns the configured storage for one namespace.
func (a *App) openBackend(ctx context.Context, namespace string) (storage.Backend, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageNATS:
		bucket := storage.BucketConnections
		if namespace == historyNamespace {
			bucket = storage.BucketHistory
		}
		return storage.NewKVBackend(ctx, a.js, bucket)
	default:
		return storage.NewFileBackend(a.cfg.Storage.DataDir(), namespace, a.logger)
	}
}

func (a *App) startMetrics() error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Metrics.Addr, err)
	}
	a.metricsAddr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	a.logger.Info("Metrics endpoint listening", "addr", a.metricsAddr)
	return nil
}

// NewSequencer creates a workflow sequencer wired to the app's providers,
// connections, history and metrics. Workflow events are published to NATS
// when it is configured. extra, when non-nil, also receives notifications.
func (a *App) NewSequencer(templateID string, extra notify.Sink) (*workflow.Sequencer, error) {
	sink := a.sink
	if extra != nil {
		sink = append(notify.Multi{extra}, a.sink...)
	}

	seq, err := workflow.New(templateID, a.invoker, a.credentials,
		workflow.WithLogger(a.logger),
		workflow.WithSink(sink),
		workflow.WithMetrics(a.workflowMetrics),
		workflow.WithHistory(a.history),
		workflow.WithStageDelay(a.cfg.Workflow.GetStageDelay()),
	)
	if err != nil {
		return nil, err
	}

	if a.natsSink != nil {
		seq.Subscribe(func(ev workflow.Event) {
			if err := a.natsSink.PublishJSON(ev.Topic(), ev); err != nil {
				a.logger.Warn("Failed to publish workflow event", "type", ev.Type, "error", err)
			}
		})
	}
	return seq, nil
}

// Compare fans prompt out to providers and records every settled cell in
// the response history.
func (a *App) Compare(ctx context.Context, req llm.CompareRequest, onSettled func(llm.Cell)) []llm.Cell {
	return llm.Compare(ctx, a.invoker, a.credentials, req, func(cell llm.Cell) {
		rec := history.Record{
			Mode:     history.ModeCompare,
			Provider: cell.Provider,
			Model:    cell.Model,
			Prompt:   req.Prompt,
		}
		if cell.Err != nil {
			rec.Error = cell.Err.Error()
			notify.Error(a.sink, cell.Provider, "%v", cell.Err)
		} else {
			rec.Content = cell.Response.Content
			rec.Model = cell.Response.Model
			rec.TokensUsed = cell.Response.TokensUsed
		}
		if _, err := a.history.Append(ctx, rec); err != nil {
			a.logger.Warn("Failed to record compare result", "provider", cell.Provider, "error", err)
		}
		if onSettled != nil {
			onSettled(cell)
		}
	})
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if a.stopWatch != nil {
		a.stopWatch()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown error", "error", err)
		}
		cancel()
	}

	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
