package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-accent/internal/analysis"
	"github.com/loqalabs/loqa-accent/internal/bus"
	"github.com/loqalabs/loqa-accent/internal/config"
	"github.com/loqalabs/loqa-accent/internal/eventstore"
	"github.com/loqalabs/loqa-accent/internal/natsserver"
	"github.com/loqalabs/loqa-accent/internal/provider"
	"github.com/loqalabs/loqa-accent/internal/recorder"
	"github.com/loqalabs/loqa-accent/internal/session"
)

// Runtime owns every long-lived component of the daemon.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats         *natsserver.EmbeddedServer
	bus          *bus.Client
	events       *eventstore.Store
	orchestrator *analysis.Orchestrator
	service      *analysis.Service
	session      *session.Session
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the components up, serves HTTP until ctx is cancelled and
// then tears everything down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	api := NewAPI(r.session, r.orchestrator, r.cfg.HTTP.MaxUploadBytes, r.healthy, metricsHandler, r.logger)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.session.ID()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.teardown(shutdownCtx); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	if r.cfg.Bus.Enabled {
		nats, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = nats
		busCfg := r.cfg.Bus
		if nats != nil {
			busCfg.Servers = []string{nats.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	transcriber, completer, err := provider.New(r.cfg.Provider, r.logger)
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}
	orchestrator, err := analysis.New(transcriber, completer, r.logger,
		analysis.OptionsFromConfig(r.cfg.Analysis, r.cfg.Provider.Temperature)...)
	if err != nil {
		return err
	}
	r.orchestrator = orchestrator

	r.service = analysis.NewService(ctx, r.bus, orchestrator, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	device, err := recorder.NewDevice(r.cfg.Recorder)
	if err != nil {
		return fmt.Errorf("configure recorder: %w", err)
	}
	rec := recorder.New(device, r.logger,
		recorder.WithTimeslice(time.Duration(r.cfg.Recorder.TimesliceMS)*time.Millisecond))
	r.session = session.New(ctx, rec, orchestrator, r.logger,
		session.WithBus(r.bus),
		session.WithEventStore(r.events))
	return nil
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}

func (r *Runtime) teardown(ctx context.Context) error {
	var errs []error
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
