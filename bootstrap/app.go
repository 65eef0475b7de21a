package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"logcorr/api"
	"logcorr/config"
	"logcorr/core"
	"logcorr/detect"
	"logcorr/ingest"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// App is the correlation engine with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Stats   *metrics.Stats
	Rules   []*core.Rule
	State   *StateComponents
	Threat  *ThreatComponents
	Outputs *OutputComponents

	EventCh chan *core.Event

	Engine         *detect.Engine
	Detector       *detect.Detector
	SyslogListener *ingest.SyslogListener
	FileReader     *ingest.FileReader
	APIServer      *api.API

	ctx    context.Context
	cancel context.CancelFunc

	inputCancel context.CancelFunc
	inputWg     sync.WaitGroup
	serviceWg   sync.WaitGroup
	inputDone   chan struct{}
}

// NewApp loads configuration and rules and builds every component. Nothing
// is listening until Start.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		Stats:     metrics.NewStats(time.Now()),
		ctx:       appCtx,
		cancel:    cancel,
		inputDone: make(chan struct{}),
	}

	sugar.Info("logcorr starting...")
	logConfigSummary(cfg, sugar)

	if err := app.init(); err != nil {
		app.release()
		cancel()
		return nil, err
	}
	return app, nil
}

func (a *App) init() error {
	cfg, sugar := a.Config, a.Sugar

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return fmt.Errorf("pre-flight check failed: %w", err)
	}

	rules, err := LoadRules(cfg, sugar)
	if err != nil {
		return err
	}
	a.Rules = rules

	if a.State, err = InitState(a.ctx, cfg, a.Stats, sugar); err != nil {
		return err
	}
	if a.Threat, err = InitThreat(cfg, sugar); err != nil {
		return err
	}
	if a.Engine, err = InitEngine(cfg, rules, a.State, a.Threat, a.Stats, sugar); err != nil {
		return err
	}
	if a.Outputs, err = InitOutputs(a.ctx, cfg, sugar); err != nil {
		return err
	}

	a.EventCh = make(chan *core.Event, cfg.Engine.QueueSize)
	a.Detector = detect.NewDetector(a.Engine, a.EventCh, a.Outputs.Dispatcher, cfg.Engine.Workers, sugar)
	return nil
}

// release closes whatever init managed to open.
func (a *App) release() {
	if a.Outputs != nil {
		a.Outputs.closeOutputs(a.Sugar)
	}
	if err := a.Threat.Close(); err != nil {
		a.Sugar.Warnw("Failed to close GeoIP database", "error", err)
	}
	if err := a.State.Close(); err != nil {
		a.Sugar.Warnw("Failed to close Redis connection", "error", err)
	}
}

// Start starts the outputs, the detector, the inputs and the API server.
func (a *App) Start() error {
	a.Outputs.Dispatcher.Start()
	if a.Outputs.Hub != nil {
		a.serviceWg.Add(1)
		go func() {
			defer a.serviceWg.Done()
			a.Outputs.Hub.Run()
		}()
	}
	if a.Outputs.Retention != nil {
		a.Outputs.Retention.Start()
	}

	a.Detector.Start(a.ctx)

	if err := a.startInputs(); err != nil {
		return err
	}

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		reportStats(a.ctx, a.Stats, a.Config.Engine.StatsInterval, a.Sugar)
	}()

	if a.Config.API.Enabled {
		a.startAPIServer()
	}
	return nil
}

func (a *App) startInputs() error {
	cfg := a.Config
	inputCtx, cancel := context.WithCancel(a.ctx)
	a.inputCancel = cancel

	if cfg.Listeners.Syslog.Enabled {
		lc := cfg.Listeners.Syslog
		pipeline, err := InitPipeline(lc.Format, cfg, a.Sugar)
		if err != nil {
			return err
		}
		base, err := ingest.NewBaseListenerWithMaxConnections(lc.Host, lc.Port, lc.RateLimit, pipeline, a.EventCh, a.Sugar, lc.MaxConnections)
		if err != nil {
			return fmt.Errorf("failed to create syslog listener: %w", err)
		}
		a.SyslogListener = &ingest.SyslogListener{BaseListener: base}
		if err := a.SyslogListener.Start(); err != nil {
			return fmt.Errorf("failed to start syslog listener: %w", err)
		}
		a.Sugar.Infow("Syslog listener started", "host", lc.Host, "port", lc.Port, "format", lc.Format)
	}

	if cfg.Input.File.Enabled {
		pipeline, err := InitPipeline(cfg.Input.File.Format, cfg, a.Sugar)
		if err != nil {
			return err
		}
		a.FileReader = ingest.NewFileReader(cfg.Input.File.Path, pipeline, a.EventCh, a.Sugar)
		a.inputWg.Add(1)
		go func() {
			defer a.inputWg.Done()
			if err := a.FileReader.Run(inputCtx); err != nil {
				a.Sugar.Errorw("File input failed", "path", cfg.Input.File.Path, "error", err)
			}
			// a finished file with no listener means there is nothing left to do
			if !cfg.Listeners.Syslog.Enabled {
				close(a.inputDone)
			}
		}()
	}
	return nil
}

func (a *App) startAPIServer() {
	a.APIServer = api.NewAPI(api.Options{
		Stats: a.Stats,
		Rules: a.Rules,
		// a nil *AlertStore must stay a nil interface
		Alerts: alertReader(a.Outputs),
		Hub:    a.Outputs.Hub,
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: a.Config.API.RateLimit.RequestsPerSecond,
			Burst:             a.Config.API.RateLimit.Burst,
		},
	}, a.Sugar)

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(a.Config.APIAddr()); err != nil {
			a.Sugar.Errorw("API server failed", "addr", a.Config.APIAddr(), "error", err)
		}
	}()
}

func alertReader(oc *OutputComponents) api.AlertReader {
	if oc == nil || oc.Alerts == nil {
		return nil
	}
	return oc.Alerts
}

// WaitForShutdown blocks until SIGINT/SIGTERM, or until a file-only input
// has been read completely.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Shutdown signal received", "signal", sig.String())
	case <-a.inputDone:
		a.Sugar.Info("Input exhausted")
	case <-a.ctx.Done():
	}
}

// Shutdown stops inputs first, lets the detector drain the queue, then
// flushes outputs and closes stores.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping inputs...")
	if a.SyslogListener != nil {
		a.SyslogListener.Stop()
	}
	if a.inputCancel != nil {
		a.inputCancel()
	}
	a.inputWg.Wait()

	a.Sugar.Info("Phase 2: Draining event queue...")
	close(a.EventCh)
	a.Detector.Wait()

	a.Sugar.Info("Phase 3: Flushing alert outputs...")
	a.Outputs.Dispatcher.Stop()
	if a.Outputs.Retention != nil {
		a.Outputs.Retention.Stop()
	}

	a.Sugar.Info("Phase 4: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}
	if a.Outputs.Hub != nil {
		a.Outputs.Hub.Stop()
	}

	a.cancel()
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 5: Closing stores...")
	if a.Outputs.SQLite != nil {
		if err := a.Outputs.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}
	if err := a.Threat.Close(); err != nil {
		a.Sugar.Warnw("Failed to close GeoIP database", "error", err)
	}
	if err := a.State.Close(); err != nil {
		a.Sugar.Warnw("Failed to close Redis connection", "error", err)
	}

	logReport(a.Stats, time.Now(), a.Sugar)
	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
