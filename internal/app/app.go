// Package app wires the long-lived services a server process shares.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/backends"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/drivers"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/migrations"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/db/repository"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/events"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/filters"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/legacy"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mediastore"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/mq"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/pipeline"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/safety"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/services/filestorage"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/worker"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"go.uber.org/zap"
)

// App is the services handle handed to every HTTP handler.
type App struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     *config.Config

	mq       mq.MQ
	driver   drivers.Driver
	indexer  *repository.Indexer
	archiver *worker.Archiver
	executor backends.Executor
	probe    pipeline.VRAMProbe

	Logger        *zap.Logger
	Loader        *schemas.Loader
	Filters       *filters.Table
	Gate          *safety.Gate
	Orchestrator  *pipeline.Orchestrator
	Media         *mediastore.Store
	Bus           *events.Bus
	RunRepository repository.IRunRepository
}

// Option funcs used to initialize the App struct
type OptionFunc func(app *App) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(app *App) error {
		app.Logger = logger
		return nil
	}
}

// WithExecutor replaces the backend router. Tests use it to fake backends.
func WithExecutor(exec backends.Executor) OptionFunc {
	return func(app *App) error {
		app.executor = exec
		return nil
	}
}

func WithVRAMProbe(p pipeline.VRAMProbe) OptionFunc {
	return func(app *App) error {
		app.probe = p
		return nil
	}
}

func WithMQ() OptionFunc {
	return func(app *App) error {
		queue, err := mq.NewMQ(app.config, app.Logger)
		if err != nil {
			return err
		}
		app.mq = queue
		return nil
	}
}

// WithDBInitialization opens the run index and brings its schema up to date.
func WithDBInitialization() OptionFunc {
	return func(app *App) error {
		driver, err := db.NewConnection(app.ctx, app.config)
		if err != nil {
			return err
		}
		if _, err := migrations.Migrate(app.ctx, driver.GetDB()); err != nil {
			driver.Close()
			return err
		}

		app.driver = driver
		app.RunRepository = repository.NewRunRepository(driver.GetDB())
		app.indexer = repository.NewIndexer(app.RunRepository, app.Logger, repository.DefaultIndexBuffer)
		return nil
	}
}

// WithArchive mirrors completed runs into the configured file storage.
func WithArchive() OptionFunc {
	return func(app *App) error {
		if !app.config.Archive.Enabled {
			return nil
		}
		storage, err := filestorage.NewFileStorage(app.ctx, app.config)
		if err != nil {
			return err
		}
		app.archiver = worker.NewArchiver(storage, app.config.Archive.Workers, app.Logger)
		return nil
	}
}

// WithLegacyMigration moves pre-bucket run folders into the dated layout.
// Large backlogs continue in the background.
func WithLegacyMigration() OptionFunc {
	return func(app *App) error {
		m := legacy.New(app.config.ExportsDir, legacy.WithLogger(app.Logger))
		job, err := m.Start(app.ctx)
		if err != nil {
			return err
		}
		if !job.Async {
			if _, err := job.Wait(); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewApp builds the core from config. Failing optional services are logged
// and skipped; a broken core is an error.
func NewApp(cfg *config.Config, options ...OptionFunc) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:        ctx,
		config:     cfg,
		cancelFunc: cancel,
	}

	for _, opt := range options {
		if err := opt(app); err != nil {
			if app.Logger == nil {
				app.Logger = logger.MustNewLogger(cfg)
			}
			app.Logger.Error("failed to apply option", zap.Error(err))
		}
	}
	if app.Logger == nil {
		l, err := logger.NewLogger(cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		app.Logger = l
	}

	if err := app.buildCore(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *App) buildCore() error {
	cfg := app.config

	app.Loader = schemas.NewLoader(cfg.SchemasDir, logger.Component(app.Logger, "loader"))
	if _, err := app.Loader.LoadAll(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	table, err := filters.Load(filepath.Join(cfg.SchemasDir, filters.FileName))
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	app.Filters = table

	if app.executor == nil {
		app.executor = backends.NewRouterFromConfig(cfg, logger.Component(app.Logger, "router"))
	}

	app.Gate = safety.NewGate(table, app.executor, safety.Models{
		Local:  cfg.Safety.Model,
		Cloud:  cfg.Safety.CloudModel,
		Vision: cfg.Safety.VisionModel,
	}, app.Logger)

	models, err := pipeline.NewModelTable(cfg.CloudProvider, cfg.Models)
	if err != nil {
		return fmt.Errorf("%w: models: %v", config.ErrInvalidConfig, err)
	}

	if app.mq == nil {
		app.mq = mq.NewInMemoryMQ(mq.DefaultBacklog)
	}
	app.Bus = events.NewBus(app.mq, app.Logger)

	opts := []pipeline.Option{
		pipeline.WithLogger(app.Logger),
		pipeline.WithModelTable(models),
		pipeline.WithPublisher(app.Bus),
		pipeline.WithDeviceID(cfg.DeviceID),
		pipeline.WithKeepAlive(cfg.Backends.KeepAlive),
	}
	if probe := app.vramProbe(); probe != nil {
		opts = append(opts, pipeline.WithVRAMProbe(probe))
	}
	if app.indexer != nil {
		opts = append(opts, pipeline.WithRecorderObserver(app.indexer))
	}
	if app.archiver != nil {
		opts = append(opts, pipeline.WithFinishHook(app.archiver.Hook))
	}
	app.Orchestrator = pipeline.New(app.Loader, app.executor, app.Gate, cfg.ExportsDir, opts...)

	var mediaOpts []mediastore.Option
	mediaOpts = append(mediaOpts, mediastore.WithLogger(app.Logger))
	if app.RunRepository != nil {
		mediaOpts = append(mediaOpts, mediastore.WithIndex(app.RunRepository))
	}
	app.Media = mediastore.New(cfg.ExportsDir, mediaOpts...)
	return nil
}

// vramProbe prefers a fixed override, then an explicit probe URL, then the
// GPU service health endpoint.
func (app *App) vramProbe() pipeline.VRAMProbe {
	if app.probe != nil {
		return app.probe
	}
	cfg := app.config
	if cfg.VRAM != nil && cfg.VRAM.OverrideGB > 0 {
		return pipeline.StaticVRAM(cfg.VRAM.OverrideGB)
	}
	url := ""
	if cfg.VRAM != nil {
		url = cfg.VRAM.ProbeURL
	}
	if url == "" && cfg.Backends.GPUServiceURL != "" {
		url = strings.TrimSuffix(cfg.Backends.GPUServiceURL, "/") + config.DefaultVRAMProbePath
	}
	if url == "" {
		return nil
	}
	return pipeline.NewHTTPProbe(url, backends.NewHTTPClient())
}

// Close stops background work in dependency order: archive uploads first,
// then the index writer, then the bus and database.
func (app *App) Close() {
	app.cancelFunc()

	if app.archiver != nil {
		app.archiver.Stop()
	}
	var errs []error
	if app.indexer != nil {
		errs = append(errs, app.indexer.Close())
	}
	if app.mq != nil {
		errs = append(errs, app.mq.Close())
	}
	if app.driver != nil {
		errs = append(errs, app.driver.Close())
	}
	if err := errors.Join(errs...); err != nil && app.Logger != nil {
		app.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if app.Logger != nil {
		_ = app.Logger.Sync()
	}
}

func (app *App) Config() *config.Config {
	return app.config
}

func (app *App) Context() context.Context {
	return app.ctx
}

func (app *App) MQ() mq.MQ {
	return app.mq
}
