package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"localdream/backend"
	"localdream/core"
	"localdream/db"
	"localdream/gallery"
	"localdream/generation"
	"localdream/logging"
	"localdream/metrics"
	"localdream/models"
	"localdream/preferences"
	"localdream/report"
	"localdream/session"
	"localdream/shutdown"
)

const (
	historyQueueCapacity = 256
	historyDrainTimeout  = 5 * time.Second
	retentionInterval    = 6 * time.Hour
)

// app is every long-lived component, wired together.
type app struct {
	cfg    *core.Config
	logger *logging.Logger

	database *db.Database
	history  *db.AsyncWriter[db.HistoryRecord]
	repo     *db.Repository

	catalog    *models.Catalog
	metrics    *metrics.MetricsStore
	prefs      *preferences.Store
	backend    *backend.Service
	generation *generation.Service
	gallery    *gallery.Gallery
	reporter   *report.Client
	session    *session.Session
}

func newApp(cfg *core.Config, logger *logging.Logger) (*app, error) {
	catalog, err := models.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The writer's handler needs a synchronous repository; everything else
	// uses the one that queues history inserts.
	direct := db.NewRepository(database, nil)
	historyLog := logger.Named("history")
	writer := db.NewAsyncWriter(historyQueueCapacity, direct.HistoryWriteHandler(), func(rec db.HistoryRecord, err error) {
		historyLog.Warn("failed to write history row", zap.String("id", rec.ID), zap.Error(err))
	})
	writer.Start()
	repo := db.NewRepository(database, writer)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		history:  writer,
		repo:     repo,
		catalog:  catalog,
		metrics:  metrics.NewMetricsStore(metrics.DefaultStoreConfig(), time.Now()),
		prefs:    preferences.NewStore(repo, logger),
		gallery:  gallery.New(cfg.PicturesDir, logger),
	}

	a.backend = backend.NewService(backend.NewHealthChecker(backend.HealthConfig{
		BaseURL:   cfg.BackendURL,
		Interval:  cfg.HealthInterval,
		Deadline:  cfg.HealthTimeout,
		OnAttempt: a.metrics.ObserveHealthProbe,
	}), logger)
	a.generation = generation.NewService(generation.NewClient(cfg.BackendURL), logger)
	a.reporter = report.NewClient(report.Config{
		URL:            cfg.ReportURL,
		ConnectTimeout: cfg.ReportConnectLimit,
		Timeout:        cfg.ReportTimeout,
		RatePerMinute:  cfg.ReportRatePerMin,
	}, logger)

	a.session = session.New(session.Deps{
		Catalog:     catalog,
		Preferences: a.prefs,
		Debounce:    cfg.SaveDebounce,
		Backend:     a.backend,
		Generation:  a.generation,
		Gallery:     a.gallery,
		Reporter:    a.reporter,
		History:     repo,
		Metrics:     a.metrics,
		Logger:      logger,
	})

	logger.Info("components ready",
		zap.String("db", cfg.DBPath),
		zap.String("models_file", cfg.ModelsFile),
		zap.Int("models", len(catalog.List())),
		zap.String("backend_url", cfg.BackendURL),
		zap.String("pictures_dir", a.gallery.Dir()))
	return a, nil
}

// register adds the app's shutdown steps. The session goes before the
// backend it drives, and the database outlives both and the history queue.
func (a *app) register(m *shutdown.Manager) {
	m.Register("session", shutdown.PrioritySession, shutdown.Bounded(func() error {
		a.session.Close()
		return nil
	}))
	m.Register("backend", shutdown.PriorityBackend, shutdown.Bounded(func() error {
		a.generation.Close()
		return a.backend.Close()
	}))
	m.Register("preferences", shutdown.PriorityPreferences, shutdown.Action(a.session.FlushPreferences))
	m.Register("history", shutdown.PriorityHistory, func(context.Context) error {
		if !a.history.Close(historyDrainTimeout) {
			return fmt.Errorf("history queue not drained, %d rows dropped", a.history.Pending())
		}
		return nil
	})
	m.Register("database", shutdown.PriorityDatabase, shutdown.Closer(a.database.Close))
	m.Register("logger", shutdown.PriorityLogger, shutdown.SyncLogger(a.logger.Sync))
}

// startRetention prunes old history rows until ctx ends.
func (a *app) startRetention(ctx context.Context) {
	log := a.logger.Named("retention")
	a.database.StartRetention(ctx, a.cfg.HistoryRetentionDays, retentionInterval, func(n int64, err error) {
		if err != nil {
			log.Warn("history pruning failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("pruned history", zap.Int64("rows", n), zap.Int("retention_days", a.cfg.HistoryRetentionDays))
		}
	})
}
