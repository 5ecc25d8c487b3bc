package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/capture"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/media"
	"inspection-sync/internal/queue"
	"inspection-sync/internal/remote"
	"inspection-sync/internal/shared/config"
	"inspection-sync/internal/shared/server"
	"inspection-sync/internal/shared/storage/db"
	"inspection-sync/internal/shared/storage/object"
	localstore "inspection-sync/internal/shared/storage/object/local"
	s3store "inspection-sync/internal/shared/storage/object/s3"
	"inspection-sync/internal/shared/telemetry"
	"inspection-sync/internal/syncer"
	"inspection-sync/internal/templates"
)

const defaultAWSRegion = "us-east-1"

// App holds the wired agent.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB

	Online    *connectivity.Manual
	Probe     *connectivity.Probe
	Remote    *remote.Client
	Drafts    *drafts.Service
	Templates *templates.Service
	Queue     *queue.Queue
	Sync      *syncer.Coordinator
	Media     *media.Uploader

	Capture        *capture.Service
	CaptureHandler *capture.Handler
}

// Build prepares every dependency and the HTTP router. Background loops are
// started separately with Start.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.StoreDriver) == "" {
		cfg.StoreDriver = db.DriverSQLite
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	telemetry.SetLevel(cfg.LogLevel)
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := buildRemote(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Remote: client,
		Online: connectivity.NewManual(false),
	}
	if client != nil {
		app.Probe = connectivity.NewProbe(client, app.Online, cfg.ProbeInterval, cfg.RequestTimeout)
	}

	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:  app.Config,
		Capture: app.CaptureHandler,
		Online:  app.Online,
	})
	return app, nil
}

// Start runs the sync coordinator, the connectivity probe and the UI event
// pump until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Sync.Start(ctx)
	if a.Probe != nil {
		go a.Probe.Run(ctx)
	}
	go a.Capture.Run(ctx)
}

// Close waits for background work and releases the local store. The
// context passed to Start must already be cancelled.
func (a *App) Close(ctx context.Context) error {
	a.Sync.Wait()
	err := a.Media.Close(ctx)
	if a.DB != nil {
		err = errors.Join(err, a.DB.Close())
	}
	return err
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch cfg.StoreDriver {
	case "memory":
		telemetry.Warn("bootstrap.store.memory", map[string]any{"env": cfg.Env})
		return nil, nil
	case db.DriverPostgres:
		sqlDB, err = db.Connect(ctx, db.DriverPostgres, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	default:
		sqlDB, err = db.OpenLocal(ctx, cfg.LocalDBPath, db.OptionsFromEnv(db.DefaultLocalOptions()))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if err := db.RunMigrations(ctx, sqlDB, cfg.StoreDriver); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.StoreDriver, err)
	}
	return sqlDB, nil
}

func buildRemote(cfg config.Config) (*remote.Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		if !isDevLike(cfg.Env) {
			return nil, fmt.Errorf("FLEET_API_URL is required in %s", cfg.Env)
		}
		telemetry.Warn("bootstrap.remote.disabled", map[string]any{"reason": "FLEET_API_URL empty"})
		return nil, nil
	}
	return remote.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.RequestTimeout)
}

// buildMediaStores returns the device spool, the remote media store and the
// signer for read URLs.
func buildMediaStores(ctx context.Context, cfg config.Config, client *remote.Client) (object.ObjectStore, object.ObjectStore, object.URLSigner, error) {
	spool := localstore.New(cfg.SpoolDir)
	switch cfg.ObjectStoreType {
	case "s3":
		region := cfg.AWSRegion
		if strings.TrimSpace(region) == "" {
			region = defaultAWSRegion
		}
		store, err := s3store.New(ctx, region, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			return nil, nil, nil, err
		}
		return spool, store, store, nil
	default:
		store := localstore.New(cfg.LocalStoreDir)
		if client != nil {
			return spool, store, client, nil
		}
		return spool, store, store, nil
	}
}

func buildSubmitter(ctx context.Context, cfg config.Config, client *remote.Client) (delivery.Submitter, error) {
	router := delivery.Router{}
	if client != nil {
		router.Drafts = client
	}
	if cfg.DeliveryTransport == "sqs" {
		region := cfg.AWSRegion
		if strings.TrimSpace(region) == "" {
			region = defaultAWSRegion
		}
		finals, err := delivery.NewSQSSubmitter(ctx, region, cfg.SQSQueueURL)
		if err != nil {
			return nil, err
		}
		router.Finals = finals
	}
	return router, nil
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config

	var (
		draftRepo    drafts.Repo
		queueRepo    queue.Repo
		mediaRepo    media.Repo
		templateRepo templates.CacheRepo
	)
	if app.DB != nil {
		draftRepo = &drafts.SQLRepo{DB: app.DB}
		queueRepo = &queue.SQLRepo{DB: app.DB}
		mediaRepo = &media.SQLRepo{DB: app.DB}
		templateRepo = &templates.SQLRepo{DB: app.DB}
	} else {
		draftRepo = drafts.NewMemoryRepo()
		queueRepo = queue.NewMemoryRepo()
		mediaRepo = media.NewMemoryRepo()
		templateRepo = templates.NewMemoryRepo()
	}

	spool, remoteStore, signer, err := buildMediaStores(ctx, cfg, app.Remote)
	if err != nil {
		return fmt.Errorf("media store: %w", err)
	}
	submitter, err := buildSubmitter(ctx, cfg, app.Remote)
	if err != nil {
		return fmt.Errorf("delivery transport: %w", err)
	}

	app.Drafts = drafts.NewService(draftRepo)
	app.Templates = &templates.Service{Cache: templateRepo, Online: app.Online, TTL: cfg.TemplateCacheTTL}
	registry := &drafts.Registry{Drafts: app.Drafts, Online: app.Online}
	if app.Remote != nil {
		app.Templates.Remote = app.Remote
		registry.Remote = app.Remote
	}

	app.Queue = queue.New(queueRepo, queue.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay})
	app.Media = media.NewUploader(mediaRepo, spool, remoteStore, signer, cfg.MediaConcurrency)

	app.Sync = syncer.New(app.Queue, submitter, app.Drafts, app.Media, app.Online)
	if cfg.SyncInterval > 0 {
		app.Sync.Interval = cfg.SyncInterval
	}
	if cfg.WarnAfterAttempts > 0 {
		app.Sync.WarnAfter = cfg.WarnAfterAttempts
	}

	app.Capture = &capture.Service{
		Drafts:    app.Drafts,
		Registry:  registry,
		Templates: app.Templates,
		Queue:     app.Queue,
		Sync:      app.Sync,
		Media:     app.Media,
		Online:    app.Online,
	}
	app.CaptureHandler = capture.NewHandler(app.Capture)
	return nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
