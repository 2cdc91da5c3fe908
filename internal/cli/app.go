package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/backup"
	"github.com/dukerupert/screenpoints/internal/config"
	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/database"
	"github.com/dukerupert/screenpoints/internal/enforcement"
	"github.com/dukerupert/screenpoints/internal/family"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/logging"
	"github.com/dukerupert/screenpoints/internal/notify"
	"github.com/dukerupert/screenpoints/internal/queue"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/redemption"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

// app is one device's fully wired engine.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	deviceID  string
	zone      recordstore.Store
	retry     *retry.Manager
	hub       *notify.Hub
	ledger    *ledger.Ledger
	queue     *queue.Queue
	publisher *coordination.Publisher
	engine    *redemption.Engine
	family    *family.Service
}

func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := opts.logger
	if logger == nil {
		logger = logging.Setup(cfg.LogLevel, cfg.LogFormat)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	a, err := wire(ctx, cfg, db, opts.zone, opts.allocator, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg *config.Config, db *sql.DB, zone recordstore.Store, alloc redemption.Allocator, logger *slog.Logger) (*app, error) {
	deviceID := cfg.Identity.DeviceID
	if deviceID == "" {
		var err error
		deviceID, err = store.NewSyncStateStore(db).DeviceID(ctx, uuid.NewString)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "device id", err)
		}
	}
	logger = logger.With("device_id", deviceID)

	rm, err := retry.New(cfg.Retry, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "retry policy", err)
	}

	if zone == nil {
		zone = recordstore.NewClient(cfg.Zone.URL, cfg.Zone.Token, logger, recordstore.WithDeviceID(deviceID))
	}

	hub := notify.NewHub(logger)
	l := ledger.New(db, deviceID, hub, logger)
	q := queue.New(db, zone, rm, cfg.Queue.StuckThreshold, logger)
	pub := coordination.NewPublisher(recordstore.ZoneFor(cfg.Identity.FamilyID), zone, rm, q, store.NewEventStore(db), logger)

	actor := cfg.Actor(deviceID)
	if alloc == nil {
		alloc = enforcement.NewLogAllocator(logger)
	}
	engine := redemption.New(db, l, pub, rm, alloc, redemption.Config{
		Window:      cfg.Redemption.Window,
		DefaultRate: cfg.Redemption.DefaultRate,
		Device:      actor,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		deviceID:  deviceID,
		zone:      zone,
		retry:     rm,
		hub:       hub,
		ledger:    l,
		queue:     q,
		publisher: pub,
		engine:    engine,
		family:    family.New(db, l, engine, pub, actor, logger),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}

// backupManager returns the manager for this device's backups. Status
// changes are broadcast on the notification hub.
func (a *app) backupManager() (*backup.Manager, error) {
	if !a.cfg.Backup.Enabled() {
		return nil, NewExitError(ExitCommandError, "backup is not configured (backup.bucket, access_key and secret_key)")
	}
	b := a.cfg.Backup
	return backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  b.Endpoint,
			Bucket:    b.Bucket,
			Region:    b.Region,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
		},
		FamilyID: a.cfg.Identity.FamilyID,
		DeviceID: a.deviceID,
		Interval: b.Interval,
		Keep:     b.Keep,
	}, a.db, func(s backup.Status) {
		a.hub.Broadcast(notify.NewMessage("backup", string(s.State), a.deviceID, map[string]any{
			"in_progress": s.InProgress,
			"error":       s.Error,
		}))
	}, a.logger), nil
}

func (a *app) passphrase(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Backup.Passphrase != "" {
		return a.cfg.Backup.Passphrase, nil
	}
	return "", NewExitError(ExitCommandError, fmt.Sprintf("a backup passphrase is required (--passphrase or %sBACKUP_PASSPHRASE)", "SCREENPOINTS_"))
}
