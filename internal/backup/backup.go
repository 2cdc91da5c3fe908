// Package backup snapshots the device database, encrypts it and keeps it
// in S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/screenpoints/internal/store"
)

// Sync state keys recording the newest backup.
const (
	keyLastBackup   = "backup_last_key"
	keyLastBackupAt = "backup_last_at"
)

// ErrNotConfigured is returned when no S3 bucket or credentials are set.
var ErrNotConfigured = errors.New("backup not configured: S3 credentials missing")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Config holds backup manager configuration.
type Config struct {
	S3       S3Config
	FamilyID string
	DeviceID string
	// Interval between scheduled backups; zero disables the schedule.
	Interval time.Duration
	// Keep is how many backups survive a cleanup; zero keeps all.
	Keep int
}

// State represents the backup manager state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// Status holds the current backup manager status.
type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Backup is one stored snapshot.
type Backup struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager manages encrypted backups to S3-compatible storage.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback

	db         *sql.DB
	syncState  *store.SyncStateStore
	client     s3Client
	passphrase string
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new backup manager for the device database db.
func NewManager(cfg Config, db *sql.DB, callback StatusCallback, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		db:       db,
		callback: callback,
		logger:   logger.With("component", "backup"),
		status:   Status{State: StateDisabled},
	}
	if db != nil {
		m.syncState = store.NewSyncStateStore(db)
	}
	if cfg.S3.complete() {
		m.client = newS3Client(cfg.S3)
		m.status.State = StateIdle
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// prefix is the folder holding this device's backups.
func (m *Manager) prefix() string {
	return fmt.Sprintf("%s/%s/", m.cfg.FamilyID, m.cfg.DeviceID)
}

// CacheKey keeps the passphrase in memory for scheduled backups.
func (m *Manager) CacheKey(passphrase string) {
	m.mu.Lock()
	m.passphrase = passphrase
	m.mu.Unlock()
}

func (m *Manager) HasCachedKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.passphrase != ""
}

// Start begins the scheduled backup loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State == StateDisabled || m.cfg.Interval <= 0 {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	interval := m.cfg.Interval
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scheduled(ctx)
			}
		}
	}()
}

// Stop gracefully stops the backup manager.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the current backup status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func (m *Manager) fail(err error) error {
	m.setStatus(Status{State: StateError, Error: err.Error()})
	return err
}

func (m *Manager) scheduled(ctx context.Context) {
	m.mu.RLock()
	passphrase := m.passphrase
	m.mu.RUnlock()

	if passphrase == "" {
		m.logger.Warn("skipping scheduled backup: no cached passphrase")
		return
	}
	if _, err := m.RunNow(ctx, passphrase); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
		return
	}
	if m.cfg.Keep > 0 {
		if _, err := m.Cleanup(ctx, m.cfg.Keep); err != nil {
			m.logger.Error("backup cleanup failed", "error", err)
		}
	}
}

// RunNow snapshots the database, encrypts it with passphrase and uploads it.
func (m *Manager) RunNow(ctx context.Context, passphrase string) (Backup, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return Backup{}, ErrNotConfigured
	}

	m.setStatus(Status{State: StateRunning, InProgress: true})

	snapshot, err := m.snapshot(ctx)
	if err != nil {
		return Backup{}, m.fail(err)
	}

	sealed, err := Seal(snapshot, passphrase)
	if err != nil {
		return Backup{}, m.fail(fmt.Errorf("encrypt: %w", err))
	}

	now := time.Now().UTC()
	b := Backup{
		Key:       m.prefix() + fmt.Sprintf("backup-%s.db.enc", now.Format("2006-01-02T150405.000Z")),
		SizeBytes: int64(len(sealed)),
		CreatedAt: now,
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(b.Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(b.SizeBytes),
	})
	if err != nil {
		return Backup{}, m.fail(fmt.Errorf("upload to s3: %w", err))
	}

	if m.syncState != nil {
		if err := m.syncState.Set(ctx, keyLastBackup, b.Key); err != nil {
			m.logger.Warn("record last backup", "error", err)
		}
		if err := m.syncState.Set(ctx, keyLastBackupAt, now.Format(time.RFC3339)); err != nil {
			m.logger.Warn("record last backup time", "error", err)
		}
	}

	m.logger.Info("backup uploaded", "key", b.Key, "size_bytes", b.SizeBytes)
	m.setStatus(Status{State: StateIdle, LastBackup: &now})
	return b, nil
}

// snapshot writes a consistent copy of the live database with VACUUM INTO
// and returns its bytes.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "screenpoints-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// List returns this device's backups, newest first.
func (m *Manager) List(ctx context.Context) ([]Backup, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return nil, ErrNotConfigured
	}

	var (
		backups []Backup
		token   *string
	)
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(m.prefix()),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".db.enc") {
				continue
			}
			backups = append(backups, Backup{
				Key:       key,
				SizeBytes: aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	// Keys embed the UTC timestamp, so they sort chronologically.
	sort.Slice(backups, func(i, j int) bool { return backups[i].Key > backups[j].Key })
	return backups, nil
}

// Restore downloads backup key, decrypts it, verifies its integrity and
// writes it to dst. The database at dst must be closed; the caller reopens
// it afterwards.
func (m *Manager) Restore(ctx context.Context, key, passphrase, dst string) error {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConfigured
	}
	if !strings.HasPrefix(key, m.prefix()) {
		return fmt.Errorf("backup %q does not belong to this device", key)
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	plaintext, err := Open(sealed, passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}
	defer os.Remove(tmp)

	if err := checkIntegrity(ctx, tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")

	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}

// Cleanup deletes all but the newest keep backups and returns how many
// were removed.
func (m *Manager) Cleanup(ctx context.Context, keep int) (int, error) {
	backups, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(backups) <= keep {
		return 0, nil
	}

	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()

	removed := 0
	for _, b := range backups[keep:] {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(b.Key),
		}); err != nil {
			m.logger.Warn("delete old backup", "key", b.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
