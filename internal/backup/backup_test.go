package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dukerupert/screenpoints/internal/database"
	"github.com/dukerupert/screenpoints/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3NotFound{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages two keys at a time to exercise continuation.
func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if input.ContinuationToken != nil {
		for i, k := range keys {
			if k == *input.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(m.objects[k]))),
			LastModified: aws.Time(time.Now()),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

type s3NotFound struct{}

func (e *s3NotFound) Error() string { return "NoSuchKey" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupBackupDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func testManager(t *testing.T, db *sql.DB, client s3Client) *Manager {
	t.Helper()
	m := NewManager(Config{
		S3:       S3Config{Bucket: "backups", AccessKey: "key", SecretKey: "secret"},
		FamilyID: "fam-1",
		DeviceID: "dev-a",
	}, db, nil, testLogger())
	m.client = client
	return m
}

func TestManagerStateLifecycle(t *testing.T) {
	m := NewManager(Config{}, nil, nil, testLogger())
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q", m.Status().State, StateDisabled)
	}
	if _, err := m.RunNow(context.Background(), "pass"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("RunNow on disabled manager: err = %v, want ErrNotConfigured", err)
	}

	m2 := NewManager(Config{
		S3: S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret"},
	}, nil, nil, testLogger())
	if m2.Status().State != StateIdle {
		t.Errorf("state = %q, want %q", m2.Status().State, StateIdle)
	}
}

func TestRunNowListRestore(t *testing.T) {
	db, _ := setupBackupDB(t)
	ctx := context.Background()

	settings := store.NewSettingsStore(db)
	if _, err := settings.Set(ctx, store.SettingRedemptionWindow, "12"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	var states []State
	mock := newMockS3()
	m := testManager(t, db, mock)
	m.callback = func(s Status) { states = append(states, s.State) }

	first, err := m.RunNow(ctx, "family passphrase")
	if err != nil {
		t.Fatalf("run backup: %v", err)
	}
	if !strings.HasPrefix(first.Key, "fam-1/dev-a/") {
		t.Errorf("key = %q, want prefix fam-1/dev-a/", first.Key)
	}
	if bytes.Contains(mock.objects[first.Key], []byte("redemption_window_hours")) {
		t.Error("uploaded backup is not encrypted")
	}
	if len(states) != 2 || states[0] != StateRunning || states[1] != StateIdle {
		t.Errorf("states = %v, want [running idle]", states)
	}

	last, ok, err := store.NewSyncStateStore(db).Get(ctx, keyLastBackup)
	if err != nil || !ok || last != first.Key {
		t.Errorf("last backup = %q (%v, %v), want %q", last, ok, err, first.Key)
	}

	// A later change must not leak into the first snapshot.
	if _, err := settings.Set(ctx, store.SettingRedemptionWindow, "48"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := m.RunNow(ctx, "family passphrase")
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	mock.objects["fam-1/dev-b/backup-other.db.enc"] = []byte("other device")

	backups, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("listed %d backups, want 2", len(backups))
	}
	if backups[0].Key != second.Key || backups[1].Key != first.Key {
		t.Errorf("backups not newest first: %v", backups)
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(ctx, first.Key, "wrong", dst); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("restore with wrong passphrase: err = %v", err)
	}
	if err := m.Restore(ctx, "fam-1/dev-b/backup-other.db.enc", "family passphrase", dst); err == nil {
		t.Error("expected error restoring another device's backup")
	}
	if err := m.Restore(ctx, first.Key, "family passphrase", dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := database.Open(dst)
	if err != nil {
		t.Fatalf("open restored db: %v", err)
	}
	defer restored.Close()
	got, err := store.NewSettingsStore(restored).Get(ctx, store.SettingRedemptionWindow)
	if err != nil {
		t.Fatalf("read restored setting: %v", err)
	}
	if got != "12" {
		t.Errorf("restored setting = %q, want %q", got, "12")
	}
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	db, _ := setupBackupDB(t)
	mock := newMockS3()
	m := testManager(t, db, mock)

	sealed, err := Seal([]byte("definitely not a database"), "pass")
	if err != nil {
		t.Fatal(err)
	}
	key := "fam-1/dev-a/backup-corrupt.db.enc"
	mock.objects[key] = sealed

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(context.Background(), key, "pass", dst); err == nil {
		t.Fatal("expected integrity failure")
	}
}

func TestRunNowUploadFailure(t *testing.T) {
	db, _ := setupBackupDB(t)
	mock := newMockS3()
	mock.putErr = errors.New("bucket unavailable")
	m := testManager(t, db, mock)

	if _, err := m.RunNow(context.Background(), "pass"); err == nil {
		t.Fatal("expected upload error")
	}
	st := m.Status()
	if st.State != StateError || !strings.Contains(st.Error, "bucket unavailable") {
		t.Errorf("status = %+v, want error state", st)
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	mock := newMockS3()
	m := testManager(t, nil, mock)
	for _, ts := range []string{"2026-01-01", "2026-01-02", "2026-01-03", "2026-01-04", "2026-01-05"} {
		mock.objects["fam-1/dev-a/backup-"+ts+"T000000.000Z.db.enc"] = []byte("x")
	}

	removed, err := m.Cleanup(context.Background(), 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	backups, _ := m.List(context.Background())
	if len(backups) != 2 || !strings.Contains(backups[0].Key, "2026-01-05") {
		t.Errorf("remaining = %v", backups)
	}
}

func TestManagerStopSafety(t *testing.T) {
	m := NewManager(Config{
		S3:       S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret"},
		Interval: time.Hour,
	}, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	m.Stop()

	// Double stop should not panic
	m.Stop()
}

func TestManagerDisabledNoStart(t *testing.T) {
	m := NewManager(Config{Interval: time.Minute}, nil, nil, testLogger())
	m.Start(context.Background())
	// Stop should not block
	m.Stop()

	if m.HasCachedKey() {
		t.Error("expected no cached key")
	}
	m.CacheKey("passphrase")
	if !m.HasCachedKey() {
		t.Error("expected cached key")
	}
}
