package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/gsplit/internal/database"
	"github.com/dukerupert/gsplit/internal/model"
	"github.com/dukerupert/gsplit/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
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
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	m.deleted = append(m.deleted, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

var testS3 = S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret"}

func setupManager(t *testing.T, cfg Config, cb StatusCallback) (*Manager, *mockS3Client, *sql.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "pints.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewManager(cfg, db, store.NewBackupStore(db), store.NewSettingsStore(db), cb, slog.Default())
	mock := newMockS3()
	if m.client != nil {
		m.client = mock
	}
	return m, mock, db
}

func TestManagerStateLifecycle(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, nil, slog.Default())
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q", m.Status().State, StateDisabled)
	}
	if m.Enabled() {
		t.Error("manager without credentials should not be enabled")
	}

	m2 := NewManager(Config{S3: testS3}, nil, nil, nil, nil, slog.Default())
	if m2.Status().State != StateIdle {
		t.Errorf("state = %q, want %q", m2.Status().State, StateIdle)
	}
}

func TestManagerStatusCallback(t *testing.T) {
	var received []Status
	var mu sync.Mutex
	cb := func(s Status) {
		mu.Lock()
		received = append(received, s)
		mu.Unlock()
	}

	m := NewManager(Config{S3: testS3}, nil, nil, nil, cb, slog.Default())
	m.setStatus(Status{State: StateRunning, InProgress: true})
	m.setStatus(Status{State: StateIdle})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d callbacks, want 2", len(received))
	}
	if received[0].State != StateRunning {
		t.Errorf("first callback state = %q, want %q", received[0].State, StateRunning)
	}
	if received[1].State != StateIdle {
		t.Errorf("second callback state = %q, want %q", received[1].State, StateIdle)
	}
}

func TestManagerStopSafety(t *testing.T) {
	m := NewManager(Config{S3: testS3, Passphrase: "pass"}, nil, nil, nil, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	m.Stop()

	// Double stop should not panic
	m.Stop()
}

func TestManagerNoScheduleWithoutPassphrase(t *testing.T) {
	m := NewManager(Config{S3: testS3}, nil, nil, nil, nil, slog.Default())
	m.Start(context.Background())
	if m.done != nil {
		t.Error("scheduler should not start without a passphrase")
	}
	m.Stop()
}

func TestRunNowNotConfigured(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, nil, slog.Default())
	if _, err := m.RunNow(context.Background(), "pass"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want %v", err, ErrNotConfigured)
	}
	if _, err := m.RunNow(context.Background(), ""); !errors.Is(err, ErrNoPassphrase) {
		t.Errorf("err = %v, want %v", err, ErrNoPassphrase)
	}
}

func TestBackupAndRestore(t *testing.T) {
	m, mock, db := setupManager(t, Config{S3: testS3}, nil)
	pints := store.NewPintStore(db)
	if err := pints.Put(&model.Pint{ID: 1, CreatedAt: time.Now().UTC(), Score: 91, Feedback: "Clinic."}); err != nil {
		t.Fatalf("put pint: %v", err)
	}

	id, err := m.RunNow(context.Background(), "stout")
	if err != nil {
		t.Fatalf("run backup: %v", err)
	}

	rec, err := m.backups.GetByID(id)
	if err != nil || rec == nil {
		t.Fatalf("get backup record: %v", err)
	}
	if rec.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want %q", rec.Status, model.BackupStatusCompleted)
	}
	if len(mock.objects[rec.S3Key]) != int(rec.SizeBytes) {
		t.Errorf("uploaded %d bytes, record says %d", len(mock.objects[rec.S3Key]), rec.SizeBytes)
	}
	if m.Status().State != StateIdle || m.Status().LastBackup == nil {
		t.Errorf("status = %+v, want idle with last backup", m.Status())
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := m.Restore(context.Background(), id, "stout", dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := database.Open(dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	p, err := store.NewPintStore(restored).GetByID(1)
	if err != nil || p == nil {
		t.Fatalf("restored pint missing: %v", err)
	}
	if p.Feedback != "Clinic." {
		t.Errorf("feedback = %q, want %q", p.Feedback, "Clinic.")
	}

	if err := m.Restore(context.Background(), id, "lager", dst); !errors.Is(err, ErrDecryptFail) {
		t.Errorf("wrong passphrase err = %v, want %v", err, ErrDecryptFail)
	}
}

func TestRunNowReusesSalt(t *testing.T) {
	m, mock, _ := setupManager(t, Config{S3: testS3}, nil)

	first, err := m.RunNow(context.Background(), "stout")
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	m.now = func() time.Time { return time.Now().Add(time.Second) }
	second, err := m.RunNow(context.Background(), "stout")
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}

	a, _ := m.backups.GetByID(first)
	b, _ := m.backups.GetByID(second)
	saltA := mock.objects[a.S3Key][len(magic) : len(magic)+saltSize]
	saltB := mock.objects[b.S3Key][len(magic) : len(magic)+saltSize]
	if !bytes.Equal(saltA, saltB) {
		t.Error("backups should share the install salt")
	}
}

func TestRunNowUploadFailure(t *testing.T) {
	m, mock, _ := setupManager(t, Config{S3: testS3}, nil)
	mock.putErr = errors.New("bucket gone")

	if _, err := m.RunNow(context.Background(), "stout"); err == nil {
		t.Fatal("expected upload error")
	}
	if m.Status().State != StateError {
		t.Errorf("state = %q, want %q", m.Status().State, StateError)
	}

	list, err := m.List(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.BackupStatusFailed {
		t.Errorf("backups = %+v, want one failed", list)
	}

	if _, _, err := m.Download(context.Background(), list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("download failed backup err = %v, want %v", err, ErrNotFound)
	}
}

func TestCleanup(t *testing.T) {
	m, mock, _ := setupManager(t, Config{S3: testS3}, nil)
	if _, err := m.RunNow(context.Background(), "stout"); err != nil {
		t.Fatalf("backup: %v", err)
	}

	m.now = func() time.Time { return time.Now().AddDate(0, 0, 40) }
	if err := m.Cleanup(context.Background(), 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(mock.deleted) != 1 {
		t.Errorf("deleted %d objects, want 1", len(mock.deleted))
	}
	if len(mock.objects) != 0 {
		t.Errorf("%d objects left, want 0", len(mock.objects))
	}
}

func TestCheckScheduleOncePerDay(t *testing.T) {
	m, mock, _ := setupManager(t, Config{S3: testS3, Passphrase: "stout", ScheduleHour: 3}, nil)
	day := time.Now().UTC().Truncate(24 * time.Hour)

	m.now = func() time.Time { return day.Add(2 * time.Hour) }
	m.checkSchedule(context.Background())
	if len(mock.objects) != 0 {
		t.Fatal("backup ran before the scheduled hour")
	}

	m.now = func() time.Time { return day.Add(3 * time.Hour) }
	m.checkSchedule(context.Background())
	m.now = func() time.Time { return day.Add(4 * time.Hour) }
	m.checkSchedule(context.Background())
	if len(mock.objects) != 1 {
		t.Errorf("%d backups after two checks, want 1", len(mock.objects))
	}
}
