package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

type mockSnapshotSource struct {
	mu    sync.Mutex
	calls int
	paths []string
	err   error
}

var _ SnapshotSource = (*mockSnapshotSource)(nil)

func (m *mockSnapshotSource) Snapshot(ctx context.Context, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.paths = append(m.paths, destPath)
	if m.err != nil {
		return m.err
	}
	return os.WriteFile(destPath, []byte("snapshot"), 0o600)
}

func (m *mockSnapshotSource) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockSnapshotSource) lastPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.paths) == 0 {
		return ""
	}
	return m.paths[len(m.paths)-1]
}

type mockUploader struct {
	mu      sync.Mutex
	calls   int
	devices []string
	files   []string
	err     error
}

func (m *mockUploader) Upload(ctx context.Context, deviceID, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.devices = append(m.devices, deviceID)
	m.files = append(m.files, filePath)
	return m.err
}

func (m *mockUploader) PresignedURL(ctx context.Context, deviceID string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("not implemented")
}

func (m *mockUploader) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestSnapshotCoordinator_GeneratesAndUploads(t *testing.T) {
	source := &mockSnapshotSource{}
	uploader := &mockUploader{}
	c := NewSnapshotCoordinator(source, "laptop-1", t.TempDir(), 20*time.Millisecond, uploader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitForCalls(t, 2*time.Second, 2, source.getCalls)
	waitForCalls(t, 2*time.Second, 2, uploader.getCalls)

	cancel()
	<-done

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if uploader.devices[0] != "laptop-1" {
		t.Errorf("uploaded for device %q, want laptop-1", uploader.devices[0])
	}
	if uploader.files[0] != source.paths[0] {
		t.Errorf("uploaded %q, want the generated copy %q", uploader.files[0], source.paths[0])
	}
}

func TestSnapshotCoordinator_RemovesLocalCopy(t *testing.T) {
	source := &mockSnapshotSource{}
	c := NewSnapshotCoordinator(source, "laptop-1", t.TempDir(), 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitForCalls(t, 2*time.Second, 1, source.getCalls)
	cancel()
	<-done

	if _, err := os.Stat(source.lastPath()); !os.IsNotExist(err) {
		t.Errorf("local snapshot copy should be removed, stat error = %v", err)
	}
}

func TestSnapshotCoordinator_KeepsRunningAfterFailure(t *testing.T) {
	source := &mockSnapshotSource{err: errors.New("database is locked")}
	c := NewSnapshotCoordinator(source, "laptop-1", t.TempDir(), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// Failures don't stop the loop.
	waitForCalls(t, 2*time.Second, 3, source.getCalls)
	cancel()
	<-done
}
