package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/session"
	"github.com/opd-ai/lanchat/transport"
)

var errRefused = errors.New("connection refused")

// blockingOpener holds every open attempt until released, then refuses.
type blockingOpener struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func newBlockingOpener() *blockingOpener {
	return &blockingOpener{release: make(chan struct{}), err: errRefused}
}

func (o *blockingOpener) OpenFileSession(ctx context.Context, _ uuid.UUID) (*session.Session, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	select {
	case <-o.release:
		return nil, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *blockingOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newTestManager(t *testing.T, opener SessionOpener, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CoalesceWindow = 10 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(cfg, session.NewRegistry(nil, time.Minute), opener, metrics.New())
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop() })
	return m
}

func resource(name string) messaging.FileResource {
	return messaging.FileResource{ID: uuid.New(), Name: name, Size: 10}
}

func waitTask(t *testing.T, m *Manager, key TaskKey, cond func(Task) bool) Task {
	t.Helper()
	var last Task
	require.Eventually(t, func() bool {
		task, ok := m.Task(key)
		last = task
		return ok && cond(task)
	}, 20*time.Second, 10*time.Millisecond, "task %s never reached the expected state", key)
	return last
}

func TestShareComputesChecksum(t *testing.T) {
	m := newTestManager(t, nil, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "cat.PNG")
	data := []byte("not really a png")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	res, err := m.Share(path)
	require.NoError(t, err)
	sum := blake2b.Sum256(data)
	assert.Equal(t, sum[:], res.Checksum)
	assert.Equal(t, "cat.PNG", res.Name)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, messaging.CategoryImage, res.Category)
	assert.Equal(t, path, res.LocalPath)

	got, ok := m.Resource(res.ID)
	require.True(t, ok)
	assert.Equal(t, res, got)

	_, err = m.Share(dir)
	assert.Error(t, err)
	_, err = m.Share(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDownloadRejectsUnsafeNames(t *testing.T) {
	m := newTestManager(t, nil, nil)
	peerID := uuid.New()

	assert.ErrorIs(t, m.Download(peerID, resource("..")), limits.ErrDirectoryTraversal)
	assert.Error(t, m.Download(peerID, messaging.FileResource{Name: "x"}))
	assert.Empty(t, m.Tasks())
}

func TestDownloadWithoutOpenerParksUntilReconnect(t *testing.T) {
	m := newTestManager(t, nil, nil)
	peerID := uuid.New()
	res := resource("notes.txt")
	key := TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID}

	require.NoError(t, m.Download(peerID, res))
	waitTask(t, m, key, Task.Failed)

	m.OnChatSessionConnected(uuid.New())
	task, _ := m.Task(key)
	assert.True(t, task.Failed(), "other peers do not resubmit")

	m.OnChatSessionConnected(peerID)
	waitTask(t, m, key, Task.Failed)
	assert.Len(t, m.Tasks(), 1)
}

func TestWorkerPoolGrowsOnlyWhenBusy(t *testing.T) {
	opener := newBlockingOpener()
	m := newTestManager(t, opener, func(c *Config) { c.MaxAttempts = 1 })
	peerID := uuid.New()

	var keys []TaskKey
	for i := 1; i <= 5; i++ {
		res := resource("f.bin")
		keys = append(keys, TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID})
		require.NoError(t, m.Download(peerID, res))
		// Duplicate requests for a queued or running key are no-ops.
		require.NoError(t, m.Download(peerID, res))

		want := i
		if want > DefaultMaxWorkers {
			want = DefaultMaxWorkers
		}
		require.Eventually(t, func() bool { return opener.Calls() == want }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, want, m.Workers())
	}
	assert.Never(t, func() bool { return opener.Calls() > DefaultMaxWorkers }, 100*time.Millisecond, 10*time.Millisecond)
	expected := `
# HELP lanchat_download_workers Download worker goroutines started.
# TYPE lanchat_download_workers gauge
lanchat_download_workers 3
`
	assert.NoError(t, testutil.GatherAndCompare(m.metrics.Registry(), strings.NewReader(expected), "lanchat_download_workers"))

	close(opener.release)
	for _, key := range keys {
		waitTask(t, m, key, Task.Failed)
	}
	assert.Equal(t, 5, opener.Calls())
	assert.Len(t, m.Tasks(), 5)
}

func TestUnreachablePeerIsRequeued(t *testing.T) {
	opener := newBlockingOpener()
	close(opener.release)
	m := newTestManager(t, opener, func(c *Config) { c.MaxAttempts = 3 })
	peerID := uuid.New()
	res := resource("f.bin")
	key := TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID}

	require.NoError(t, m.Download(peerID, res))
	waitTask(t, m, key, Task.Failed)
	assert.Equal(t, 3, opener.Calls())

	opener.err = transport.ErrNotConnected
	m.OnChatSessionConnected(peerID)
	waitTask(t, m, key, Task.Failed)
	assert.Equal(t, 4, opener.Calls(), "a peer without chat session is not requeued")
}

func TestStopCancelsPendingDownloads(t *testing.T) {
	opener := newBlockingOpener()
	m := newTestManager(t, opener, func(c *Config) { c.MaxWorkers = 1 })
	peerID := uuid.New()

	var keys []TaskKey
	for i := 0; i < 3; i++ {
		res := resource("f.bin")
		keys = append(keys, TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID})
		require.NoError(t, m.Download(peerID, res))
	}
	require.Eventually(t, func() bool { return opener.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	final := make(map[TaskKey]Task)
	m.SubscribeTasks(peerID, func(task Task) {
		mu.Lock()
		final[task.Key] = task
		mu.Unlock()
	})

	require.NoError(t, m.Stop())
	for _, key := range keys {
		task, ok := m.Task(key)
		require.True(t, ok)
		assert.True(t, task.Canceled(), "%s is %s", key, task.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		assert.True(t, final[key].Canceled(), "subscribers see the terminal state of %s", key)
	}

	assert.ErrorIs(t, m.Download(peerID, resource("late.bin")), ErrNotRunning)
}

func TestBurstOfDownloadsWaitsForWorkers(t *testing.T) {
	opener := newBlockingOpener()
	m := newTestManager(t, opener, func(c *Config) { c.MaxAttempts = 1 })
	peerID := uuid.New()

	const count = 80
	keys := make([]TaskKey, 0, count)
	for i := 0; i < count; i++ {
		res := resource("f.bin")
		keys = append(keys, TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID})
		require.NoError(t, m.Download(peerID, res))
	}
	require.Eventually(t, func() bool { return opener.Calls() == DefaultMaxWorkers }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, DefaultMaxWorkers, m.Workers())
	for _, key := range keys {
		task, ok := m.Task(key)
		require.True(t, ok)
		assert.False(t, task.Failed(), "%s failed while waiting for a worker", key)
	}

	close(opener.release)
	for _, key := range keys {
		waitTask(t, m, key, Task.Failed)
	}
	assert.Equal(t, count, opener.Calls(), "every pending download reaches the peer")
	assert.Equal(t, DefaultMaxWorkers, m.Workers())
}

func TestStopCancelsDownloadsInBackoff(t *testing.T) {
	opener := newBlockingOpener()
	close(opener.release)
	mock := clock.NewMock()
	m := newTestManager(t, opener, func(c *Config) {
		c.Clock = mock
		c.RetryDelay = time.Hour
	})
	peerID := uuid.New()
	res := resource("f.bin")
	key := TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID}

	require.NoError(t, m.Download(peerID, res))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.timers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	task, _ := m.Task(key)
	assert.True(t, task.Idle(), "a requeued download waits IDLE")

	require.NoError(t, m.Stop())
	task, _ = m.Task(key)
	assert.True(t, task.Canceled(), "task is %s", task.Status())

	mock.Add(2 * time.Hour)
	assert.Equal(t, 1, opener.Calls())
}

func TestChunkSizeIsCapped(t *testing.T) {
	m := newTestManager(t, nil, func(c *Config) { c.ChunkSize = 1 << 20 })
	assert.Equal(t, limits.MaxChunkSize, m.cfg.ChunkSize)

	m = newTestManager(t, nil, nil)
	assert.Equal(t, DefaultChunkSize, m.cfg.ChunkSize)
}

func TestSubscribeTasksScopeAndCancel(t *testing.T) {
	m := newTestManager(t, nil, nil)
	alice, bob := uuid.New(), uuid.New()

	var mu sync.Mutex
	var all, onlyBob []Task
	m.SubscribeTasks(uuid.Nil, func(task Task) {
		mu.Lock()
		all = append(all, task)
		mu.Unlock()
	})
	cancel := m.SubscribeTasks(bob, func(task Task) {
		mu.Lock()
		onlyBob = append(onlyBob, task)
		mu.Unlock()
	})
	m.SubscribeTasks(uuid.Nil, func(Task) { panic("subscriber bug") })

	bobRes := resource("b.txt")
	require.NoError(t, m.Download(alice, resource("a.txt")))
	require.NoError(t, m.Download(bob, bobRes))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		failed := 0
		for _, task := range all {
			if task.Failed() {
				failed++
			}
		}
		return failed == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for _, task := range onlyBob {
		assert.Equal(t, bob, task.Key.PeerID)
	}
	seen := len(onlyBob)
	mu.Unlock()
	assert.NotZero(t, seen)

	cancel()
	m.OnChatSessionConnected(bob)
	require.Eventually(t, func() bool {
		task, _ := m.Task(TaskKey{Download: true, PeerID: bob, ResourceID: bobRes.ID})
		return task.Failed()
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, onlyBob, seen)
	mu.Unlock()
}

func TestCreateDestinationDisambiguates(t *testing.T) {
	dir := t.TempDir()
	want := []string{"photo.jpg", "photo(1).jpg", "photo(2).jpg"}
	for _, name := range want {
		path, f, err := createDestination(dir, "photo.jpg")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		assert.Equal(t, filepath.Join(dir, name), path)
	}

	path, f, err := createDestination(dir, "README")
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, filepath.Join(dir, "README"), path)
	path, f, err = createDestination(dir, "README")
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, filepath.Join(dir, "README(1)"), path)

	_, _, err = createDestination(filepath.Join(dir, "missing"), "x")
	assert.Error(t, err)
}

func TestTaskStatus(t *testing.T) {
	tests := []struct {
		task     Task
		status   string
		finished bool
	}{
		{Task{Progress: ProgressIdle}, "idle", false},
		{Task{Progress: ProgressFailed}, "failed", true},
		{Task{Progress: ProgressCanceled}, "canceled", true},
		{Task{Progress: 0.25}, "25.0%", false},
		{Task{Progress: 1, Done: true}, "done", true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.task.Status())
			assert.Equal(t, tt.finished, tt.task.Finished())
		})
	}
}
