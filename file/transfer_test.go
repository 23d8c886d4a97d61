package file

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/peer"
	"github.com/opd-ai/lanchat/session"
	"github.com/opd-ai/lanchat/simnet"
	"github.com/opd-ai/lanchat/transport"
)

type fileNode struct {
	id  peer.Identity
	reg *session.Registry
	tr  *transport.Transport
	mgr *Manager
	dir string
}

func newFileNode(t *testing.T, name string, dialer proxy.ContextDialer, mutate func(*Config)) *fileNode {
	t.Helper()
	reg := session.NewRegistry(nil, time.Minute)

	tcfg := transport.DefaultConfig()
	tcfg.ListenAddr = "127.0.0.1:0"
	tcfg.PollInterval = 20 * time.Millisecond
	if dialer != nil {
		tcfg.Dialer = dialer
	}
	tr := transport.New(tcfg, reg, nil, metrics.New())

	fcfg := DefaultConfig()
	fcfg.Dir = t.TempDir()
	fcfg.CoalesceWindow = 20 * time.Millisecond
	fcfg.RetryDelay = 20 * time.Millisecond
	if mutate != nil {
		mutate(&fcfg)
	}
	mgr := New(fcfg, reg, tr, metrics.New())

	n := &fileNode{id: peer.NewIdentity(name, "avatar-"+name), reg: reg, tr: tr, mgr: mgr, dir: fcfg.Dir}
	reg.OnRemoved(tr.SessionRemoved)
	tr.SetSelf(n.id)
	tr.SetHooks(transport.Hooks{
		FileSession:   mgr.Serve,
		ChatConnected: mgr.OnChatSessionConnected,
	})

	require.NoError(t, tr.Start())
	reg.Start()
	require.NoError(t, mgr.Start())
	t.Cleanup(func() {
		tr.Stop()
		mgr.Stop()
		reg.Stop()
	})
	return n
}

func (n *fileNode) record() peer.Record {
	return peer.Record{Identity: n.id, Host: "127.0.0.1", Port: n.tr.Port()}
}

func (n *fileNode) connect(t *testing.T, to *fileNode) {
	t.Helper()
	_, err := n.tr.Connect(context.Background(), to.record())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return to.reg.FindChatSession(n.id.ID) != nil }, 2*time.Second, 10*time.Millisecond)
}

func (n *fileNode) fileSessions() int {
	count := 0
	for _, s := range n.reg.Sessions() {
		if s.Kind() == session.KindFile {
			count++
		}
	}
	return count
}

func writeRandomFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestDownloadFromPeer(t *testing.T) {
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", nil, nil)
	b.connect(t, a)

	path, data := writeRandomFile(t, "report.pdf", 100*1024+7)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)

	key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	task := waitTask(t, b.mgr, key, func(task Task) bool { return task.Done })

	assert.Equal(t, filepath.Join(b.dir, "report.pdf"), task.Path)
	assert.Equal(t, 1.0, task.Progress)
	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	upload := waitTask(t, a.mgr, TaskKey{PeerID: b.id.ID, ResourceID: res.ID}, func(task Task) bool { return task.Done })
	assert.Equal(t, path, upload.Path)

	// Done keys are never downloaded twice.
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	time.Sleep(100 * time.Millisecond)
	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A second resource with the same name reuses the idle file session and
	// lands next to the first one.
	path2, data2 := writeRandomFile(t, "report.pdf", 3000)
	res2, err := a.mgr.Share(path2)
	require.NoError(t, err)
	require.NoError(t, b.mgr.Download(a.id.ID, res2))
	task2 := waitTask(t, b.mgr, TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res2.ID}, func(task Task) bool { return task.Done })
	assert.Equal(t, filepath.Join(b.dir, "report(1).pdf"), task2.Path)
	got2, err := os.ReadFile(task2.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data2, got2))
	assert.Equal(t, 1, b.fileSessions())

	require.Eventually(t, func() bool {
		for _, s := range a.reg.Sessions() {
			if s.Kind() == session.KindFile && s.Busy() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "served sessions are idle between requests")
}

func TestDownloadMissingResourceFailsPermanently(t *testing.T) {
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", nil, nil)
	b.connect(t, a)

	path, _ := writeRandomFile(t, "gone.txt", 512)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res.Checksum = nil
	for _, r := range []messaging.FileResource{res, resource("unknown.txt")} {
		require.NoError(t, b.mgr.Download(a.id.ID, r))
		key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: r.ID}
		waitTask(t, b.mgr, key, Task.Failed)

		b.mgr.OnChatSessionConnected(a.id.ID)
		task, _ := b.mgr.Task(key)
		assert.True(t, task.Failed(), "not-found is not retried on reconnect")
	}

	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	// -1 leaves the session usable.
	assert.Equal(t, 1, b.fileSessions())
}

func TestDownloadChecksumMismatch(t *testing.T) {
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", nil, nil)
	b.connect(t, a)

	path, _ := writeRandomFile(t, "data.bin", 4096)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)
	res.Checksum = bytes.Repeat([]byte{0xAB}, len(res.Checksum))

	key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	waitTask(t, b.mgr, key, Task.Failed)

	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "corrupt downloads are removed")
}

func TestDownloadBeforeConnectRetriesOnReconnect(t *testing.T) {
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", nil, nil)

	path, data := writeRandomFile(t, "early.txt", 2048)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)

	key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	waitTask(t, b.mgr, key, Task.Failed)

	b.connect(t, a)
	task := waitTask(t, b.mgr, key, func(task Task) bool { return task.Done })
	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

type taskLog struct {
	mu    sync.Mutex
	tasks []Task
}

func (l *taskLog) add(task Task) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
}

func (l *taskLog) forKey(key TaskKey) []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Task
	for _, task := range l.tasks {
		if task.Key == key {
			out = append(out, task)
		}
	}
	return out
}

// rank orders task states along IDLE, then progress, then done.
func rank(task Task) float64 {
	switch {
	case task.Done:
		return 2
	case task.Idle():
		return -1
	default:
		return task.Progress
	}
}

func TestSlowLinkProgressIsMonotonic(t *testing.T) {
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", &simnet.Dialer{BytesPerSecond: 4 << 20}, nil)
	b.connect(t, a)

	const size = 10 << 20
	path, data := writeRandomFile(t, "big.iso", size)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)

	log := &taskLog{}
	cancel := b.mgr.SubscribeTasks(a.id.ID, log.add)
	defer cancel()

	key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	task := waitTask(t, b.mgr, key, func(task Task) bool { return task.Finished() })
	require.True(t, task.Done, "download ended %s", task.Status())

	require.Eventually(t, func() bool {
		seen := log.forKey(key)
		return len(seen) > 0 && seen[len(seen)-1].Done
	}, 2*time.Second, 10*time.Millisecond)
	seen := log.forKey(key)
	assert.Greater(t, len(seen), 2, "progress is reported while bytes flow")
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, rank(seen[i]), rank(seen[i-1]), "update %d went backwards", i)
		if !seen[i].Done && !seen[i].Idle() {
			assert.Less(t, seen[i].Progress, 1.0)
		}
	}

	info, err := os.Stat(task.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size())
}

func TestCutLinkFailsThenResumesOnReconnect(t *testing.T) {
	dialer := &simnet.Dialer{}
	a := newFileNode(t, "alice", nil, nil)
	b := newFileNode(t, "bob", dialer, nil)
	b.connect(t, a)

	path, data := writeRandomFile(t, "movie.mkv", 2<<20)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)

	dialer.CutNext(1, 256<<10)
	key := TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	task := waitTask(t, b.mgr, key, func(task Task) bool { return task.Finished() })
	assert.False(t, task.Done)
	assert.True(t, task.Failed() || task.Canceled(), "ended %s", task.Status())

	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads are removed")
	require.Eventually(t, func() bool { return b.fileSessions() == 0 }, 2*time.Second, 10*time.Millisecond)

	b.mgr.OnChatSessionConnected(a.id.ID)
	task = waitTask(t, b.mgr, key, func(task Task) bool { return task.Done })
	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestServeRateLimit(t *testing.T) {
	a := newFileNode(t, "alice", nil, func(c *Config) { c.RateLimit = 64 << 10 })
	b := newFileNode(t, "bob", nil, nil)
	b.connect(t, a)

	path, _ := writeRandomFile(t, "slow.bin", 192<<10)
	res, err := a.mgr.Share(path)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.mgr.Download(a.id.ID, res))
	waitTask(t, b.mgr, TaskKey{Download: true, PeerID: a.id.ID, ResourceID: res.ID}, func(task Task) bool { return task.Done })
	// The bucket starts full, so 192 KiB at 64 KiB/s takes about two seconds.
	assert.Greater(t, time.Since(start), 1500*time.Millisecond)
}

func TestInterruptedTransferLogLevel(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(logger)

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	tests := []struct {
		name  string
		ctx   context.Context
		err   error
		level logrus.Level
	}{
		{"local stop", stopped, io.EOF, logrus.DebugLevel},
		{"session closed", context.Background(), fmt.Errorf("read: %w", session.ErrSessionClosed), logrus.DebugLevel},
		{"peer failure", context.Background(), errors.New("connection reset by peer"), logrus.WarnLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()
			logInterrupted(tt.ctx, entry, "Download interrupted", tt.err)
			require.Len(t, hook.AllEntries(), 1)
			assert.Equal(t, tt.level, hook.LastEntry().Level)
		})
	}
}
