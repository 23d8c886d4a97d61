package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/session"
)

var (
	// ErrResourceNotFound is reported when the serving peer answers -1.
	ErrResourceNotFound = errors.New("resource not found on peer")
	// ErrNoChatSession is reported when no chat session tells us where the
	// peer listens.
	ErrNoChatSession = errors.New("no chat session with peer")
	// ErrChecksumMismatch is reported when a finished download does not
	// hash to the shared digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNotRunning is returned by Download on a stopped manager.
	ErrNotRunning = errors.New("file manager not running")
)

// Defaults for Config.
const (
	DefaultDir         = "./downloads"
	DefaultChunkSize   = 1024
	DefaultMaxWorkers  = 3
	DefaultRetryDelay  = time.Second
	DefaultMaxAttempts = 5
)

// Config holds file transfer settings.
type Config struct {
	// Dir receives downloads.
	Dir            string
	ChunkSize      int
	MaxWorkers     int
	CoalesceWindow time.Duration
	// RateLimit caps serving bandwidth in bytes per second; 0 is unlimited.
	RateLimit int
	// RetryDelay is the first backoff after failing to reach a peer; it
	// doubles per attempt up to MaxAttempts.
	RetryDelay  time.Duration
	MaxAttempts int
	Clock       clock.Clock
}

// DefaultConfig returns the default file transfer settings.
func DefaultConfig() Config {
	return Config{
		Dir:            DefaultDir,
		ChunkSize:      DefaultChunkSize,
		MaxWorkers:     DefaultMaxWorkers,
		CoalesceWindow: DefaultCoalesceWindow,
		RetryDelay:     DefaultRetryDelay,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkSize > limits.MaxChunkSize {
		c.ChunkSize = limits.MaxChunkSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = d.CoalesceWindow
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// SessionOpener opens a fresh file session to a peer. The returned session
// must be registered and busy.
type SessionOpener interface {
	OpenFileSession(ctx context.Context, peerID uuid.UUID) (*session.Session, error)
}

type taskSubscriber struct {
	peerID uuid.UUID
	fn     func(Task)
}

// Manager shares files, downloads them through a worker pool and serves
// remote requests.
//
// mu guards tasks, shared, retry, pending, timers, the worker counters and
// running. It is never held across session or disk I/O.
type Manager struct {
	cfg      Config
	registry *session.Registry
	opener   SessionOpener
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	mu          sync.Mutex
	tasks       map[TaskKey]*task
	shared      map[uuid.UUID]messaging.FileResource
	retry       map[uuid.UUID]map[TaskKey]struct{}
	active      map[*session.Session]struct{}
	workers     int
	busyWorkers int
	running     bool
	pending     []TaskKey
	wake        chan struct{}
	timers      map[TaskKey]*clock.Timer
	stopChan    chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	updates     *Coalescer[TaskKey, Task]
	wg          sync.WaitGroup

	subMu       sync.RWMutex
	subscribers map[uint64]taskSubscriber
	nextSub     uint64
}

// New creates a manager. opener is used when no idle file session can be
// reclaimed from registry.
func New(cfg Config, registry *session.Registry, opener SessionOpener, m *metrics.Metrics) *Manager {
	cfg = cfg.withDefaults()
	mgr := &Manager{
		cfg:         cfg,
		registry:    registry,
		opener:      opener,
		metrics:     m,
		tasks:       make(map[TaskKey]*task),
		shared:      make(map[uuid.UUID]messaging.FileResource),
		retry:       make(map[uuid.UUID]map[TaskKey]struct{}),
		active:      make(map[*session.Session]struct{}),
		subscribers: make(map[uint64]taskSubscriber),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimit
		if burst < cfg.ChunkSize {
			burst = cfg.ChunkSize
		}
		mgr.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return mgr
}

// Start enables downloads and serving.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	m.running = true
	m.workers = 0
	m.busyWorkers = 0
	m.pending = nil
	m.wake = make(chan struct{}, 1)
	m.timers = make(map[TaskKey]*clock.Timer)
	m.stopChan = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.updates = NewCoalescer[TaskKey, Task](m.cfg.Clock, m.cfg.CoalesceWindow, m.deliver)
	m.metrics.SetDownloadWorkers(0)

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.Start",
		"dir":         m.cfg.Dir,
		"max_workers": m.cfg.MaxWorkers,
	}).Info("File manager started")
	return nil
}

// Stop cancels in-flight transfers, waits for the workers and delivers the
// last task updates. Pending downloads, including those waiting out a retry
// backoff, end CANCELED before Stop returns.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopChan)
	m.cancel()
	active := make([]*session.Session, 0, len(m.active))
	for s := range m.active {
		active = append(active, s)
	}
	m.mu.Unlock()

	for _, s := range active {
		m.registry.CloseAndNotify(s)
	}
	m.wg.Wait()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	type backoff struct {
		key   TaskKey
		timer *clock.Timer
	}
	waiting := make([]backoff, 0, len(m.timers))
	for key, timer := range m.timers {
		waiting = append(waiting, backoff{key, timer})
	}
	m.timers = make(map[TaskKey]*clock.Timer)
	m.workers = 0
	updates := m.updates
	m.mu.Unlock()

	for _, key := range pending {
		m.finish(key, ProgressCanceled, true)
	}
	for _, w := range waiting {
		// A timer that already fired cancels its task in the callback.
		if w.timer.Stop() {
			m.finish(w.key, ProgressCanceled, true)
		}
	}
	m.metrics.SetDownloadWorkers(0)
	updates.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Stop",
	}).Info("File manager stopped")
	return nil
}

// Share registers a local file for peers to download and returns its
// resource description, checksum included.
func (m *Manager) Share(path string) (messaging.FileResource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return messaging.FileResource{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return messaging.FileResource{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return messaging.FileResource{}, err
	}
	if !info.Mode().IsRegular() {
		return messaging.FileResource{}, fmt.Errorf("share %s: not a regular file", abs)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return messaging.FileResource{}, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return messaging.FileResource{}, fmt.Errorf("hash %s: %w", abs, err)
	}

	res := messaging.FileResource{
		ID:        uuid.New(),
		Name:      info.Name(),
		Size:      info.Size(),
		Category:  messaging.CategoryOf(info.Name()),
		Checksum:  h.Sum(nil),
		LocalPath: abs,
	}
	m.mu.Lock()
	m.shared[res.ID] = res
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.Share",
		"resource_id": res.ID,
		"name":        res.Name,
		"size":        res.Size,
	}).Info("File shared")
	return res, nil
}

// Resource looks up a shared file.
func (m *Manager) Resource(id uuid.UUID) (messaging.FileResource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.shared[id]
	return res, ok
}

// Download queues res for download from peerID. It is a no-op when a task
// for the same key is queued, running or done.
func (m *Manager) Download(peerID uuid.UUID, res messaging.FileResource) error {
	if res.ID == uuid.Nil {
		return fmt.Errorf("download: %w", ErrResourceNotFound)
	}
	name, err := limits.SanitizeFileName(res.Name)
	if err != nil {
		return err
	}
	key := TaskKey{Download: true, PeerID: peerID, ResourceID: res.ID}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	t, ok := m.tasks[key]
	if ok && !t.Failed() && !t.Canceled() {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Manager.Download",
			"task":     key,
			"status":   t.Status(),
		}).Debug("Download already known")
		return nil
	}
	if !ok {
		t = &task{Task: Task{Key: key}}
		m.tasks[key] = t
	}
	t.Name = name
	t.Size = res.Size
	t.checksum = res.Checksum
	t.attempts = 0
	t.Progress = ProgressIdle
	t.Done = false
	m.forgetRetry(key)
	snapshot := t.Task
	m.mu.Unlock()

	m.publish(snapshot)
	return m.submit(key)
}

// OnChatSessionConnected resubmits every remembered failed or canceled
// download from peerID.
func (m *Manager) OnChatSessionConnected(peerID uuid.UUID) {
	m.mu.Lock()
	keys := m.retry[peerID]
	delete(m.retry, peerID)
	var resubmit []Task
	for key := range keys {
		t, ok := m.tasks[key]
		if !ok || !(t.Failed() || t.Canceled()) {
			continue
		}
		t.Progress = ProgressIdle
		t.attempts = 0
		resubmit = append(resubmit, t.Task)
	}
	m.mu.Unlock()

	if len(resubmit) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.OnChatSessionConnected",
			"peer_id":  peerID,
			"count":    len(resubmit),
		}).Info("Retrying downloads after reconnect")
	}
	for _, t := range resubmit {
		m.publish(t)
		if err := m.submit(t.Key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.OnChatSessionConnected",
				"task":     t.Key,
				"error":    err.Error(),
			}).Warn("Failed to resubmit download")
		}
	}
}

// Task returns the task for key.
func (m *Manager) Task(key TaskKey) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[key]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// Tasks returns all tasks ordered by name.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Task)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Workers returns the number of download workers started so far.
func (m *Manager) Workers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers
}

// SubscribeTasks registers fn for task updates of peerID, or of every peer
// when peerID is uuid.Nil. Updates arrive in coalesced bursts. The returned
// func cancels the subscription.
func (m *Manager) SubscribeTasks(peerID uuid.UUID, fn func(Task)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = taskSubscriber{peerID: peerID, fn: fn}
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

// submit appends key to the pending list, adding a worker first when every
// existing worker is busy or already has a pending key to pick up. The list
// is unbounded.
func (m *Manager) submit(key TaskKey) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	idle := m.workers - m.busyWorkers
	if len(m.pending) >= idle && m.workers < m.cfg.MaxWorkers {
		m.workers++
		m.wg.Add(1)
		go m.worker(m.wake, m.stopChan)
		m.metrics.SetDownloadWorkers(m.workers)
		logrus.WithFields(logrus.Fields{
			"function": "Manager.submit",
			"workers":  m.workers,
		}).Debug("Download worker added")
	}
	m.pending = append(m.pending, key)
	signal(m.wake)
	m.mu.Unlock()
	return nil
}

func (m *Manager) worker(wake chan struct{}, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		key, ok := m.next(wake)
		if !ok {
			select {
			case <-stop:
				return
			case <-wake:
			}
			continue
		}
		m.download(key)
		m.mu.Lock()
		m.busyWorkers--
		m.mu.Unlock()
	}
}

// next pops the oldest pending key and counts the caller as busy. When keys
// remain, another idle worker is woken.
func (m *Manager) next(wake chan struct{}) (TaskKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || len(m.pending) == 0 {
		return TaskKey{}, false
	}
	key := m.pending[0]
	m.pending[0] = TaskKey{}
	m.pending = m.pending[1:]
	m.busyWorkers++
	if len(m.pending) > 0 {
		signal(wake)
	}
	return key, true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// requeue schedules another attempt to reach the peer with exponential
// backoff. It reports false when the attempts are used up.
func (m *Manager) requeue(key TaskKey) bool {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok || !m.running {
		m.mu.Unlock()
		return false
	}
	t.attempts++
	attempts := t.attempts
	if attempts >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		return false
	}

	delay := m.cfg.RetryDelay << (attempts - 1)
	timers := m.timers
	timers[key] = m.cfg.Clock.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(timers, key)
		m.mu.Unlock()

		if err := m.submit(key); err != nil {
			m.finish(key, ProgressCanceled, true)
		}
	})
	m.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Manager.requeue",
		"task":     key,
		"attempt":  attempts,
		"delay":    delay,
	}).Debug("Download requeued")
	return true
}

// update sets the progress of a running task.
func (m *Manager) update(key TaskKey, progress float64) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Progress = progress
	snapshot := t.Task
	m.mu.Unlock()
	m.publish(snapshot)
}

// finish moves a task to a terminal state. remember marks failed and
// canceled downloads for resubmission on reconnect.
func (m *Manager) finish(key TaskKey, progress float64, remember bool) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if progress == 1 {
		t.Done = true
		t.Progress = 1
		m.forgetRetry(key)
	} else {
		t.Progress = progress
		if remember && key.Download {
			peers := m.retry[key.PeerID]
			if peers == nil {
				peers = make(map[TaskKey]struct{})
				m.retry[key.PeerID] = peers
			}
			peers[key] = struct{}{}
		} else {
			m.forgetRetry(key)
		}
	}
	snapshot := t.Task
	m.mu.Unlock()

	switch {
	case snapshot.Done:
		m.metrics.FileTaskFinished(metrics.ResultOK)
	case snapshot.Canceled():
		m.metrics.FileTaskFinished(metrics.ResultCanceled)
	default:
		m.metrics.FileTaskFinished(metrics.ResultFailed)
	}
	m.publish(snapshot)
}

// forgetRetry must be called with mu held.
func (m *Manager) forgetRetry(key TaskKey) {
	if peers, ok := m.retry[key.PeerID]; ok {
		delete(peers, key)
		if len(peers) == 0 {
			delete(m.retry, key.PeerID)
		}
	}
}

func (m *Manager) publish(t Task) {
	m.mu.Lock()
	updates := m.updates
	m.mu.Unlock()
	if updates == nil {
		return
	}
	updates.Put(t.Key, t)
}

// deliver hands one coalesced burst to the subscribers.
func (m *Manager) deliver(batch []Task) {
	m.subMu.RLock()
	subs := make([]taskSubscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.subMu.RUnlock()

	for _, t := range batch {
		for _, s := range subs {
			if s.peerID == uuid.Nil || s.peerID == t.Key.PeerID {
				callSubscriber(s.fn, t)
			}
		}
	}
}

func callSubscriber(fn func(Task), t Task) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "callSubscriber",
				"task":     t.Key,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Task subscriber panicked")
		}
	}()
	fn(t)
}
