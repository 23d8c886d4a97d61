package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/metrics"
	"github.com/opd-ai/lanchat/session"
	"github.com/opd-ai/lanchat/transport"
)

const notFoundLength = "-1"

// maxNameAttempts bounds the name(N).ext search in the download dir.
const maxNameAttempts = 10000

// download runs one queued task on the calling worker.
func (m *Manager) download(key TaskKey) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok || !t.Idle() {
		m.mu.Unlock()
		return
	}
	name, checksum := t.Name, t.checksum
	ctx := m.ctx
	m.mu.Unlock()

	var (
		s      *session.Session
		length int64
	)
	for {
		var (
			reused bool
			err    error
		)
		s, reused, err = m.acquire(ctx, key.PeerID)
		if err != nil {
			m.acquireFailed(ctx, key, err)
			return
		}
		length, err = m.ask(s, key.ResourceID)
		if err == nil {
			break
		}
		if errors.Is(err, ErrResourceNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.download",
				"task":     key,
			}).Warn("Peer no longer has the resource")
			m.finish(key, ProgressFailed, false)
			return
		}
		m.registry.CloseAndNotify(s)
		if !reused {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.download",
				"task":     key,
				"error":    err.Error(),
			}).Warn("Download request failed")
			m.finish(key, ProgressFailed, true)
			return
		}
		// A reclaimed session may have been closed by the peer while idle.
	}

	m.track(s, true)
	defer m.track(s, false)
	path, err := m.receive(ctx, s, key, name, length, checksum)
	if err != nil {
		progress := ProgressFailed
		if ctx.Err() != nil || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			progress = ProgressCanceled
		}
		if !errors.Is(err, ErrChecksumMismatch) {
			m.registry.CloseAndNotify(s)
		} else {
			s.SetBusy(false)
		}
		logInterrupted(ctx, logrus.WithFields(logrus.Fields{
			"function": "Manager.download",
			"task":     key,
			"error":    err.Error(),
		}), "Download interrupted", err)
		m.finish(key, progress, true)
		return
	}

	s.SetBusy(false)
	logrus.WithFields(logrus.Fields{
		"function": "Manager.download",
		"task":     key,
		"path":     path,
		"size":     length,
	}).Info("Download complete")
	m.finish(key, 1, false)
}

// acquire returns a busy file session to peerID, reclaiming an idle one
// when possible. reused reports whether the session was reclaimed.
func (m *Manager) acquire(ctx context.Context, peerID uuid.UUID) (*session.Session, bool, error) {
	if s := m.registry.ReclaimIdleFileSession(peerID); s != nil {
		return s, true, nil
	}
	if m.opener == nil {
		return nil, false, ErrNoChatSession
	}
	s, err := m.opener.OpenFileSession(ctx, peerID)
	if errors.Is(err, transport.ErrNotConnected) {
		return nil, false, fmt.Errorf("%w: %v", ErrNoChatSession, err)
	}
	return s, false, err
}

func (m *Manager) acquireFailed(ctx context.Context, key TaskKey, err error) {
	fields := logrus.Fields{
		"function": "Manager.acquireFailed",
		"task":     key,
		"error":    err.Error(),
	}
	switch {
	case ctx.Err() != nil:
		m.finish(key, ProgressCanceled, true)
	case errors.Is(err, ErrNoChatSession), errors.Is(err, transport.ErrNotRunning):
		logrus.WithFields(fields).Warn("No route to peer, download parked until reconnect")
		m.finish(key, ProgressFailed, true)
	case m.requeue(key):
		logrus.WithFields(fields).Debug("Could not reach peer, retrying")
	default:
		logrus.WithFields(fields).Warn("Could not reach peer, giving up until reconnect")
		m.finish(key, ProgressFailed, true)
	}
}

// ask sends the resource id and reads the announced length.
func (m *Manager) ask(s *session.Session, id uuid.UUID) (int64, error) {
	if err := s.WriteLine(id.String()); err != nil {
		return 0, err
	}
	line, err := s.ReadLine()
	if err != nil {
		return 0, err
	}
	length, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: length %q", transport.ErrProtocol, line)
	}
	if length < 0 {
		s.SetBusy(false)
		return 0, ErrResourceNotFound
	}
	return length, nil
}

// receive streams length bytes from s into a fresh file in the download dir
// and verifies the checksum when one is known. The partial file is removed
// on failure.
func (m *Manager) receive(ctx context.Context, s *session.Session, key TaskKey, name string, length int64, checksum []byte) (string, error) {
	path, f, err := createDestination(m.cfg.Dir, name)
	if err != nil {
		return "", err
	}
	m.begin(key, path, length)

	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	out := io.MultiWriter(f, h)

	buf := make([]byte, m.cfg.ChunkSize)
	var received int64
	for received < length {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		n := int64(len(buf))
		if remaining := length - received; remaining < n {
			n = remaining
		}
		if _, err = io.ReadFull(s, buf[:n]); err != nil {
			break
		}
		if _, err = out.Write(buf[:n]); err != nil {
			break
		}
		received += n
		m.metrics.FileBytes(metrics.DirectionDownload, int(n))
		m.update(key, float64(received)/float64(length))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && len(checksum) > 0 && !bytes.Equal(checksum, h.Sum(nil)) {
		err = ErrChecksumMismatch
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Serve answers download requests on an accepted file session until it
// closes. The session is busy only while a request is being answered.
func (m *Manager) Serve(s *session.Session) {
	peerID := s.PeerID()
	logrus.WithFields(logrus.Fields{
		"function": "Manager.Serve",
		"session":  s.ID(),
		"peer_id":  peerID,
	}).Debug("Serving file session")

	for {
		line, err := s.ReadLine()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Serve",
				"session":  s.ID(),
				"error":    err.Error(),
			}).Debug("File session ended")
			m.registry.CloseAndNotify(s)
			return
		}
		s.SetBusy(true)
		if err := m.serveOne(s, peerID, line); err != nil {
			logInterrupted(m.context(), logrus.WithFields(logrus.Fields{
				"function": "Manager.Serve",
				"session":  s.ID(),
				"request":  line,
				"error":    err.Error(),
			}), "Upload interrupted", err)
			m.registry.CloseAndNotify(s)
			return
		}
		s.SetBusy(false)
	}
}

// serveOne answers a single request. An error means the session is no
// longer usable.
func (m *Manager) serveOne(s *session.Session, peerID uuid.UUID, line string) error {
	id, err := uuid.Parse(line)
	if err != nil {
		return s.WriteLine(notFoundLength)
	}
	res, ok := m.Resource(id)
	if !ok {
		return s.WriteLine(notFoundLength)
	}
	f, err := os.Open(res.LocalPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Manager.serveOne",
			"resource_id": id,
			"error":       err.Error(),
		}).Warn("Shared file is gone")
		return s.WriteLine(notFoundLength)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return s.WriteLine(notFoundLength)
	}
	length := info.Size()

	key := TaskKey{PeerID: peerID, ResourceID: id}
	m.beginUpload(key, res, length)
	if err := s.WriteLine(strconv.FormatInt(length, 10)); err != nil {
		m.finish(key, ProgressCanceled, false)
		return err
	}

	ctx := m.context()
	buf := make([]byte, m.cfg.ChunkSize)
	var sent int64
	for sent < length {
		n := int64(len(buf))
		if remaining := length - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			m.finish(key, ProgressCanceled, false)
			return fmt.Errorf("read %s: %w", res.LocalPath, err)
		}
		if m.limiter != nil {
			if err := m.limiter.WaitN(ctx, int(n)); err != nil {
				m.finish(key, ProgressCanceled, false)
				return err
			}
		}
		if _, err := s.Write(buf[:n]); err != nil {
			m.finish(key, ProgressCanceled, false)
			return err
		}
		if err := s.Flush(); err != nil {
			m.finish(key, ProgressCanceled, false)
			return err
		}
		sent += n
		m.metrics.FileBytes(metrics.DirectionUpload, int(n))
		m.update(key, float64(sent)/float64(length))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.serveOne",
		"resource_id": id,
		"peer_id":     peerID,
		"size":        length,
	}).Info("Upload complete")
	m.finish(key, 1, false)
	return nil
}

// begin records the destination of a download that is about to stream.
func (m *Manager) begin(key TaskKey, path string, length int64) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Path = path
	t.Size = length
	t.Progress = 0
	snapshot := t.Task
	m.mu.Unlock()
	m.publish(snapshot)
}

func (m *Manager) beginUpload(key TaskKey, res messaging.FileResource, length int64) {
	m.mu.Lock()
	t, ok := m.tasks[key]
	if !ok {
		t = &task{Task: Task{Key: key}}
		m.tasks[key] = t
	}
	t.Name = res.Name
	t.Path = res.LocalPath
	t.Size = length
	t.Progress = 0
	t.Done = false
	snapshot := t.Task
	m.mu.Unlock()
	m.publish(snapshot)
}

// logInterrupted logs a broken transfer. Sessions closed by our own Stop
// are not faults and only show up at debug level.
func logInterrupted(ctx context.Context, entry *logrus.Entry, msg string, err error) {
	if ctx.Err() != nil || errors.Is(err, session.ErrSessionClosed) {
		entry.Debug(msg)
		return
	}
	entry.Warn(msg)
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// track remembers sessions with a download in flight so Stop can cut them.
func (m *Manager) track(s *session.Session, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.active[s] = struct{}{}
	} else {
		delete(m.active, s)
	}
}

// createDestination creates name inside dir, or name(N).ext when taken.
func createDestination(dir, name string) (string, *os.File, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s(%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free name for %s in %s", name, dir)
}
