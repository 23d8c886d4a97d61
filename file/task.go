package file

import (
	"fmt"

	"github.com/google/uuid"
)

// Progress sentinels. Any other progress value is a fraction in [0, 1].
const (
	ProgressFailed   = -1.0
	ProgressCanceled = -2.0
	ProgressIdle     = -3.0
)

// TaskKey identifies a transfer. There is never more than one task per key.
type TaskKey struct {
	Download   bool
	PeerID     uuid.UUID
	ResourceID uuid.UUID
}

func (k TaskKey) String() string {
	dir := "upload"
	if k.Download {
		dir = "download"
	}
	return fmt.Sprintf("%s:%s:%s", dir, k.PeerID, k.ResourceID)
}

// Task is a snapshot of one transfer.
type Task struct {
	Key      TaskKey
	Name     string
	Size     int64
	Progress float64
	Done     bool
	// Path is the local file: the destination for downloads, the shared
	// file for uploads.
	Path string
}

// Idle reports whether the task is queued and has not moved a byte yet.
func (t Task) Idle() bool { return t.Progress == ProgressIdle }

// Failed reports whether the task ended in FAILED.
func (t Task) Failed() bool { return t.Progress == ProgressFailed }

// Canceled reports whether the task ended in CANCELED.
func (t Task) Canceled() bool { return t.Progress == ProgressCanceled }

// Active reports whether bytes are flowing.
func (t Task) Active() bool { return !t.Done && t.Progress >= 0 }

// Finished reports whether the task reached a terminal state.
func (t Task) Finished() bool { return t.Done || t.Failed() || t.Canceled() }

// Status renders the progress for display.
func (t Task) Status() string {
	switch {
	case t.Done:
		return "done"
	case t.Idle():
		return "idle"
	case t.Failed():
		return "failed"
	case t.Canceled():
		return "canceled"
	default:
		return fmt.Sprintf("%.1f%%", t.Progress*100)
	}
}

// task is the mutable record behind a Task.
type task struct {
	Task
	checksum []byte
	attempts int
}
