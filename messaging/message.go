// Package messaging implements the chat message model and history log.
//
// Example:
//
//	msg := messaging.NewText("Hello, world!")
//	log.Append(peerID, msg)
package messaging

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/lanchat/peer"
)

// Kind represents the type of message content.
type Kind uint8

const (
	// KindText is a plain text message.
	KindText Kind = iota + 1
	// KindImage references an image file with an optional inline thumbnail.
	KindImage
	// KindFile references an arbitrary file.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State represents the delivery state of a message.
type State uint8

const (
	// StateSending means the message is queued or being written.
	StateSending State = iota + 1
	// StateOK means the message was written to the peer (or received from it).
	StateOK
	// StateFailed means the session died before the message was written.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateOK:
		return "ok"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Category classifies a shared file.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryImage
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

// CategoryOf classifies a file by its extension.
func CategoryOf(name string) Category {
	if imageExtensions[strings.ToLower(filepath.Ext(name))] {
		return CategoryImage
	}
	return CategoryOther
}

// FileResource describes a file attached to a message. It is immutable once
// created; LocalPath is only meaningful on the node that shared the file.
type FileResource struct {
	ID        uuid.UUID
	Name      string
	Size      int64
	Category  Category
	Checksum  []byte
	LocalPath string
}

// Message is one chat message.
type Message struct {
	ID          uuid.UUID
	Kind        Kind
	Text        string
	Thumbnail   string
	ImageWidth  float64
	ImageHeight float64
	File        *FileResource
	CreatedAt   time.Time

	// Local view, never transmitted.
	PeerID uuid.UUID
	Sender peer.Identity
	State  State
	Mine   bool
}

func newMessage(kind Kind) Message {
	return Message{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now().Round(0),
		Mine:      true,
	}
}

// NewText creates an outgoing text message.
func NewText(text string) Message {
	m := newMessage(KindText)
	m.Text = text
	return m
}

// NewImage creates an outgoing image message. Thumbnail and dimensions are
// produced by the caller; zero values mean "unknown".
func NewImage(res FileResource, thumbnail string, width, height float64) Message {
	m := newMessage(KindImage)
	m.File = &res
	m.Thumbnail = thumbnail
	m.ImageWidth = width
	m.ImageHeight = height
	return m
}

// NewFile creates an outgoing file-reference message.
func NewFile(res FileResource) Message {
	m := newMessage(KindFile)
	m.File = &res
	m.ImageWidth = -1
	m.ImageHeight = -1
	return m
}

// NewAttachment picks NewImage or NewFile from the resource category.
func NewAttachment(res FileResource) Message {
	if res.Category == CategoryImage {
		return NewImage(res, "", -1, -1)
	}
	return NewFile(res)
}

func (m Message) String() string {
	switch m.Kind {
	case KindText:
		return fmt.Sprintf("message %s [%s] %q", m.ID, m.State, m.Text)
	default:
		name := ""
		if m.File != nil {
			name = m.File.Name
		}
		return fmt.Sprintf("message %s [%s] %s %q", m.ID, m.State, m.Kind, name)
	}
}
