// Package limits provides centralized size limits for the lanchat protocols.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// MaxFragmentPayload is the default number of presence payload bytes carried per datagram.
	MaxFragmentPayload = 1000

	// MaxDatagram is the receive buffer size for presence datagrams.
	// Envelope overhead (batch id, sequence numbers, tags) is far below the slack.
	MaxDatagram = 2 * MaxFragmentPayload

	// MaxFragments bounds the fragment count one presence batch may declare.
	MaxFragments = 512

	// MaxLineLength is the longest protocol line accepted on a session.
	MaxLineLength = 8 * 1024 * 1024

	// MaxFileNameLength is the maximum allowed file name length in bytes.
	MaxFileNameLength = 255

	// MaxChunkSize is the largest file streaming chunk a node will use.
	MaxChunkSize = 64 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrDirectoryTraversal indicates a file name that tries to escape its directory.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")

	// ErrFileNameTooLong indicates that a file name exceeds MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateLine validates a protocol line against MaxLineLength.
func ValidateLine(line string) error {
	if len(line) == 0 {
		return ErrMessageEmpty
	}
	if len(line) > MaxLineLength {
		return fmt.Errorf("%w: line length %d exceeds limit %d", ErrMessageTooLarge, len(line), MaxLineLength)
	}
	return nil
}

// ValidateDatagram validates a received presence datagram against MaxDatagram.
func ValidateDatagram(data []byte) error {
	return ValidateMessageSize(data, MaxDatagram)
}

// ValidateFragmentCount checks a declared fragment total.
func ValidateFragmentCount(total int) error {
	if total <= 0 {
		return fmt.Errorf("%w: fragment total %d", ErrMessageEmpty, total)
	}
	if total > MaxFragments {
		return fmt.Errorf("%w: fragment total %d exceeds limit %d", ErrMessageTooLarge, total, MaxFragments)
	}
	return nil
}

// SanitizeFileName reduces a peer-supplied file name to a safe base name.
// Names that are empty after cleaning, or that only consist of traversal
// components, are rejected.
func SanitizeFileName(name string) (string, error) {
	// Peers may run on another OS; treat both separators as separators.
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", ErrDirectoryTraversal
	}
	if strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: NUL in file name", ErrDirectoryTraversal)
	}
	if len(base) > MaxFileNameLength {
		return "", fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileNameTooLong, len(base), MaxFileNameLength)
	}
	return base, nil
}
