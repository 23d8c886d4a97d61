package peer

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Identity describes a chat participant.
type Identity struct {
	ID     uuid.UUID
	Name   string
	Avatar string
}

// NewIdentity creates an Identity with a fresh random id.
func NewIdentity(name, avatar string) Identity {
	return Identity{
		ID:     uuid.New(),
		Name:   name,
		Avatar: avatar,
	}
}

// Equal reports whether two identities carry the same id, name and avatar.
func (i Identity) Equal(other Identity) bool {
	return i.ID == other.ID && i.Name == other.Name && i.Avatar == other.Avatar
}

// IsZero reports whether the identity has never been assigned an id.
func (i Identity) IsZero() bool {
	return i.ID == uuid.Nil
}

func (i Identity) String() string {
	return fmt.Sprintf("%s(%s)", i.Name, i.ID)
}

// Record is a discovered peer.
type Record struct {
	Identity   Identity
	Host       string
	Port       int
	LastActive time.Time
}

// Addr returns the host:port the peer accepts sessions on.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Record) String() string {
	return fmt.Sprintf("%s@%s", r.Identity, r.Addr())
}
