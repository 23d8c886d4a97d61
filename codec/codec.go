package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/lanchat/limits"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/peer"
)

// Version is the wire format version written in every header.
const Version byte = 1

// Object tags.
const (
	tagIdentity byte = iota + 1
	tagMessage
	tagPresence
	tagFragment
)

var (
	// ErrUnsupportedVersion is returned for data written by an incompatible encoder.
	ErrUnsupportedVersion = errors.New("unsupported wire version")
	// ErrWrongKind is returned when the header tag is not the expected object.
	ErrWrongKind = errors.New("unexpected object kind")
	// ErrMalformed is returned for truncated or corrupt data.
	ErrMalformed = errors.New("malformed data")
)

// Fragment is one datagram-sized slice of an encoded presence record.
type Fragment struct {
	BatchID uuid.UUID
	Seq     int // 1-based
	Total   int
	Chunk   []byte
}

func header(tag byte, sizeHint int) []byte {
	b := make([]byte, 2, 2+sizeHint)
	b[0] = Version
	b[1] = tag
	return b
}

func checkHeader(data []byte, tag byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	if data[1] != tag {
		return nil, fmt.Errorf("%w: got %d want %d", ErrWrongKind, data[1], tag)
	}
	return data[2:], nil
}

// fieldFunc handles one field; it returns the bytes consumed or a negative
// protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates tagged fields, skipping numbers the handler does not know.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeUUID(typ protowire.Type, b []byte, dst *uuid.UUID) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: uuid field type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	*dst = id
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: string field type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: varint field type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeNested(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: nested field type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, id[:])
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendNested(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// Identity fields.
const (
	identityID     protowire.Number = 1
	identityName   protowire.Number = 2
	identityAvatar protowire.Number = 3
)

func appendIdentityBody(b []byte, id peer.Identity) []byte {
	b = appendUUID(b, identityID, id.ID)
	b = appendString(b, identityName, id.Name)
	return appendString(b, identityAvatar, id.Avatar)
}

func consumeIdentityBody(body []byte) (peer.Identity, error) {
	var id peer.Identity
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case identityID:
			return consumeUUID(typ, b, &id.ID)
		case identityName:
			return consumeString(typ, b, &id.Name)
		case identityAvatar:
			return consumeString(typ, b, &id.Avatar)
		}
		return 0, nil
	})
	if err != nil {
		return peer.Identity{}, err
	}
	if id.IsZero() {
		return peer.Identity{}, fmt.Errorf("%w: identity without id", ErrMalformed)
	}
	return id, nil
}

// EncodeIdentity serializes an Identity.
func EncodeIdentity(id peer.Identity) []byte {
	return appendIdentityBody(header(tagIdentity, 32+len(id.Name)+len(id.Avatar)), id)
}

// DecodeIdentity parses the output of EncodeIdentity.
func DecodeIdentity(data []byte) (peer.Identity, error) {
	body, err := checkHeader(data, tagIdentity)
	if err != nil {
		return peer.Identity{}, err
	}
	return consumeIdentityBody(body)
}

// FileResource fields.
const (
	resourceID       protowire.Number = 1
	resourceName     protowire.Number = 2
	resourceSize     protowire.Number = 3
	resourceCategory protowire.Number = 4
	resourceChecksum protowire.Number = 5
)

func appendResourceBody(b []byte, r *messaging.FileResource) []byte {
	b = appendUUID(b, resourceID, r.ID)
	b = appendString(b, resourceName, r.Name)
	b = appendVarint(b, resourceSize, uint64(r.Size))
	b = appendVarint(b, resourceCategory, uint64(r.Category))
	if len(r.Checksum) > 0 {
		b = protowire.AppendTag(b, resourceChecksum, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Checksum)
	}
	return b
}

func consumeResourceBody(body []byte) (*messaging.FileResource, error) {
	r := &messaging.FileResource{}
	var size, category uint64
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case resourceID:
			return consumeUUID(typ, b, &r.ID)
		case resourceName:
			return consumeString(typ, b, &r.Name)
		case resourceSize:
			return consumeVarint(typ, b, &size)
		case resourceCategory:
			return consumeVarint(typ, b, &category)
		case resourceChecksum:
			var sum []byte
			n, err := consumeNested(typ, b, &sum)
			if n > 0 {
				r.Checksum = append([]byte(nil), sum...)
			}
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("%w: file size overflow", ErrMalformed)
	}
	r.Size = int64(size)
	r.Category = messaging.Category(category)
	return r, nil
}

// Message fields.
const (
	messageID          protowire.Number = 1
	messageKind        protowire.Number = 2
	messageText        protowire.Number = 3
	messageThumbnail   protowire.Number = 4
	messageImageWidth  protowire.Number = 5
	messageImageHeight protowire.Number = 6
	messageFile        protowire.Number = 7
	messageCreatedAt   protowire.Number = 8
)

// EncodeMessage serializes the content fields of a message.
func EncodeMessage(m messaging.Message) []byte {
	b := header(tagMessage, 64+len(m.Text)+len(m.Thumbnail))
	b = appendUUID(b, messageID, m.ID)
	b = appendVarint(b, messageKind, uint64(m.Kind))
	b = appendString(b, messageText, m.Text)
	b = appendString(b, messageThumbnail, m.Thumbnail)
	b = protowire.AppendTag(b, messageImageWidth, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.ImageWidth))
	b = protowire.AppendTag(b, messageImageHeight, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(m.ImageHeight))
	if m.File != nil {
		b = appendNested(b, messageFile, appendResourceBody(nil, m.File))
	}
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, messageCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	return b
}

// DecodeMessage parses the output of EncodeMessage. The local view fields of
// the result are zero.
func DecodeMessage(data []byte) (messaging.Message, error) {
	body, err := checkHeader(data, tagMessage)
	if err != nil {
		return messaging.Message{}, err
	}

	var m messaging.Message
	var kind uint64
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case messageID:
			return consumeUUID(typ, b, &m.ID)
		case messageKind:
			return consumeVarint(typ, b, &kind)
		case messageText:
			return consumeString(typ, b, &m.Text)
		case messageThumbnail:
			return consumeString(typ, b, &m.Thumbnail)
		case messageImageWidth, messageImageHeight:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("%w: image size field type %d", ErrMalformed, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n >= 0 {
				if num == messageImageWidth {
					m.ImageWidth = math.Float64frombits(v)
				} else {
					m.ImageHeight = math.Float64frombits(v)
				}
			}
			return n, nil
		case messageFile:
			var nested []byte
			n, err := consumeNested(typ, b, &nested)
			if err != nil || n < 0 {
				return n, err
			}
			res, err := consumeResourceBody(nested)
			if err != nil {
				return 0, err
			}
			m.File = res
			return n, nil
		case messageCreatedAt:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			if err == nil && n >= 0 {
				m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
			}
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return messaging.Message{}, err
	}
	if m.ID == uuid.Nil {
		return messaging.Message{}, fmt.Errorf("%w: message without id", ErrMalformed)
	}
	m.Kind = messaging.Kind(kind)
	switch m.Kind {
	case messaging.KindText:
	case messaging.KindImage, messaging.KindFile:
		if m.File == nil {
			return messaging.Message{}, fmt.Errorf("%w: %s message without file", ErrMalformed, m.Kind)
		}
	default:
		return messaging.Message{}, fmt.Errorf("%w: message kind %d", ErrMalformed, kind)
	}
	return m, nil
}

// Presence fields.
const (
	presenceIdentity protowire.Number = 1
	presencePort     protowire.Number = 2
)

// EncodePresence serializes and compresses the identity and port of a record.
func EncodePresence(r peer.Record) []byte {
	body := appendNested(nil, presenceIdentity, appendIdentityBody(nil, r.Identity))
	body = appendVarint(body, presencePort, uint64(r.Port))
	compressed := s2.Encode(nil, body)
	return append(header(tagPresence, len(compressed)), compressed...)
}

// DecodePresence parses the output of EncodePresence. Host and LastActive of
// the result are left for the receiver to fill in.
func DecodePresence(data []byte) (peer.Record, error) {
	compressed, err := checkHeader(data, tagPresence)
	if err != nil {
		return peer.Record{}, err
	}
	size, err := s2.DecodedLen(compressed)
	if err != nil {
		return peer.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if size > limits.MaxLineLength {
		return peer.Record{}, fmt.Errorf("%w: presence body %d bytes", limits.ErrMessageTooLarge, size)
	}
	body, err := s2.Decode(nil, compressed)
	if err != nil {
		return peer.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var r peer.Record
	var port uint64
	var haveIdentity bool
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case presenceIdentity:
			var nested []byte
			n, err := consumeNested(typ, b, &nested)
			if err != nil || n < 0 {
				return n, err
			}
			id, err := consumeIdentityBody(nested)
			if err != nil {
				return 0, err
			}
			r.Identity = id
			haveIdentity = true
			return n, nil
		case presencePort:
			return consumeVarint(typ, b, &port)
		}
		return 0, nil
	})
	if err != nil {
		return peer.Record{}, err
	}
	if !haveIdentity {
		return peer.Record{}, fmt.Errorf("%w: presence without identity", ErrMalformed)
	}
	if port == 0 || port > math.MaxUint16 {
		return peer.Record{}, fmt.Errorf("%w: presence port %d", ErrMalformed, port)
	}
	r.Port = int(port)
	return r, nil
}

// Fragment fields.
const (
	fragmentBatch protowire.Number = 1
	fragmentSeq   protowire.Number = 2
	fragmentTotal protowire.Number = 3
	fragmentChunk protowire.Number = 4
)

// EncodeFragment serializes one fragment envelope.
func EncodeFragment(f Fragment) []byte {
	b := header(tagFragment, 32+len(f.Chunk))
	b = appendUUID(b, fragmentBatch, f.BatchID)
	b = appendVarint(b, fragmentSeq, uint64(f.Seq))
	b = appendVarint(b, fragmentTotal, uint64(f.Total))
	b = protowire.AppendTag(b, fragmentChunk, protowire.BytesType)
	return protowire.AppendBytes(b, f.Chunk)
}

// DecodeFragment parses the output of EncodeFragment and validates the
// sequence numbers.
func DecodeFragment(data []byte) (Fragment, error) {
	body, err := checkHeader(data, tagFragment)
	if err != nil {
		return Fragment{}, err
	}

	var f Fragment
	var seq, total uint64
	err = walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fragmentBatch:
			return consumeUUID(typ, b, &f.BatchID)
		case fragmentSeq:
			return consumeVarint(typ, b, &seq)
		case fragmentTotal:
			return consumeVarint(typ, b, &total)
		case fragmentChunk:
			var chunk []byte
			n, err := consumeNested(typ, b, &chunk)
			if n >= 0 {
				f.Chunk = append([]byte(nil), chunk...)
			}
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return Fragment{}, err
	}
	if err := limits.ValidateFragmentCount(int(min(total, limits.MaxFragments+1))); err != nil {
		return Fragment{}, err
	}
	if seq == 0 || seq > total {
		return Fragment{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, seq, total)
	}
	f.Seq = int(seq)
	f.Total = int(total)
	return f, nil
}

// EncodeLine frames encoded bytes as a newline-free text line.
func EncodeLine(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeLine reverses EncodeLine.
func DecodeLine(line string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}
