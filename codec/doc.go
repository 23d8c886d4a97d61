// Package codec turns lanchat objects into bytes and back.
//
// # Format
//
// Every encoded object starts with a two byte header, the format version and
// an object tag, followed by protobuf-style tagged fields written with
// google.golang.org/protobuf/encoding/protowire:
//
//	[version=1][tag][field...]
//
// Tags: 1 Identity, 2 Message, 3 Presence, 4 Fragment. Unknown fields are
// skipped on decode, so a newer peer may add fields without breaking older
// ones. A version mismatch is rejected with ErrUnsupportedVersion; the decoded
// tag must match the requested object or ErrWrongKind is returned.
//
// Presence bodies are compressed with S2 (github.com/klauspost/compress/s2)
// before the header is prepended, because avatars make them large enough to
// need several datagrams.
//
// Only the content of a message is encoded. The local view (peer context,
// sender, delivery state, "is mine") is reconstructed by the receiver, and a
// FileResource's LocalPath never leaves the sharing node. Likewise a presence
// record carries identity and port; host and last-active time are filled in
// from the datagram that delivered it.
//
// # Line Framing
//
// Chat sessions carry one encoded message per text line. EncodeLine and
// DecodeLine wrap bytes in standard base64 so they never contain a newline.
package codec
