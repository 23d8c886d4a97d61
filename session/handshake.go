package session

// Handshake lines. The initiator sends the session tag first, then the peer
// id and any kind-specific fields, one per line; the acceptor answers with a
// single status line.
const (
	TagChat  = "CHAT"
	TagFile  = "FILE"
	ReplyOK  = "OK"
	ReplyErr = "ERR"
)

// KindForTag maps a handshake tag to a session kind.
func KindForTag(tag string) (Kind, bool) {
	switch tag {
	case TagChat:
		return KindChat, true
	case TagFile:
		return KindFile, true
	}
	return 0, false
}

// Tag returns the handshake tag announcing this kind.
func (k Kind) Tag() string {
	if k == KindChat {
		return TagChat
	}
	return TagFile
}
