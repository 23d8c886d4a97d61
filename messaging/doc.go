// Package messaging provides the chat message model and the in-memory
// per-peer message log.
//
// # Overview
//
// A [Message] is created by its sender with a fresh id that never changes.
// Only the content fields (kind, text, thumbnail, image size, file reference,
// creation time) travel over the wire; the local view fields (peer context,
// sender, delivery state, "is mine") are filled in by whichever node holds
// the copy.
//
// Delivery states move from [StateSending] to either [StateOK] or
// [StateFailed]. A failed message may be sent again with the same id, which
// puts it back into [StateSending].
//
// # Message Log
//
// [Log] keeps the history of every peer, keyed by message id, so a message
// appears at most once per peer no matter how often it is updated or
// retransmitted:
//
//	log := messaging.NewLog()
//	log.Append(peerID, msg)      // true: new entry
//	msg.State = messaging.StateOK
//	log.Update(peerID, msg)      // replaces the entry in place
//	history := log.History(peerID)
//
// # Thread Safety
//
// Log methods are safe for concurrent use. Messages are values; callers get
// copies and may mutate them freely.
package messaging
