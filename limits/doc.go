// Package limits provides centralized size constants and validation functions
// for the lanchat wire protocols. Every component that reads untrusted bytes
// from the network checks them against these limits before decoding.
//
// # Size Hierarchy
//
//   - MaxFragmentPayload (1000 bytes): the chunk size a presence record is cut
//     into before it is multicast. A datagram carrying one fragment plus its
//     envelope always fits in MaxDatagram.
//
//   - MaxFragments (512): the largest fragment count a single presence batch
//     may declare. Batches declaring more are discarded on receipt.
//
//   - MaxLineLength (8MB): the longest protocol line a session will accept.
//     Chat messages travel as one base64 line, so this also bounds the size of
//     a thumbnail carried inline.
//
//   - MaxFileNameLength (255 bytes): file names announced by peers are
//     truncated-or-rejected against typical filesystem limits.
//
// # Validation Functions
//
//	if err := limits.ValidateLine(line); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
//	name, err := limits.SanitizeFileName(remoteName)
//	if err != nil {
//	    // ErrDirectoryTraversal or ErrFileNameTooLong
//	}
//
// # Security Considerations
//
// Peers are not authenticated, so a file name received in a chat message is
// reduced to its base name before it is joined with the local download
// directory.
package limits
