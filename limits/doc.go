// Package limits provides centralized message content constants and
// validation functions for the conversation engine. This package ensures
// consistent content enforcement across all components of the engine.
//
// # Limit Hierarchy
//
// The package defines limits that support different stages of message
// processing:
//
//   - MaxMessageRunes (2000 runes): The limit for user-visible message
//     content, matching the server-side validation so a rejected send can
//     be reported before any network round trip.
//
//   - MaxMessageBytes (16 KiB): The absolute byte ceiling applied to any
//     content that crosses the transport channel, protecting against
//     memory exhaustion from malformed push payloads.
//
//   - MaxPreviewRunes (120 runes): The truncation length for last-message
//     previews shown in the conversation directory.
//
// # Usage
//
// Validate outgoing content in the composer before creating an optimistic
// entry:
//
//	if err := limits.ValidateContent(text); err != nil {
//	    // surface to the user, nothing was sent
//	}
//
// Validate incoming content at every ingestion boundary:
//
//	if err := limits.ValidateIncoming(msg.Content); err != nil {
//	    // drop the payload
//	}
package limits
