// Package limits provides centralized size constants and validation functions
// for the playout pipeline.
//
// # Size Hierarchy
//
//   - MaxPayload (1500 bytes): the largest compressed audio payload carried in
//     one packet. Larger payloads are rejected before they reach a decoder.
//
//   - MaxDatagram (65527 bytes): the largest datagram accepted from the
//     network. The transport drops anything larger without enqueueing it.
//
//   - MaxPacketSamples, MaxChannels, MaxRingSamples: bounds used to size the
//     engine's scratch buffers and the playout ring once, up front, so that
//     nothing on the per-frame path allocates.
//
// # Validation Functions
//
//	err := limits.ValidatePayload(payload)
//	if err != nil {
//	    // ErrEmpty or ErrTooLarge
//	}
//
// For custom limits use ValidateSize:
//
//	err := limits.ValidateSize(data, 4096)
package limits
