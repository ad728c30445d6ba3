// Package main provides the C API of the playout library, so native audio
// hosts can receive, de-jitter and play QUIC datagram audio streams.
//
// # Overview
//
// Streams are referenced by opaque 64-bit handles. Every call returns a
// PLAYOUT_ERR code whose values match host.Code; a failed call records a
// message retrievable with playout_last_error. There are no callbacks:
// the host either lets the library pump audio into the playout ring and
// reads it from its audio callback, or drives the pump itself.
//
// # Build Instructions
//
// To build as a C shared library:
//
//	go build -buildmode=c-shared -o libplayout.so ./capi/
//
// This generates:
//   - libplayout.so: The shared library
//   - libplayout.h: Auto-generated C header file with function declarations
//
// # C API Usage
//
//	#include "libplayout.h"
//
//	playout_init();
//
//	PLAYOUT_ERR err;
//	uint64_t s = playout_stream_new("opus", 48000, 2, 10, 0, &err);
//	if (err != PLAYOUT_OK) {
//	    char msg[256];
//	    playout_last_error(0, msg, sizeof msg);
//	    fprintf(stderr, "create failed: %s\n", msg);
//	    return 1;
//	}
//	if (playout_connect(s, "quic://media.example.com:4433") != PLAYOUT_OK ||
//	    playout_subscribe(s) != PLAYOUT_OK) {
//	    ...
//	}
//
//	// From the audio device callback:
//	size_t got;
//	playout_get_audio(s, out, frames * 2, &got);
//
//	playout_stop(s);
//	playout_stream_free(s);
//	playout_shutdown();
//
// # Manual Pumping
//
// Creating a stream with PLAYOUT_FLAG_MANUAL_PUMP disables the background
// pump. The host then calls playout_pump to move queued datagrams into the
// ring, or playout_insert_packet and playout_pull_frame to bypass both the
// transport and the ring.
//
// # Thread Safety
//
// All functions are safe to call from any thread. playout_get_audio must be
// called from a single audio thread per stream; it never blocks and never
// allocates.
//
// # Files
//
//   - playout_c.go: Registry lifecycle, exports and conversions
//   - doc.go: This documentation file
package main
