package main

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

typedef enum PLAYOUT_ERR {
    PLAYOUT_OK = 0,
    PLAYOUT_ERR_CONNECTION = 1,
    PLAYOUT_ERR_TLS = 2,
    PLAYOUT_ERR_STREAM = 3,
    PLAYOUT_ERR_INVALID_URL = 4,
    PLAYOUT_ERR_RUNTIME = 5,
    PLAYOUT_ERR_CERTIFICATE = 6,
    PLAYOUT_ERR_CLIENT = 7,
    PLAYOUT_ERR_QUEUE = 8,
    PLAYOUT_ERR_NOT_READY = 9,
    PLAYOUT_ERR_INVALID_HANDLE = 10,
    PLAYOUT_ERR_CLOSED = 11,
    PLAYOUT_ERR_INVALID_ARGUMENT = 12,
} PLAYOUT_ERR;

#define PLAYOUT_FLAG_MANUAL_PUMP 1u

typedef struct playout_stats {
    uint64_t packets_received;
    uint64_t packets_decoded;
    uint64_t late_packets;
    uint64_t duplicate_packets;
    uint64_t frames_pulled;
    uint64_t concealed_frames;
    uint64_t concealed_samples;
    uint64_t ring_underruns;
    uint64_t ring_overruns;
    uint64_t queue_overflows;
    uint64_t malformed_datagrams;
    uint32_t target_delay_ms;
    uint32_t buffer_level_ms;
    uint32_t ring_fill;
    uint32_t queue_depth;
} playout_stats;
*/
import "C"

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/opd-ai/playout/host"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/stream"
	"github.com/sirupsen/logrus"
)

// This is the main package required for building as c-shared
func main() {}

const flagManualPump = 1

// The registry exists between playout_init and playout_shutdown.
var (
	registry   *host.Registry
	registryMu sync.RWMutex
	version    = C.CString(host.Version)
)

func current() *host.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

func initRegistry() host.Code {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry == nil {
		registry = host.NewRegistry()
		logrus.WithFields(logrus.Fields{
			"function": "playout_init",
			"version":  host.Version,
		}).Info("Playout library initialized")
	}
	return host.OK
}

func shutdownRegistry() {
	registryMu.Lock()
	r := registry
	registry = nil
	registryMu.Unlock()
	if r != nil {
		r.Shutdown()
	}
}

func setErr(ptr *C.PLAYOUT_ERR, code host.Code) {
	if ptr != nil {
		*ptr = C.PLAYOUT_ERR(code)
	}
}

// streamNew builds a stream from format parameters.
func streamNew(codecName string, sampleRate uint32, channels, frameMs int, flags uint32) (host.Handle, host.Code) {
	r := current()
	if r == nil {
		return 0, host.Closed
	}
	cfg := stream.Config{
		Jitter: jitter.Config{
			SampleRate:    sampleRate,
			Channels:      channels,
			FrameDuration: time.Duration(frameMs) * time.Millisecond,
		},
	}
	if flags&flagManualPump != 0 {
		cfg.PumpInterval = -1
	}
	return r.Create(cfg, codecName)
}

// streamNewYAML builds a stream from a configuration document.
func streamNewYAML(doc []byte, flags uint32) (host.Handle, host.Code) {
	r := current()
	if r == nil {
		return 0, host.Closed
	}
	return r.CreateFromYAML(doc, flags&flagManualPump != 0)
}

func lookup(h C.uint64_t) (*host.Registry, host.Handle, host.Code) {
	r := current()
	if r == nil {
		return nil, 0, host.Closed
	}
	return r, host.Handle(h), host.OK
}

func fillStats(out *C.playout_stats, s stream.Stats) {
	e := s.Engine
	out.packets_received = C.uint64_t(e.PacketsReceived)
	out.packets_decoded = C.uint64_t(e.PacketsDecoded)
	out.late_packets = C.uint64_t(e.LatePackets)
	out.duplicate_packets = C.uint64_t(e.DuplicatePackets)
	out.frames_pulled = C.uint64_t(e.FramesPulled)
	out.concealed_frames = C.uint64_t(e.ConcealedFrames)
	out.concealed_samples = C.uint64_t(e.ConcealedSamples)
	out.ring_underruns = C.uint64_t(s.Ring.Underruns)
	out.ring_overruns = C.uint64_t(s.Ring.Overruns)
	out.queue_overflows = C.uint64_t(s.Queue.Overflows)
	out.malformed_datagrams = C.uint64_t(s.MalformedDatagrams)
	out.target_delay_ms = C.uint32_t(e.TargetDelay.Milliseconds())
	out.buffer_level_ms = C.uint32_t(e.BufferLevel.Milliseconds())
	out.ring_fill = C.uint32_t(s.Ring.Fill)
	out.queue_depth = C.uint32_t(s.Queue.Depth)
}

// lastError copies the message for h into buf, NUL-terminated and
// truncated to fit, and returns the full message length.
func lastError(h host.Handle, buf []byte) int {
	var msg string
	if r := current(); r != nil {
		msg = r.LastError(h)
	} else {
		msg = "library not initialized (call playout_init first)"
	}
	if len(buf) > 0 {
		n := copy(buf[:len(buf)-1], msg)
		buf[n] = 0
	}
	return len(msg)
}

//export playout_init
func playout_init() C.int {
	return C.int(initRegistry())
}

//export playout_shutdown
func playout_shutdown() {
	shutdownRegistry()
}

//export playout_version
func playout_version() *C.char {
	return version
}

//export playout_stream_new
func playout_stream_new(codec *C.char, sample_rate C.uint32_t, channels C.int, frame_ms C.int, flags C.uint32_t, error_ptr *C.PLAYOUT_ERR) C.uint64_t {
	if codec == nil {
		setErr(error_ptr, host.InvalidArgument)
		return 0
	}
	h, code := streamNew(C.GoString(codec), uint32(sample_rate), int(channels), int(frame_ms), uint32(flags))
	setErr(error_ptr, code)
	return C.uint64_t(h)
}

//export playout_stream_new_yaml
func playout_stream_new_yaml(doc *C.char, length C.size_t, flags C.uint32_t, error_ptr *C.PLAYOUT_ERR) C.uint64_t {
	if doc == nil {
		setErr(error_ptr, host.InvalidArgument)
		return 0
	}
	h, code := streamNewYAML(C.GoBytes(unsafe.Pointer(doc), C.int(length)), uint32(flags))
	setErr(error_ptr, code)
	return C.uint64_t(h)
}

//export playout_stream_free
func playout_stream_free(stream C.uint64_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	return C.int(r.Destroy(h))
}

//export playout_connect
func playout_connect(stream C.uint64_t, address *C.char) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if address == nil {
		return C.int(host.InvalidURL)
	}
	return C.int(r.Connect(context.Background(), h, C.GoString(address)))
}

//export playout_send
func playout_send(stream C.uint64_t, data *C.uint8_t, length C.size_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if data == nil || length == 0 {
		return C.int(host.InvalidArgument)
	}
	return C.int(r.Send(h, C.GoBytes(unsafe.Pointer(data), C.int(length))))
}

//export playout_subscribe
func playout_subscribe(stream C.uint64_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	return C.int(r.Subscribe(context.Background(), h))
}

//export playout_pump
func playout_pump(stream C.uint64_t, frames *C.int) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	n, code := r.Pump(h)
	if frames != nil {
		*frames = C.int(n)
	}
	return C.int(code)
}

//export playout_insert_packet
func playout_insert_packet(stream C.uint64_t, seq C.uint16_t, timestamp C.uint32_t, payload *C.uint8_t, length C.size_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if payload == nil || length == 0 {
		return C.int(host.InvalidArgument)
	}
	// The engine keeps the payload, so it is copied out of C memory.
	p := C.GoBytes(unsafe.Pointer(payload), C.int(length))
	return C.int(r.InsertPacket(h, uint16(seq), uint32(timestamp), p))
}

//export playout_pull_frame
func playout_pull_frame(stream C.uint64_t, out *C.float, capacity C.size_t, written *C.size_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if out == nil {
		return C.int(host.InvalidArgument)
	}
	dst := unsafe.Slice((*float32)(unsafe.Pointer(out)), int(capacity))
	n, code := r.PullFrame(h, dst)
	if written != nil {
		*written = C.size_t(n)
	}
	return C.int(code)
}

//export playout_get_audio
func playout_get_audio(stream C.uint64_t, out *C.float, count C.size_t, read *C.size_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if out == nil {
		return C.int(host.InvalidArgument)
	}
	dst := unsafe.Slice((*float32)(unsafe.Pointer(out)), int(count))
	n, code := r.GetAudio(h, dst)
	if read != nil {
		*read = C.size_t(n)
	}
	return C.int(code)
}

//export playout_stop
func playout_stop(stream C.uint64_t) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	return C.int(r.Stop(h))
}

//export playout_is_initialized
func playout_is_initialized(stream C.uint64_t) C.bool {
	r, h, code := lookup(stream)
	if code != host.OK {
		return false
	}
	return C.bool(r.IsInitialized(h))
}

//export playout_get_stats
func playout_get_stats(stream C.uint64_t, out *C.playout_stats) C.int {
	r, h, code := lookup(stream)
	if code != host.OK {
		return C.int(code)
	}
	if out == nil {
		return C.int(host.InvalidArgument)
	}
	s, code := r.Stats(h)
	if code == host.OK {
		fillStats(out, s)
	}
	return C.int(code)
}

//export playout_last_error
func playout_last_error(stream C.uint64_t, buf *C.char, size C.size_t) C.size_t {
	var dst []byte
	if buf != nil && size > 0 {
		dst = unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(size))
	}
	return C.size_t(lastError(host.Handle(stream), dst))
}
