package main

import (
	"testing"

	"github.com/opd-ai/playout/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) {
	t.Helper()
	require.Equal(t, 0, int(playout_init()))
	t.Cleanup(playout_shutdown)
}

// TestInitIsIdempotent verifies repeated init keeps the same registry.
func TestInitIsIdempotent(t *testing.T) {
	setup(t)
	r := current()
	require.NotNil(t, r)
	assert.Equal(t, 0, int(playout_init()))
	assert.Same(t, r, current())
	assert.NotNil(t, playout_version())
}

// TestCallsBeforeInit verifies every export reports Closed without a registry.
func TestCallsBeforeInit(t *testing.T) {
	playout_shutdown()

	_, code := streamNew("pcm", 8000, 1, 10, 0)
	assert.Equal(t, host.Closed, code)
	_, code = streamNewYAML([]byte("name: x\n"), 0)
	assert.Equal(t, host.Closed, code)
	assert.Equal(t, int(host.Closed), int(playout_subscribe(1)))
	assert.Equal(t, int(host.Closed), int(playout_stop(1)))
	assert.Equal(t, int(host.Closed), int(playout_stream_free(1)))
	assert.False(t, bool(playout_is_initialized(1)))

	buf := make([]byte, 64)
	n := lastError(0, buf)
	assert.Positive(t, n)
	assert.Contains(t, string(buf), "playout_init")
}

// TestStreamLifecycle drives one manual-pump stream through the exports.
func TestStreamLifecycle(t *testing.T) {
	setup(t)

	h, code := streamNew("pcm", 8000, 1, 10, flagManualPump)
	require.Equal(t, host.OK, code)
	require.Equal(t, host.Handle(1), h)

	assert.False(t, bool(playout_is_initialized(1)))
	require.Equal(t, int(host.OK), int(playout_subscribe(1)))
	assert.True(t, bool(playout_is_initialized(1)))

	assert.Equal(t, int(host.OK), int(playout_pump(1, nil)))
	assert.Equal(t, int(host.InvalidArgument), int(playout_get_stats(1, nil)))
	assert.Equal(t, int(host.InvalidArgument), int(playout_insert_packet(1, 0, 0, nil, 0)))
	assert.Equal(t, int(host.InvalidArgument), int(playout_pull_frame(1, nil, 0, nil)))
	assert.Equal(t, int(host.InvalidArgument), int(playout_get_audio(1, nil, 0, nil)))
	assert.Equal(t, int(host.InvalidArgument), int(playout_send(1, nil, 0)))
	assert.Equal(t, int(host.InvalidURL), int(playout_connect(1, nil)))

	assert.Equal(t, int(host.OK), int(playout_stop(1)))
	assert.False(t, bool(playout_is_initialized(1)))
	assert.Equal(t, int(host.OK), int(playout_stream_free(1)))
	assert.Equal(t, int(host.InvalidHandle), int(playout_stream_free(1)))
	assert.Equal(t, int(host.InvalidHandle), int(playout_subscribe(1)))
}

// TestStreamNewRejects verifies creation errors and their messages.
func TestStreamNewRejects(t *testing.T) {
	setup(t)

	h, code := streamNew("flac", 48000, 2, 10, 0)
	assert.Zero(t, h)
	assert.Equal(t, host.InvalidArgument, code)

	buf := make([]byte, 256)
	n := lastError(0, buf)
	assert.Positive(t, n)
	assert.Contains(t, string(buf[:n]), "flac")

	_, code = streamNewYAML([]byte("jitter:\n  concealment: hope\n"), 0)
	assert.Equal(t, host.InvalidArgument, code)
}

// TestStreamNewYAML verifies a configuration document creates a stream.
func TestStreamNewYAML(t *testing.T) {
	setup(t)

	h, code := streamNewYAML([]byte("name: from-c\naudio:\n  codec: pcm\n  sample_rate: 16000\n  channels: 1\n"), flagManualPump)
	require.Equal(t, host.OK, code)
	stats, code := current().Stats(h)
	require.Equal(t, host.OK, code)
	assert.Equal(t, "from-c", stats.Name)
}

// TestLastErrorTruncates verifies messages are cut to the buffer and stay
// NUL-terminated.
func TestLastErrorTruncates(t *testing.T) {
	setup(t)
	_, code := streamNew("flac", 48000, 2, 10, 0)
	require.Equal(t, host.InvalidArgument, code)

	buf := make([]byte, 8)
	n := lastError(0, buf)
	assert.Greater(t, n, len(buf))
	assert.Equal(t, byte(0), buf[7])

	assert.Positive(t, lastError(0, nil))
}
