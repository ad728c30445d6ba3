package main

import (
	"bytes"
	"context"
	"flag"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/playout/config"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/metrics"
	"github.com/opd-ai/playout/netsim"
	"github.com/opd-ai/playout/packet"
	"github.com/opd-ai/playout/stream"
)

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "playout.yaml")
	require.NoError(t, os.WriteFile(file, []byte("fileContent"), 0o644))

	tests := []struct {
		configFile, configBody, expected string
	}{
		{"", "", ""},
		{"", "configBody", "configBody"},
		{file, "configBody", "configBody"},
		{file, "", "fileContent"},
	}
	for _, test := range tests {
		body, err := getConfigString(test.configFile, test.configBody)
		require.NoError(t, err)
		require.Equal(t, test.expected, body)
	}

	body, err := getConfigString(filepath.Join(dir, "missing"), "")
	require.Error(t, err)
	require.Empty(t, body)
}

func TestToneGenerator(t *testing.T) {
	g := newToneGenerator(1000, 8000, 2)
	buf := make([]float32, 16)
	g.next(buf)

	assert.Zero(t, buf[0])
	for i := 0; i < len(buf); i += 2 {
		assert.Equal(t, buf[i], buf[i+1], "channels differ at frame %d", i/2)
		assert.LessOrEqual(t, math.Abs(float64(buf[i])), 0.5)
	}
	// 1 kHz at 8 kHz peaks on the third sample frame.
	assert.InDelta(t, 0.5, buf[4], 1e-6)
	assert.Equal(t, uint64(8), g.n)
}

func TestToneConfigValidate(t *testing.T) {
	ok := toneConfig{sampleRate: 16000, channels: 1, packet: 20 * time.Millisecond}
	assert.NoError(t, ok.validate())
	assert.Equal(t, 320, ok.packetSamples())

	big := toneConfig{sampleRate: 48000, channels: 2, packet: 20 * time.Millisecond}
	assert.ErrorContains(t, big.validate(), "datagram budget")
	assert.Error(t, toneConfig{}.validate())
}

type captureSink struct {
	datagrams [][]byte
}

func (s *captureSink) Send(d []byte) error {
	s.datagrams = append(s.datagrams, append([]byte(nil), d...))
	return nil
}

func (s *captureSink) Done() <-chan struct{} { return nil }

func TestServePeerSendsTone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	sink := &captureSink{}
	tone := toneConfig{sampleRate: 8000, channels: 1, packet: 20 * time.Millisecond, frequency: 440}
	require.NoError(t, servePeer(ctx, sink, tone, netsim.Config{Seed: 3}))

	require.GreaterOrEqual(t, len(sink.datagrams), 3)
	first, err := packet.Parse(sink.datagrams[0])
	require.NoError(t, err)
	second, err := packet.Parse(sink.datagrams[1])
	require.NoError(t, err)
	assert.Len(t, first.Payload, 320)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+160, second.Timestamp)
}

func TestRunBenchDelayFollowsJitter(t *testing.T) {
	results, err := runBench(benchConfig{
		jitters: []time.Duration{5 * time.Millisecond, 80 * time.Millisecond},
		delay:   20 * time.Millisecond,
		length:  10 * time.Second,
		seed:    7,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.Equal(t, uint64(1000), r.framesPulled)
		assert.Equal(t, 500, r.packetsSent)
	}
	assert.Equal(t, 20*time.Millisecond, results[0].targetDelay)
	assert.Greater(t, results[1].targetDelay, results[0].targetDelay)

	var out bytes.Buffer
	renderBench(&out, results)
	assert.Contains(t, out.String(), "80ms")
}

func TestRenderStats(t *testing.T) {
	st := stream.Stats{
		Name: "studio",
		Engine: jitter.Stats{
			FramesPulled:    2000,
			ConcealedFrames: 30,
			PacketsDecoded:  1234567,
			TargetDelay:     60 * time.Millisecond,
		},
	}
	var out bytes.Buffer
	renderStats(&out, st, metrics.QualityGood)

	s := out.String()
	assert.Contains(t, s, "studio")
	assert.Contains(t, s, "Good")
	assert.Contains(t, s, "1,234,567")
	assert.Contains(t, s, "1.50%")
	assert.Contains(t, s, "60ms")
}

func TestApplyPlayFlags(t *testing.T) {
	set := flag.NewFlagSet("play", flag.ContinueOnError)
	for _, f := range playFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{
		"--address", "quic://localhost:4433",
		"--codec", "pcm",
		"--sample-rate", "16000",
		"--channels", "1",
		"--insecure",
	}))
	c := cli.NewContext(cli.NewApp(), set, nil)

	conf := config.Default()
	require.NoError(t, applyPlayFlags(c, &conf))
	assert.Equal(t, "quic://localhost:4433", conf.Address)
	assert.Equal(t, "pcm", conf.Audio.Codec)
	assert.Equal(t, uint32(16000), conf.Audio.SampleRate)
	assert.Equal(t, 1, conf.Audio.Channels)
	assert.True(t, conf.Insecure)

	empty := flag.NewFlagSet("play", flag.ContinueOnError)
	for _, f := range playFlags {
		require.NoError(t, f.Apply(empty))
	}
	conf = config.Default()
	assert.ErrorContains(t, applyPlayFlags(cli.NewContext(cli.NewApp(), empty, nil), &conf), "no server address")
}
