package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/playout/certs"
	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/netsim"
	"github.com/opd-ai/playout/packet"
	"github.com/opd-ai/playout/transport"
)

// maxServePayload keeps PCM datagrams under the QUIC datagram size limit.
const maxServePayload = 1100

var serveFlags = []cli.Flag{
	&cli.StringFlag{Name: "listen", Value: "127.0.0.1:4433", Usage: "UDP address to listen on"},
	&cli.StringFlag{Name: "ca-out", Value: "playout-ca.pem", Usage: "where to write the server certificate for clients to trust"},
	&cli.StringSliceFlag{Name: "host", Usage: "extra certificate host names, use flag multiple times"},
	&cli.UintFlag{Name: "sample-rate", Value: 16000, Usage: "tone sample rate in Hz"},
	&cli.IntFlag{Name: "channels", Value: 1, Usage: "tone channel count"},
	&cli.IntFlag{Name: "packet-ms", Value: 20, Usage: "audio per datagram in milliseconds"},
	&cli.Float64Flag{Name: "frequency", Value: 440, Usage: "tone frequency in Hz"},
	&cli.DurationFlag{Name: "delay", Value: 20 * time.Millisecond, Usage: "simulated base delay"},
	&cli.DurationFlag{Name: "jitter", Usage: "simulated uniform jitter"},
	&cli.Float64Flag{Name: "loss", Usage: "simulated loss probability"},
	&cli.Float64Flag{Name: "duplicate", Usage: "simulated duplication probability"},
	&cli.Float64Flag{Name: "reorder", Usage: "probability a datagram is held back"},
	&cli.DurationFlag{Name: "reorder-delay", Value: 30 * time.Millisecond, Usage: "extra delay of held back datagrams"},
	&cli.Int64Flag{Name: "seed", Value: 1, Usage: "simulation seed"},
}

type toneConfig struct {
	sampleRate uint32
	channels   int
	packet     time.Duration
	frequency  float64
}

func (t toneConfig) packetSamples() int {
	return int(int64(t.sampleRate) * int64(t.packet) / int64(time.Second))
}

func (t toneConfig) validate() error {
	if t.sampleRate == 0 || t.channels < 1 || t.packet <= 0 {
		return errors.New("sample rate, channels and packet duration must be positive")
	}
	if size := 2 * t.packetSamples() * t.channels; size > maxServePayload {
		return fmt.Errorf("a %v packet at %d Hz x %d is %d bytes of PCM, above the %d byte datagram budget; lower --packet-ms or --sample-rate",
			t.packet, t.sampleRate, t.channels, size, maxServePayload)
	}
	return nil
}

func serve(c *cli.Context) error {
	if _, err := getConfig(c); err != nil {
		return err
	}

	tone := toneConfig{
		sampleRate: uint32(c.Uint("sample-rate")),
		channels:   c.Int("channels"),
		packet:     time.Duration(c.Int("packet-ms")) * time.Millisecond,
		frequency:  c.Float64("frequency"),
	}
	if err := tone.validate(); err != nil {
		return err
	}
	sim := netsim.Config{
		Delay:        c.Duration("delay"),
		Jitter:       c.Duration("jitter"),
		Loss:         c.Float64("loss"),
		Duplicate:    c.Float64("duplicate"),
		Reorder:      c.Float64("reorder"),
		ReorderDelay: c.Duration("reorder-delay"),
		Seed:         c.Int64("seed"),
	}
	if err := sim.Validate(); err != nil {
		return err
	}

	bundle, err := certs.Generate(0, c.StringSlice("host")...)
	if err != nil {
		return err
	}
	if path := c.String("ca-out"); path != "" {
		if err := os.WriteFile(path, bundle.CertPEM(), 0o644); err != nil {
			return fmt.Errorf("write certificate: %w", err)
		}
	}

	srv, err := transport.Listen(c.String("listen"), bundle.ServerTLS())
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Printf("serving %v Hz tone on quic://%s\n", tone.frequency, srv.Addr())
	fmt.Printf("play with: playout play --address quic://%s --ca-file %s --codec pcm --sample-rate %d --channels %d --packet-ms %d\n",
		srv.Addr(), c.String("ca-out"), tone.sampleRate, tone.channels, tone.packet.Milliseconds())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			peer, err := srv.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"peer":     peer.RemoteAddr().String(),
			}).Info("Client connected")

			g.Go(func() error {
				defer peer.Close()
				err := servePeer(gctx, peer, tone, sim)
				logrus.WithFields(logrus.Fields{
					"function": "serve",
					"peer":     peer.RemoteAddr().String(),
				}).Info("Client finished")
				return err
			})
		}
	})
	return g.Wait()
}

// datagramSink is the sending half of a connection.
type datagramSink interface {
	Send(datagram []byte) error
	Done() <-chan struct{}
}

// servePeer sends the tone to one client through a simulated path until
// the client leaves or ctx ends. Send failures end only this client.
func servePeer(ctx context.Context, peer datagramSink, tone toneConfig, simCfg netsim.Config) error {
	sim, err := netsim.New(simCfg)
	if err != nil {
		return err
	}
	pk, err := packet.NewPacketizer()
	if err != nil {
		return err
	}
	enc := codec.NewPCMEncoder()
	gen := newToneGenerator(tone.frequency, tone.sampleRate, tone.channels)
	samples := tone.packetSamples()
	buf := make([]float32, samples*tone.channels)

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	nextSend := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-peer.Done():
			return nil
		case now := <-ticker.C:
			for !now.Before(nextSend) {
				gen.next(buf)
				payload, err := enc.Encode(buf)
				if err != nil {
					return err
				}
				d, err := pk.Next(payload, uint32(samples))
				if err != nil {
					return err
				}
				sim.Send(d, nextSend)
				nextSend = nextSend.Add(tone.packet)
			}
			for _, dl := range sim.Deliver(now) {
				if err := peer.Send(dl.Data); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "servePeer",
						"error":    err.Error(),
					}).Warn("Send failed, dropping client")
					return nil
				}
			}
		}
	}
}
