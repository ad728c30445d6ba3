package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/playout/codec"
	"github.com/opd-ai/playout/jitter"
	"github.com/opd-ai/playout/netsim"
	"github.com/opd-ai/playout/packet"
)

var benchFlags = []cli.Flag{
	&cli.StringSliceFlag{Name: "jitter", Value: cli.NewStringSlice("5ms", "20ms", "40ms", "80ms"), Usage: "jitter levels to simulate"},
	&cli.DurationFlag{Name: "delay", Value: 20 * time.Millisecond, Usage: "base one-way delay"},
	&cli.Float64Flag{Name: "loss", Value: 0.02, Usage: "loss probability"},
	&cli.Float64Flag{Name: "reorder", Usage: "probability a packet is held back"},
	&cli.DurationFlag{Name: "length", Value: 20 * time.Second, Usage: "simulated audio per run"},
	&cli.DurationFlag{Name: "max-delay", Usage: "cap on the jitter buffer target delay"},
	&cli.Int64Flag{Name: "seed", Value: 1, Usage: "simulation seed"},
}

type benchConfig struct {
	jitters  []time.Duration
	delay    time.Duration
	loss     float64
	reorder  float64
	length   time.Duration
	maxDelay time.Duration
	seed     int64
}

type benchResult struct {
	jitter       time.Duration
	targetDelay  time.Duration
	meanDelay    time.Duration
	concealment  float64
	late         uint64
	accelerated  uint64
	preemptive   uint64
	packetsSent  int
	framesPulled uint64
}

const (
	benchRate   = 16000
	benchPacket = 20 * time.Millisecond
	benchFrame  = 10 * time.Millisecond
)

func bench(c *cli.Context) error {
	if _, err := getConfig(c); err != nil {
		return err
	}
	cfg := benchConfig{
		delay:    c.Duration("delay"),
		loss:     c.Float64("loss"),
		reorder:  c.Float64("reorder"),
		length:   c.Duration("length"),
		maxDelay: c.Duration("max-delay"),
		seed:     c.Int64("seed"),
	}
	for _, v := range c.StringSlice("jitter") {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("jitter %q: %w", v, err)
		}
		cfg.jitters = append(cfg.jitters, d)
	}

	results, err := runBench(cfg)
	if err != nil {
		return err
	}
	renderBench(os.Stdout, results)
	return nil
}

// runBench plays a simulated stream per jitter level on a virtual clock.
func runBench(cfg benchConfig) ([]benchResult, error) {
	results := make([]benchResult, 0, len(cfg.jitters))
	for _, j := range cfg.jitters {
		r, err := benchOne(cfg, j)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func benchOne(cfg benchConfig, jitterLevel time.Duration) (benchResult, error) {
	start := time.Unix(0, 0)
	clock := jitter.NewMockTimeProvider(start)

	dec, err := codec.NewPCMDecoder(benchRate, 1)
	if err != nil {
		return benchResult{}, err
	}
	engine, err := jitter.New(jitter.Config{
		SampleRate:     benchRate,
		Channels:       1,
		FrameDuration:  benchFrame,
		PacketDuration: benchPacket,
		MaxDelay:       cfg.maxDelay,
		Clock:          clock,
	}, dec)
	if err != nil {
		return benchResult{}, err
	}
	defer engine.Close()
	if err := engine.Init(); err != nil {
		return benchResult{}, err
	}

	sim, err := netsim.New(netsim.Config{
		Delay:        cfg.delay,
		Jitter:       jitterLevel,
		Loss:         cfg.loss,
		Reorder:      cfg.reorder,
		ReorderDelay: 2 * benchPacket,
		Seed:         cfg.seed,
	})
	if err != nil {
		return benchResult{}, err
	}

	pk := packet.NewPacketizerAt(1, 0, 0)
	enc := codec.NewPCMEncoder()
	gen := newToneGenerator(440, benchRate, 1)
	samples := int(benchRate * benchPacket / time.Second)
	buf := make([]float32, samples)

	var delaySum time.Duration
	var pulls int64
	nextSend := start
	end := start.Add(cfg.length)
	for now := start; now.Before(end); now = now.Add(benchFrame) {
		clock.Set(now)
		for !now.Before(nextSend) {
			gen.next(buf)
			payload, err := enc.Encode(buf)
			if err != nil {
				return benchResult{}, err
			}
			d, err := pk.Next(payload, uint32(samples))
			if err != nil {
				return benchResult{}, err
			}
			sim.Send(d, nextSend)
			nextSend = nextSend.Add(benchPacket)
		}
		for _, dl := range sim.Deliver(now) {
			p, err := packet.Parse(dl.Data)
			if err != nil {
				return benchResult{}, err
			}
			p.Arrival = dl.Arrival
			_ = engine.InsertPacket(p)
		}
		if _, err := engine.PullFrame(); err != nil {
			return benchResult{}, err
		}
		delaySum += engine.TargetDelay()
		pulls++
	}

	st := engine.Stats()
	res := benchResult{
		jitter:       jitterLevel,
		targetDelay:  st.TargetDelay,
		concealment:  st.ConcealmentRate(),
		late:         st.LatePackets,
		accelerated:  st.AcceleratedFrames,
		preemptive:   st.PreemptiveFrames,
		packetsSent:  sim.Stats().Sent,
		framesPulled: st.FramesPulled,
	}
	if pulls > 0 {
		res.meanDelay = delaySum / time.Duration(pulls)
	}
	return res, nil
}

func renderBench(w io.Writer, results []benchResult) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Jitter", "Target delay", "Mean target", "Concealed", "Late", "Accel / Expand", "Packets", "Frames"})
	for _, r := range results {
		table.Append([]string{
			r.jitter.String(),
			r.targetDelay.String(),
			r.meanDelay.Round(time.Millisecond).String(),
			fmt.Sprintf("%.2f%%", 100*r.concealment),
			humanize.Comma(int64(r.late)),
			fmt.Sprintf("%s / %s", humanize.Comma(int64(r.accelerated)), humanize.Comma(int64(r.preemptive))),
			humanize.Comma(int64(r.packetsSent)),
			humanize.Comma(int64(r.framesPulled)),
		})
	}
	table.Render()
}
