package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/opd-ai/playout/config"
	"github.com/opd-ai/playout/device"
	"github.com/opd-ai/playout/metrics"
	"github.com/opd-ai/playout/stream"
)

var playFlags = []cli.Flag{
	&cli.StringFlag{Name: "address", Usage: "server address, quic://host:port"},
	&cli.StringFlag{Name: "ca-file", Usage: "PEM certificate to trust for the server"},
	&cli.BoolFlag{Name: "insecure", Usage: "skip server certificate verification, testing only"},
	&cli.StringFlag{Name: "codec", Usage: "payload codec, pcm or opus"},
	&cli.UintFlag{Name: "sample-rate", Usage: "stream sample rate in Hz"},
	&cli.IntFlag{Name: "channels", Usage: "stream channel count"},
	&cli.IntFlag{Name: "packet-ms", Usage: "expected audio per packet in milliseconds"},
	&cli.DurationFlag{Name: "duration", Usage: "stop after this long, zero plays until interrupted"},
	&cli.BoolFlag{Name: "no-device", Usage: "consume audio at real-time pace without opening a sound device"},
	&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
}

// applyPlayFlags overlays command line values on the configuration.
func applyPlayFlags(c *cli.Context, conf *config.Config) error {
	if v := c.String("address"); v != "" {
		conf.Address = v
	}
	if v := c.String("ca-file"); v != "" {
		conf.CAFile = v
	}
	if c.Bool("insecure") {
		conf.Insecure = true
	}
	if v := c.String("codec"); v != "" {
		conf.Audio.Codec = v
	}
	if v := c.Uint("sample-rate"); v != 0 {
		conf.Audio.SampleRate = uint32(v)
	}
	if v := c.Int("channels"); v != 0 {
		conf.Audio.Channels = v
	}
	if v := c.Int("packet-ms"); v != 0 {
		conf.Audio.PacketMs = v
	}
	if v := c.String("metrics-addr"); v != "" {
		conf.Metrics.Addr = v
	}
	if conf.Address == "" {
		return errors.New("no server address, set address in the config or pass --address")
	}
	return conf.Validate()
}

func play(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err := applyPlayFlags(c, conf); err != nil {
		return err
	}

	sc, err := conf.StreamConfig()
	if err != nil {
		return err
	}
	dec, err := conf.NewDecoder()
	if err != nil {
		return err
	}
	s, err := stream.New(sc, dec)
	if err != nil {
		return err
	}
	defer s.Stop()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	disconnected, err := s.Subscribe(stream.EventDisconnected)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx, conf.Address); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	sources := metrics.NewSources()
	sources.Add(s)
	if conf.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(sources))
		srv := &http.Server{
			Addr:              conf.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "play",
					"addr":     conf.Metrics.Addr,
					"error":    err.Error(),
				}).Error("Metrics server failed")
			}
		}()
		defer srv.Close()
	}
	if conf.Metrics.ReportInterval > 0 {
		rep := metrics.NewReporter(sources, conf.Metrics.ReportInterval)
		rep.OnReport(logReport)
		if err := rep.Start(); err != nil {
			return err
		}
		defer rep.Stop()
	}

	if c.Bool("no-device") {
		go nullSink(ctx, s, sc.Jitter.FrameDuration)
	} else {
		rate, channels := s.Format()
		player, err := device.New(device.Config{SampleRate: rate, Channels: channels}, s)
		if err != nil {
			return err
		}
		defer player.Close()
		if err := player.Start(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case ev := <-disconnected:
		logrus.WithFields(logrus.Fields{
			"function": "play",
			"error":    fmt.Sprint(ev.Err),
		}).Warn("Server connection lost")
	}
	s.Stop()

	st := s.Stats()
	renderStats(os.Stdout, st, metrics.DefaultThresholds().Assess(st))
	return nil
}

// nullSink reads one frame of audio per period, standing in for a device.
func nullSink(ctx context.Context, s *stream.Stream, period time.Duration) {
	buf := make([]float32, s.FrameSamples())
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReadAudio(buf)
		}
	}
}

func logReport(rep metrics.Report) {
	for _, sr := range rep.Streams {
		e := sr.Stats.Engine
		logrus.WithFields(logrus.Fields{
			"function":     "play",
			"stream":       sr.Stats.Name,
			"quality":      sr.Quality.String(),
			"target_delay": e.TargetDelay,
			"buffer_level": e.BufferLevel,
			"concealed":    e.ConcealedFrames,
			"underruns":    sr.Stats.Ring.Underruns,
		}).Info("Playout report")
	}
}

// renderStats prints a stream summary table.
func renderStats(w io.Writer, st stream.Stats, quality metrics.QualityLevel) {
	e := st.Engine
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})

	count := func(v uint64) string { return humanize.Comma(int64(v)) }
	rows := [][]string{
		{"Stream", st.Name},
		{"Quality", quality.String()},
		{"Datagrams received", count(st.Client.Received)},
		{"Queued", fmt.Sprintf("%s in %d datagrams", humanize.Bytes(uint64(st.Queue.Bytes)), st.Queue.Depth)},
		{"Malformed datagrams", count(st.MalformedDatagrams)},
		{"Queue overflows", count(st.Queue.Overflows)},
		{"Packets decoded", count(e.PacketsDecoded)},
		{"Late / duplicate", fmt.Sprintf("%s / %s", count(e.LatePackets), count(e.DuplicatePackets))},
		{"Reordered", count(e.ReorderedPackets)},
		{"Frames pulled", count(e.FramesPulled)},
		{"Concealed frames", fmt.Sprintf("%s (%.2f%%)", count(e.ConcealedFrames), 100*e.ConcealmentRate())},
		{"Accelerated / expanded", fmt.Sprintf("%s / %s", count(e.AcceleratedFrames), count(e.PreemptiveFrames))},
		{"Target delay", e.TargetDelay.String()},
		{"Buffer level", e.BufferLevel.String()},
		{"Ring underruns", count(st.Ring.Underruns)},
	}
	table.AppendBulk(rows)
	table.Render()
}
