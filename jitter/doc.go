// Package jitter implements the adaptive jitter buffer that sits between the
// network and the audio device.
//
// Packets are inserted as they arrive, in any order. Each insert updates a
// histogram of relative arrival delays; the DelayManager picks the delay
// that covers the configured quantile of that distribution as the target.
// Frames are pulled at the device rate and decoding is deferred until a
// packet is due for play-out.
//
// # Play-out Decisions
//
// Every pull compares the filtered buffer level against limits around the
// target delay:
//
//   - Above the high limit the engine accelerates, compressing one and a
//     half frames (or two, when the level is far too high) into one.
//   - Below the low limit it preemptively expands two thirds of a frame.
//   - Missing audio is concealed by the configured Concealer and faded to
//     silence after MaxConcealFrames frames.
//
// # Usage
//
//	dec, _ := codec.NewDecoder(string(codec.NameOpus), 48000, 2)
//	engine, err := jitter.New(jitter.Config{SampleRate: 48000, Channels: 2}, dec)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Init(); err != nil {
//	    return err
//	}
//
//	// network goroutine
//	engine.InsertPacket(pkt)
//
//	// audio goroutine
//	frame, _ := engine.PullFrame()
//
// The engine never blocks waiting for data: PullFrame always returns a frame.
package jitter
