package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// SilenceCapture produces zeroed frames at a fixed cadence.
type SilenceCapture struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

func (c SilenceCapture) Open(_ context.Context, sampleRateHint int) (Reader, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = sampleRateHint
	}
	if rate <= 0 {
		return nil, errors.New("silence capture needs a sample rate")
	}
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	samples := c.FrameSamples
	if samples <= 0 {
		samples = 1024
	}
	period := FrameDuration(samples, rate)
	return &silenceReader{
		rate:     rate,
		channels: channels,
		samples:  samples,
		period:   period,
		ticker:   time.NewTicker(period),
	}, nil
}

type silenceReader struct {
	rate     int
	channels int
	samples  int
	period   time.Duration
	ticker   *time.Ticker
	seq      int
}

func (r *silenceReader) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-r.ticker.C:
	}
	frame := Frame{
		PCM:        make([]byte, r.samples*r.channels*2),
		SampleRate: r.rate,
		Channels:   r.channels,
		Sequence:   r.seq,
		Timestamp:  time.Duration(r.seq) * r.period,
	}
	r.seq++
	return frame, nil
}

func (r *silenceReader) Close() error {
	r.ticker.Stop()
	return nil
}

// ChannelCapture replays frames sent on a Go channel. Closing the channel ends
// the capture. OpenErr, when set, makes Open fail.
type ChannelCapture struct {
	Frames  <-chan Frame
	OpenErr error
}

func (c ChannelCapture) Open(_ context.Context, _ int) (Reader, error) {
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	return channelReader{frames: c.Frames}, nil
}

type channelReader struct {
	frames <-chan Frame
}

func (r channelReader) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-r.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return frame, nil
	}
}

func (channelReader) Close() error { return nil }
