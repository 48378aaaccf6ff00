package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusCapture receives frames published by an edge device on
// audio.frame.<device>. A frame marked final ends the capture.
type BusCapture struct {
	Conn   *nats.Conn
	Device string
}

func (c BusCapture) Open(_ context.Context, _ int) (Reader, error) {
	if c.Conn == nil {
		return nil, fmt.Errorf("bus capture has no connection")
	}
	msgs := make(chan *nats.Msg, 64)
	sub, err := c.Conn.ChanSubscribe(protocol.AudioSubject(c.Device), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	return &busReader{sub: sub, msgs: msgs}, nil
}

type busReader struct {
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	played time.Duration
	ended  bool
}

func (r *busReader) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if r.ended {
			return Frame{}, io.EOF
		}
		var msg *nats.Msg
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case msg = <-r.msgs:
		}
		var wire protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			return Frame{}, fmt.Errorf("decode audio frame: %w", err)
		}
		r.ended = wire.Final
		if len(wire.PCM) == 0 {
			continue
		}
		frame := Frame{
			PCM:        wire.PCM,
			SampleRate: wire.SampleRate,
			Channels:   wire.Channels,
			Sequence:   wire.Sequence,
			Timestamp:  r.played,
		}
		r.played += frame.Duration()
		return frame, nil
	}
}

func (r *busReader) Close() error {
	return r.sub.Unsubscribe()
}
