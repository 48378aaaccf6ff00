package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVCapture plays a 16-bit WAV file as if it were a microphone. With Realtime
// set, frames are paced at their playback duration.
type WAVCapture struct {
	Path         string
	FrameSamples int
	Realtime     bool
}

func (c WAVCapture) Open(_ context.Context, _ int) (Reader, error) {
	file, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", c.Path)
	}
	if dec.BitDepth != 16 {
		file.Close()
		return nil, fmt.Errorf("wav bit depth %d not supported", dec.BitDepth)
	}
	samples := c.FrameSamples
	if samples <= 0 {
		samples = 1024
	}
	channels := int(dec.NumChans)
	format := &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)}
	r := &wavReader{
		file:     file,
		dec:      dec,
		rate:     int(dec.SampleRate),
		channels: channels,
		buf:      &goaudio.IntBuffer{Format: format, Data: make([]int, samples*channels), SourceBitDepth: 16},
	}
	if c.Realtime {
		r.ticker = time.NewTicker(FrameDuration(samples, r.rate))
	}
	return r, nil
}

type wavReader struct {
	file     *os.File
	dec      *wav.Decoder
	rate     int
	channels int
	buf      *goaudio.IntBuffer
	ticker   *time.Ticker
	seq      int
	played   int
}

func (r *wavReader) ReadFrame(ctx context.Context) (Frame, error) {
	if r.ticker != nil {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-r.ticker.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Frame{}, fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		return Frame{}, io.EOF
	}
	frame := Frame{
		PCM:        EncodePCM16(r.buf.Data[:n]),
		SampleRate: r.rate,
		Channels:   r.channels,
		Sequence:   r.seq,
		Timestamp:  FrameDuration(r.played, r.rate),
	}
	r.seq++
	r.played += n / r.channels
	return frame, nil
}

func (r *wavReader) Close() error {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	return r.file.Close()
}

// WriteWAV encodes 16-bit PCM into a WAV container.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   DecodePCM16(pcm),
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
