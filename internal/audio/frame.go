package audio

import (
	"encoding/binary"
	"time"
)

// Frame is one buffer of 16-bit little-endian PCM captured from a device.
// Frames are never mutated after they are handed to a consumer.
type Frame struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Sequence   int
	Timestamp  time.Duration
}

// Samples returns the number of samples per channel held by the frame.
func (f Frame) Samples() int {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return len(f.PCM) / 2 / channels
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return FrameDuration(f.Samples(), f.SampleRate)
}

// FrameDuration converts a per-channel sample count to wall time.
func FrameDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// EncodePCM16 packs integer samples into little-endian 16-bit PCM.
func EncodePCM16(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// DecodePCM16 unpacks little-endian 16-bit PCM. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}
