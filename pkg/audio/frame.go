package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the relay's native telephony rate.
	DefaultSampleRate = 8000
	// WidebandSampleRate is the optional 16kHz framing.
	WidebandSampleRate = 16000
	// SampleWidth is the size in bytes of one PCM16 sample.
	SampleWidth = 2
)

// ErrOddLength is returned for PCM16 data that does not contain a whole
// number of samples.
var ErrOddLength = errors.New("pcm16 data has odd length")

// Chunk is one datagram worth of PCM16 little-endian mono audio as received
// from the telephony platform. It is never mutated after creation.
type Chunk []byte

// Frame is a timed audio unit handed to (or received from) the WebRTC
// transport. Data is PCM16 little-endian, interleaved when Channels > 1.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// NewFrame frames a chunk without copying or converting its bytes.
func NewFrame(c Chunk, sampleRate int) (Frame, error) {
	if len(c)%SampleWidth != 0 {
		return Frame{}, fmt.Errorf("frame %d bytes: %w", len(c), ErrOddLength)
	}
	return Frame{Data: c, SampleRate: sampleRate, Channels: 1}, nil
}

// FrameFromInt16 builds a mono frame from decoded samples.
func FrameFromInt16(samples []int16, sampleRate int) Frame {
	data := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*SampleWidth:], uint16(s))
	}
	return Frame{Data: data, SampleRate: sampleRate, Channels: 1}
}

// Samples returns the number of samples per channel.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return len(f.Data) / SampleWidth / ch
}

// Int16 decodes the frame into native samples.
func (f Frame) Int16() []int16 {
	out := make([]int16, len(f.Data)/SampleWidth)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(f.Data[i*SampleWidth:]))
	}
	return out
}

// Duration returns the playout time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
