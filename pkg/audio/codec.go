package audio

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
	"gopkg.in/hraban/opus.v2"
)

// Codec names the payload format the WebRTC transport carries.
type Codec string

const (
	// CodecPCMU is G.711 µ-law at 8kHz, RTP payload type 0.
	CodecPCMU Codec = "pcmu"
	// CodecOpus is Opus at 48kHz stereo clock, dynamic payload type 111.
	CodecOpus Codec = "opus"
)

// ParseCodec accepts a codec name case-insensitively.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case CodecPCMU, CodecOpus:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q (want pcmu or opus)", s)
	}
}

// Encoder turns a PCM frame into one transport payload.
type Encoder interface {
	Encode(f Frame) ([]byte, error)
}

// Decoder turns one transport payload into a PCM frame.
type Decoder interface {
	Decode(payload []byte) (Frame, error)
}

// NewEncoder returns an encoder for frames at sampleRate.
func NewEncoder(c Codec, sampleRate int) (Encoder, error) {
	switch c {
	case CodecPCMU:
		rs, err := NewResampler(sampleRate, DefaultSampleRate)
		if err != nil {
			return nil, err
		}
		return &pcmuEncoder{resampler: rs}, nil
	case CodecOpus:
		enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus encoder: %w", err)
		}
		return &opusEncoder{enc: enc, buf: make([]byte, maxOpusPacket)}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", c)
	}
}

// NewDecoder returns a decoder producing frames at sampleRate.
func NewDecoder(c Codec, sampleRate int) (Decoder, error) {
	switch c {
	case CodecPCMU:
		rs, err := NewResampler(DefaultSampleRate, sampleRate)
		if err != nil {
			return nil, err
		}
		return &pcmuDecoder{resampler: rs}, nil
	case CodecOpus:
		dec, err := opus.NewDecoder(sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus decoder: %w", err)
		}
		// 120ms is the longest opus frame.
		return &opusDecoder{dec: dec, rate: sampleRate, pcm: make([]int16, sampleRate*120/1000)}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", c)
	}
}

type pcmuEncoder struct {
	resampler *Resampler
}

func (e *pcmuEncoder) Encode(f Frame) ([]byte, error) {
	if len(f.Data)%SampleWidth != 0 {
		return nil, ErrOddLength
	}
	f = e.resampler.ResampleFrame(f)
	return g711.EncodeUlaw(f.Data), nil
}

type pcmuDecoder struct {
	resampler *Resampler
}

func (d *pcmuDecoder) Decode(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, fmt.Errorf("empty pcmu payload")
	}
	f := Frame{Data: g711.DecodeUlaw(payload), SampleRate: DefaultSampleRate, Channels: 1}
	return d.resampler.ResampleFrame(f), nil
}

const maxOpusPacket = 1500

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func (e *opusEncoder) Encode(f Frame) ([]byte, error) {
	if len(f.Data)%SampleWidth != 0 {
		return nil, ErrOddLength
	}
	n, err := e.enc.Encode(f.Int16(), e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode %d samples: %w", f.Samples(), err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

type opusDecoder struct {
	dec  *opus.Decoder
	rate int
	pcm  []int16
}

func (d *opusDecoder) Decode(payload []byte) (Frame, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode: %w", err)
	}
	return FrameFromInt16(d.pcm[:n], d.rate), nil
}
