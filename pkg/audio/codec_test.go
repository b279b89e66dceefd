package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(samples, rate int) Frame {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return FrameFromInt16(pcm, rate)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec(" PCMU ")
	require.NoError(t, err)
	assert.Equal(t, CodecPCMU, c)

	c, err = ParseCodec("opus")
	require.NoError(t, err)
	assert.Equal(t, CodecOpus, c)

	_, err = ParseCodec("g722")
	assert.Error(t, err)
}

func TestPCMURoundTrip(t *testing.T) {
	enc, err := NewEncoder(CodecPCMU, DefaultSampleRate)
	require.NoError(t, err)
	dec, err := NewDecoder(CodecPCMU, DefaultSampleRate)
	require.NoError(t, err)

	in := sineFrame(160, DefaultSampleRate)
	payload, err := enc.Encode(in)
	require.NoError(t, err)
	assert.Len(t, payload, 160)

	out, err := dec.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, 160, out.Samples())
	assert.Equal(t, DefaultSampleRate, out.SampleRate)

	// µ-law is lossy; error stays within a few percent of full scale.
	want, got := in.Int16(), out.Int16()
	for i := range want {
		diff := int(want[i]) - int(got[i])
		if diff < -300 || diff > 300 {
			t.Fatalf("sample %d: got %d, want ~%d", i, got[i], want[i])
		}
	}
}

func TestPCMUWidebandResamples(t *testing.T) {
	enc, err := NewEncoder(CodecPCMU, WidebandSampleRate)
	require.NoError(t, err)
	payload, err := enc.Encode(sineFrame(320, WidebandSampleRate))
	require.NoError(t, err)
	assert.Len(t, payload, 160)

	dec, err := NewDecoder(CodecPCMU, WidebandSampleRate)
	require.NoError(t, err)
	out, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 320, out.Samples())
	assert.Equal(t, WidebandSampleRate, out.SampleRate)
}

func TestPCMURejectsMalformed(t *testing.T) {
	enc, _ := NewEncoder(CodecPCMU, DefaultSampleRate)
	_, err := enc.Encode(Frame{Data: []byte{1, 2, 3}, SampleRate: DefaultSampleRate, Channels: 1})
	assert.ErrorIs(t, err, ErrOddLength)

	dec, _ := NewDecoder(CodecPCMU, DefaultSampleRate)
	_, err = dec.Decode(nil)
	assert.Error(t, err)
}

func TestOpusRoundTrip(t *testing.T) {
	enc, err := NewEncoder(CodecOpus, DefaultSampleRate)
	require.NoError(t, err)
	dec, err := NewDecoder(CodecOpus, DefaultSampleRate)
	require.NoError(t, err)

	payload, err := enc.Encode(sineFrame(160, DefaultSampleRate))
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	out, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, 160, out.Samples())
	assert.Equal(t, DefaultSampleRate, out.SampleRate)
}

func TestOpusRejectsIrregularFrame(t *testing.T) {
	enc, err := NewEncoder(CodecOpus, DefaultSampleRate)
	require.NoError(t, err)

	// 13ms is not a valid opus frame size.
	_, err = enc.Encode(sineFrame(104, DefaultSampleRate))
	assert.Error(t, err)
}
