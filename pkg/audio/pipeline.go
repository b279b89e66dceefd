package audio

import (
	"fmt"
)

// Resampler converts mono PCM16 between sample rates using linear
// interpolation. It keeps no state across calls, so each frame is resampled
// independently.
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
}

// NewResampler creates a resampler from inputRate to outputRate.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", inputRate, outputRate)
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(outputRate) / float64(inputRate),
	}, nil
}

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample performs simple linear interpolation resampling.
func (r *Resampler) Resample(input []int16) []int16 {
	if len(input) == 0 {
		return []int16{}
	}
	if r.Passthrough() {
		return input
	}

	outputSize := int(float64(len(input)) * r.ratio)
	if outputSize == 0 {
		return []int16{}
	}

	output := make([]int16, outputSize)
	for i := 0; i < outputSize; i++ {
		pos := float64(i) / r.ratio
		idx := int(pos)

		if idx >= len(input)-1 {
			output[i] = input[len(input)-1]
			continue
		}

		frac := pos - float64(idx)
		v := float64(input[idx])*(1-frac) + float64(input[idx+1])*frac
		output[i] = clampInt16(v)
	}

	return output
}

// ResampleFrame returns f at the resampler's output rate.
func (r *Resampler) ResampleFrame(f Frame) Frame {
	if r.Passthrough() {
		return f
	}
	return FrameFromInt16(r.Resample(f.Int16()), r.outputRate)
}

func clampInt16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	if v < 0 {
		return int16(v - 0.5)
	}
	return int16(v + 0.5)
}
