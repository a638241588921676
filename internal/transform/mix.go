package transform

import (
	"fmt"
	"strings"

	"github.com/bobarin/beatreel/internal/apperr"
)

// Layer is one audio input of a mix. Input is the ffmpeg input index,
// Volume is 0-100.
type Layer struct {
	Input  int
	Volume int
}

// MixOutputLabel is the filter_complex pad holding the mixed track.
const MixOutputLabel = "aout"

// Gain maps a 0-100 volume onto a 0.0-1.0 multiplier, clamping out-of-range values.
func Gain(volume int) float64 {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	return float64(volume) / 100
}

// MixFilter builds a filter_complex that scales each layer, pads it with
// silence to target seconds and mixes them. The first layer (the voice)
// defines the output length, so a shorter ambience bed never cuts it off.
func MixFilter(layers []Layer, target float64) (string, error) {
	if len(layers) == 0 {
		return "", apperr.Validation("audio mix needs at least one layer")
	}
	if target <= 0 {
		return "", apperr.Validation(fmt.Sprintf("invalid mix duration %.3f", target))
	}

	var parts []string
	var labels strings.Builder
	for i, l := range layers {
		label := fmt.Sprintf("a%d", i)
		parts = append(parts, fmt.Sprintf("[%d:a]volume=%.3f,apad=whole_dur=%.3f[%s]", l.Input, Gain(l.Volume), target, label))
		labels.WriteString("[" + label + "]")
	}

	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=first:dropout_transition=0:normalize=0[%s]",
		labels.String(), len(layers), MixOutputLabel))

	return strings.Join(parts, ";"), nil
}
