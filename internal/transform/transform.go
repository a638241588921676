// Package transform plans the ffmpeg filter chains that trim, speed up,
// normalize and mix a beat's media. Planning is pure: identical inputs
// always produce identical chains.
package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/bobarin/beatreel/internal/apperr"
)

// MinSpeed is the lowest playback speed a beat may use. Slower values are
// clamped up; slowing speech down is never applied.
const MinSpeed = 1.0

// maxAtempo is the largest factor a single atempo filter is given.
// Older ffmpeg builds reject anything above 2.0.
const maxAtempo = 2.0

// Params describes the edit applied to one beat clip.
type Params struct {
	TrimStart *float64 // nil = 0
	TrimEnd   *float64 // nil = Duration
	Speed     float64  // <1.0 is clamped to 1.0
	Duration  float64  // source clip duration in seconds, 0 if unknown
}

// Plan holds ordered filter chains plus the resolved edit window.
type Plan struct {
	Video          []string
	Audio          []string
	Start          float64
	End            float64 // 0 when untrimmed and the source duration is unknown
	Speed          float64
	OutputDuration float64 // (End - Start) / Speed
}

// VideoFilter joins the video chain for -vf / filter_complex use.
func (p *Plan) VideoFilter() string { return strings.Join(p.Video, ",") }

// AudioFilter joins the audio chain for -af / filter_complex use.
func (p *Plan) AudioFilter() string { return strings.Join(p.Audio, ",") }

// Build resolves p into filter chains. Timestamps are reset before the
// trim, after the trim, and once more after the speed change so the
// output concatenates without gaps.
func Build(p Params) (*Plan, error) {
	speed := p.Speed
	if math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil, apperr.Validation(fmt.Sprintf("invalid speed %v", p.Speed))
	}
	if speed < MinSpeed {
		speed = MinSpeed
	}
	if p.Duration < 0 {
		return nil, apperr.Validation(fmt.Sprintf("invalid clip duration %.3f", p.Duration))
	}

	trimmed := p.TrimStart != nil || p.TrimEnd != nil

	start := 0.0
	if p.TrimStart != nil {
		start = *p.TrimStart
	}
	end := p.Duration
	if p.TrimEnd != nil {
		end = *p.TrimEnd
		if p.Duration > 0 && end > p.Duration {
			end = p.Duration
		}
	}

	if start < 0 {
		return nil, apperr.Validation(fmt.Sprintf("trim start %.3f is negative", start))
	}
	if p.Duration > 0 && start >= p.Duration {
		return nil, apperr.Validation(fmt.Sprintf("trim start %.3f is beyond clip duration %.3f", start, p.Duration))
	}
	if trimmed && end <= start {
		if p.TrimEnd == nil && p.Duration == 0 {
			return nil, apperr.Validation("trim start given but clip duration is unknown")
		}
		return nil, apperr.Validation(fmt.Sprintf("trim end %.3f must be after trim start %.3f", end, start))
	}

	plan := &Plan{Start: start, End: end, Speed: speed}

	plan.Video = append(plan.Video, "setpts=PTS-STARTPTS")
	plan.Audio = append(plan.Audio, "asetpts=PTS-STARTPTS")

	if trimmed {
		plan.Video = append(plan.Video,
			fmt.Sprintf("trim=start=%.3f:end=%.3f", start, end),
			"setpts=PTS-STARTPTS",
		)
		plan.Audio = append(plan.Audio,
			fmt.Sprintf("atrim=start=%.3f:end=%.3f", start, end),
			"asetpts=PTS-STARTPTS",
		)
	}

	if speed > MinSpeed {
		plan.Video = append(plan.Video, fmt.Sprintf("setpts=%.6f*PTS", 1/speed))
		plan.Audio = append(plan.Audio, atempoChain(speed)...)
	}

	plan.Video = append(plan.Video, "setpts=PTS-STARTPTS")
	plan.Audio = append(plan.Audio, "asetpts=PTS-STARTPTS")

	if end > start {
		plan.OutputDuration = OutputDuration(start, end, speed)
	}

	return plan, nil
}

// OutputDuration is the playback length of the window [start, end] at speed.
func OutputDuration(start, end, speed float64) float64 {
	if speed < MinSpeed {
		speed = MinSpeed
	}
	return (end - start) / speed
}

// atempoChain splits speed into factors no larger than maxAtempo.
func atempoChain(speed float64) []string {
	var chain []string
	for speed > maxAtempo {
		chain = append(chain, fmt.Sprintf("atempo=%.4f", maxAtempo))
		speed /= maxAtempo
	}
	return append(chain, fmt.Sprintf("atempo=%.4f", speed))
}
