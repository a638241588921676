package assembly

import (
	"fmt"

	"github.com/bobarin/beatreel/internal/mediaproc"
	"github.com/bobarin/beatreel/internal/transform"
)

// Step names. Results of the assembly are read back under these keys.
const (
	StepConcat = "concat"
	StepEncode = "encode"
	StepCrop   = "crop"
	StepThumb  = "thumb"
)

// Clip is one beat's final video in concat order.
type Clip struct {
	Order int
	URL   string
}

func importStep(order int) string {
	return fmt.Sprintf("import_beat_%d", order)
}

// BuildSteps plans the step graph: import every clip, concatenate in
// order, re-encode at the canonical frame rate with a keyframe at t=0,
// crop/scale to the campaign aspect ratio and grab a thumbnail.
func BuildSteps(clips []Clip, aspect string) (mediaproc.Steps, error) {
	if len(clips) == 0 {
		return nil, fmt.Errorf("no clips to assemble")
	}
	width, height, err := transform.Dimensions(aspect)
	if err != nil {
		return nil, err
	}

	steps := mediaproc.Steps{}
	uses := make([]map[string]any, 0, len(clips))
	for i, c := range clips {
		name := importStep(c.Order)
		steps[name] = mediaproc.Step{
			"robot": "/http/import",
			"url":   c.URL,
		}
		uses = append(uses, map[string]any{"name": name, "as": fmt.Sprintf("video_%d", i+1)})
	}

	steps[StepConcat] = mediaproc.Step{
		"robot":         "/video/concat",
		"use":           map[string]any{"steps": uses},
		"preset":        "empty",
		"result":        false,
		"ffmpeg_stack":  "v6.0.0",
		"video_fade_ms": 0,
		"audio_fade_ms": 0,
	}
	steps[StepEncode] = mediaproc.Step{
		"robot":        "/video/encode",
		"use":          StepConcat,
		"preset":       "empty",
		"ffmpeg_stack": "v6.0.0",
		"ffmpeg": map[string]any{
			"r":                transform.CanonicalFPS,
			"force_key_frames": "expr:eq(n,0)",
			"c:v":              "libx264",
			"c:a":              "aac",
			"pix_fmt":          "yuv420p",
			"movflags":         "+faststart",
		},
	}
	steps[StepCrop] = mediaproc.Step{
		"robot":           "/video/encode",
		"use":             StepEncode,
		"preset":          "empty",
		"ffmpeg_stack":    "v6.0.0",
		"width":           width,
		"height":          height,
		"resize_strategy": "fillcrop",
		"result":          true,
	}
	steps[StepThumb] = mediaproc.Step{
		"robot":   "/video/thumbs",
		"use":     StepCrop,
		"count":   1,
		"offsets": []int{0},
		"format":  "jpg",
		"width":   width,
		"height":  height,
	}
	return steps, nil
}
