package jobclient

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/bobarin/beatreel/internal/models"
)

// Job is one generation request. The four stage variants below are the
// only implementations.
type Job interface {
	Kind() models.JobKind
	Engine() string
	ModelPath() string
	Input() map[string]any
}

// FrameJob renders the still image a beat's video is conditioned on.
type FrameJob struct {
	Model       string
	Prompt      string
	AspectRatio string
}

func (j FrameJob) Kind() models.JobKind { return models.JobKindFrame }
func (j FrameJob) Engine() string       { return j.Model }
func (j FrameJob) ModelPath() string    { return j.Model }

func (j FrameJob) Input() map[string]any {
	return map[string]any{
		"prompt":     j.Prompt,
		"image_size": imageSize(j.AspectRatio),
		"num_images": 1,
	}
}

// VideoJob animates the frame image. EngineID selects the backend: ids
// starting with "veo" go to Google Veo, everything else to the queue backend.
type VideoJob struct {
	EngineID    string
	Prompt      string
	ImageURL    string
	Duration    float64 // requested seconds
	AspectRatio string
}

func (j VideoJob) Kind() models.JobKind { return models.JobKindVideo }
func (j VideoJob) Engine() string       { return j.EngineID }
func (j VideoJob) ModelPath() string    { return j.EngineID }

func (j VideoJob) Input() map[string]any {
	return map[string]any{
		"prompt":       j.Prompt,
		"image_url":    j.ImageURL,
		"duration":     fmt.Sprintf("%d", wholeSeconds(j.Duration)),
		"aspect_ratio": aspectOrDefault(j.AspectRatio),
	}
}

// VoiceJob re-voices the generated video's audio with the reference voice.
type VoiceJob struct {
	Model     string
	SourceURL string // raw video whose speech timing is kept
	VoiceRef  string
}

func (j VoiceJob) Kind() models.JobKind { return models.JobKindVoice }
func (j VoiceJob) Engine() string       { return j.Model }
func (j VoiceJob) ModelPath() string    { return j.Model }

func (j VoiceJob) Input() map[string]any {
	return map[string]any{
		"audio_url": j.SourceURL,
		"voice":     j.VoiceRef,
	}
}

// AmbienceJob generates the background sound bed.
type AmbienceJob struct {
	Model    string
	Prompt   string
	Duration float64
}

func (j AmbienceJob) Kind() models.JobKind { return models.JobKindAmbience }
func (j AmbienceJob) Engine() string       { return j.Model }
func (j AmbienceJob) ModelPath() string    { return j.Model }

func (j AmbienceJob) Input() map[string]any {
	return map[string]any{
		"text":             j.Prompt,
		"duration_seconds": math.Round(j.Duration*10) / 10,
	}
}

type fileRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// resultPayload covers the output shapes of all four stages.
type resultPayload struct {
	Images    []fileRef `json:"images"`
	Image     *fileRef  `json:"image"`
	Video     *fileRef  `json:"video"`
	Audio     *fileRef  `json:"audio"`
	AudioFile *fileRef  `json:"audio_file"`
	AudioURL  string    `json:"audio_url"`
	Cost      *int64    `json:"cost"`
}

// ParseResult extracts the output of a kind from a backend payload.
func ParseResult(kind models.JobKind, body []byte) (*Result, error) {
	var p resultPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse %s result: %w", kind, err)
	}

	var ref *fileRef
	switch kind {
	case models.JobKindFrame:
		if len(p.Images) > 0 {
			ref = &p.Images[0]
		} else {
			ref = p.Image
		}
	case models.JobKindVideo:
		ref = p.Video
	case models.JobKindVoice:
		ref = firstRef(p.Audio, p.AudioFile)
	case models.JobKindAmbience:
		ref = firstRef(p.AudioFile, p.Audio)
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}

	if (ref == nil || ref.URL == "") && p.AudioURL != "" && (kind == models.JobKindVoice || kind == models.JobKindAmbience) {
		ref = &fileRef{URL: p.AudioURL}
	}
	if ref == nil || ref.URL == "" {
		return nil, fmt.Errorf("%s result has no output url", kind)
	}

	return &Result{URL: ref.URL, ContentType: ref.ContentType, Cost: p.Cost}, nil
}

func firstRef(refs ...*fileRef) *fileRef {
	for _, r := range refs {
		if r != nil && r.URL != "" {
			return r
		}
	}
	return nil
}

func imageSize(aspect string) string {
	switch aspect {
	case "16:9":
		return "landscape_16_9"
	case "1:1":
		return "square_hd"
	case "4:5":
		return "portrait_4_3"
	default:
		return "portrait_16_9"
	}
}

func aspectOrDefault(aspect string) string {
	if aspect == "" {
		return "9:16"
	}
	return aspect
}

// wholeSeconds rounds a requested duration up; engines take integer seconds.
func wholeSeconds(d float64) int {
	if d <= 0 {
		return 5
	}
	return int(math.Ceil(d))
}
