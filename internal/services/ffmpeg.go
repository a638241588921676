package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/storage"
	"github.com/bobarin/beatreel/internal/transform"
)

// FFmpegService renders a beat's final clip: it mixes the voice and
// ambience tracks, applies the beat's trim and speed plan, fits the frame
// to the campaign aspect ratio and uploads the results.
type FFmpegService struct {
	tempDir string
	store   storage.ObjectStore
	log     *logger.Logger
}

func NewFFmpegService(tempDir string, store storage.ObjectStore, log *logger.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &FFmpegService{
		tempDir: tempDir,
		store:   store,
		log:     log.With("component", "ffmpeg"),
	}, nil
}

// RenderOutput holds the public URLs of a rendered beat.
type RenderOutput struct {
	FinalURL string
	MixedURL string
	Duration float64 // measured length of the final clip in seconds
}

// RenderBeat produces and uploads the final clip of b.
func (s *FFmpegService) RenderBeat(ctx context.Context, campaign *models.Campaign, b *models.Beat) (*RenderOutput, error) {
	if b.Video.RawURL == nil || b.Audio.VoiceURL == nil {
		return nil, fmt.Errorf("beat %d is missing raw video or voice", b.Order)
	}

	workDir, err := os.MkdirTemp(s.tempDir, "beat-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	videoPath, err := s.fetch(ctx, *b.Video.RawURL, filepath.Join(workDir, "raw.mp4"))
	if err != nil {
		return nil, err
	}
	voicePath, err := s.fetch(ctx, *b.Audio.VoiceURL, filepath.Join(workDir, "voice"+extOf(*b.Audio.VoiceURL, ".mp3")))
	if err != nil {
		return nil, err
	}

	layers := []transform.Layer{{Input: 0, Volume: b.Audio.VoiceVolume}}
	inputs := []string{voicePath}
	if b.Audio.AmbienceURL != nil && *b.Audio.AmbienceURL != "" {
		ambiencePath, err := s.fetch(ctx, *b.Audio.AmbienceURL, filepath.Join(workDir, "ambience"+extOf(*b.Audio.AmbienceURL, ".mp3")))
		if err != nil {
			return nil, err
		}
		layers = append(layers, transform.Layer{Input: 1, Volume: b.Audio.AmbienceVolume})
		inputs = append(inputs, ambiencePath)
	}

	sourceDuration, err := s.GetVideoDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	mixedPath := filepath.Join(workDir, "mixed.m4a")
	args, err := mixArgs(inputs, layers, sourceDuration, mixedPath)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, "mix", args); err != nil {
		return nil, err
	}

	plan, err := transform.Build(transform.BeatParams(b, sourceDuration))
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(workDir, "final.mp4")
	args, err = renderArgs(videoPath, mixedPath, finalPath, plan, campaign.AspectRatio)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, "render", args); err != nil {
		return nil, err
	}

	// the engine may return a different length than requested
	outputDuration, err := s.GetVideoDuration(ctx, finalPath)
	if err != nil {
		s.log.Warn("failed to probe rendered clip, using planned duration", "beat", b.Order, "error", err)
		outputDuration = plan.OutputDuration
	}

	mixedURL, err := s.upload(ctx, mixedPath, storage.BeatKey(campaign.ID, b.Order, "mixed.m4a"), "audio/mp4")
	if err != nil {
		return nil, err
	}
	finalURL, err := s.upload(ctx, finalPath, storage.BeatKey(campaign.ID, b.Order, "final.mp4"), "video/mp4")
	if err != nil {
		return nil, err
	}

	s.log.Info("beat rendered",
		"campaign_id", campaign.ID, "beat", b.Order,
		"source_duration", sourceDuration, "output_duration", outputDuration, "speed", plan.Speed)

	return &RenderOutput{FinalURL: finalURL, MixedURL: mixedURL, Duration: outputDuration}, nil
}

// mixArgs mixes the audio layers into one track padded to duration seconds.
// Input i of the command is inputs[i].
func mixArgs(inputs []string, layers []transform.Layer, duration float64, outputPath string) ([]string, error) {
	filter, err := transform.MixFilter(layers, duration)
	if err != nil {
		return nil, err
	}

	var args []string
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args,
		"-filter_complex", filter,
		"-map", "["+transform.MixOutputLabel+"]",
		"-t", fmt.Sprintf("%.3f", duration),
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		outputPath,
	)
	return args, nil
}

// renderArgs muxes the raw video with the mixed track, applying plan and
// the aspect-ratio fit. The raw video's own audio is dropped.
func renderArgs(videoPath, audioPath, outputPath string, plan *transform.Plan, aspect string) ([]string, error) {
	fit, err := transform.CropScaleFilter(aspect)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("[0:v]%s,%s,fps=%d[vout];[1:a]%s[afinal]",
		plan.VideoFilter(), fit, transform.CanonicalFPS, plan.AudioFilter())

	return []string{
		"-i", videoPath,
		"-i", audioPath,
		"-filter_complex", filter,
		"-map", "[vout]",
		"-map", "[afinal]",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}, nil
}

func (s *FFmpegService) run(ctx context.Context, step string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", step, err, truncateString(strings.TrimSpace(stderr.String()), 500))
	}
	return nil
}

// GetVideoDuration returns the duration of a media file in seconds using ffprobe.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w", err)
	}

	return parseProbeDuration(output)
}

func parseProbeDuration(output []byte) (float64, error) {
	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse video duration: %w", err)
	}
	if durationSec <= 0 {
		return 0, fmt.Errorf("invalid video duration %v", durationSec)
	}
	return durationSec, nil
}

func (s *FFmpegService) fetch(ctx context.Context, url, dest string) (string, error) {
	data, _, err := storage.FetchURL(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", filepath.Base(dest), err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, nil
}

func (s *FFmpegService) upload(ctx context.Context, path, key, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return storage.Replace(ctx, s.store, key, data, contentType)
}

func extOf(url, fallback string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if ext := filepath.Ext(url); ext != "" && len(ext) <= 5 {
		return ext
	}
	return fallback
}
