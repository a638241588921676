package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/speech"
	"github.com/bobarin/beatreel/internal/storage"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

func NewOpenAIService(apiKey, model string, log *logger.Logger) *OpenAIService {
	return NewOpenAIServiceWithConfig(openai.DefaultConfig(apiKey), model, log)
}

// NewOpenAIServiceWithConfig lets callers point the client at another base URL.
func NewOpenAIServiceWithConfig(cfg openai.ClientConfig, model string, log *logger.Logger) *OpenAIService {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With("component", "openai"),
	}
}

// ScriptBeat is one beat of a generated ad script.
type ScriptBeat struct {
	Role           string  `json:"role"`
	Script         string  `json:"script"`
	FramePrompt    string  `json:"frame_prompt"`
	VideoPrompt    string  `json:"video_prompt"`
	AmbiencePrompt string  `json:"ambience_prompt"`
	DurationSec    float64 `json:"duration_sec"`
}

type AdScript struct {
	Beats []ScriptBeat `json:"beats"`
}

var validRoles = map[string]bool{
	string(models.BeatRoleHook):      true,
	string(models.BeatRoleProblem):   true,
	string(models.BeatRoleAgitation): true,
	string(models.BeatRoleSolution):  true,
	string(models.BeatRoleProof):     true,
	string(models.BeatRoleCTA):       true,
}

// GenerateAdScript turns a product brief into beats using JSON mode.
func (s *OpenAIService) GenerateAdScript(ctx context.Context, brief, aspectRatio string) ([]models.BeatInput, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildScriptSystemPrompt(aspectRatio),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: "Product brief:\n" + brief,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	beats, err := parseAdScript(raw)
	if err != nil {
		s.log.Warn("ad script rejected", "error", err, "raw", truncateString(raw, 2000))
		return nil, err
	}

	s.log.Info("ad script generated", "beats", len(beats))
	return beats, nil
}

func parseAdScript(raw string) ([]models.BeatInput, error) {
	var script AdScript
	if err := json.Unmarshal([]byte(raw), &script); err != nil {
		return nil, fmt.Errorf("failed to parse ad script: %w", err)
	}
	if len(script.Beats) == 0 {
		return nil, fmt.Errorf("ad script has no beats")
	}

	beats := make([]models.BeatInput, 0, len(script.Beats))
	for i, b := range script.Beats {
		var missing []string
		if b.Script == "" {
			missing = append(missing, "script")
		}
		if b.FramePrompt == "" {
			missing = append(missing, "frame_prompt")
		}
		if b.VideoPrompt == "" {
			missing = append(missing, "video_prompt")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("beat %d missing required fields: %v", i+1, missing)
		}

		role := strings.ToLower(strings.TrimSpace(b.Role))
		if !validRoles[role] {
			role = string(models.BeatRoleHook)
			if i > 0 {
				role = string(models.BeatRoleSolution)
			}
		}

		duration := b.DurationSec
		if duration <= 0 {
			duration = 5
		}

		beats = append(beats, models.BeatInput{
			Role:           models.BeatRole(role),
			ScriptText:     b.Script,
			FramePrompt:    b.FramePrompt,
			VideoPrompt:    b.VideoPrompt,
			AmbiencePrompt: b.AmbiencePrompt,
			Duration:       duration,
		})
	}
	return beats, nil
}

func buildScriptSystemPrompt(aspectRatio string) string {
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}
	return fmt.Sprintf(`You write short direct-response video ads (%s aspect ratio).

Split the ad into 4 to 6 beats following hook, problem, agitation, solution, proof, cta.
Each beat is one continuous shot of 4 to 8 seconds with one spoken line.

Respond with JSON only:
{"beats": [{"role": "hook", "script": "...", "frame_prompt": "...", "video_prompt": "...", "ambience_prompt": "...", "duration_sec": 5}]}

frame_prompt describes the first frame as a still photograph.
video_prompt describes the motion of that shot and the person speaking the script.
ambience_prompt describes background sound only, never speech or music.`, aspectRatio)
}

// Transcribe runs Whisper on the audio at audioURL and returns word timings.
func (s *OpenAIService) Transcribe(ctx context.Context, audioURL string) ([]speech.Word, error) {
	data, _, err := storage.FetchURL(ctx, audioURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio: %w", err)
	}

	name := path.Base(audioURL)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if path.Ext(name) == "" {
		name = "audio.mp3"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(data),
		FilePath: name, // the API infers the format from the extension
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", truncateString(resp.Text, 80))
	}

	words := make([]speech.Word, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = speech.Word{
			Text:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	s.log.Debug("transcribed", "words", len(words), "duration", resp.Duration)
	return words, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
