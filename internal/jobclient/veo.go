package jobclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/storage"
)

// ---------------------------------------------------------------------------
// Veo runner
// Drives Google Veo long-running operations through the Gen AI SDK. The
// operation name is the request id, so a persisted job can be polled again
// after a restart. Finished videos are downloaded and re-hosted in object
// storage because Veo download URIs require the API key.
// ---------------------------------------------------------------------------

const (
	veoMinDuration = 4
	veoMaxDuration = 8
)

type VeoRunner struct {
	client *genai.Client
	model  string
	store  storage.ObjectStore
	log    *logger.Logger
}

func NewVeoRunner(ctx context.Context, apiKey, model string, store storage.ObjectStore, log *logger.Logger) (*VeoRunner, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &VeoRunner{
		client: client,
		model:  model,
		store:  store,
		log:    log.With("component", "veo"),
	}, nil
}

func (v *VeoRunner) Submit(ctx context.Context, job Job) (*Handle, error) {
	vj, ok := job.(VideoJob)
	if !ok {
		return nil, fmt.Errorf("veo only runs video jobs, got %s", job.Kind())
	}

	imageData, mimeType, err := storage.FetchURL(ctx, vj.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first frame: %w", err)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(imageData)
	}

	duration := veoDuration(vj.Duration)
	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspectOrDefault(vj.AspectRatio),
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		DurationSeconds:  &duration,
	}

	model := v.model
	if strings.HasPrefix(vj.EngineID, "veo-") {
		model = vj.EngineID
	}

	op, err := v.client.Models.GenerateVideos(ctx, model, vj.Prompt, &genai.Image{
		ImageBytes: imageData,
		MIMEType:   mimeType,
	}, config)
	if err != nil {
		return nil, classifyVeoError("start video generation", err)
	}

	v.log.Info("veo operation started", "operation", op.Name, "model", model, "duration", duration)
	return &Handle{
		Kind:      models.JobKindVideo,
		Engine:    vj.EngineID,
		ModelPath: model,
		RequestID: op.Name,
	}, nil
}

func (v *VeoRunner) Poll(ctx context.Context, h *Handle) (*PollResult, error) {
	op, err := v.operation(ctx, h)
	if err != nil {
		return nil, err
	}
	if !op.Done {
		return &PollResult{Status: StatusProcessing}, nil
	}
	if reason := veoFailure(op); reason != "" {
		return &PollResult{Status: StatusFailed, Error: reason}, nil
	}
	return &PollResult{Status: StatusCompleted}, nil
}

func (v *VeoRunner) FetchResult(ctx context.Context, h *Handle) (*Result, error) {
	op, err := v.operation(ctx, h)
	if err != nil {
		return nil, err
	}
	if !op.Done {
		return nil, ErrNotCompleted
	}
	if reason := veoFailure(op); reason != "" {
		return nil, &RemoteFailure{Kind: h.Kind, RequestID: h.RequestID, Reason: reason}
	}

	video := op.Response.GeneratedVideos[0]
	data, err := v.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(video.Video), nil)
	if err != nil {
		return nil, classifyVeoError("download generated video", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty (0 bytes)")
	}

	key := storage.GenerationKey(string(models.JobKindVideo), h.RequestID, ".mp4")
	if err := v.store.Upload(ctx, key, data, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to store generated video: %w", err)
	}

	v.log.Info("veo video stored", "operation", h.RequestID, "bytes", len(data), "key", key)
	return &Result{URL: v.store.PublicURL(key), ContentType: "video/mp4"}, nil
}

func (v *VeoRunner) operation(ctx context.Context, h *Handle) (*genai.GenerateVideosOperation, error) {
	op, err := v.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: h.RequestID}, nil)
	if err != nil {
		return nil, classifyVeoError("poll operation "+h.RequestID, err)
	}
	return op, nil
}

// classifyVeoError maps SDK errors onto the remote error taxonomy: API
// errors by their HTTP status, anything else as a transient network error.
// Context errors are returned unchanged.
func classifyVeoError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apperr.FromHTTPStatus(op, apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apperr.FromHTTPStatus(op, apiErrPtr.Code, apiErrPtr.Message)
	}
	return apperr.Transient(op, "network", err)
}

// veoFailure describes why a finished operation produced no usable video.
func veoFailure(op *genai.GenerateVideosOperation) string {
	if len(op.Error) > 0 {
		errJSON, _ := json.Marshal(op.Error)
		return string(errJSON)
	}
	if op.Response == nil {
		return "no response in completed operation"
	}
	// Responsible AI filters
	if op.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(op.Response.RAIMediaFilteredReasons, ", ")
		}
		return fmt.Sprintf("video blocked by safety filters: %s", reasons)
	}
	if len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return "no videos in response"
	}
	return ""
}

// veoDuration clamps a request into the whole-second range Veo accepts.
func veoDuration(d float64) int32 {
	secs := int32(math.Ceil(d))
	if secs < veoMinDuration {
		secs = veoMinDuration
	}
	if secs > veoMaxDuration {
		secs = veoMaxDuration
	}
	return secs
}
