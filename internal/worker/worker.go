package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/queue"
	"github.com/bobarin/beatreel/internal/recovery"
	"github.com/bobarin/beatreel/internal/retry"
	"github.com/google/uuid"
)

// Pipeline runs campaigns and beats. It is implemented by pipeline.Orchestrator.
type Pipeline interface {
	RunCampaign(ctx context.Context, campaignID uuid.UUID) error
	RunBeat(ctx context.Context, beatID uuid.UUID) error
	RenderBeat(ctx context.Context, beatID uuid.UUID) error
}

type Assembler interface {
	Assemble(ctx context.Context, campaignID uuid.UUID) (*models.AssemblyRecord, error)
}

type Worker struct {
	queue            *queue.Queue
	pipeline         Pipeline
	assembler        Assembler
	scanner          *recovery.Scanner
	recoveryInterval time.Duration
	dequeueTimeout   time.Duration
	log              *logger.Logger
}

func New(q *queue.Queue, p Pipeline, a Assembler, scanner *recovery.Scanner, recoveryInterval time.Duration, log *logger.Logger) *Worker {
	return &Worker{
		queue:            q,
		pipeline:         p,
		assembler:        a,
		scanner:          scanner,
		recoveryInterval: recoveryInterval,
		dequeueTimeout:   5 * time.Second,
		log:              log.With("component", "worker"),
	}
}

// Start consumes all queues until ctx is done. Generation queues get
// concurrency consumers each; assembly gets its own single consumer so a
// long stitch never blocks beat pipelines. Start returns once every
// in-flight handler has returned.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("worker started", "concurrency", concurrency)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	for i := 0; i < concurrency; i++ {
		spawn(func() { w.processQueue(ctx, queue.QueueGenerateCampaign, w.handleGenerateCampaign) })
		spawn(func() { w.processQueue(ctx, queue.QueueGenerateBeat, w.handleGenerateBeat) })
		spawn(func() { w.processQueue(ctx, queue.QueueRenderBeat, w.handleRenderBeat) })
	}
	spawn(func() { w.processQueue(ctx, queue.QueueAssemble, w.handleAssemble) })

	if w.scanner != nil && w.recoveryInterval > 0 {
		spawn(func() { w.scanner.Run(ctx, w.recoveryInterval) })
	}

	<-ctx.Done()
	w.log.Info("worker shutting down, draining handlers")
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) error) {
	log := w.log.With("queue", queueName)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			// redis is down; back off instead of spinning
			if retry.Sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		jlog := log.With("job_id", job.ID, "type", job.Type, "campaign_id", job.CampaignID)
		jlog.Info("processing job")
		start := time.Now()

		switch err := handler(ctx, job); {
		case err == nil:
			jlog.Info("job completed", "elapsed", time.Since(start))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			jlog.Warn("job interrupted, in-flight generation left for recovery", "error", err)
		default:
			jlog.Error("job failed", "error", err, "elapsed", time.Since(start))
		}
	}
}

func (w *Worker) handleGenerateCampaign(ctx context.Context, job *queue.Job) error {
	return w.pipeline.RunCampaign(ctx, job.CampaignID)
}

func (w *Worker) handleGenerateBeat(ctx context.Context, job *queue.Job) error {
	if job.BeatID == nil {
		return fmt.Errorf("%s job %s has no beat id", job.Type, job.ID)
	}
	return w.pipeline.RunBeat(ctx, *job.BeatID)
}

func (w *Worker) handleRenderBeat(ctx context.Context, job *queue.Job) error {
	if job.BeatID == nil {
		return fmt.Errorf("%s job %s has no beat id", job.Type, job.ID)
	}
	return w.pipeline.RenderBeat(ctx, *job.BeatID)
}

func (w *Worker) handleAssemble(ctx context.Context, job *queue.Job) error {
	rec, err := w.assembler.Assemble(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	w.log.Info("assembly recorded", "campaign_id", job.CampaignID, "record_id", rec.ID, "output_url", rec.OutputURL)
	return nil
}
