package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bobarin/beatreel/internal/logger"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/bobarin/beatreel/internal/queue"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type call struct {
	op string
	id uuid.UUID
}

type recordingPipeline struct {
	mu    sync.Mutex
	calls []call
	done  chan struct{}
}

func (p *recordingPipeline) record(op string, id uuid.UUID) error {
	p.mu.Lock()
	p.calls = append(p.calls, call{op, id})
	p.mu.Unlock()
	p.done <- struct{}{}
	return nil
}

func (p *recordingPipeline) RunCampaign(_ context.Context, id uuid.UUID) error {
	return p.record("campaign", id)
}

func (p *recordingPipeline) RunBeat(_ context.Context, id uuid.UUID) error {
	return p.record("beat", id)
}

func (p *recordingPipeline) RenderBeat(_ context.Context, id uuid.UUID) error {
	return p.record("render", id)
}

func (p *recordingPipeline) Assemble(_ context.Context, id uuid.UUID) (*models.AssemblyRecord, error) {
	if err := p.record("assemble", id); err != nil {
		return nil, err
	}
	return &models.AssemblyRecord{ID: uuid.New(), CampaignID: id}, nil
}

func TestWorkerDispatchesEveryQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := &recordingPipeline{done: make(chan struct{}, 8)}

	w := New(q, p, p, nil, 0, logger.Nop())
	w.dequeueTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx, 1)

	campaignID, beatID := uuid.New(), uuid.New()
	bg := context.Background()
	if err := q.EnqueueGenerateCampaign(bg, campaignID); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	q.EnqueueGenerateBeat(bg, campaignID, beatID)
	q.EnqueueRenderBeat(bg, campaignID, beatID)
	q.EnqueueAssemble(bg, campaignID)

	for i := 0; i < 4; i++ {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d jobs", i)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]uuid.UUID{}
	for _, c := range p.calls {
		seen[c.op] = c.id
	}
	if seen["campaign"] != campaignID || seen["assemble"] != campaignID {
		t.Errorf("campaign jobs routed wrong: %v", seen)
	}
	if seen["beat"] != beatID || seen["render"] != beatID {
		t.Errorf("beat jobs routed wrong: %v", seen)
	}
}

func TestBeatJobWithoutBeatIDFails(t *testing.T) {
	w := New(nil, &recordingPipeline{done: make(chan struct{}, 1)}, nil, nil, 0, logger.Nop())
	if err := w.handleGenerateBeat(context.Background(), &queue.Job{ID: uuid.New(), Type: "generate_beat"}); err == nil {
		t.Error("expected error for missing beat id")
	}
}

// slowPipeline keeps running for a while after its ctx is cancelled.
type slowPipeline struct {
	recordingPipeline
	started  chan struct{}
	finished atomic.Bool
}

func (p *slowPipeline) RunCampaign(ctx context.Context, _ uuid.UUID) error {
	close(p.started)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	p.finished.Store(true)
	return ctx.Err()
}

func TestStartWaitsForInFlightHandlers(t *testing.T) {
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := &slowPipeline{started: make(chan struct{})}

	w := New(q, p, nil, nil, 0, logger.Nop())
	w.dequeueTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx, 1)
		close(stopped)
	}()

	if err := q.EnqueueGenerateCampaign(context.Background(), uuid.New()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	if !p.finished.Load() {
		t.Error("Start returned before the in-flight handler finished")
	}
}
