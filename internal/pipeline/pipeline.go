package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"photopipe/internal/storage"
)

// ErrStopped is returned by Submit once the pipeline has been stopped.
var ErrStopped = errors.New("pipeline stopped")

// DatasetJob is one directory and its matched frames.
type DatasetJob struct {
	ID         string   `json:"id"`
	Dir        string   `json:"dir"`
	Frames     FrameSet `json:"frames"`
	TargetName string   `json:"target,omitempty"`
	// Summary receives this job's summary lines in addition to the runner's reporter.
	Summary Reporter `json:"-"`
}

// Processor runs one dataset job to a terminal state.
type Processor interface {
	Run(ctx context.Context, job DatasetJob) RunResult
}

// Pipeline orchestrates dataset jobs across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan DatasetJob
	ctx       context.Context
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan RunResult
	nextSubID int
}

// New starts concurrency workers feeding jobs to processor. store may be nil.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan DatasetJob, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan RunResult),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit queues a job, blocking while the queue is full. A job without an ID
// gets one; the ID is returned.
func (p *Pipeline) Submit(ctx context.Context, job DatasetJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.ctx.Err() != nil {
		return "", ErrStopped
	}
	if p.store != nil {
		err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			DatasetDir:  job.Dir,
			Status:      "queued",
			FrameCount:  len(job.Frames),
			OptionsJSON: storage.MarshalOptions(map[string]any{"target": job.TargetName}),
		})
		if err != nil {
			p.log.Warn("ledger write failed", "run", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		p.recordCancelled(job.ID, ctx.Err())
		return "", ctx.Err()
	case <-p.ctx.Done():
		p.recordCancelled(job.ID, ErrStopped)
		return "", ErrStopped
	}
}

// recordCancelled closes the ledger row of a job that never entered the queue.
func (p *Pipeline) recordCancelled(id string, cause error) {
	if p.store == nil {
		return
	}
	if err := p.store.RecordRunResult(id, "cancelled", storage.RunOutcome{Error: cause.Error()}); err != nil {
		p.log.Warn("ledger write failed", "run", id, "error", err)
	}
}

// Stop signals workers to exit and waits for them. Runs in progress see a
// cancelled context.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			start := time.Now()
			p.log.Debug("run dequeued", "worker", id, "run", job.ID, "dir", job.Dir)

			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}
			res := p.processor.Run(ctx, job)
			if res.Job.ID == "" {
				res.Job = job
			}
			if res.Duration == 0 {
				res.Duration = time.Since(start)
			}

			if p.store != nil {
				status := "completed"
				if res.Outcome.Failed() {
					status = "failed"
				}
				err := p.store.RecordRunResult(job.ID, status, storage.RunOutcome{
					Outcome:         string(res.Outcome),
					FinalState:      string(res.State),
					SurvivingFrames: len(res.Frames),
					Instrument:      res.Instrument,
					Filter:          res.Filter,
					Error:           errString(res.Err),
				})
				if err != nil {
					p.log.Warn("ledger write failed", "run", job.ID, "error", err)
				}
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving run results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan RunResult, func()) {
	return p.SubscribeBuffered(8)
}

// SubscribeBuffered is Subscribe with a caller-chosen buffer. Results are
// dropped for a subscriber whose buffer is full.
func (p *Pipeline) SubscribeBuffered(n int) (<-chan RunResult, func()) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan RunResult, n)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res RunResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "run", res.Job.ID)
		}
	}
}
