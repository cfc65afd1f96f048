package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"photopipe/internal/fsutil"
)

// Discover walks root, the root itself included, and returns one job per
// directory holding frames accepted by m. Directories are visited and frames
// listed in lexical order. The working directory is never changed.
func Discover(root string, m *fsutil.FrameMatcher, logger *slog.Logger) ([]DatasetJob, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var jobs []DatasetJob
	err = fsutil.WalkDirs(abs, func(dir string) error {
		frames, err := fsutil.ListFrames(dir, m)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		if len(frames) == 0 {
			logger.Debug("nothing to do", "dir", dir)
			return nil
		}
		logger.Info("dataset found", "dir", dir, "frames", len(frames))
		jobs = append(jobs, DatasetJob{ID: uuid.NewString(), Dir: dir, Frames: frames})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Queue accepts dataset jobs and publishes their results. *Pipeline satisfies it.
type Queue interface {
	Submit(ctx context.Context, job DatasetJob) (string, error)
	SubscribeBuffered(n int) (<-chan RunResult, func())
}

// Dispatcher feeds independent dataset jobs to a queue and gathers their results.
type Dispatcher struct {
	queue Queue
	log   *slog.Logger
}

// NewDispatcher returns a Dispatcher over q.
func NewDispatcher(q Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: q, log: logger}
}

// Dispatch submits every job and waits for one result per job. Results are
// returned in submission order. A failed or aborted dataset never stops the
// others; only queue or context errors end the dispatch early, in which case
// the results gathered so far are returned with the error. jobs is not
// modified; IDs are assigned on a copy and show up in each result's Job.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []DatasetJob) ([]RunResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	jobs = append([]DatasetJob(nil), jobs...)
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
	}
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		index[j.ID] = i
	}

	results, unsub := d.queue.SubscribeBuffered(len(jobs))
	defer unsub()

	out := make([]RunResult, len(jobs))
	seen := make([]bool, len(jobs))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, job := range jobs {
			if _, err := d.queue.Submit(gctx, job); err != nil {
				return fmt.Errorf("submit %s: %w", job.Dir, err)
			}
			d.log.Info("run pipeline", "dir", job.Dir, "run", job.ID, "frames", len(job.Frames))
		}
		return nil
	})

	g.Go(func() error {
		remaining := len(jobs)
		for remaining > 0 {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case res, ok := <-results:
				if !ok {
					return ErrStopped
				}
				i, mine := index[res.Job.ID]
				if !mine || seen[i] {
					continue
				}
				seen[i] = true
				out[i] = res
				remaining--
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		gathered := make([]RunResult, 0, len(jobs))
		for i, ok := range seen {
			if ok {
				gathered = append(gathered, out[i])
			}
		}
		return gathered, err
	}
	return out, nil
}
