package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"photopipe/internal/fsutil"
	"photopipe/internal/storage"
)

// makeTree lays out root/A (3 frames), root/B (no frames) and root/C (2 frames).
func makeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := []string{
		"A/obj_001.fits", "A/obj_002.fits", "A/obj_003.FITS",
		"B/notes.txt", "B/flat_001.fits",
		"C/obj_010.fts", "C/OBJ_011.Fit",
	}
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestDiscoverFindsDatasetsInTraversalOrder(t *testing.T) {
	root := makeTree(t)
	m, err := fsutil.NewFrameMatcher("obj", nil)
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	jobs, err := Discover(root, m, slog.Default())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(jobs))
	}
	if jobs[0].Dir != filepath.Join(root, "A") || jobs[1].Dir != filepath.Join(root, "C") {
		t.Fatalf("unexpected dataset order %s, %s", jobs[0].Dir, jobs[1].Dir)
	}
	if len(jobs[0].Frames) != 3 || len(jobs[1].Frames) != 2 {
		t.Fatalf("unexpected frame counts %d, %d", len(jobs[0].Frames), len(jobs[1].Frames))
	}
	if jobs[0].ID == "" || jobs[0].ID == jobs[1].ID {
		t.Fatalf("jobs need distinct IDs")
	}
}

func TestDispatchRunsEachDatasetOnceAndKeepsWorkingDir(t *testing.T) {
	root := makeTree(t)
	before, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	m, _ := fsutil.NewFrameMatcher("obj", nil)
	jobs, err := Discover(root, m, slog.Default())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	proc := &recordingProcessor{}
	p := New(context.Background(), 1, 4, slog.Default(), nil, proc)
	defer p.Stop()

	results, err := NewDispatcher(p, slog.Default()).Dispatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	want := []string{filepath.Join(root, "A"), filepath.Join(root, "C")}
	if !reflect.DeepEqual(proc.dirs(), want) {
		t.Fatalf("expected runs %v, got %v", want, proc.dirs())
	}
	if results[0].Job.Dir != want[0] || results[1].Job.Dir != want[1] {
		t.Fatalf("results out of submission order")
	}

	after, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if after != before {
		t.Fatalf("working directory changed from %s to %s", before, after)
	}
}

func TestDispatchContinuesAfterFailedDataset(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]bool{"/data/a": true}}
	p := New(context.Background(), 1, 4, slog.Default(), nil, proc)
	defer p.Stop()

	jobs := []DatasetJob{
		{Dir: "/data/a", Frames: FrameSet{"a1.fits"}},
		{Dir: "/data/b", Frames: FrameSet{"b1.fits"}},
	}
	results, err := NewDispatcher(p, nil).Dispatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if results[0].Outcome != OutcomeFatal || results[1].Outcome != OutcomeDone {
		t.Fatalf("unexpected outcomes %s, %s", results[0].Outcome, results[1].Outcome)
	}
}

func TestDispatchParallelWorkersIsolateContexts(t *testing.T) {
	root := makeTree(t)
	m, _ := fsutil.NewFrameMatcher("obj", nil)
	jobs, err := Discover(root, m, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	hdrs := headers{}
	for _, j := range jobs {
		for _, f := range j.Frames {
			hdrs[f] = header{"INSTRUME": "TEL1", "FILTER": "R"}
		}
	}
	stages := &stubStages{}
	runner := newTestRunner(t, hdrs, stages, nil)
	p := New(context.Background(), 2, 4, slog.Default(), nil, runner)
	defer p.Stop()

	results, err := NewDispatcher(p, nil).Dispatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for i, res := range results {
		if res.Outcome != OutcomeDone {
			t.Fatalf("dataset %d: expected done, got %s (%v)", i, res.Outcome, res.Err)
		}
		if res.Context.DataRoot != jobs[i].Dir {
			t.Fatalf("dataset %d ran with data root %s", i, res.Context.DataRoot)
		}
		for _, f := range res.Frames {
			if filepath.Dir(f) != jobs[i].Dir {
				t.Fatalf("frame %s leaked into dataset %s", f, jobs[i].Dir)
			}
		}
	}
	if results[0].Context.RunID != jobs[0].ID {
		t.Fatalf("run ID should follow the job ID")
	}
}

func TestDispatchStopsOnCancelledContext(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	p := New(context.Background(), 1, 1, slog.Default(), nil, proc)
	defer func() {
		close(proc.block)
		p.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	jobs := []DatasetJob{{Dir: "/data/a"}, {Dir: "/data/b"}, {Dir: "/data/c"}}
	_, err := NewDispatcher(p, nil).Dispatch(ctx, jobs)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestPipelineRecordsRunsInLedger(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	proc := &recordingProcessor{fail: map[string]bool{"/data/bad": true}}
	p := New(context.Background(), 1, 4, slog.Default(), store, proc)
	defer p.Stop()

	jobs := []DatasetJob{{ID: "good", Dir: "/data/good"}, {ID: "bad", Dir: "/data/bad"}}
	if _, err := NewDispatcher(p, nil).Dispatch(context.Background(), jobs); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	good, err := store.Run("good")
	if err != nil {
		t.Fatalf("run good: %v", err)
	}
	if good.Status != "completed" || good.Outcome != "done" {
		t.Fatalf("unexpected good record %+v", good)
	}
	bad, err := store.Run("bad")
	if err != nil {
		t.Fatalf("run bad: %v", err)
	}
	if bad.Status != "failed" || bad.Error == "" {
		t.Fatalf("unexpected bad record %+v", bad)
	}
}

func TestSubmitAbandonedWhileQueueFullIsCancelledInLedger(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	proc := &recordingProcessor{block: make(chan struct{})}
	p := New(context.Background(), 1, 1, slog.Default(), store, proc)
	defer func() {
		close(proc.block)
		p.Stop()
	}()

	// The worker holds the first job and the second fills the queue.
	for _, id := range []string{"first", "second"} {
		if _, err := p.Submit(context.Background(), DatasetJob{ID: id, Dir: "/data/" + id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, DatasetJob{ID: "third", Dir: "/data/third"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	rec, err := store.Run("third")
	if err != nil {
		t.Fatalf("run third: %v", err)
	}
	if rec.Status != "cancelled" || rec.Error == "" {
		t.Fatalf("abandoned submission should be cancelled, got %+v", rec)
	}
}

func TestDispatchLeavesCallerJobsUntouched(t *testing.T) {
	p := New(context.Background(), 2, 4, slog.Default(), nil, &recordingProcessor{})
	defer p.Stop()

	jobs := []DatasetJob{{Dir: "/data/a"}, {Dir: "/data/b"}}
	results, err := NewDispatcher(p, nil).Dispatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for i, job := range jobs {
		if job.ID != "" {
			t.Fatalf("job %d: caller slice was modified, ID %q", i, job.ID)
		}
		if results[i].Job.ID == "" || results[i].Job.Dir != job.Dir {
			t.Fatalf("result %d: expected assigned ID for %s, got %+v", i, job.Dir, results[i].Job)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 1, slog.Default(), nil, &recordingProcessor{})
	p.Stop()
	if _, err := p.Submit(context.Background(), DatasetJob{Dir: "/data/a"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

// Stubs
type recordingProcessor struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	block chan struct{}
}

func (r *recordingProcessor) Run(ctx context.Context, job DatasetJob) RunResult {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, job.Dir)
	r.mu.Unlock()
	if r.fail[job.Dir] {
		return RunResult{Job: job, State: StateAborted, FailedIn: StateValidating, Outcome: OutcomeFatal, Err: errors.New("boom")}
	}
	return RunResult{Job: job, State: StateDone, Outcome: OutcomeDone}
}

func (r *recordingProcessor) dirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}
