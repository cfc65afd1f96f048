package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/instrument"
	"photopipe/internal/pipeline"
	"photopipe/internal/server"
	"photopipe/internal/storage"
	"photopipe/internal/tasks"
)

func TestRunAllDispatchesEveryDataset(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	tree := t.TempDir()
	touch(t, filepath.Join(tree, "a", "obj_0001.fits"))
	touch(t, filepath.Join(tree, "a", "obj_0002.FIT"))
	touch(t, filepath.Join(tree, "b", "flat_0001.fits"))
	touch(t, filepath.Join(tree, "c", "obj_0001.fts"))

	out := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"run", "all", "--prefix", "obj", "--root", tree, "--target", "2001 XY"}); err != nil {
			t.Fatalf("run all failed: %v", err)
		}
	})

	jobs := fakePipe.submitted()
	if len(jobs) != 2 {
		t.Fatalf("expected two datasets, got %d", len(jobs))
	}
	if jobs[0].Dir != filepath.Join(tree, "a") || jobs[1].Dir != filepath.Join(tree, "c") {
		t.Fatalf("unexpected dataset order %s, %s", jobs[0].Dir, jobs[1].Dir)
	}
	if len(jobs[0].Frames) != 2 || jobs[0].TargetName != "2001 XY" {
		t.Fatalf("unexpected first job %+v", jobs[0])
	}
	if jobs[0].Summary == nil {
		t.Fatalf("'all' mode should attach the summary file")
	}
	if !strings.Contains(out, filepath.Join(tree, "c")+": done") {
		t.Fatalf("expected per-dataset outcome in output %q", out)
	}

	summary, err := os.ReadFile(filepath.Join(tree, "summary.txt"))
	if err != nil {
		t.Fatalf("summary file: %v", err)
	}
	if strings.Count(string(summary), "all images registered") != 2 {
		t.Fatalf("expected one row per dataset, got %q", summary)
	}
}

func TestRunAllRequiresPrefix(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"run", "all"}); err == nil {
		t.Fatalf("expected error without --prefix")
	}
	if err := root.Run(context.Background(), []string{"run"}); err == nil {
		t.Fatalf("expected error without images")
	}
	if len(fakePipe.submitted()) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestRunExplicitFramesUseWorkingDirectory(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"run", "f2.fits", "f1.fits"}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	})

	jobs := fakePipe.submitted()
	if len(jobs) != 1 {
		t.Fatalf("expected one dataset, got %d", len(jobs))
	}
	if jobs[0].Dir != cwd {
		t.Fatalf("expected dataset dir %s, got %s", cwd, jobs[0].Dir)
	}
	want := []string{filepath.Join(cwd, "f2.fits"), filepath.Join(cwd, "f1.fits")}
	for i, f := range jobs[0].Frames {
		if f != want[i] {
			t.Fatalf("frame %d: expected %s, got %s", i, want[i], f)
		}
	}
	if jobs[0].Summary != nil {
		t.Fatalf("explicit frames should not write a summary file")
	}
}

func TestRunReportsFailedDatasetsAfterAllRan(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	tree := t.TempDir()
	touch(t, filepath.Join(tree, "a", "obj_0001.fits"))
	touch(t, filepath.Join(tree, "b", "obj_0001.fits"))
	touch(t, filepath.Join(tree, "c", "obj_0001.fits"))
	fakePipe.outcomes[filepath.Join(tree, "a")] = pipeline.OutcomeAborted
	fakePipe.outcomes[filepath.Join(tree, "b")] = pipeline.OutcomeStopped

	var err error
	captureOutput(t, func() {
		err = root.Run(context.Background(), []string{"run", "all", "--prefix", "obj", "--root", tree})
	})
	if !errors.Is(err, ErrRunsFailed) {
		t.Fatalf("expected ErrRunsFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("stopped datasets must not count as failures: %v", err)
	}
	if len(fakePipe.submitted()) != 3 {
		t.Fatalf("every dataset should run despite the failure")
	}
}

func TestWatchSubmitsSettledDirectories(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	tree := t.TempDir()
	night := filepath.Join(tree, "night1")
	if err := os.MkdirAll(night, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- root.Run(ctx, []string{"watch", tree, "--prefix", "obj", "--settle", "100ms"})
	}()

	time.Sleep(200 * time.Millisecond)
	touch(t, filepath.Join(night, "obj_0001.fits"))

	deadline := time.Now().Add(5 * time.Second)
	for len(fakePipe.submitted()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no dataset submitted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}

	job := fakePipe.submitted()[0]
	if job.Dir != night || len(job.Frames) != 1 || job.Summary == nil {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestWatchRequiresPrefix(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"watch", t.TempDir()}); err == nil {
		t.Fatalf("expected error without --prefix")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	tree := t.TempDir()
	touch(t, filepath.Join(tree, "a", "obj_0001.fits"))

	var called bool
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, discover server.DiscoverFunc, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		jobs, err := discover(tree, "obj")
		if err != nil || len(jobs) != 1 {
			t.Fatalf("discover through server hook: %v %v", jobs, err)
		}
		if jobs[0].Summary == nil {
			t.Fatalf("API submissions should write the summary file")
		}
		if _, err := os.Stat(filepath.Join(tree, "summary.txt")); err != nil {
			t.Fatalf("summary file not created: %v", err)
		}
		return nil
	}
	if err := root.Run(context.Background(), []string{"serve", "--addr", ":9999"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestRunsCommandsReadLedger(t *testing.T) {
	root, _, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	root.store = store

	empty := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"runs"}); err != nil {
			t.Fatalf("runs failed: %v", err)
		}
	})
	if !strings.Contains(empty, "No runs recorded") {
		t.Fatalf("expected empty ledger message, got %q", empty)
	}

	if err := store.RecordRunQueued(storage.RunRecord{ID: "run-1", DatasetDir: "/data/a", Status: "queued", FrameCount: 3}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.RecordRunResult("run-1", "failed", storage.RunOutcome{Outcome: "aborted", FinalState: "aborted", Error: "no frames registered"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.RecordSummary(storage.SummaryRecord{RunID: "run-1", Stage: "register", Level: "failure", Message: "registration failed"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	list := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"runs"}); err != nil {
			t.Fatalf("runs failed: %v", err)
		}
	})
	if !strings.Contains(list, "run-1") || !strings.Contains(list, "/data/a") {
		t.Fatalf("expected run listed, got %q", list)
	}

	show := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"runs", "show", "run-1"}); err != nil {
			t.Fatalf("runs show failed: %v", err)
		}
	})
	for _, want := range []string{"aborted", "registration failed", "no frames registered"} {
		if !strings.Contains(show, want) {
			t.Fatalf("expected %q in %q", want, show)
		}
	}

	if err := root.Run(context.Background(), []string{"runs", "show", "missing"}); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestInstrumentsCommandListsRegistry(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"instruments"}); err != nil {
			t.Fatalf("instruments failed: %v", err)
		}
	})
	for _, want := range []string{"DCTLMI", "LMI", `"OPEN"`, "none", "SDSS-R"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}

func TestToolsCommandUsesManager(t *testing.T) {
	root, _, toolMgr := newTestRoot(t)
	toolMgr.status = []tasks.ToolStatus{
		{Stage: "prepare", Command: "pp_prepare", Available: true, Version: "1.0", Path: "/usr/bin/pp_prepare"},
		{Stage: "distill", Command: "pp_distill", Available: false, Error: io.EOF},
	}
	toolMgr.missing = []string{"distill"}

	out := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"tools"}); err != nil {
			t.Fatalf("tools failed: %v", err)
		}
	})
	if !strings.Contains(out, "Stage Tool Status") {
		t.Fatalf("expected header in output")
	}
	if !strings.Contains(out, "Missing stages: distill") {
		t.Fatalf("expected missing stage summary in %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, "pp_register") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	validOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
			t.Fatalf("config validate failed: %v", err)
		}
	})
	if !strings.Contains(validOut, "Configuration is valid") {
		t.Fatalf("unexpected validate output %q", validOut)
	}

	root.cfg.Pipeline.MinStars = 0
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected validation error")
	}

	versionOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"version"}); err != nil {
			t.Fatalf("version failed: %v", err)
		}
	})
	if !strings.Contains(versionOut, "photopipe "+Version) {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *stubToolManager) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DatabasePath = filepath.Join(tmp, "photopipe.db")
	cfg.Logging.LogDir = filepath.Join(tmp, "logs")

	reg, err := instrument.Builtin()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	toolMgr := &stubToolManager{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		registry: reg,
		toolFactory: func(*config.Config) toolManager {
			return toolMgr
		},
		serveFn: defaultServe,
	}
	return root, pipe, toolMgr
}

// fakePipeline answers every submitted job with one result, reporting a
// register summary line through the job's own reporter.
type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.DatasetJob
	subs      map[int]chan pipeline.RunResult
	nextSubID int
	nextID    int
	outcomes  map[string]pipeline.Outcome
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:     make(map[int]chan pipeline.RunResult),
		outcomes: make(map[string]pipeline.Outcome),
	}
}

func (f *fakePipeline) Submit(ctx context.Context, job pipeline.DatasetJob) (string, error) {
	f.mu.Lock()
	if job.ID == "" {
		f.nextID++
		job.ID = fmt.Sprintf("job-%d", f.nextID)
	}
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.RunResult, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	outcome, ok := f.outcomes[job.Dir]
	if !ok {
		outcome = pipeline.OutcomeDone
	}
	f.mu.Unlock()

	line := pipeline.SummaryLine{Stage: pipeline.StageRegister, Level: pipeline.LevelSuccess, Message: "all images registered"}
	if job.Summary != nil {
		_ = job.Summary.Report(pipeline.RunContext{RunID: job.ID, DataRoot: job.Dir}, line)
	}
	res := pipeline.RunResult{
		Job:     job,
		State:   pipeline.State(outcome),
		Outcome: outcome,
		Summary: []pipeline.SummaryLine{line},
		Frames:  job.Frames,
	}
	go func() {
		for _, ch := range subs {
			select {
			case ch <- res:
			default:
			}
		}
	}()
	return job.ID, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.RunResult, func()) {
	return f.SubscribeBuffered(8)
}

func (f *fakePipeline) SubscribeBuffered(n int) (<-chan pipeline.RunResult, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.RunResult, n)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
	return ch, unsub
}

func (f *fakePipeline) submitted() []pipeline.DatasetJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.DatasetJob(nil), f.jobs...)
}

type stubToolManager struct {
	status  []tasks.ToolStatus
	missing []string
}

func (m *stubToolManager) Status(ctx context.Context) []tasks.ToolStatus { return m.status }

func (m *stubToolManager) Missing(ctx context.Context) []string { return m.missing }

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var buf bytes.Buffer
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, r)
		close(copied)
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	<-copied
	return buf.String()
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
