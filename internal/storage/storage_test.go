package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRunQueued(RunRecord{ID: "run-1", DatasetDir: "/data/a", Status: "queued", FrameCount: 3}); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	out := RunOutcome{Outcome: "done", FinalState: "done", SurvivingFrames: 2, Instrument: "DCTLMI", Filter: "R"}
	if err := s.RecordRunResult("run-1", "completed", out); err != nil {
		t.Fatalf("result: %v", err)
	}

	rec, err := s.Run("run-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.Status != "completed" || rec.Outcome != "done" || rec.SurvivingFrames != 2 || rec.FrameCount != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", rec)
	}
	if rec.Instrument != "DCTLMI" || rec.Filter != "R" {
		t.Fatalf("unexpected resolution %q/%q", rec.Instrument, rec.Filter)
	}
}

func TestRunMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Run("nope"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestSummariesKeepOrder(t *testing.T) {
	s := newTestStore(t)
	lines := []SummaryRecord{
		{RunID: "r", Stage: "register", Level: "partial", Message: "registration failed for 1/2 images"},
		{RunID: "r", Stage: "photometry", Level: "success", Message: "aprad = 5.0 px"},
		{RunID: "other", Stage: "register", Level: "success", Message: "all images registered"},
	}
	for _, l := range lines {
		if err := s.RecordSummary(l); err != nil {
			t.Fatalf("record summary: %v", err)
		}
	}
	got, err := s.RunSummaries("r")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(got) != 2 || got[0].Stage != "register" || got[1].Stage != "photometry" {
		t.Fatalf("unexpected summaries %+v", got)
	}
}

func TestRecentRunsLimit(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordRunQueued(RunRecord{ID: id, DatasetDir: "/d/" + id, Status: "queued"}); err != nil {
			t.Fatalf("queued: %v", err)
		}
	}
	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "c" {
		t.Fatalf("expected newest first, got %s", runs[0].ID)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart("x"); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store should refuse reads")
	}
}
