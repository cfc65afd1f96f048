package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/fsutil"
	"photopipe/internal/instrument"
	"photopipe/internal/logging"
	"photopipe/internal/pipeline"
	"photopipe/internal/server"
	"photopipe/internal/storage"
	"photopipe/internal/tasks"
)

// ErrRunsFailed is returned by the run command when at least one dataset
// ended fatal or aborted.
var ErrRunsFailed = errors.New("one or more datasets failed")

type pipelineClient interface {
	Submit(ctx context.Context, job pipeline.DatasetJob) (string, error)
	Subscribe() (<-chan pipeline.RunResult, func())
	SubscribeBuffered(n int) (<-chan pipeline.RunResult, func())
}

type toolManager interface {
	Status(ctx context.Context) []tasks.ToolStatus
	Missing(ctx context.Context) []string
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, discover server.DiscoverFunc, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, discover server.DiscoverFunc, log *slog.Logger) error {
	return server.NewServer(addr, store, pipe, discover, log).Start(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	registry    *instrument.Registry
	toolFactory toolManagerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, reg *instrument.Registry) *Root {
	if logger == nil {
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		registry: reg,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(os.Stdout)
	cmd.SilenceUsage = true
	return cmd.ExecuteContext(ctx)
}

func (r *Root) matcher(prefix string) (*fsutil.FrameMatcher, error) {
	return fsutil.NewFrameMatcher(prefix, r.cfg.Pipeline.FrameExtensions)
}

// discover finds the datasets below root and attaches a fresh summary file at
// the top of the tree to each of them. It backs both "run all" and the status
// API's submissions.
func (r *Root) discover(root, prefix string) ([]pipeline.DatasetJob, error) {
	m, err := r.matcher(prefix)
	if err != nil {
		return nil, err
	}
	jobs, err := pipeline.Discover(root, m, r.log)
	if err != nil || len(jobs) == 0 {
		return jobs, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	summary, err := pipeline.NewSummaryFile(filepath.Join(absRoot, r.cfg.Paths.SummaryFile))
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Summary = summary
	}
	return jobs, nil
}

// cmdRun processes either every dataset below root ("all") or the explicitly
// listed frames as one dataset in the working directory.
func (r *Root) cmdRun(ctx context.Context, images []string, root, prefix, target string) error {
	if len(images) == 0 {
		return errors.New("no images given; pass frame paths or 'all'")
	}

	var jobs []pipeline.DatasetJob
	if len(images) == 1 && images[0] == "all" {
		if strings.TrimSpace(prefix) == "" {
			return errors.New("'all' requires --prefix")
		}
		found, err := r.discover(root, prefix)
		if err != nil {
			return fmt.Errorf("discover datasets: %w", err)
		}
		if len(found) == 0 {
			fmt.Fprintf(os.Stdout, "No datasets with prefix %q below %s\n", prefix, root)
			return nil
		}
		jobs = found
	} else {
		job, err := explicitJob(images)
		if err != nil {
			return err
		}
		jobs = []pipeline.DatasetJob{job}
	}
	for i := range jobs {
		jobs[i].TargetName = target
	}

	start := time.Now()
	results, err := pipeline.NewDispatcher(r.pipeline, r.log).Dispatch(ctx, jobs)
	printResults(results)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.Outcome.Failed() {
			failed++
		}
	}
	r.log.Info("batch finished", "datasets", len(results), "failed", failed, "duration", time.Since(start))
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRunsFailed, failed, len(results))
	}
	return nil
}

// explicitJob builds a single dataset from frame paths given on the command
// line. The dataset directory is the working directory.
func explicitJob(images []string) (pipeline.DatasetJob, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return pipeline.DatasetJob{}, err
	}
	frames := make(pipeline.FrameSet, 0, len(images))
	for _, img := range images {
		abs, err := filepath.Abs(img)
		if err != nil {
			return pipeline.DatasetJob{}, err
		}
		frames = append(frames, abs)
	}
	return pipeline.DatasetJob{Dir: cwd, Frames: frames}, nil
}

func printResults(results []pipeline.RunResult) {
	for _, res := range results {
		fmt.Fprintf(os.Stdout, "%s: %s (%s)\n", res.Job.Dir, res.Outcome, res.State)
		if res.FailedIn != "" {
			fmt.Fprintf(os.Stdout, "  failed in: %s\n", res.FailedIn)
		}
		for _, line := range res.Summary {
			fmt.Fprintf(os.Stdout, "  %-10s %-8s %s\n", line.Stage, line.Level, line.Message)
		}
		if res.Err != nil {
			fmt.Fprintf(os.Stdout, "  error: %v\n", res.Err)
		}
	}
}

// cmdWatch submits every directory below root that receives new frames once
// it has been quiet for the settle delay. It returns when ctx is done.
func (r *Root) cmdWatch(ctx context.Context, root, prefix, target string, settle time.Duration) error {
	if strings.TrimSpace(prefix) == "" {
		return errors.New("watch requires --prefix")
	}
	m, err := r.matcher(prefix)
	if err != nil {
		return err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	summary, err := pipeline.NewSummaryFile(filepath.Join(absRoot, r.cfg.Paths.SummaryFile))
	if err != nil {
		return err
	}
	w, err := tasks.NewDatasetWatcher(absRoot, m, settle, r.log)
	if err != nil {
		return err
	}

	results, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Run(ctx) }()

	for {
		select {
		case dir, ok := <-w.Ready:
			if !ok {
				return <-watchErr
			}
			frames, err := fsutil.ListFrames(dir, m)
			if err != nil {
				r.log.Warn("cannot list dataset", "dir", dir, "error", err)
				continue
			}
			if len(frames) == 0 {
				continue
			}
			id, err := r.pipeline.Submit(ctx, pipeline.DatasetJob{
				Dir:        dir,
				Frames:     frames,
				TargetName: target,
				Summary:    summary,
			})
			if err != nil {
				if ctx.Err() != nil {
					return <-watchErr
				}
				return fmt.Errorf("submit %s: %w", dir, err)
			}
			r.log.Info("dataset queued", "dir", dir, "run", id, "frames", len(frames))
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			printResults([]pipeline.RunResult{res})
		}
	}
}

func (r *Root) cmdServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	r.log.Info("starting server", "addr", addr)
	return r.serveFn(ctx, addr, r.store, r.pipeline, r.discover, r.log)
}

func (r *Root) cmdRuns(limit int) error {
	recs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded")
		return nil
	}
	for _, rec := range recs {
		outcome := rec.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(os.Stdout, "%s  %-9s %-8s %s  %s\n", rec.ID, rec.Status, outcome, rec.CreatedAt.Format(time.RFC3339), rec.DatasetDir)
	}
	return nil
}

func (r *Root) cmdRunShow(id string) error {
	rec, err := r.store.Run(id)
	if err != nil {
		return err
	}
	lines, err := r.store.RunSummaries(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Run %s\n", rec.ID)
	fmt.Fprintf(os.Stdout, "  Dataset:    %s\n", rec.DatasetDir)
	fmt.Fprintf(os.Stdout, "  Status:     %s\n", rec.Status)
	fmt.Fprintf(os.Stdout, "  Outcome:    %s (%s)\n", rec.Outcome, rec.FinalState)
	fmt.Fprintf(os.Stdout, "  Frames:     %d (%d surviving)\n", rec.FrameCount, rec.SurvivingFrames)
	if rec.Instrument != "" {
		fmt.Fprintf(os.Stdout, "  Instrument: %s, filter %s\n", rec.Instrument, rec.Filter)
	}
	if rec.Error != "" {
		fmt.Fprintf(os.Stdout, "  Error:      %s\n", rec.Error)
	}
	for _, line := range lines {
		fmt.Fprintf(os.Stdout, "  %-10s %-8s %s\n", line.Stage, line.Level, line.Message)
	}
	return nil
}

func (r *Root) cmdInstruments() error {
	if r.registry == nil {
		return errors.New("instrument registry not loaded")
	}
	for _, p := range r.registry.Profiles() {
		fmt.Fprintf(os.Stdout, "%s\n", p.Name)
		fmt.Fprintf(os.Stdout, "  identifiers:    %s\n", strings.Join(p.Identifiers, ", "))
		fmt.Fprintf(os.Stdout, "  source minarea: %g\n", p.SourceMinArea)
		fmt.Fprintf(os.Stdout, "  aperture:       %g px\n", p.ApertureDefault)
		for _, tag := range p.FilterTags() {
			f, _ := p.TranslateFilter(tag)
			fmt.Fprintf(os.Stdout, "  filter %-14q -> %s\n", tag, f)
		}
	}
	return nil
}

// cmdTools shows the availability of the external stage tools.
func (r *Root) cmdTools(ctx context.Context) error {
	tm := r.newToolManager()
	fmt.Fprintln(os.Stdout, "=== Stage Tool Status ===")
	for _, st := range tm.Status(ctx) {
		logging.LogToolStatus(r.log, st.Command, st.Available, st.Version, st.Path, st.Error)
		if st.Available {
			fmt.Fprintf(os.Stdout, "  %-11s %-16s AVAILABLE  %s (%s)\n", st.Stage, st.Command, st.Version, st.Path)
		} else {
			fmt.Fprintf(os.Stdout, "  %-11s %-16s MISSING    %v\n", st.Stage, st.Command, st.Error)
		}
	}
	if missing := tm.Missing(ctx); len(missing) > 0 {
		fmt.Fprintf(os.Stdout, "\nMissing stages: %s\n", strings.Join(missing, ", "))
		fmt.Fprintln(os.Stdout, "Set tools.<stage>.command in the config file to point at the stage programs.")
	}
	return nil
}
