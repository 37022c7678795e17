// Package pipeline runs ingestion then classification for tags and
// records every stage in the run log
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/extract"
	"github.com/pbaille/taglisten/internal/ingest"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/pbaille/taglisten/internal/source"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/tagname"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Deps are the collaborators of a Runner. Source and Runs are optional.
type Deps struct {
	Source      source.Source
	Merger      *ingest.Merger
	Driver      *extract.Driver
	Runs        *store.Runs
	MaxParallel int
}

// Runner serializes work per tag and bounds how many tags run at once
type Runner struct {
	source   source.Source
	merger   *ingest.Merger
	driver   *extract.Driver
	runs     *store.Runs
	parallel int
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Runner
func New(d Deps, log zerolog.Logger) *Runner {
	r := &Runner{
		source:   d.Source,
		merger:   d.Merger,
		driver:   d.Driver,
		runs:     d.Runs,
		parallel: d.MaxParallel,
		log:      logger.Named(log, "pipeline"),
		locks:    make(map[string]*sync.Mutex),
	}
	if r.parallel < 1 {
		r.parallel = 1
	}
	return r
}

// lock takes the tag's mutex and returns its release
func (r *Runner) lock(tag string) func() {
	r.mu.Lock()
	m, ok := r.locks[tag]
	if !ok {
		m = &sync.Mutex{}
		r.locks[tag] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func cleanTag(tag string) (string, error) {
	clean := tagname.Clean(tag)
	if clean == "" {
		return "", perr.InvalidArgf("tag %q has no usable characters", tag)
	}
	return clean, nil
}

// Ingest merges posts into the tag's store. With nil posts they are
// fetched from the configured source. Returns the number of new posts.
func (r *Runner) Ingest(ctx context.Context, tag string, posts []domain.RawPost) (int, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return 0, err
	}
	defer r.lock(tag)()
	return r.ingest(ctx, tag, posts)
}

func (r *Runner) ingest(ctx context.Context, tag string, posts []domain.RawPost) (n int, err error) {
	run := r.start(tag, domain.StageIngest)
	defer func() { r.finish(run, err, 0) }()

	if posts == nil {
		if r.source == nil {
			return 0, perr.InvalidArgf("no input given and no source configured")
		}
		posts, err = r.source.Fetch(ctx, tag)
		if err != nil {
			return 0, perr.Wrapf(err, perr.ErrorCodeRun, "fetch posts for %q", tag)
		}
	}
	if run != nil {
		run.Input = len(posts)
	}

	added, err := r.merger.Merge(ctx, tag, posts)
	if err != nil {
		return 0, err
	}
	if run != nil {
		run.Output = len(added)
	}
	return len(added), nil
}

// Classify runs the classification driver for tag
func (r *Runner) Classify(ctx context.Context, tag string) (*extract.Result, error) {
	tag, err := cleanTag(tag)
	if err != nil {
		return nil, err
	}
	defer r.lock(tag)()
	return r.classify(ctx, tag)
}

func (r *Runner) classify(ctx context.Context, tag string) (res *extract.Result, err error) {
	run := r.start(tag, domain.StageClassify)
	defer func() {
		failed := 0
		if res != nil {
			failed = res.FailedChunks
			if run != nil {
				run.Input = res.Unseen
				run.Output = len(res.Records)
			}
		}
		r.finish(run, err, failed)
	}()
	return r.driver.Run(ctx, tag)
}

// RunTag fetches, merges and classifies one tag
func (r *Runner) RunTag(ctx context.Context, tag string) error {
	tag, err := cleanTag(tag)
	if err != nil {
		return err
	}
	defer r.lock(tag)()

	log := r.log.With().Str("tag", tag).Logger()
	n, err := r.ingest(ctx, tag, nil)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", tag, err)
	}
	res, err := r.classify(ctx, tag)
	if err != nil {
		return fmt.Errorf("classify %s: %w", tag, err)
	}
	log.Info().
		Int("ingested", n).
		Int("classified", len(res.Records)).
		Int("failed_chunks", res.FailedChunks).
		Msg("tag run done")
	return nil
}

// RunAll runs every tag, at most MaxParallel at a time. A failing tag is
// logged and does not stop the others; the joined errors are returned.
func (r *Runner) RunAll(ctx context.Context, tags []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.parallel)
	for _, tag := range tags {
		tag := tag
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.RunTag(ctx, tag); err != nil {
				r.log.Error().Err(err).Str("tag", tag).Msg("tag run failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runner) start(tag string, stage domain.Stage) *domain.Run {
	if r.runs == nil {
		return nil
	}
	run, err := r.runs.Start(tag, stage)
	if err != nil {
		r.log.Warn().Err(err).Str("tag", tag).Msg("run log unavailable")
		return nil
	}
	return run
}

func (r *Runner) finish(run *domain.Run, err error, failedChunks int) {
	if run == nil {
		return
	}
	run.FailedChunks = failedChunks
	switch {
	case err != nil:
		run.Status = store.StatusFailed
		run.Error = err.Error()
	case failedChunks > 0:
		run.Status = store.StatusPartial
	default:
		run.Status = store.StatusOK
	}
	if ferr := r.runs.Finish(run); ferr != nil {
		r.log.Warn().Err(ferr).Str("run_id", run.ID).Msg("run log update failed")
	}
}
