package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbaille/taglisten/internal/classifier"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/extract"
	"github.com/pbaille/taglisten/internal/ingest"
	"github.com/pbaille/taglisten/internal/ledger"
	"github.com/pbaille/taglisten/internal/source"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var capture = time.Date(2023, time.July, 5, 12, 0, 0, 0, time.UTC)

type fakeSource map[string][]domain.RawPost

func (f fakeSource) Fetch(_ context.Context, tag string) ([]domain.RawPost, error) {
	posts, ok := f[tag]
	if !ok {
		return nil, errors.New("no export for " + tag)
	}
	return posts, nil
}

type fakeClassifier struct {
	mu      sync.Mutex
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	fail    bool
}

func (f *fakeClassifier) Classify(_ context.Context, req classifier.Request) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	f.mu.Lock()
	if n > f.maxSeen.Load() {
		f.maxSeen.Store(n)
	}
	f.mu.Unlock()
	time.Sleep(f.delay)

	if f.fail {
		return "no json here", nil
	}
	items := make([]map[string]any, len(req.Posts))
	for i, p := range req.Posts {
		items[i] = map[string]any{"index": p.Index, "topic": []string{"general"}}
	}
	b, err := json.Marshal(map[string]any{"faq": items})
	return string(b), err
}

type env struct {
	runner     *Runner
	classified *store.ClassifiedStore
	runs       *store.Runs
}

func newEnv(t *testing.T, src source.Source, c classifier.Classifier, parallel int) env {
	t.Helper()
	dir := t.TempDir()
	posts := store.NewPostStore(dir, time.UTC)
	classified := store.NewClassifiedStore(dir, time.UTC)
	runs, err := store.OpenRuns(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	r := New(Deps{
		Source:      src,
		Merger:      ingest.NewMerger(posts, time.UTC, zerolog.Nop()),
		Driver:      extract.NewDriver(c, posts, classified, ledger.New(filepath.Join(dir, "hash")), extract.Options{ChunkSize: 2}, zerolog.Nop()),
		Runs:        runs,
		MaxParallel: parallel,
	}, zerolog.Nop())
	return env{runner: r, classified: classified, runs: runs}
}

func raw(text, postTime string) domain.RawPost {
	return domain.RawPost{Author: "@user", Text: text, CaptureTime: capture, RawPostTime: postTime}
}

func TestRunTag(t *testing.T) {
	src := fakeSource{"dsi321": {raw("a", "5m"), raw("b", "1h"), raw("c", "Jul 4, 2023")}}
	e := newEnv(t, src, &fakeClassifier{}, 1)

	require.NoError(t, e.runner.RunTag(context.Background(), "#DSI321"))

	recs, err := e.classified.ReadAll("dsi321")
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	runs, err := e.runs.ListRuns("dsi321", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byStage := map[domain.Stage]domain.Run{}
	for _, r := range runs {
		byStage[r.Stage] = r
	}
	assert.Equal(t, store.StatusOK, byStage[domain.StageIngest].Status)
	assert.Equal(t, 3, byStage[domain.StageIngest].Input)
	assert.Equal(t, 3, byStage[domain.StageIngest].Output)
	assert.Equal(t, store.StatusOK, byStage[domain.StageClassify].Status)
	assert.Equal(t, 3, byStage[domain.StageClassify].Output)
}

func TestRunAllContinuesPastFailingTag(t *testing.T) {
	src := fakeSource{"good": {raw("a", "5m")}}
	e := newEnv(t, src, &fakeClassifier{}, 2)

	err := e.runner.RunAll(context.Background(), []string{"missing", "good"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	recs, err := e.classified.ReadAll("good")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	runs, err := e.runs.ListRuns("missing", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "no export")
}

func TestClassifyRecordsPartialRun(t *testing.T) {
	src := fakeSource{"dsi321": {raw("a", "5m"), raw("b", "1h")}}
	e := newEnv(t, src, &fakeClassifier{fail: true}, 1)

	n, err := e.runner.Ingest(context.Background(), "dsi321", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := e.runner.Classify(context.Background(), "dsi321")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedChunks)

	runs, err := e.runs.ListRuns("dsi321", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StageClassify, runs[0].Stage)
	assert.Equal(t, store.StatusPartial, runs[0].Status)
	assert.Equal(t, 2, runs[0].Input)
}

func TestIngestExplicitPosts(t *testing.T) {
	e := newEnv(t, nil, &fakeClassifier{}, 1)

	n, err := e.runner.Ingest(context.Background(), "DSI321", []domain.RawPost{raw("x", "2h")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.runner.Ingest(context.Background(), "dsi321", nil)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))
}

func TestInvalidTag(t *testing.T) {
	e := newEnv(t, fakeSource{}, &fakeClassifier{}, 1)

	err := e.runner.RunTag(context.Background(), "###")
	assert.True(t, perr.IsCode(err, perr.ErrorCodeInvalidArgument))
}

func TestSameTagRunsAreSerialized(t *testing.T) {
	src := fakeSource{"dsi321": {raw("a", "5m"), raw("b", "1h")}}
	fc := &fakeClassifier{delay: 50 * time.Millisecond}
	e := newEnv(t, src, fc, 4)

	_, err := e.runner.Ingest(context.Background(), "dsi321", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.runner.Classify(context.Background(), "dsi321")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fc.maxSeen.Load())
	recs, err := e.classified.ReadAll("dsi321")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRunAllCanceled(t *testing.T) {
	e := newEnv(t, fakeSource{"a": {raw("a", "5m")}}, &fakeClassifier{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.runner.RunAll(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}
