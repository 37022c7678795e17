package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbaille/taglisten/internal/classifier"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/fingerprint"
	"github.com/pbaille/taglisten/internal/ledger"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/taxonomy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tag = "dsi321"

type fakeClassifier struct {
	requests []classifier.Request
	answer   func(call int, req classifier.Request) (string, error)
}

func (f *fakeClassifier) Classify(_ context.Context, req classifier.Request) (string, error) {
	f.requests = append(f.requests, req)
	return f.answer(len(f.requests), req)
}

// faqAnswer puts every post under "faq" with one topic per call
func faqAnswer(call int, req classifier.Request) (string, error) {
	items := make([]map[string]any, len(req.Posts))
	for i, p := range req.Posts {
		items[i] = map[string]any{
			"index":    p.Index,
			"text":     p.Text,
			"topic":    []string{fmt.Sprintf("topic-%d", call)},
			"subtopic": []string{"general"},
		}
	}
	b, err := json.Marshal(map[string]any{"faq": items, "issue": []any{}})
	return "```json\n" + string(b) + "\n```", err
}

type fixture struct {
	posts      *store.PostStore
	classified *store.ClassifiedStore
	ledger     *ledger.Ledger
}

func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		posts:      store.NewPostStore(dir, time.UTC),
		classified: store.NewClassifiedStore(dir, time.UTC),
		ledger:     ledger.New(filepath.Join(dir, "hash")),
	}
	if n == 0 {
		return f
	}

	base := time.Date(2023, time.July, 1, 8, 0, 0, 0, time.UTC)
	posts := make([]domain.NormalizedPost, n)
	for i := range posts {
		pt := base.Add(time.Duration(i) * 7 * time.Hour)
		part := domain.PartitionOf(pt)
		posts[i] = domain.NormalizedPost{
			RawPost: domain.RawPost{
				Author:      "@user",
				Text:        fmt.Sprintf("post %02d", i+1),
				CaptureTime: pt.Add(time.Hour),
				RawPostTime: "1h",
				Tag:         tag,
			},
			PostTime:  pt,
			PostYear:  part.Year,
			PostMonth: part.Month,
			PostDay:   part.Day,
		}
	}
	require.NoError(t, f.posts.Upsert(tag, posts))
	return f
}

func (f fixture) driver(c classifier.Classifier, size int) *Driver {
	return NewDriver(c, f.posts, f.classified, f.ledger, Options{ChunkSize: size}, zerolog.Nop())
}

func TestClassifyChunkCoverage(t *testing.T) {
	f := newFixture(t, 12)
	fc := &fakeClassifier{answer: faqAnswer}

	res, err := f.driver(fc, 5).Run(context.Background(), tag)
	require.NoError(t, err)

	require.Len(t, fc.requests, 3)
	assert.Equal(t, 12, res.Unseen)
	assert.Equal(t, 3, res.Chunks)
	assert.Zero(t, res.FailedChunks)

	seen := map[int]int{}
	for _, req := range fc.requests {
		for _, p := range req.Posts {
			seen[p.Index]++
		}
	}
	require.Len(t, seen, 12)
	for i := 1; i <= 12; i++ {
		assert.Equal(t, 1, seen[i], "index %d", i)
	}
	assert.Len(t, fc.requests[2].Posts, 2)
	assert.Equal(t, "post 01", fc.requests[0].Posts[0].Text)

	assert.Len(t, res.Records, 12)
	stored, err := f.classified.ReadAll(tag)
	require.NoError(t, err)
	assert.Len(t, stored, 12)

	done, err := f.ledger.Load(tag)
	require.NoError(t, err)
	assert.Len(t, done, 12)
}

func TestClassifyJoinsPostFields(t *testing.T) {
	f := newFixture(t, 1)
	fc := &fakeClassifier{answer: faqAnswer}

	recs, err := f.driver(fc, 50).Classify(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "post 01", r.Text)
	assert.Equal(t, tag, r.Tag)
	assert.Equal(t, "faq", r.Category)
	assert.Equal(t, []string{"topic-1"}, r.Topics)
	assert.Equal(t, []string{"general"}, r.Subtopics)
	assert.Equal(t, time.Date(2023, time.July, 1, 8, 0, 0, 0, time.UTC), r.PostTime)
	assert.Equal(t, 2023, r.PostYear)
	assert.Equal(t, 7, r.PostMonth)
	assert.Equal(t, 1, r.PostDay)
}

func TestClassifyPartialFailure(t *testing.T) {
	f := newFixture(t, 9)
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		if call == 2 {
			return "Sorry, I can't produce JSON today", nil
		}
		return faqAnswer(call, req)
	}}

	res, err := f.driver(fc, 3).Run(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedChunks)
	assert.Len(t, res.Records, 6)

	done, err := f.ledger.Load(tag)
	require.NoError(t, err)
	assert.Len(t, done, 6)
	for _, p := range fc.requests[1].Posts {
		assert.NotContains(t, done, fingerprint.Of(p.Text, postTimeOf(t, f, p.Text)))
	}

	// the next run only sees the skipped chunk
	retry := &fakeClassifier{answer: faqAnswer}
	res, err = f.driver(retry, 3).Run(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, retry.requests, 1)
	assert.Equal(t, 3, res.Unseen)
	var texts []string
	for _, p := range retry.requests[0].Posts {
		texts = append(texts, p.Text)
	}
	assert.Equal(t, []string{"post 04", "post 05", "post 06"}, texts)
	assert.Equal(t, []int{1, 2, 3}, []int{retry.requests[0].Posts[0].Index, retry.requests[0].Posts[1].Index, retry.requests[0].Posts[2].Index})

	stored, err := f.classified.ReadAll(tag)
	require.NoError(t, err)
	assert.Len(t, stored, 9)
}

func postTimeOf(t *testing.T, f fixture, text string) string {
	t.Helper()
	posts, err := f.posts.ReadAll(tag)
	require.NoError(t, err)
	for _, p := range posts {
		if p.Text == text {
			return p.PostTime.UTC().Format(time.RFC3339)
		}
	}
	t.Fatalf("post %q not stored", text)
	return ""
}

func TestClassifyCallErrorIsSkipped(t *testing.T) {
	f := newFixture(t, 4)
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		if call == 1 {
			return "", perr.Wrap(errors.New("connection reset"), perr.ErrorCodeClassifierCall, "gemini")
		}
		return faqAnswer(call, req)
	}}

	res, err := f.driver(fc, 2).Run(context.Background(), tag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedChunks)
	assert.Len(t, res.Records, 2)
}

func TestClassifyPassesGrowingTaxonomy(t *testing.T) {
	f := newFixture(t, 6)
	fc := &fakeClassifier{answer: faqAnswer}

	_, err := f.driver(fc, 2).Run(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, fc.requests, 3)

	assert.Empty(t, fc.requests[0].Taxonomy["faq"][taxonomy.Topic])
	assert.Equal(t, []string{"topic-1"}, fc.requests[1].Taxonomy["faq"][taxonomy.Topic])
	assert.Equal(t, []string{"topic-1", "topic-2"}, fc.requests[2].Taxonomy["faq"][taxonomy.Topic])
	assert.Equal(t, []string{"faq", "issue"}, fc.requests[0].Categories)
}

func TestClassifySeedsTaxonomyFromOutput(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.classified.Upsert(tag, []domain.ClassifiedRecord{{
		Text: "older", Tag: tag, Category: "issue", Topics: []string{"wifi"}, Subtopics: []string{"dorm"},
		PostYear: 2023, PostMonth: 6, PostDay: 30,
	}}))
	fc := &fakeClassifier{answer: faqAnswer}

	_, err := f.driver(fc, 50).Run(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, fc.requests, 1)
	assert.Equal(t, []string{"wifi"}, fc.requests[0].Taxonomy["issue"][taxonomy.Topic])
	assert.Equal(t, []string{"dorm"}, fc.requests[0].Taxonomy["issue"][taxonomy.Subtopic])

	stored, err := f.classified.ReadAll(tag)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestClassifyNothingUnseen(t *testing.T) {
	f := newFixture(t, 3)
	fc := &fakeClassifier{answer: faqAnswer}
	_, err := f.driver(fc, 50).Run(context.Background(), tag)
	require.NoError(t, err)

	again := &fakeClassifier{answer: faqAnswer}
	res, err := f.driver(again, 50).Run(context.Background(), tag)
	require.NoError(t, err)
	assert.Empty(t, again.requests)
	assert.Zero(t, res.Unseen)
	assert.Empty(t, res.Records)
}

func TestClassifyEmptyStore(t *testing.T) {
	f := newFixture(t, 0)
	fc := &fakeClassifier{answer: faqAnswer}

	recs, err := f.driver(fc, 50).Classify(context.Background(), tag)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, fc.requests)
}

func TestClassifyDedupesByText(t *testing.T) {
	f := newFixture(t, 2)
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		// post 1 in both lists, an unknown index, and post 2 as an issue
		return `{"faq": [{"index": 1, "topic": ["a"]}, {"index": 99, "topic": ["ghost"]}],
			"issue": [{"index": 1, "topic": ["b"]}, {"index": 2, "topic": ["c"]}]}`, nil
	}}

	recs, err := f.driver(fc, 50).Classify(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "faq", recs[0].Category)
	assert.Equal(t, "post 01", recs[0].Text)
	assert.Equal(t, "issue", recs[1].Category)
	assert.Equal(t, "post 02", recs[1].Text)
}

func TestClassifyFoldsOnlyStoredLabels(t *testing.T) {
	f := newFixture(t, 2)
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		if call == 1 {
			return `{"faq": [{"index": 1, "topic": ["enroll"], "subtopic": ["deadline"]}],
				"issue": [{"index": 1, "topic": ["system down"], "subtopic": ["outage"]}]}`, nil
		}
		return `{"faq": [], "issue": [{"index": 2, "topic": ["wifi"]}]}`, nil
	}}

	res, err := f.driver(fc, 1).Run(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	require.Len(t, fc.requests, 2)

	snap := fc.requests[1].Taxonomy
	assert.Equal(t, []string{"enroll"}, snap["faq"][taxonomy.Topic])
	assert.Empty(t, snap["issue"][taxonomy.Topic])
	assert.Empty(t, snap["issue"][taxonomy.Subtopic])

	stored, err := f.classified.ReadAll(tag)
	require.NoError(t, err)
	byText := map[string]domain.ClassifiedRecord{}
	for _, r := range stored {
		byText[r.Text] = r
	}
	assert.Equal(t, "faq", byText["post 01"].Category)
	assert.Equal(t, []string{"enroll"}, byText["post 01"].Topics)
	assert.Equal(t, []string{"wifi"}, byText["post 02"].Topics)
}

func TestClassifyCanceled(t *testing.T) {
	f := newFixture(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		cancel()
		return "", perr.Wrap(ctx.Err(), perr.ErrorCodeClassifierCall, "gemini")
	}}

	_, err := f.driver(fc, 2).Run(ctx, tag)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, fc.requests, 1)

	done, err := f.ledger.Load(tag)
	require.NoError(t, err)
	assert.Empty(t, done)
}

type fakeEmbedder map[string][]float64

func (f fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = f[t]
	}
	return out, nil
}

func TestClassifyCanonicalizesLabels(t *testing.T) {
	f := newFixture(t, 2)
	emb := fakeEmbedder{
		"registration":  {1, 0},
		"registrations": {0.99, 0.05},
		"general":       {0, 1},
	}
	fc := &fakeClassifier{answer: func(call int, req classifier.Request) (string, error) {
		return `{"faq": [{"index": 1, "topic": ["registration"], "subtopic": ["general"]},
			{"index": 2, "topic": ["registrations"], "subtopic": ["general"]}]}`, nil
	}}
	d := NewDriver(fc, f.posts, f.classified, f.ledger, Options{
		ChunkSize:     1,
		Categories:    []string{"faq"},
		Canonicalizer: taxonomy.NewCanonicalizer(emb, 0.95),
	}, zerolog.Nop())

	recs, err := d.Classify(context.Background(), tag)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"registration"}, recs[0].Topics)
	assert.Equal(t, []string{"registration"}, recs[1].Topics)
}
