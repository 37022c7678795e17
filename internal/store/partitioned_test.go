package store

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(text string, t time.Time) domain.NormalizedPost {
	part := domain.PartitionOf(t)
	return domain.NormalizedPost{
		RawPost: domain.RawPost{
			Author:      "@student",
			Text:        text,
			CaptureTime: t.Add(time.Hour),
			RawPostTime: "1h",
			Tag:         "dsi321",
		},
		PostTime:  t,
		PostYear:  part.Year,
		PostMonth: part.Month,
		PostDay:   part.Day,
	}
}

func texts(posts []domain.NormalizedPost) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Text
	}
	sort.Strings(out)
	return out
}

func day(d int, h int) time.Time {
	return time.Date(2023, time.July, d, h, 0, 0, 0, time.UTC)
}

func TestReadAllMissingTagIsStoreEmpty(t *testing.T) {
	s := NewPostStore(t.TempDir(), time.UTC)

	_, err := s.ReadAll("dsi321")
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeStoreEmpty))

	_, err = s.ReadPartitions("dsi321", []int{2023}, []int{7}, []int{4})
	assert.True(t, perr.IsCode(err, perr.ErrorCodeStoreEmpty))
}

func TestUpsertRoundTrip(t *testing.T) {
	s := NewPostStore(t.TempDir(), time.UTC)
	in := []domain.NormalizedPost{post("a", day(4, 9)), post("b", day(5, 11))}

	require.NoError(t, s.Upsert("dsi321", in))

	got, err := s.ReadAll("dsi321")
	require.NoError(t, err)
	require.Len(t, got, 2)
	SortPosts(got)
	assert.Equal(t, "a", got[0].Text)
	assert.True(t, day(4, 9).Equal(got[0].PostTime))
	assert.True(t, day(4, 10).Equal(got[0].CaptureTime))
	assert.Equal(t, "@student", got[0].Author)
	assert.Equal(t, "1h", got[0].RawPostTime)
	assert.Equal(t, 4, got[0].PostDay)
}

func TestUpsertReplacesOnlyTouchedPartitions(t *testing.T) {
	s := NewPostStore(t.TempDir(), time.UTC)
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{
		post("old-4", day(4, 9)),
		post("old-5", day(5, 9)),
	}))

	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{
		post("new-5", day(5, 10)),
	}))

	got, err := s.ReadAll("dsi321")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-5", "old-4"}, texts(got))
}

func TestReadPartitionsSkipsMissing(t *testing.T) {
	s := NewPostStore(t.TempDir(), time.UTC)
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{
		post("a", day(3, 9)),
		post("b", day(4, 9)),
		post("c", day(5, 9)),
	}))

	got, err := s.ReadPartitions("dsi321", []int{2023}, []int{7}, []int{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, texts(got))
}

func TestUpsertLeavesNoTempDirs(t *testing.T) {
	root := t.TempDir()
	s := NewPostStore(root, time.UTC)
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{post("a", day(4, 9))}))
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{post("b", day(4, 9))}))

	entries, err := os.ReadDir(filepath.Join(root, postsCollection, "tag=dsi321"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "postYear=2023", e.Name())
	}

	files, err := filepath.Glob(filepath.Join(root, postsCollection, "tag=dsi321", "postYear=2023", "postMonth=7", "postDay=4", "*.parquet"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	days, err := os.ReadDir(filepath.Join(root, postsCollection, "tag=dsi321", "postYear=2023", "postMonth=7"))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "postDay=4", days[0].Name())
}

func TestReadDuringSwapUsesAsideCopy(t *testing.T) {
	root := t.TempDir()
	s := NewPostStore(root, time.UTC)
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{
		post("a", day(4, 9)), post("b", day(4, 10)), post("c", day(5, 9)),
	}))

	// state between the two renames of a swap of day 4
	month := filepath.Join(root, postsCollection, "tag=dsi321", "postYear=2023", "postMonth=7")
	aside := filepath.Join(month, asideName("postDay=4", "0f8fad5b-d9cb-469f-a165-70867728950e"))
	require.NoError(t, os.Rename(filepath.Join(month, "postDay=4"), aside))

	all, err := s.ReadAll("dsi321")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, texts(all))

	four, err := s.ReadPartitions("dsi321", []int{2023}, []int{7}, []int{4})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, texts(four))

	// once the new partition is in place the aside copy is ignored
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{post("z", day(4, 11))}))
	all, err = s.ReadAll("dsi321")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "z"}, texts(all))

	four, err = s.ReadPartitions("dsi321", []int{2023}, []int{7}, []int{4})
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, texts(four))
}

type dirRecorder struct{ dirs []string }

func (r *dirRecorder) Replicate(dir string) { r.dirs = append(r.dirs, dir) }

func TestUpsertReplicatesReplacedPartitions(t *testing.T) {
	root := t.TempDir()
	s := NewClassifiedStore(root, time.UTC)
	rec := &dirRecorder{}
	s.SetReplicator(rec)

	require.NoError(t, s.Upsert("dsi321", []domain.ClassifiedRecord{
		{Text: "a", Category: "faq", PostYear: 2023, PostMonth: 7, PostDay: 4},
		{Text: "b", Category: "issue", PostYear: 2023, PostMonth: 7, PostDay: 5},
		{Text: "c", Category: "faq", PostYear: 2023, PostMonth: 7, PostDay: 4},
	}))

	tagDir := filepath.Join(s.Dir(), "tag=dsi321")
	assert.Equal(t, []string{
		filepath.Join(tagDir, "postYear=2023", "postMonth=7", "postDay=4"),
		filepath.Join(tagDir, "postYear=2023", "postMonth=7", "postDay=5"),
	}, rec.dirs)

	s.SetReplicator(nil)
	require.NoError(t, s.Upsert("dsi321", []domain.ClassifiedRecord{{Text: "d", PostYear: 2023, PostMonth: 7, PostDay: 6}}))
	assert.Len(t, rec.dirs, 2)
}

func TestUnknownPostTimeGoesToZeroPartition(t *testing.T) {
	root := t.TempDir()
	s := NewPostStore(root, time.UTC)
	p := post("undated", time.Time{})
	p.CaptureTime = day(5, 9)
	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{p}))

	got, err := s.ReadPartitions("dsi321", []int{0}, []int{0}, []int{0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].PostTime.IsZero())
}

func TestTags(t *testing.T) {
	s := NewPostStore(t.TempDir(), time.UTC)
	tags, err := s.Tags()
	require.NoError(t, err)
	assert.Empty(t, tags)

	require.NoError(t, s.Upsert("dsi321", []domain.NormalizedPost{post("a", day(4, 9))}))
	require.NoError(t, s.Upsert("ธรรมศาสตร์", []domain.NormalizedPost{post("b", day(4, 9))}))

	tags, err = s.Tags()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dsi321", "ธรรมศาสตร์"}, tags)
}

func TestClassifiedRoundTrip(t *testing.T) {
	s := NewClassifiedStore(t.TempDir(), time.UTC)
	rec := domain.ClassifiedRecord{
		Text:      "ระบบลงทะเบียนล่มอีกแล้ว",
		Category:  "issue",
		Topics:    []string{"ระบบลงทะเบียน", "ปัญหาเทคนิค"},
		Subtopics: []string{"ระบบล่ม"},
		PostTime:  day(4, 9),
		PostYear:  2023, PostMonth: 7, PostDay: 4,
	}
	require.NoError(t, s.Upsert("dsi321", []domain.ClassifiedRecord{rec}))

	got, err := s.ReadAll("dsi321")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.Text, got[0].Text)
	assert.Equal(t, "dsi321", got[0].Tag)
	assert.Equal(t, "issue", got[0].Category)
	assert.Equal(t, rec.Topics, got[0].Topics)
	assert.Equal(t, rec.Subtopics, got[0].Subtopics)
	assert.True(t, rec.PostTime.Equal(got[0].PostTime))
}
