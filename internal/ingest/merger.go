// Package ingest merges freshly captured posts into a tag's post store
package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/timeparse"
	"github.com/rs/zerolog"
)

// Merger normalizes raw posts and unions them with the stored ones
type Merger struct {
	posts *store.PostStore
	loc   *time.Location
	log   zerolog.Logger
}

// NewMerger creates a merger writing to posts. Post times are expressed
// in loc before their day partition is derived.
func NewMerger(posts *store.PostStore, loc *time.Location, log zerolog.Logger) *Merger {
	if loc == nil {
		loc = time.UTC
	}
	return &Merger{posts: posts, loc: loc, log: logger.Named(log, "ingest")}
}

// Merge normalizes fresh, drops posts whose (text, postTime) key is already
// stored or repeated within fresh, and rewrites every touched partition
// with its old content plus the new posts. It returns the posts that
// were added, oldest first. Empty input and batches with nothing new
// leave the store untouched.
func (m *Merger) Merge(ctx context.Context, tag string, fresh []domain.RawPost) ([]domain.NormalizedPost, error) {
	if len(fresh) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := m.log.With().Str("tag", tag).Logger()

	normalized := m.normalize(log, tag, fresh)
	store.SortPosts(normalized)
	for i := range normalized {
		normalized[i].SequenceIndex = i + 1
	}

	years, months, days := partitionKeys(normalized)
	existing, err := m.posts.ReadPartitions(tag, years, months, days)
	if err != nil && !perr.IsCode(err, perr.ErrorCodeStoreEmpty) {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "read partitions of %q", tag)
	}

	seen := make(map[domain.Key]struct{}, len(existing)+len(normalized))
	for _, p := range existing {
		seen[p.Key()] = struct{}{}
	}
	var added []domain.NormalizedPost
	for _, p := range normalized {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		added = append(added, p)
	}

	log.Debug().
		Int("fresh", len(fresh)).
		Int("existing", len(existing)).
		Int("new", len(added)).
		Msg("merge computed")

	if len(added) == 0 {
		return nil, nil
	}

	union := make([]domain.NormalizedPost, 0, len(existing)+len(added))
	union = append(union, existing...)
	union = append(union, added...)
	for i := range union {
		union[i].Tag = tag
		m.stamp(&union[i])
	}
	store.SortPosts(union)

	if err := m.posts.Upsert(tag, union); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "upsert posts of %q", tag)
	}

	log.Info().Int("count", len(added)).Msg("posts merged")
	return added, nil
}

func (m *Merger) normalize(log zerolog.Logger, tag string, fresh []domain.RawPost) []domain.NormalizedPost {
	out := make([]domain.NormalizedPost, 0, len(fresh))
	for _, raw := range fresh {
		raw.Tag = tag
		p := domain.NormalizedPost{RawPost: raw}

		if raw.CaptureTime.IsZero() {
			log.Warn().Str("author", raw.Author).Msg("capture time missing, post time unknown")
			m.stamp(&p)
			out = append(out, p)
			continue
		}
		p.CaptureTime = raw.CaptureTime.In(m.loc)

		t, err := timeparse.Normalize(raw.RawPostTime, p.CaptureTime)
		if err != nil {
			log.Warn().Err(err).Str("author", raw.Author).Msg("post time unknown")
		} else {
			p.PostTime = t
		}
		m.stamp(&p)
		out = append(out, p)
	}
	return out
}

// stamp derives the partition fields from the post time in m.loc
func (m *Merger) stamp(p *domain.NormalizedPost) {
	if !p.PostTime.IsZero() {
		p.PostTime = p.PostTime.In(m.loc)
	}
	part := domain.PartitionOf(p.PostTime)
	p.PostYear, p.PostMonth, p.PostDay = part.Year, part.Month, part.Day
}

func partitionKeys(posts []domain.NormalizedPost) (years, months, days []int) {
	ys, ms, ds := map[int]bool{}, map[int]bool{}, map[int]bool{}
	for _, p := range posts {
		ys[p.PostYear] = true
		ms[p.PostMonth] = true
		ds[p.PostDay] = true
	}
	return sortedKeys(ys), sortedKeys(ms), sortedKeys(ds)
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
