// Package extract drives batched classification of a tag's unseen posts
package extract

import (
	"context"

	"github.com/pbaille/taglisten/internal/classifier"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/fingerprint"
	"github.com/pbaille/taglisten/internal/ledger"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/taxonomy"
	"github.com/rs/zerolog"
)

// DefaultChunkSize is the number of posts sent per classifier call
const DefaultChunkSize = 50

// DefaultCategories are the lists the classifier is asked to fill
var DefaultCategories = []string{"faq", "issue"}

// Options tunes a Driver
type Options struct {
	ChunkSize  int
	Categories []string

	// Canonicalizer, when set, maps new labels onto close existing ones
	Canonicalizer *taxonomy.Canonicalizer
}

// Driver classifies the posts of a tag that the ledger has not seen yet
type Driver struct {
	classifier classifier.Classifier
	posts      *store.PostStore
	classified *store.ClassifiedStore
	ledger     *ledger.Ledger
	canon      *taxonomy.Canonicalizer
	categories []string
	chunkSize  int
	log        zerolog.Logger
}

// NewDriver wires a driver
func NewDriver(c classifier.Classifier, posts *store.PostStore, classified *store.ClassifiedStore, l *ledger.Ledger, opts Options, log zerolog.Logger) *Driver {
	d := &Driver{
		classifier: c,
		posts:      posts,
		classified: classified,
		ledger:     l,
		canon:      opts.Canonicalizer,
		categories: opts.Categories,
		chunkSize:  opts.ChunkSize,
		log:        logger.Named(log, "extract"),
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	if len(d.categories) == 0 {
		d.categories = DefaultCategories
	}
	return d
}

// Result summarizes one classification pass
type Result struct {
	Unseen       int
	Chunks       int
	FailedChunks int
	Records      []domain.ClassifiedRecord
}

// Classify runs a pass for tag and returns the records it added
func (d *Driver) Classify(ctx context.Context, tag string) ([]domain.ClassifiedRecord, error) {
	res, err := d.Run(ctx, tag)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Run classifies the unseen posts of tag chunk by chunk. Each chunk that
// gets a usable answer is written to the classified store and then to
// the ledger before the next chunk starts. A chunk whose call or answer
// fails is logged and left unseen for the next run. Store and ledger
// failures abort the pass with a Run error.
func (d *Driver) Run(ctx context.Context, tag string) (*Result, error) {
	log := d.log.With().Str("tag", tag).Logger()
	res := &Result{}

	unseen, err := d.unseen(tag)
	if err != nil {
		return nil, err
	}
	res.Unseen = len(unseen)
	if len(unseen) == 0 {
		log.Debug().Msg("nothing to classify")
		return res, nil
	}

	existing, err := d.classified.ReadAll(tag)
	if err != nil && !perr.IsCode(err, perr.ErrorCodeStoreEmpty) {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "read classified %q", tag)
	}
	out := newOutput(existing)
	acc := taxonomy.New()
	acc.Seed(existing)

	log.Info().Int("count", len(unseen)).Int("labels", acc.Len()).Msg("classifying")

	for start := 0; start < len(unseen); start += d.chunkSize {
		end := min(start+d.chunkSize, len(unseen))
		chunk := unseen[start:end]
		res.Chunks++
		clog := log.With().Int("chunk", res.Chunks).Logger()

		recs, err := d.classifyChunk(ctx, clog, tag, chunk, acc, out)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if perr.Skippable(err) {
				clog.Warn().Err(err).Int("count", len(chunk)).Msg("chunk skipped")
				res.FailedChunks++
				continue
			}
			return nil, err
		}

		added, touched := out.add(recs)
		if len(touched) > 0 {
			if err := d.classified.Upsert(tag, out.rowsIn(touched)); err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeRun, "upsert classified %q", tag)
			}
		}

		fps := make([]string, len(chunk))
		for i, p := range chunk {
			fps[i] = fingerprint.Post(p)
		}
		if _, err := d.ledger.Append(tag, fps); err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeRun, "append ledger %q", tag)
		}

		res.Records = append(res.Records, added...)
		clog.Info().Int("count", len(added)).Msg("chunk committed")
	}

	log.Info().
		Int("records", len(res.Records)).
		Int("failed_chunks", res.FailedChunks).
		Int("labels", acc.Len()).
		Msg("classification done")
	return res, nil
}

// unseen loads the tag's posts in post time order, drops the ones in the
// ledger and numbers the rest from 1
func (d *Driver) unseen(tag string) ([]domain.NormalizedPost, error) {
	posts, err := d.posts.ReadAll(tag)
	if perr.IsCode(err, perr.ErrorCodeStoreEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "read posts %q", tag)
	}
	store.SortPosts(posts)

	done, err := d.ledger.Load(tag)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeRun, "load ledger %q", tag)
	}

	var out []domain.NormalizedPost
	for _, p := range posts {
		if _, ok := done[fingerprint.Post(p)]; ok {
			continue
		}
		p.SequenceIndex = len(out) + 1
		out = append(out, p)
	}
	return out, nil
}

// classifyChunk asks the classifier about chunk and returns one record per
// post whose text is not in out yet. Only the labels of those records
// are folded into acc.
func (d *Driver) classifyChunk(ctx context.Context, log zerolog.Logger, tag string, chunk []domain.NormalizedPost, acc *taxonomy.Accumulator, out *output) ([]domain.ClassifiedRecord, error) {
	req := classifier.Request{
		Posts:      make([]classifier.Post, len(chunk)),
		Categories: d.categories,
		Taxonomy:   acc.Snapshot(d.categories),
	}
	byIndex := make(map[int]domain.NormalizedPost, len(chunk))
	for i, p := range chunk {
		req.Posts[i] = classifier.Post{Index: p.SequenceIndex, Text: p.Text}
		byIndex[p.SequenceIndex] = p
	}

	raw, err := d.classifier.Classify(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := classifier.ParseResponse(raw, d.categories)
	if err != nil {
		return nil, err
	}

	var recs []domain.ClassifiedRecord
	kept := make(map[string]bool)
	for _, cat := range d.categories {
		for _, item := range resp.Items(cat) {
			p, ok := byIndex[item.Index]
			if !ok {
				log.Warn().Int("index", item.Index).Str("category", cat).Msg("answer refers to unknown post")
				continue
			}
			if kept[p.Text] || out.has(p.Text) {
				log.Debug().Int("index", item.Index).Str("category", cat).Msg("text already classified, labels dropped")
				continue
			}
			kept[p.Text] = true
			topics := d.fold(ctx, log, acc, cat, taxonomy.Topic, item.Topics)
			subtopics := d.fold(ctx, log, acc, cat, taxonomy.Subtopic, item.Subtopics)
			recs = append(recs, domain.ClassifiedRecord{
				Text:        p.Text,
				Tag:         tag,
				Category:    cat,
				Topics:      topics,
				Subtopics:   subtopics,
				PostTime:    p.PostTime,
				CaptureTime: p.CaptureTime,
				PostYear:    p.PostYear,
				PostMonth:   p.PostMonth,
				PostDay:     p.PostDay,
			})
		}
	}
	return recs, nil
}

// fold canonicalizes labels when configured and adds them to acc
func (d *Driver) fold(ctx context.Context, log zerolog.Logger, acc *taxonomy.Accumulator, category string, ns taxonomy.Namespace, labels []string) []string {
	if d.canon != nil && len(labels) > 0 {
		mapped, err := d.canon.Canonicalize(ctx, acc, category, ns, labels)
		if err != nil {
			log.Warn().Err(err).Msg("label canonicalization failed, keeping raw labels")
		} else {
			labels = mapped
		}
	}
	acc.Add(category, ns, labels...)
	return labels
}

// output is the in-memory view of a tag's classified store, unique by text
type output struct {
	recs  []domain.ClassifiedRecord
	texts map[string]struct{}
}

func newOutput(existing []domain.ClassifiedRecord) *output {
	o := &output{texts: make(map[string]struct{}, len(existing))}
	o.add(existing)
	return o
}

// add keeps the records whose text is new and returns them with the
// partitions they land in
func (o *output) add(recs []domain.ClassifiedRecord) ([]domain.ClassifiedRecord, map[domain.Partition]bool) {
	var added []domain.ClassifiedRecord
	touched := make(map[domain.Partition]bool)
	for _, r := range recs {
		if _, ok := o.texts[r.Text]; ok {
			continue
		}
		o.texts[r.Text] = struct{}{}
		o.recs = append(o.recs, r)
		added = append(added, r)
		touched[domain.Partition{Year: r.PostYear, Month: r.PostMonth, Day: r.PostDay}] = true
	}
	return added, touched
}

func (o *output) has(text string) bool {
	_, ok := o.texts[text]
	return ok
}

func (o *output) rowsIn(parts map[domain.Partition]bool) []domain.ClassifiedRecord {
	var rows []domain.ClassifiedRecord
	for _, r := range o.recs {
		if parts[domain.Partition{Year: r.PostYear, Month: r.PostMonth, Day: r.PostDay}] {
			rows = append(rows, r)
		}
	}
	return rows
}
