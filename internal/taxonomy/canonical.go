package taxonomy

import (
	"context"
	"fmt"
	"sync"

	"github.com/pbaille/taglisten/internal/embedding"
)

// Embedder turns labels into vectors
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Canonicalizer maps a new label onto an existing label of the same set
// when their embeddings are at least Threshold similar
type Canonicalizer struct {
	emb       Embedder
	threshold float64

	mu    sync.Mutex
	cache map[string][]float64
}

// NewCanonicalizer creates a Canonicalizer; threshold is a cosine similarity in [0,1]
func NewCanonicalizer(emb Embedder, threshold float64) *Canonicalizer {
	return &Canonicalizer{emb: emb, threshold: threshold, cache: make(map[string][]float64)}
}

// Canonicalize returns labels with unknown entries replaced by their
// closest known label in acc when close enough. Order is kept and
// duplicates produced by the mapping are dropped.
func (c *Canonicalizer) Canonicalize(ctx context.Context, acc *Accumulator, category string, ns Namespace, labels []string) ([]string, error) {
	known := acc.Labels(category, ns)
	var unknown []string
	for _, l := range labels {
		if l != "" && !acc.Has(category, ns, l) {
			unknown = append(unknown, l)
		}
	}
	if len(known) == 0 || len(unknown) == 0 {
		return dedupe(labels), nil
	}

	vecs, err := c.vectors(ctx, append(append([]string{}, known...), unknown...))
	if err != nil {
		return nil, err
	}

	mapped := make(map[string]string, len(unknown))
	for _, u := range unknown {
		best, bestSim := "", -1.0
		for _, k := range known {
			if sim := embedding.CosineSimilarity(vecs[u], vecs[k]); sim > bestSim {
				best, bestSim = k, sim
			}
		}
		if bestSim >= c.threshold {
			mapped[u] = best
		}
	}

	out := make([]string, len(labels))
	for i, l := range labels {
		if m, ok := mapped[l]; ok {
			out[i] = m
		} else {
			out[i] = l
		}
	}
	return dedupe(out), nil
}

// vectors returns the embedding of every label, embedding the ones
// missing from the cache in one call
func (c *Canonicalizer) vectors(ctx context.Context, labels []string) (map[string][]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fill(ctx, labels); err != nil {
		return nil, err
	}
	out := make(map[string][]float64, len(labels))
	for _, l := range labels {
		out[l] = c.cache[l]
	}
	return out, nil
}

// fill must be called with mu held
func (c *Canonicalizer) fill(ctx context.Context, labels []string) error {
	var missing []string
	queued := make(map[string]bool)
	for _, l := range labels {
		if _, ok := c.cache[l]; !ok && !queued[l] {
			missing = append(missing, l)
			queued[l] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}

	vecs, err := c.emb.EmbedBatch(ctx, missing)
	if err != nil {
		return fmt.Errorf("embed labels: %w", err)
	}
	if len(vecs) != len(missing) {
		return fmt.Errorf("embed labels: got %d vectors for %d labels", len(vecs), len(missing))
	}
	for i, l := range missing {
		c.cache[l] = vecs[i]
	}
	return nil
}

func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
