// Package taxonomy accumulates the topic and subtopic labels seen so far
// for a tag. The labels are fed back to the classifier so it reuses them
// instead of inventing near-duplicates.
package taxonomy

import (
	"sort"

	"github.com/pbaille/taglisten/internal/domain"
)

// Namespace separates topic labels from subtopic labels
type Namespace string

const (
	Topic    Namespace = "topic"
	Subtopic Namespace = "subtopic"
)

// Namespaces lists every namespace in prompt order
var Namespaces = []Namespace{Topic, Subtopic}

// Key identifies one label set
type Key struct {
	Category  string
	Namespace Namespace
}

// Snapshot is a read-only copy of the taxonomy: category -> namespace -> sorted labels
type Snapshot map[string]map[Namespace][]string

// Accumulator is a grow-only collection of label sets
type Accumulator struct {
	sets map[Key]map[string]struct{}
}

// New returns an empty accumulator
func New() *Accumulator {
	return &Accumulator{sets: make(map[Key]map[string]struct{})}
}

// Seed folds the labels of already classified records into the accumulator
func (a *Accumulator) Seed(recs []domain.ClassifiedRecord) {
	for _, r := range recs {
		a.Add(r.Category, Topic, r.Topics...)
		a.Add(r.Category, Subtopic, r.Subtopics...)
	}
}

// Add unions labels into the (category, ns) set and returns how many were new
func (a *Accumulator) Add(category string, ns Namespace, labels ...string) int {
	k := Key{Category: category, Namespace: ns}
	set, ok := a.sets[k]
	if !ok {
		set = make(map[string]struct{})
		a.sets[k] = set
	}
	added := 0
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := set[l]; !ok {
			set[l] = struct{}{}
			added++
		}
	}
	return added
}

// Has reports whether label is already known in (category, ns)
func (a *Accumulator) Has(category string, ns Namespace, label string) bool {
	_, ok := a.sets[Key{Category: category, Namespace: ns}][label]
	return ok
}

// Labels returns the sorted labels of (category, ns)
func (a *Accumulator) Labels(category string, ns Namespace) []string {
	set := a.sets[Key{Category: category, Namespace: ns}]
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of labels across all sets
func (a *Accumulator) Len() int {
	n := 0
	for _, set := range a.sets {
		n += len(set)
	}
	return n
}

// Snapshot copies the taxonomy for the given categories, including empty ones
func (a *Accumulator) Snapshot(categories []string) Snapshot {
	snap := make(Snapshot, len(categories))
	for _, c := range categories {
		snap[c] = make(map[Namespace][]string, len(Namespaces))
		for _, ns := range Namespaces {
			snap[c][ns] = a.Labels(c, ns)
		}
	}
	return snap
}
