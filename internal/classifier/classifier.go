// Package classifier talks to the LLM that labels batches of posts and
// turns its loosely formatted answers into typed results
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/taglisten/internal/taxonomy"
)

// Post is one numbered post in a classification request
type Post struct {
	Index int
	Text  string
}

// Request is a single batch sent to the classifier
type Request struct {
	Posts      []Post
	Categories []string
	Taxonomy   taxonomy.Snapshot
}

// Classifier sends a request to a model and returns its raw text answer
type Classifier interface {
	Classify(ctx context.Context, req Request) (string, error)
}

// Provider names a classifier backend
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Options configures a classifier backend
type Options struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// New builds the backend named by opts.Provider
func New(opts Options) (Classifier, error) {
	switch strings.ToLower(opts.Provider) {
	case ProviderGemini, "":
		return NewGemini(opts)
	case ProviderAnthropic:
		return NewAnthropic(opts)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", opts.Provider)
	}
}
