// Package embedding turns taxonomy labels into vectors with the Voyage AI
// embeddings API
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	voyageAPI    = "https://api.voyageai.com"
	defaultModel = "voyage-3-lite"

	// maxBatch is the most inputs sent in one request
	maxBatch = 128
)

// Client embeds labels through Voyage AI
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// New creates a Client; empty model and baseURL use the defaults
func New(apiKey, model, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage api key not set")
	}
	if model == "" {
		model = defaultModel
	}
	if baseURL == "" {
		baseURL = voyageAPI
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Embed returns the vector of a single label
func (c *Client) Embed(ctx context.Context, label string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{label})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per label, in input order. Long inputs
// are split into several requests.
func (c *Client) EmbedBatch(ctx context.Context, labels []string) ([][]float64, error) {
	out := make([][]float64, 0, len(labels))
	for start := 0; start < len(labels); start += maxBatch {
		end := min(start+maxBatch, len(labels))
		vecs, err := c.embed(ctx, labels[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embed(ctx context.Context, labels []string) ([][]float64, error) {
	body, err := json.Marshal(embeddingRequest{Input: labels, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings api error (status %d): %s", resp.StatusCode, string(raw))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Data) != len(labels) {
		return nil, fmt.Errorf("got %d embeddings for %d labels", len(parsed.Data), len(labels))
	}

	vecs := make([][]float64, len(labels))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) || vecs[idx] != nil {
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	return vecs, nil
}

// CosineSimilarity of two vectors; 0 when lengths differ or either is zero
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}
