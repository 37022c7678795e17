package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	perr "github.com/pbaille/taglisten/internal/errors"
)

const (
	anthropicAPI          = "https://api.anthropic.com"
	anthropicDefaultModel = "claude-sonnet-4-20250514"
)

// Anthropic classifies posts via the Anthropic messages API
type Anthropic struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewAnthropic creates an Anthropic backend
func NewAnthropic(opts Options) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key not set")
	}
	a := &Anthropic{
		apiKey:      opts.APIKey,
		model:       opts.Model,
		baseURL:     opts.BaseURL,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		client:      &http.Client{Timeout: opts.Timeout},
	}
	if a.model == "" {
		a.model = anthropicDefaultModel
	}
	if a.baseURL == "" {
		a.baseURL = anthropicAPI
	}
	if a.maxTokens == 0 {
		a.maxTokens = 8192
	}
	if a.client.Timeout == 0 {
		a.client.Timeout = 2 * time.Minute
	}
	return a, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify implements Classifier
func (a *Anthropic) Classify(ctx context.Context, req Request) (string, error) {
	text, err := a.callAPI(ctx, BuildPrompt(req))
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeClassifierCall, "anthropic")
	}
	return text, nil
}

func (a *Anthropic) callAPI(ctx context.Context, prompt string) (string, error) {
	reqBody := anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      systemInstruction,
		Temperature: a.temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}

	var sb strings.Builder
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response")
	}

	return sb.String(), nil
}
