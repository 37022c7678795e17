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
	geminiAPI          = "https://generativelanguage.googleapis.com"
	geminiDefaultModel = "gemini-2.0-flash"
)

// Gemini classifies posts via the Gemini generateContent API
type Gemini struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewGemini creates a Gemini backend
func NewGemini(opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini api key not set")
	}
	g := &Gemini{
		apiKey:      opts.APIKey,
		model:       opts.Model,
		baseURL:     opts.BaseURL,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		client:      &http.Client{Timeout: opts.Timeout},
	}
	if g.model == "" {
		g.model = geminiDefaultModel
	}
	if g.baseURL == "" {
		g.baseURL = geminiAPI
	}
	if g.client.Timeout == 0 {
		g.client.Timeout = 2 * time.Minute
	}
	return g, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify implements Classifier
func (g *Gemini) Classify(ctx context.Context, req Request) (string, error) {
	text, err := g.generate(ctx, BuildPrompt(req))
	if err != nil {
		return "", perr.Wrap(err, perr.ErrorCodeClassifierCall, "gemini")
	}
	return text, nil
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	var reqBody geminiRequest
	reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemInstruction}}}
	reqBody.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}
	reqBody.GenerationConfig.Temperature = g.temperature
	reqBody.GenerationConfig.MaxOutputTokens = g.maxTokens

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
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

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 {
		return "", fmt.Errorf("empty response")
	}

	var sb strings.Builder
	for _, p := range apiResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response")
	}
	return sb.String(), nil
}
