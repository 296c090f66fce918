package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	geminiAPIBase      = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultGeminiModel = "gemini-2.5-flash"
)

// Gemini implements Provider using the Gemini generateContent REST API.
// Replies are requested as JSON.
type Gemini struct {
	apiKey      string
	model       string
	base        string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewGemini creates a provider for one API key and model.
func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{
		apiKey:      apiKey,
		model:       model,
		base:        geminiAPIBase,
		temperature: 0.2,
		maxTokens:   2048,
		client:      &http.Client{Timeout: 120 * time.Second},
	}
}

// WithBaseURL points the provider at a different API root.
func (g *Gemini) WithBaseURL(base string) *Gemini {
	g.base = strings.TrimSuffix(base, "/")
	return g
}

// Name returns the provider name, unique per model and key.
func (g *Gemini) Name() string {
	return "gemini/" + g.model + "/" + keySuffix(g.apiKey)
}

// Available checks if an API key is configured.
func (g *Gemini) Available() bool {
	return g.apiKey != ""
}

// Complete sends a prompt to the Gemini API.
func (g *Gemini) Complete(ctx context.Context, system, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      g.temperature,
			MaxOutputTokens:  g.maxTokens,
			ResponseMimeType: "application/json",
		},
	}
	if system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent", g.base, g.model)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr geminiErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if len(apiResp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from %s", g.model)
	}

	var b strings.Builder
	for _, part := range apiResp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
