// Package summarize collapses oversized conversation transcripts with an
// LLM. Summarization is best effort: callers persist the summary when it
// arrives and keep serving the raw transcript when it does not.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTargetChars is the length the summary should aim for.
const DefaultTargetChars = 24000

// Summarizer produces a condensed transcript no longer than targetChars.
type Summarizer interface {
	Summarize(ctx context.Context, conversation string, targetChars int) (string, error)
}

const (
	defaultModel   = "gemini-2.0-flash"
	requestTimeout = 60 * time.Second
)

// GeminiClient implements Summarizer against the Gemini generateContent API.
type GeminiClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewGemini creates a summarizer client. An empty baseURL selects the public
// Gemini endpoint.
func NewGemini(apiKey, baseURL string) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   defaultModel,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// Summarize asks the model for a condensed, speaker-tagged transcript.
func (c *GeminiClient) Summarize(ctx context.Context, conversation string, targetChars int) (string, error) {
	if targetChars <= 0 {
		targetChars = DefaultTargetChars
	}
	prompt := fmt.Sprintf(
		"Summarize the following voice conversation transcript so that the summary, "+
			"including any retained verbatim lines, fits within %d characters. "+
			"Keep the speaker-tagged format (user:/agent:) for key exchanges and preserve "+
			"all facts, names, commitments and open threads.\n\nTranscript:\n%s",
		targetChars, conversation)

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	text := gjson.GetBytes(respBody, "candidates.0.content.parts.0.text").String()
	if text == "" {
		return "", fmt.Errorf("gemini: empty candidate in response")
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
