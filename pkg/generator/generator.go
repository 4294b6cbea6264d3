// Package generator wraps the external text generator C7 calls to
// synthesise and patch skill source: a single bounded-timeout HTTP call
// with no provider-specific assumptions, matching the contract's "no
// assumption about provider" language.
//
// Grounded on ai/client.go's OpenAIClient: construct-with-API-key,
// build-messages, bounded http.Client, decode-or-wrap-error shape. Trimmed
// to the one method C7 actually needs and genericised away from any
// specific provider's request/response schema, since the contract names
// only `Generate(prompt, opts) -> {content}`.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
)

// Options configures a single generation call.
type Options struct {
	MaxTokens   int
	Temperature float64
	SystemPrompt string
}

// Generator is the external text generator contract (spec.md §6).
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// HTTPGenerator calls an OpenAI-compatible chat-completion endpoint.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// Option configures an HTTPGenerator at construction.
type Option func(*HTTPGenerator)

// WithBaseURL overrides the default endpoint, for pointing at a
// self-hosted or provider-compatible gateway.
func WithBaseURL(url string) Option {
	return func(g *HTTPGenerator) { g.baseURL = url }
}

// WithModel sets the model identifier sent with every request.
func WithModel(model string) Option {
	return func(g *HTTPGenerator) { g.model = model }
}

// WithTimeout overrides the HTTP client's default timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGenerator) { g.httpClient.Timeout = d }
}

// New constructs an HTTPGenerator. generationTimeout bounds every call
// per spec.md §6's "generation_timeout_seconds".
func New(apiKey string, generationTimeout time.Duration, opts ...Option) *HTTPGenerator {
	if generationTimeout <= 0 {
		generationTimeout = 30 * time.Second
	}
	g := &HTTPGenerator{
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		model:      "gpt-4",
		httpClient: &http.Client{Timeout: generationTimeout},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt to the configured endpoint and returns its raw
// text content.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if g.apiKey == "" {
		return "", engineerr.New("generator.Generate", engineerr.KindInput, fmt.Errorf("generator API key not configured"))
	}

	messages := []chatMessage{}
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}

	body, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", engineerr.New("generator.Generate", engineerr.KindStructural, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", engineerr.New("generator.Generate", engineerr.KindStructural, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", engineerr.New("generator.Generate", engineerr.KindTransient, engineerr.ErrGeneratorTimeout)
		}
		return "", engineerr.New("generator.Generate", engineerr.KindTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", engineerr.New("generator.Generate", engineerr.KindTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", engineerr.New("generator.Generate", engineerr.KindTransient, fmt.Errorf("generator returned status %d: %s", resp.StatusCode, string(data)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", engineerr.New("generator.Generate", engineerr.KindStructural, err)
	}
	if len(parsed.Choices) == 0 {
		return "", engineerr.New("generator.Generate", engineerr.KindStructural, fmt.Errorf("generator returned no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}
