package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	docbterrors "github.com/aleenprd/docbt/internal/errors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIBackend struct {
	model            string
	apiKey           string
	baseURL          string
	maxContextTokens int
	client           *http.Client
}

func newOpenAI(cfg Config) (Backend, error) {
	if cfg.APIKey == "" {
		return nil, docbterrors.New(docbterrors.KindConfig, "openai backend requires an API key")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = defaultOpenAIContext
	}

	return &openAIBackend{
		model:            cfg.Model,
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimRight(baseURL, "/"),
		maxContextTokens: maxCtx,
		client:           newHTTPClient(),
	}, nil
}

func (b *openAIBackend) Name() string {
	return backendName(ProviderOpenAI, b.model)
}

func (b *openAIBackend) Capabilities() Capabilities {
	return Capabilities{
		MaxContextTokens:  b.maxContextTokens,
		SupportsStreaming: true,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (b *openAIBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	payload := chatRequest{
		Model:       b.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}

	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}

	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	headers := map[string]string{
		"Authorization": "Bearer " + b.apiKey,
	}

	start := time.Now()

	body, err := postJSON(ctx, b.client, b.baseURL+"/chat/completions", headers, payload)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindTransient, "failed to parse openai response")
	}

	if len(parsed.Choices) == 0 {
		return nil, docbterrors.New(docbterrors.KindTransient, "openai response contained no choices")
	}

	// OpenAI hosted models do not emit chain-of-thought tags, keep the
	// content verbatim.
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return nil, docbterrors.New(docbterrors.KindTransient, "openai response was empty")
	}

	return &Completion{
		Text: content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Duration:        elapsed,
		TokensPerSecond: tokensPerSecond(parsed.Usage.CompletionTokens, elapsed.Seconds()),
	}, nil
}

var _ Backend = (*openAIBackend)(nil)
