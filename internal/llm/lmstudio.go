package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	docbterrors "github.com/aleenprd/docbt/internal/errors"
)

const defaultLMStudioBaseURL = "http://localhost:1234/v1"

// lmStudioBackend talks to LM Studio's OpenAI-compatible server. Local
// models often emit chain-of-thought tags, which are stripped into the
// completion's Reasoning field.
type lmStudioBackend struct {
	model            string
	apiKey           string
	baseURL          string
	maxContextTokens int
	client           *http.Client
}

func newLMStudio(cfg Config) (Backend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultLMStudioBaseURL
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = defaultLocalContext
	}

	return &lmStudioBackend{
		model:            cfg.Model,
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimRight(baseURL, "/"),
		maxContextTokens: maxCtx,
		client:           newHTTPClient(),
	}, nil
}

func (b *lmStudioBackend) Name() string {
	return backendName(ProviderLMStudio, b.model)
}

func (b *lmStudioBackend) Capabilities() Capabilities {
	return Capabilities{
		MaxContextTokens:  b.maxContextTokens,
		SupportsStreaming: true,
	}
}

func (b *lmStudioBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
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

	var headers map[string]string
	if b.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + b.apiKey}
	}

	start := time.Now()

	body, err := postJSON(ctx, b.client, b.baseURL+"/chat/completions", headers, payload)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindTransient, "failed to parse lmstudio response")
	}

	if len(parsed.Choices) == 0 {
		return nil, docbterrors.New(docbterrors.KindTransient, "lmstudio response contained no choices")
	}

	reasoning, content := ParseChainOfThought(parsed.Choices[0].Message.Content)
	if content == "" {
		return nil, docbterrors.New(docbterrors.KindTransient, "lmstudio response was empty")
	}

	return &Completion{
		Text:      content,
		Reasoning: reasoning,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Duration:        elapsed,
		TokensPerSecond: tokensPerSecond(parsed.Usage.CompletionTokens, elapsed.Seconds()),
	}, nil
}

var _ Backend = (*lmStudioBackend)(nil)
