package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	docbterrors "github.com/aleenprd/docbt/internal/errors"
)

const defaultOllamaBaseURL = "http://localhost:11434"

type ollamaBackend struct {
	model            string
	baseURL          string
	maxContextTokens int
	client           *http.Client
}

func newOllama(cfg Config) (Backend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = defaultLocalContext
	}

	return &ollamaBackend{
		model:            cfg.Model,
		baseURL:          strings.TrimRight(baseURL, "/"),
		maxContextTokens: maxCtx,
		client:           newHTTPClient(),
	}, nil
}

func (b *ollamaBackend) Name() string {
	return backendName(ProviderOllama, b.model)
}

func (b *ollamaBackend) Capabilities() Capabilities {
	return Capabilities{
		MaxContextTokens:  b.maxContextTokens,
		SupportsStreaming: true,
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (b *ollamaBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	payload := ollamaRequest{
		Model:  b.model,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		},
	}

	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}

	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})

	start := time.Now()

	body, err := postJSON(ctx, b.client, b.baseURL+"/api/chat", nil, payload)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)

	var parsed ollamaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindTransient, "failed to parse ollama response")
	}

	reasoning, content := ParseChainOfThought(parsed.Message.Content)
	if content == "" {
		return nil, docbterrors.New(docbterrors.KindTransient, "ollama response was empty")
	}

	return &Completion{
		Text:      content,
		Reasoning: reasoning,
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		Duration:        elapsed,
		TokensPerSecond: tokensPerSecond(parsed.EvalCount, elapsed.Seconds()),
	}, nil
}

var _ Backend = (*ollamaBackend)(nil)
