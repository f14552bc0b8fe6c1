package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions API
// (OpenAI, Ollama, vLLM, llama.cpp server, ...).
type OpenAIProvider struct {
	id      string
	baseURL string
	client  *openai.Client
	http    *http.Client
}

type OpenAIOption func(*OpenAIProvider)

// WithOpenAIHTTPClient sets a custom HTTP client. Streams are bounded by
// the request context, so the client should not set a total Timeout.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.http = c }
}

func NewOpenAIProvider(id, baseURL, apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	p := &OpenAIProvider{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 120 * time.Second,
		}},
	}
	for _, o := range opts {
		o(p)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = p.http
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *OpenAIProvider) ID() string { return p.id }

func (p *OpenAIProvider) BaseURL() string { return p.baseURL }

// Complete sends a non-streaming completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toOpenAIRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", p.id, classify(err))
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &CompletionResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// Stream opens a server-sent-events completion. Cancelling ctx aborts the
// HTTP stream.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (ResponseStream, error) {
	s, err := p.client.CreateChatCompletionStream(ctx, toOpenAIRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", p.id, classify(err))
	}
	return &openAIStream{stream: s}, nil
}

// Probe checks that the endpoint answers and, when model is set, that it
// lists the model.
func (p *OpenAIProvider) Probe(ctx context.Context, model string) error {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("%s list models: %w", p.id, classify(err))
	}
	if model == "" {
		return nil
	}
	for _, m := range list.Models {
		if m.ID == model || strings.TrimSuffix(m.ID, ":latest") == model {
			return nil
		}
	}
	return fmt.Errorf("%s: %q: %w", p.id, model, ErrModelNotFound)
}

func toOpenAIRequest(req *CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	once   sync.Once
	err    error
}

func (s *openAIStream) Recv() (StreamChunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return StreamChunk{}, io.EOF
		}
		if err != nil {
			return StreamChunk{}, classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if c := resp.Choices[0].Delta.Content; c != "" {
			return StreamChunk{Content: c}, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.once.Do(func() { s.err = s.stream.Close() })
	return s.err
}
