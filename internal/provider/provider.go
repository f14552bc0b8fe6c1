// Package provider is the model boundary: chat completions, streamed or
// not, against an OpenAI-compatible endpoint.
package provider

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type CompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type StreamChunk struct {
	Content string `json:"content"`
}

// ResponseStream yields generated text incrementally. Recv returns io.EOF
// once the model has finished; any other error is a fault. Close releases
// the underlying connection and is safe to call more than once.
type ResponseStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

type Provider interface {
	ID() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req *CompletionRequest) (ResponseStream, error)
}

// Prober is implemented by providers that can check reachability and
// model availability without generating text.
type Prober interface {
	Probe(ctx context.Context, model string) error
}

// Settings are the generation parameters shared by every request a
// conversation sends.
type Settings struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

func (s Settings) Request(msgs []Message) *CompletionRequest {
	return &CompletionRequest{
		Model:       s.Model,
		Messages:    msgs,
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	}
}
