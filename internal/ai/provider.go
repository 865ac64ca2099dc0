package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed generation: the assistant message plus accounting.
type Result struct {
	Message string `json:"message"`
	Usage   Usage  `json:"usage"`
	Model   string `json:"model"`
}

type Provider interface {
	Generate(ctx context.Context, messages []Message, maxTokens int) (*Result, error)
}
