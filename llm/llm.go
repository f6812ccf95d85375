// Package llm defines the provider contract the NER/EPP pipeline (C8)
// and the GraphRAG service (C12) call through for text completion and
// embeddings, plus the real Anthropic-backed implementation. Grounded
// on the per-vendor client-construction style shared by the driver
// packages (gitea.newClient, gitlab.newClient): one constructor builds
// a connected client once, every call reuses it.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Message is one turn in a completion request.
type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// CompletionRequest is a single-shot chat completion call.
type CompletionRequest struct {
	Messages  []Message
	MaxTokens int
	Model     string
}

// CompletionResponse is the provider's reply.
type CompletionResponse struct {
	Text string
}

// Provider is the LLM completion contract. NER's Extractor and
// Classifier, and GraphRAG's GenerateAnswer, call through this
// interface rather than a concrete client so tests can substitute a
// deterministic double (spec.md §9: "the parser is the contract, not
// the prompt").
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Embedder produces a vector embedding for a piece of text, in the
// form graphstore.Store.PutEmbedding stores. No ingestion stage in this
// module calls an Embedder or PutEmbedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// AnthropicProvider implements Provider against the Anthropic Messages
// API.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider builds a client once; every Complete call reuses it.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return msgs
}

func effectiveMaxTokens(requested int) int64 {
	if requested <= 0 {
		return 1024
	}
	return int64(requested)
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := p.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: effectiveMaxTokens(req.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("llm: anthropic completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		text += block.Text
	}
	return CompletionResponse{Text: text}, nil
}
