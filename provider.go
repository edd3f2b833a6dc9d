package refactd

import "context"

// Provider is the Completions port: a streaming-capable chat
// completion client presenting the OpenAI-compatible
// {model, messages, tools?, temperature?, stream} surface. Concrete HTTP
// clients to remote LLM providers are explicitly out of scope;
// the core only consumes this interface.
type Provider interface {
	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream performs a streaming completion, emitting StreamEvent values
	// on ch. The provider closes ch when the stream ends.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name identifies the provider for logging and error wrapping.
	Name() string
}

// EmbeddingProvider is the Embeddings port: POST to an
// embeddings endpoint with {model, inputs}, returning one vector per input.
// Failures are retried by the caller (the vectorizer) with exponential
// backoff up to a cap; empty rows are dropped there, not here.
type EmbeddingProvider interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
