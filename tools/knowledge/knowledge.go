// Package knowledge implements the knowledge-base search tool: it retrieves
// the durable memos distilled from past trajectories (and any the user saved
// directly) by hybrid vector + keyword search.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayforge/refactd"
)

// KnowledgeTool searches the knowledge base of memos.
//
// By default, New creates a HybridRetriever internally with default settings.
// To configure retrieval behavior (score threshold, keyword weight,
// re-ranking), construct a Retriever with the options you need and inject it:
//
//	retriever := refactd.NewHybridRetriever(store, embedding,
//	    refactd.WithMinRetrievalScore(0.05),
//	    refactd.WithKeywordWeight(0.4),
//	    refactd.WithReranker(refactd.NewScoreReranker(0.1)),
//	)
//	tool := knowledge.New(store, embedding,
//	    knowledge.WithRetriever(retriever),
//	    knowledge.WithTopK(10),
//	)
type KnowledgeTool struct {
	retriever refactd.Retriever
	topK      int
}

// Option configures a KnowledgeTool.
type Option func(*KnowledgeTool)

// WithRetriever injects a custom Retriever. When not set, New creates a
// default HybridRetriever from the provided store and embedding provider.
func WithRetriever(r refactd.Retriever) Option {
	return func(k *KnowledgeTool) { k.retriever = r }
}

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(k *KnowledgeTool) { k.topK = n }
}

// New creates a KnowledgeTool. If no Retriever is provided via WithRetriever,
// a default HybridRetriever is created from store and embedding.
func New(store refactd.KnowledgeStore, emb refactd.EmbeddingProvider, opts ...Option) *KnowledgeTool {
	k := &KnowledgeTool{topK: 5}
	for _, o := range opts {
		o(k)
	}
	if k.retriever == nil {
		k.retriever = refactd.NewHybridRetriever(store, emb)
	}
	return k
}

func (k *KnowledgeTool) Definitions() []refactd.ToolDefinition {
	return []refactd.ToolDefinition{{
		Name:        "knowledge_search",
		Description: "Search the knowledge base of durable memos: patterns, preferences, lessons, and decisions distilled from earlier sessions.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (k *KnowledgeTool) Execute(ctx context.Context, _ string, args json.RawMessage) (refactd.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return refactd.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	memos, err := k.retriever.Retrieve(ctx, params.Query, k.topK)
	if err != nil {
		return refactd.ToolResult{Error: "retrieval error: " + err.Error()}, nil
	}
	if len(memos) == 0 {
		return refactd.ToolResult{Content: fmt.Sprintf("No relevant memos found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	out.WriteString("From the knowledge base:\n")
	for i, m := range memos {
		fmt.Fprintf(&out, "%d. %s", i+1, m.Title)
		if len(m.Tags) > 0 {
			fmt.Fprintf(&out, " [%s]", strings.Join(m.Tags, ", "))
		}
		fmt.Fprintf(&out, "\n   %s\n", m.Content)
	}
	return refactd.ToolResult{Content: out.String()}, nil
}
