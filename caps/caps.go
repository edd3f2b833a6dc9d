// Package caps resolves a requested model name against a fetched caps
// document into a provider endpoint and feature set. Two well-known
// filenames are tried in order, relative URLs in the document are resolved
// against whichever one answered, and model lookup falls back to stripping
// a ":finetune" suffix before giving up.
package caps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Filenames tried in order against the configured address.
const (
	FilenamePrimary  = "refact-caps"
	FilenameFallback = "coding_assistant_caps.json"
)

// BaseModelRecord is the fields shared by every model kind.
type BaseModelRecord struct {
	NCtx           int      `json:"n_ctx"`
	Name           string   `json:"name"`
	ID             string   `json:"-"`
	Endpoint       string   `json:"-"`
	EndpointStyle  string   `json:"-"`
	APIKey         string   `json:"-"`
	SupportsMeta   bool     `json:"support_metadata"`
	SimilarModels  []string `json:"-"`
	Tokenizer      string   `json:"-"`
}

// ChatModelRecord describes a chat-capable model.
type ChatModelRecord struct {
	BaseModelRecord
	Scratchpad        string  `json:"scratchpad"`
	SupportsTools     bool    `json:"supports_tools"`
	SupportsAgent     bool    `json:"supports_agent"`
	SupportsReasoning string  `json:"supports_reasoning"`
	DefaultTemp       float64 `json:"default_temperature"`
}

// CompletionModelRecord describes a code-completion model.
type CompletionModelRecord struct {
	BaseModelRecord
	Scratchpad string `json:"scratchpad"`
}

// EmbeddingModelRecord describes the single embedding model a caps document
// may advertise.
type EmbeddingModelRecord struct {
	BaseModelRecord
	EmbeddingSize        int     `json:"embedding_size"`
	RejectionThreshold   float64 `json:"rejection_threshold"`
	EmbeddingBatch       int     `json:"embedding_batch"`
}

// IsConfigured reports whether the server actually advertised an embedding
// model.
func (e EmbeddingModelRecord) IsConfigured() bool {
	return e.Name != "" && (e.EmbeddingSize > 0 || e.EmbeddingBatch > 0 || e.NCtx > 0)
}

// DefaultModels names the server's default model per role.
type DefaultModels struct {
	CompletionDefaultModel string `json:"completion_default_model"`
	ChatDefaultModel       string `json:"chat_default_model"`
	ChatThinkingModel      string `json:"chat_thinking_model"`
	ChatLightModel         string `json:"chat_light_model"`
}

// Caps is the parsed caps document.
type Caps struct {
	TelemetryBasicDest         string `json:"telemetry_basic_dest"`
	TelemetryBasicRetrieveOwn  string `json:"telemetry_basic_retrieve_my_own"`
	CapsVersion                int64  `json:"caps_version"`

	CompletionModels map[string]CompletionModelRecord `json:"-"`
	ChatModels        map[string]ChatModelRecord       `json:"-"`
	EmbeddingModel     EmbeddingModelRecord             `json:"-"`
	Defaults           DefaultModels                    `json:"-"`

	ChatEndpoint       string `json:"chat_endpoint"`
	CompletionEndpoint string `json:"completion_endpoint"`
	EmbeddingEndpoint  string `json:"embedding_endpoint"`
}

// rawCaps mirrors the wire document before model records are normalized into
// maps keyed by id.
type rawCaps struct {
	Caps
	CompletionModels map[string]CompletionModelRecord `json:"completion_models"`
	ChatModels       map[string]ChatModelRecord        `json:"chat_models"`
	Embedding        EmbeddingModelRecord              `json:"embedding_model"`

	CompletionDefaultModel string `json:"completion_default_model"`
	ChatDefaultModel       string `json:"chat_default_model"`
	ChatThinkingModel      string `json:"chat_thinking_model"`
	ChatLightModel         string `json:"chat_light_model"`
}

// Fetcher fetches caps documents over HTTP. http.Client satisfies it.
type Fetcher interface {
	Get(url string) (*http.Response, error)
}

// Load fetches the caps document from address, trying FilenamePrimary then
// FilenameFallback, and resolves every relative endpoint URL the document
// names against whichever URL actually answered.
func Load(ctx context.Context, client *http.Client, address, apiKey string) (*Caps, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	urls, err := candidateURLs(address)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := decodeBody(resp)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("caps: status=%d from %s", resp.StatusCode, u)
			continue
		}
		return parseCaps(body, u)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("caps: no URL produced a response")
	}
	return nil, lastErr
}

func decodeBody(resp *http.Response) (json.RawMessage, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("caps: decode response: %w", err)
	}
	return raw, nil
}

func candidateURLs(address string) ([]string, error) {
	if strings.EqualFold(address, "refact") {
		return []string{"https://inference.smallcloud.ai/coding_assistant_caps.json"}, nil
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("caps: parse address url: %w", err)
	}
	primary, err := base.Parse(FilenamePrimary)
	if err != nil {
		return nil, fmt.Errorf("caps: join caps url: %w", err)
	}
	fallback, err := base.Parse(FilenameFallback)
	if err != nil {
		return nil, fmt.Errorf("caps: join fallback caps url: %w", err)
	}
	return []string{primary.String(), fallback.String()}, nil
}

func parseCaps(body json.RawMessage, capsURL string) (*Caps, error) {
	var raw rawCaps
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("caps: parse: %w", err)
	}

	c := raw.Caps
	c.CompletionModels = raw.CompletionModels
	c.ChatModels = raw.ChatModels
	c.EmbeddingModel = raw.Embedding
	c.Defaults = DefaultModels{
		CompletionDefaultModel: raw.CompletionDefaultModel,
		ChatDefaultModel:       raw.ChatDefaultModel,
		ChatThinkingModel:      raw.ChatThinkingModel,
		ChatLightModel:         raw.ChatLightModel,
	}

	var err error
	if c.TelemetryBasicDest, err = relativeToFull(capsURL, c.TelemetryBasicDest); err != nil {
		return nil, err
	}
	if c.TelemetryBasicRetrieveOwn, err = relativeToFull(capsURL, c.TelemetryBasicRetrieveOwn); err != nil {
		return nil, err
	}
	if c.ChatEndpoint, err = relativeToFull(capsURL, c.ChatEndpoint); err != nil {
		return nil, err
	}
	if c.CompletionEndpoint, err = relativeToFull(capsURL, c.CompletionEndpoint); err != nil {
		return nil, err
	}
	if c.EmbeddingEndpoint, err = relativeToFull(capsURL, c.EmbeddingEndpoint); err != nil {
		return nil, err
	}
	for id, m := range c.ChatModels {
		m.ID = id
		c.ChatModels[id] = m
	}
	for id, m := range c.CompletionModels {
		m.ID = id
		c.CompletionModels[id] = m
	}
	return &c, nil
}

func relativeToFull(capsURL, maybeRelative string) (string, error) {
	if maybeRelative == "" {
		return "", nil
	}
	if strings.HasPrefix(maybeRelative, "http") {
		return maybeRelative, nil
	}
	base, err := url.Parse(capsURL)
	if err != nil {
		return "", fmt.Errorf("caps: parse caps url: %w", err)
	}
	joined, err := base.Parse(maybeRelative)
	if err != nil {
		return "", fmt.Errorf("caps: join relative url %q: %w", maybeRelative, err)
	}
	return joined.String(), nil
}

// StripFinetune removes a ":finetune" suffix from a model id ahead of a
// second lookup attempt.
func StripFinetune(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[:i]
	}
	return model
}

// ResolveChatModel finds the chat model for requestedModel, falling back to
// caps.Defaults.ChatDefaultModel when requestedModel is empty, then to the
// finetune-stripped id before giving up.
func (c *Caps) ResolveChatModel(requestedModel string) (ChatModelRecord, error) {
	id := requestedModel
	if id == "" {
		id = c.Defaults.ChatDefaultModel
	}
	if m, ok := c.ChatModels[id]; ok {
		return m, nil
	}
	if m, ok := c.ChatModels[StripFinetune(id)]; ok {
		return m, nil
	}
	return ChatModelRecord{}, fmt.Errorf("caps: chat model %q not found (have %d models)", id, len(c.ChatModels))
}

// ResolveCompletionModel is ResolveChatModel's counterpart for code
// completion.
func (c *Caps) ResolveCompletionModel(requestedModel string) (CompletionModelRecord, error) {
	id := requestedModel
	if id == "" {
		id = c.Defaults.CompletionDefaultModel
	}
	if m, ok := c.CompletionModels[id]; ok {
		return m, nil
	}
	if m, ok := c.CompletionModels[StripFinetune(id)]; ok {
		return m, nil
	}
	return CompletionModelRecord{}, fmt.Errorf("caps: completion model %q not found (have %d models)", id, len(c.CompletionModels))
}
