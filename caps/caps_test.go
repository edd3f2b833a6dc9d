package caps

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoadResolvesRelativeEndpointsAgainstCapsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"chat_endpoint": "/v1/chat",
			"embedding_endpoint": "/v1/embed",
			"chat_default_model": "gpt-4o",
			"chat_models": {"gpt-4o": {"name": "gpt-4o", "n_ctx": 128000, "supports_tools": true}}
		}`))
	}))
	defer srv.Close()

	c, err := Load(t.Context(), srv.Client(), srv.URL+"/", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ChatEndpoint != srv.URL+"/v1/chat" {
		t.Errorf("ChatEndpoint = %q, want resolved against caps URL", c.ChatEndpoint)
	}
	m, err := c.ResolveChatModel("")
	if err != nil {
		t.Fatalf("ResolveChatModel: %v", err)
	}
	if m.Name != "gpt-4o" || !m.SupportsTools {
		t.Errorf("resolved model = %+v", m)
	}
}

func TestResolveChatModelFallsBackOnFinetuneSuffix(t *testing.T) {
	c := &Caps{ChatModels: map[string]ChatModelRecord{
		"gpt-4o": {BaseModelRecord: BaseModelRecord{Name: "gpt-4o"}},
	}}
	m, err := c.ResolveChatModel("gpt-4o:ft-123")
	if err != nil {
		t.Fatalf("ResolveChatModel: %v", err)
	}
	if m.Name != "gpt-4o" {
		t.Errorf("got %+v", m)
	}
}

func TestResolveChatModelNotFound(t *testing.T) {
	c := &Caps{ChatModels: map[string]ChatModelRecord{}}
	if _, err := c.ResolveChatModel("missing"); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestStripFinetune(t *testing.T) {
	if got := StripFinetune("gpt-4o:ft-abc"); got != "gpt-4o" {
		t.Errorf("StripFinetune = %q", got)
	}
	if got := StripFinetune("gpt-4o"); got != "gpt-4o" {
		t.Errorf("StripFinetune = %q", got)
	}
}
