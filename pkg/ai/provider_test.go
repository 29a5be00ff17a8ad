package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veloxio/velox/pkg/effects"
)

// fakeAPI is an OpenAI-compatible test server.
type fakeAPI struct {
	t          *testing.T
	chatStatus int
	lastChat   *ChatRequest
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Fatalf("decode chat request: %v", err)
		}
		f.lastChat = &req
		if f.chatStatus != 0 {
			w.WriteHeader(f.chatStatus)
			w.Write([]byte(`{"error": "nope"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "echo: " + req.Messages[len(req.Messages)-1].Content}},
			},
		})
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
		})
	})
	return mux
}

func newTestProvider(t *testing.T, api *fakeAPI) *Provider {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return NewProvider(client)
}

func TestProvider_CallLLM(t *testing.T) {
	api := &fakeAPI{t: t}
	p := newTestProvider(t, api)

	out, err := p.CallLLM(context.Background(), map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("CallLLM failed: %v", err)
	}
	if out != "echo: hi" {
		t.Errorf("Unexpected reply: %v", out)
	}
	// Request defaults are filled in.
	if api.lastChat.Model != defaultModel {
		t.Errorf("Expected default model, got %q", api.lastChat.Model)
	}
	if api.lastChat.Temperature != 1.0 || api.lastChat.MaxTokens != 1000 {
		t.Errorf("Expected default sampling parameters, got %+v", api.lastChat)
	}
}

func TestProvider_RateLimitMapsToEffectsError(t *testing.T) {
	api := &fakeAPI{t: t, chatStatus: http.StatusTooManyRequests}
	p := newTestProvider(t, api)

	_, err := p.CallLLM(context.Background(), map[string]any{"prompt": "hi"})
	if !errors.Is(err, effects.ErrRateLimitExceeded) {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
}

func TestProvider_ServerErrorMapsToLLMError(t *testing.T) {
	api := &fakeAPI{t: t, chatStatus: http.StatusInternalServerError}
	p := newTestProvider(t, api)

	_, err := p.CallLLM(context.Background(), map[string]any{"prompt": "hi"})
	var le *effects.LLMError
	if !errors.As(err, &le) {
		t.Fatalf("Expected LLMError, got %v", err)
	}
}

func TestProvider_EmbedText(t *testing.T) {
	api := &fakeAPI{t: t}
	p := newTestProvider(t, api)

	out, err := p.EmbedText(context.Background(), map[string]any{"text": "doc"})
	if err != nil {
		t.Fatalf("EmbedText failed: %v", err)
	}
	vec, ok := out.([]float64)
	if !ok || len(vec) != 3 {
		t.Errorf("Unexpected embedding: %v", out)
	}
}

func TestProvider_VectorSearch(t *testing.T) {
	api := &fakeAPI{t: t}
	p := newTestProvider(t, api)

	p.Index().Add(Document{ID: "d1", Text: "close", Vec: []float64{0.1, 0.2, 0.3}})
	p.Index().Add(Document{ID: "d2", Text: "far", Vec: []float64{-0.1, -0.2, -0.3}})

	// Query string path embeds through the API.
	out, err := p.VectorSearch(context.Background(), map[string]any{"query": "anything", "top_k": 1})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	texts := out.([]string)
	if len(texts) != 1 || texts[0] != "close" {
		t.Errorf("Expected the nearby document, got %v", texts)
	}

	// Neither vector nor query is a validation error.
	_, err = p.VectorSearch(context.Background(), map[string]any{})
	var ve *effects.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestProvider_InvokeAgentFramesRole(t *testing.T) {
	api := &fakeAPI{t: t}
	p := newTestProvider(t, api)

	out, err := p.InvokeAgent(context.Background(), map[string]any{"role": "critic", "task": "review this"})
	if err != nil {
		t.Fatalf("InvokeAgent failed: %v", err)
	}
	if out != "echo: review this" {
		t.Errorf("Unexpected agent reply: %v", out)
	}
	if len(api.lastChat.Messages) != 2 || api.lastChat.Messages[0].Role != "system" {
		t.Fatalf("Expected a system framing message, got %+v", api.lastChat.Messages)
	}
	if api.lastChat.Messages[0].Content != "You are critic." {
		t.Errorf("Unexpected system message: %q", api.lastChat.Messages[0].Content)
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected missing api key to be rejected")
	}
	if _, err := NewClient(Config{APIKey: "k"}); err != nil {
		t.Errorf("Expected explicit api key to be accepted: %v", err)
	}
}
