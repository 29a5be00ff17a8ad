package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/veloxio/velox/pkg/effects"
)

// Provider adapts Client and a VectorIndex to the effects engine's provider
// contract. Effect configs address it with string keys: "model", "prompt",
// "text", "query", "top_k", "role", "task".
type Provider struct {
	client *Client
	index  *VectorIndex
}

// NewProvider wraps client. The vector index starts empty; VectorSearch over
// an empty index returns no hits.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client, index: NewVectorIndex()}
}

// Index exposes the provider's vector index for preloading documents.
func (p *Provider) Index() *VectorIndex { return p.index }

func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// configVector reads a precomputed embedding, stored under "vector" or
// "embedding" (the RAG pipeline uses the latter).
func configVector(config map[string]any) ([]float64, bool) {
	for _, key := range []string{"vector", "embedding"} {
		if v, ok := config[key].([]float64); ok {
			return v, true
		}
	}
	return nil, false
}

// CallLLM implements effects.Provider.
func (p *Provider) CallLLM(ctx context.Context, config map[string]any) (any, error) {
	reply, err := p.client.ChatSimple(ctx, configString(config, "model"), configString(config, "prompt"))
	if err != nil {
		return nil, wrapAPIError(err)
	}
	return reply, nil
}

// EmbedText implements effects.Provider.
func (p *Provider) EmbedText(ctx context.Context, config map[string]any) (any, error) {
	text := configString(config, "text")
	if text == "" {
		text = configString(config, "query")
	}
	vec, err := p.client.Embed(ctx, configString(config, "model"), text)
	if err != nil {
		return nil, wrapAPIError(err)
	}
	return vec, nil
}

// VectorSearch implements effects.Provider. The query may be a precomputed
// vector under "vector" or a "query" string embedded on the fly.
func (p *Provider) VectorSearch(ctx context.Context, config map[string]any) (any, error) {
	topK := 3
	if v, ok := config["top_k"].(int); ok && v > 0 {
		topK = v
	}

	var vec []float64
	if v, ok := configVector(config); ok {
		vec = v
	} else {
		query := configString(config, "query")
		if query == "" {
			return nil, &effects.ValidationError{Detail: "vector_search requires 'vector' or 'query'"}
		}
		embedded, err := p.client.Embed(ctx, configString(config, "model"), query)
		if err != nil {
			return nil, wrapAPIError(err)
		}
		vec = embedded
	}

	hits := p.index.Search(vec, topK)
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out, nil
}

// InvokeAgent implements effects.Provider: a single chat turn framed by the
// agent's role.
func (p *Provider) InvokeAgent(ctx context.Context, config map[string]any) (any, error) {
	role := configString(config, "role")
	task := configString(config, "task")
	prompt := configString(config, "prompt")
	if prompt == "" {
		prompt = task
	}

	resp, err := p.client.Chat(ctx, &ChatRequest{
		Model: configString(config, "model"),
		Messages: []Message{
			{Role: "system", Content: "You are " + role + "."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, &effects.AgentError{Detail: err.Error(), Err: wrapAPIError(err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &effects.AgentError{Detail: "no choices in response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// CoordinateAgents implements effects.Provider: agents run sequentially,
// each seeing the previous agents' outputs in its prompt.
func (p *Provider) CoordinateAgents(ctx context.Context, agents []map[string]any) (any, error) {
	results := make(map[string]any, len(agents))
	var transcript strings.Builder

	for _, agent := range agents {
		id := configString(agent, "id")
		task := configString(agent, "task")

		prompt := task
		if transcript.Len() > 0 {
			prompt = fmt.Sprintf("Context from prior agents:\n%s\nYour task: %s", transcript.String(), task)
		}

		cfg := map[string]any{
			"model":  agent["model"],
			"role":   agent["role"],
			"prompt": prompt,
		}
		out, err := p.InvokeAgent(ctx, cfg)
		if err != nil {
			return nil, err
		}
		results[id] = out
		fmt.Fprintf(&transcript, "[%s] %v\n", id, out)
	}
	return results, nil
}

// wrapAPIError converts HTTP-level failures into the effects error taxonomy.
func wrapAPIError(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", effects.ErrRateLimitExceeded, err)
	}
	return &effects.LLMError{Detail: err.Error(), Err: err}
}

var _ effects.Provider = (*Provider)(nil)
