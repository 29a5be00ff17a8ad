package ai

import (
	"context"
	"fmt"

	"github.com/veloxio/velox/pkg/effects"
)

// StubProvider is a deterministic offline provider for tests and dev runs.
// Replies echo the prompt; embeddings are a fixed-length hash projection.
type StubProvider struct {
	index *VectorIndex
}

func NewStubProvider() *StubProvider {
	return &StubProvider{index: NewVectorIndex()}
}

func (s *StubProvider) Index() *VectorIndex { return s.index }

func (s *StubProvider) CallLLM(ctx context.Context, config map[string]any) (any, error) {
	return "stub: " + configString(config, "prompt"), nil
}

func (s *StubProvider) EmbedText(ctx context.Context, config map[string]any) (any, error) {
	text := configString(config, "text")
	if text == "" {
		text = configString(config, "query")
	}
	return stubEmbed(text), nil
}

func (s *StubProvider) VectorSearch(ctx context.Context, config map[string]any) (any, error) {
	var vec []float64
	if v, ok := configVector(config); ok {
		vec = v
	} else {
		vec = stubEmbed(configString(config, "query"))
	}
	topK := 3
	if v, ok := config["top_k"].(int); ok && v > 0 {
		topK = v
	}
	hits := s.index.Search(vec, topK)
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out, nil
}

func (s *StubProvider) InvokeAgent(ctx context.Context, config map[string]any) (any, error) {
	return fmt.Sprintf("stub agent %s: %s", configString(config, "role"), configString(config, "task")), nil
}

func (s *StubProvider) CoordinateAgents(ctx context.Context, agents []map[string]any) (any, error) {
	results := make(map[string]any, len(agents))
	for _, agent := range agents {
		out, err := s.InvokeAgent(ctx, agent)
		if err != nil {
			return nil, err
		}
		results[configString(agent, "id")] = out
	}
	return results, nil
}

// stubEmbed projects text onto a small fixed-length vector. Equal inputs
// embed equally, which is all the tests need.
func stubEmbed(text string) []float64 {
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%8] += float64(r%31) + 1
	}
	return vec
}

var _ effects.Provider = (*StubProvider)(nil)
