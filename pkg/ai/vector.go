package ai

import (
	"math"
	"sort"
	"sync"
)

// Document is one indexed text with its embedding.
type Document struct {
	ID   string
	Text string
	Vec  []float64
}

// Hit is one search result.
type Hit struct {
	ID    string
	Text  string
	Score float64
}

// VectorIndex is a small in-memory cosine-similarity index backing the
// vector_search leaf. Suitable for per-process RAG over modest corpora.
type VectorIndex struct {
	mu   sync.RWMutex
	docs []Document
}

func NewVectorIndex() *VectorIndex {
	return &VectorIndex{}
}

// Add indexes a document.
func (idx *VectorIndex) Add(doc Document) {
	idx.mu.Lock()
	idx.docs = append(idx.docs, doc)
	idx.mu.Unlock()
}

// Len reports the number of indexed documents.
func (idx *VectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search returns the topK documents most similar to vec by cosine
// similarity, best first.
func (idx *VectorIndex) Search(vec []float64, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]Hit, 0, len(idx.docs))
	for _, doc := range idx.docs {
		hits = append(hits, Hit{ID: doc.ID, Text: doc.Text, Score: cosine(vec, doc.Vec)})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
