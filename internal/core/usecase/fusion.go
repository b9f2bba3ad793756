package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

const defaultRRFK = 60

// EmbeddingScorer ranks passages by cosine similarity between the query
// embedding and each passage embedding.
type EmbeddingScorer struct {
	embedder ports.Embedder
}

func NewEmbeddingScorer(embedder ports.Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: embedder}
}

func (s *EmbeddingScorer) Name() string { return "embedding" }

func (s *EmbeddingScorer) Score(ctx context.Context, query string, passages []domain.Passage) ([]float64, error) {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores, nil
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed passages: %w", err)
	}
	if len(vectors) != len(passages) {
		return nil, fmt.Errorf("embed passages: got %d vectors for %d passages", len(vectors), len(passages))
	}

	for i, vector := range vectors {
		scores[i] = cosineSimilarity(queryVector, vector)
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HybridScorer fuses the rankings of several scorers with reciprocal rank
// fusion. A failing member is skipped as long as one member succeeds.
type HybridScorer struct {
	members []ports.PassageScorer
	rrfK    int
}

func NewHybridScorer(rrfK int, members ...ports.PassageScorer) *HybridScorer {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}
	return &HybridScorer{members: members, rrfK: rrfK}
}

func (s *HybridScorer) Name() string { return "hybrid" }

func (s *HybridScorer) Score(ctx context.Context, query string, passages []domain.Passage) ([]float64, error) {
	fused := make([]float64, len(passages))
	if len(passages) == 0 {
		return fused, nil
	}

	var lastErr error
	succeeded := 0
	for _, member := range s.members {
		scores, err := member.Score(ctx, query, passages)
		if err != nil {
			lastErr = fmt.Errorf("%s scorer: %w", member.Name(), err)
			continue
		}
		succeeded++
		for rank, idx := range rankOrder(passages, scores) {
			fused[idx] += 1.0 / float64(s.rrfK+rank+1)
		}
	}
	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return fused, nil
}

// rankOrder returns passage indexes from best to worst with the same
// tie-break the middleware uses, so fusion stays deterministic.
func rankOrder(passages []domain.Passage, scores []float64) []int {
	order := make([]int, len(passages))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		return passageLess(passages[a], scores[a], passages[b], scores[b])
	})
	return order
}

func passageLess(a domain.Passage, scoreA float64, b domain.Passage, scoreB float64) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.Index < b.Index
}
