package usecase

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// sourceNameBoost rewards passages whose document name mentions a query term.
	sourceNameBoost = 0.10
)

// LexicalScorer ranks passages with BM25 computed over the candidate set
// itself, so no index has to be maintained.
type LexicalScorer struct{}

func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

func (s *LexicalScorer) Name() string { return "lexical" }

func (s *LexicalScorer) Score(_ context.Context, query string, passages []domain.Passage) ([]float64, error) {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores, nil
	}
	queryTokens := uniqueTokens(splitAlphaNumLower(query))
	if len(queryTokens) == 0 {
		return scores, nil
	}

	termFreqs := make([]map[string]int, len(passages))
	docFreq := make(map[string]int, len(queryTokens))
	totalLen := 0
	lengths := make([]int, len(passages))
	for i, p := range passages {
		tokens := splitAlphaNumLower(p.Text)
		lengths[i] = len(tokens)
		totalLen += len(tokens)
		tf := make(map[string]int, len(tokens))
		for _, token := range tokens {
			tf[token]++
		}
		termFreqs[i] = tf
		for _, q := range queryTokens {
			if tf[q] > 0 {
				docFreq[q]++
			}
		}
	}

	n := float64(len(passages))
	avgLen := float64(totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	for i, p := range passages {
		var score float64
		for _, q := range queryTokens {
			tf := float64(termFreqs[i][q])
			if tf == 0 {
				continue
			}
			df := float64(docFreq[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen))
			score += idf * norm
		}
		score += sourceNameBoost * sourceNameHit(queryTokens, p.DocumentID)
		scores[i] = score
	}
	return scores, nil
}

func sourceNameHit(queryTokens []string, documentID string) float64 {
	if len(queryTokens) == 0 || documentID == "" {
		return 0
	}
	nameTokens := toTokenSet(documentID)
	for _, token := range queryTokens {
		if _, ok := nameTokens[token]; ok {
			return 1
		}
	}
	return 0
}

func uniqueTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
