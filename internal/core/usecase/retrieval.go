package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/kirillkom/corpus-chat/internal/core/ports"
)

const contextBlockHeader = "Answer using the excerpts from the user's documents below when they are relevant.\n" +
	"Cite excerpts by their number. If the excerpts are insufficient, say so directly.\n\n"

// RetrievalUseCase injects scoped document passages into an outbound model
// request.
type RetrievalUseCase struct {
	repo      ports.DocumentRepository
	extractor ports.TextExtractor
	chunker   ports.Chunker
	scorer    ports.PassageScorer
	limits    domain.RetrievalLimits
	metrics   ports.MetricsRecorder
}

func NewRetrievalUseCase(
	repo ports.DocumentRepository,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	scorer ports.PassageScorer,
	limits domain.RetrievalLimits,
	metrics ports.MetricsRecorder,
) *RetrievalUseCase {
	if limits.TopK <= 0 {
		limits.TopK = 6
	}
	if limits.InputBudgetTokens <= 0 {
		limits.InputBudgetTokens = 4096
	}
	if limits.Concurrency <= 0 {
		limits.Concurrency = 4
	}
	if scorer == nil {
		scorer = NewLexicalScorer()
	}
	return &RetrievalUseCase{
		repo:      repo,
		extractor: extractor,
		chunker:   chunker,
		scorer:    scorer,
		limits:    limits,
		metrics:   metricsOrNoop(metrics),
	}
}

// Augment returns req unchanged for an empty scope. Otherwise it ranks the
// passages of every scoped document against req.Query and sets
// req.ContextBlock to the best passages that fit the input budget.
func (uc *RetrievalUseCase) Augment(
	ctx context.Context,
	scope domain.RetrievalScope,
	req domain.ModelRequest,
) (domain.ModelRequest, domain.RetrievalContext, error) {
	if scope.IsEmpty() {
		return req, domain.RetrievalContext{Passages: []domain.Passage{}}, nil
	}
	started := time.Now()

	passages, failures := uc.collectPassages(ctx, scope)
	if err := ctx.Err(); err != nil {
		return req, domain.RetrievalContext{}, err
	}

	rc := domain.RetrievalContext{Passages: []domain.Passage{}}
	for _, failure := range failures {
		rc.Warnings = append(rc.Warnings, failure.Error())
	}

	scored := true
	scores, err := uc.scorer.Score(ctx, req.Query, passages)
	if err == nil && len(scores) != len(passages) {
		err = fmt.Errorf("scorer %s returned %d scores for %d passages", uc.scorer.Name(), len(scores), len(passages))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return req, domain.RetrievalContext{}, ctxErr
		}
		// Unscored passages keep scope order, then passage order.
		failure := domain.WrapError(domain.ErrPartialRetrieval, "score passages", err)
		failures = append(failures, failure)
		rc.Warnings = append(rc.Warnings, failure.Error())
		scores = make([]float64, len(passages))
		scored = false
	}
	for i := range passages {
		passages[i].Score = scores[i]
	}

	if scored {
		sort.SliceStable(passages, func(i, j int) bool {
			return passageLess(passages[i], passages[i].Score, passages[j], passages[j].Score)
		})
	}
	if len(passages) > uc.limits.TopK {
		passages = passages[:uc.limits.TopK]
	}

	budget := uc.limits.InputBudgetTokens - uc.limits.PromptOverheadTokens - requestTokens(req)
	passages, block := fitContextBlock(passages, budget)

	rc.Passages = passages
	rc.Partial = len(failures) > 0
	rc.Err = errors.Join(failures...)

	out := req
	out.ContextBlock = block

	uc.metrics.RecordRetrieval(uc.scorer.Name(), len(passages), rc.Partial, time.Since(started))
	if rc.Partial {
		slog.Warn("retrieval_partial",
			"user_id", scope.UserID,
			"scope_size", len(scope.DocumentIDs),
			"warnings", len(rc.Warnings),
		)
	}
	return out, rc, nil
}

type documentPassages struct {
	passages []domain.Passage
	err      error
}

func (uc *RetrievalUseCase) collectPassages(ctx context.Context, scope domain.RetrievalScope) ([]domain.Passage, []error) {
	ids := domain.NormalizeIDs(scope.DocumentIDs)
	results := make([]documentPassages, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.limits.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			passages, err := uc.documentPassages(gctx, scope.UserID, id)
			results[i] = documentPassages{passages: passages, err: err}
			// A bad document never cancels its siblings.
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.Passage, 0)
	failures := make([]error, 0)
	for i, res := range results {
		if res.err != nil {
			failures = append(failures, domain.WrapError(domain.ErrPartialRetrieval,
				fmt.Sprintf("skip document %q", ids[i]), res.err))
			continue
		}
		out = append(out, res.passages...)
	}
	return out, failures
}

func (uc *RetrievalUseCase) documentPassages(ctx context.Context, userID, documentID string) ([]domain.Passage, error) {
	doc, err := uc.repo.GetByID(ctx, userID, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	text, err := uc.extractor.Extract(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}

	chunks := uc.chunker.Split(text)
	out := make([]domain.Passage, 0, len(chunks))
	for idx, chunk := range chunks {
		out = append(out, domain.Passage{DocumentID: doc.ID, Index: idx, Text: chunk})
	}
	return out, nil
}

// fitContextBlock drops whole passages from the tail (lowest score) until
// the rendered block fits budget tokens.
func fitContextBlock(passages []domain.Passage, budget int) ([]domain.Passage, string) {
	for len(passages) > 0 {
		block := renderContextBlock(passages)
		if domain.EstimateTokens(block) <= budget {
			return passages, block
		}
		passages = passages[:len(passages)-1]
	}
	return []domain.Passage{}, ""
}

func renderContextBlock(passages []domain.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(contextBlockHeader)
	for idx, p := range passages {
		fmt.Fprintf(&b, "[%d] source=%s\n%s\n\n", idx+1, p.DocumentID, p.Text)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func requestTokens(req domain.ModelRequest) int {
	total := domain.EstimateTokens(req.Query)
	for _, msg := range req.History {
		total += domain.EstimateTokens(msg.Content)
	}
	return total
}
