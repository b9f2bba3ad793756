package usecase

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

func newScopeFixture(t *testing.T, names ...string) (*ScopeUseCase, *CorpusUseCase, *memoryScopeStore) {
	t.Helper()
	corpus := NewCorpusUseCase(newMemoryDocRepo(), newMemoryStorage(), 0)
	for _, name := range names {
		if _, err := corpus.Add(context.Background(), "u1", name, "text/plain", strings.NewReader(name)); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	store := newMemoryScopeStore()
	return NewScopeUseCase(store, corpus), corpus, store
}

func TestScopeSaveAndLoad(t *testing.T) {
	uc, _, _ := newScopeFixture(t, "A", "B", "C")
	ctx := context.Background()

	saved, err := uc.Save(ctx, "u1", []string{"C", "A", "C"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !reflect.DeepEqual(saved.DocumentIDs, []string{"C", "A"}) {
		t.Fatalf("expected ordered deduplicated scope, got %v", saved.DocumentIDs)
	}

	loaded, err := uc.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(loaded.DocumentIDs, []string{"C", "A"}) {
		t.Fatalf("expected persisted order, got %v", loaded.DocumentIDs)
	}
}

func TestScopeSaveRejectsUnknownDocument(t *testing.T) {
	uc, _, store := newScopeFixture(t, "A")

	_, err := uc.Save(context.Background(), "u1", []string{"A", "ghost"})
	if !domain.IsKind(err, domain.ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection, got %v", err)
	}
	if store.puts != 0 {
		t.Fatalf("invalid selection must not be persisted")
	}
}

func TestScopeLoadPrunesDeletedDocuments(t *testing.T) {
	uc, corpus, store := newScopeFixture(t, "A", "B")
	ctx := context.Background()

	if _, err := uc.Save(ctx, "u1", []string{"A", "B"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	captured, _ := uc.Load(ctx, "u1")
	captured = captured.Clone()

	if err := corpus.Remove(ctx, "u1", "A"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	loaded, err := uc.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(loaded.DocumentIDs, []string{"B"}) {
		t.Fatalf("expected deleted id pruned, got %v", loaded.DocumentIDs)
	}
	persisted, _ := store.GetScope(ctx, "u1")
	if !reflect.DeepEqual(persisted, []string{"B"}) {
		t.Fatalf("expected pruned scope persisted, got %v", persisted)
	}
	if !reflect.DeepEqual(captured.DocumentIDs, []string{"A", "B"}) {
		t.Fatalf("captured scope must not change, got %v", captured.DocumentIDs)
	}
}

func TestScopeSaveOfLoadIsFixedPoint(t *testing.T) {
	uc, corpus, store := newScopeFixture(t, "A", "B", "C")
	ctx := context.Background()
	_ = store.PutScope(ctx, "u1", []string{"B", "stale", "A", "B"})
	_ = corpus.Remove(ctx, "u1", "C")

	first, err := uc.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	docs, _ := corpus.List(ctx, "u1")
	members := map[string]bool{}
	for _, d := range docs {
		members[d.ID] = true
	}
	for _, id := range first.DocumentIDs {
		if !members[id] {
			t.Fatalf("Load() returned id %q absent from list()", id)
		}
	}

	saved, err := uc.Save(ctx, "u1", first.DocumentIDs)
	if err != nil {
		t.Fatalf("Save(Load()) error = %v", err)
	}
	second, _ := uc.Load(ctx, "u1")
	if !reflect.DeepEqual(first.DocumentIDs, saved.DocumentIDs) || !reflect.DeepEqual(first.DocumentIDs, second.DocumentIDs) {
		t.Fatalf("expected fixed point, got %v -> %v -> %v", first.DocumentIDs, saved.DocumentIDs, second.DocumentIDs)
	}
}

func TestScopeToggleTwiceIsNoOp(t *testing.T) {
	uc, _, _ := newScopeFixture(t, "A", "B")
	ctx := context.Background()
	if _, err := uc.Save(ctx, "u1", []string{"A"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	on, err := uc.Toggle(ctx, "u1", "B")
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !reflect.DeepEqual(on.DocumentIDs, []string{"A", "B"}) {
		t.Fatalf("expected B appended, got %v", on.DocumentIDs)
	}
	off, err := uc.Toggle(ctx, "u1", "B")
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !reflect.DeepEqual(off.DocumentIDs, []string{"A"}) {
		t.Fatalf("expected scope restored, got %v", off.DocumentIDs)
	}
}

func TestScopeToggleDeletedDocumentNeverReentersScope(t *testing.T) {
	uc, corpus, _ := newScopeFixture(t, "A")
	ctx := context.Background()
	if err := corpus.Remove(ctx, "u1", "A"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	_, err := uc.Toggle(ctx, "u1", "A")
	if !domain.IsKind(err, domain.ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection, got %v", err)
	}
	loaded, _ := uc.Load(ctx, "u1")
	if loaded.Contains("A") {
		t.Fatalf("deleted document re-entered scope: %v", loaded.DocumentIDs)
	}
}

func TestScopePrune(t *testing.T) {
	uc, _, store := newScopeFixture(t, "A", "B")
	ctx := context.Background()
	_, _ = uc.Save(ctx, "u1", []string{"A", "B"})

	if err := uc.Prune(ctx, "u1", "A", "missing"); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	persisted, _ := store.GetScope(ctx, "u1")
	if !reflect.DeepEqual(persisted, []string{"B"}) {
		t.Fatalf("expected A pruned, got %v", persisted)
	}
}

func TestScopeWritersSharingAStoreDoNotLoseUpdates(t *testing.T) {
	api, corpus, store := newScopeFixture(t, "A", "B", "X")
	ctx := context.Background()
	if _, err := api.Save(ctx, "u1", []string{"A", "X"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := corpus.Remove(ctx, "u1", "X"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	worker := NewScopeUseCase(store, corpus)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.beforeWrite = func(string, []string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	pruneDone := make(chan error, 1)
	go func() { pruneDone <- worker.Prune(ctx, "u1", "X") }()
	<-entered

	var toggled domain.RetrievalScope
	toggleDone := make(chan error, 1)
	go func() {
		var err error
		toggled, err = api.Toggle(ctx, "u1", "B")
		toggleDone <- err
	}()
	select {
	case err := <-toggleDone:
		t.Fatalf("toggle finished while another writer held the scope: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-pruneDone; err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if err := <-toggleDone; err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	want := []string{"A", "B"}
	if !reflect.DeepEqual(toggled.DocumentIDs, want) {
		t.Fatalf("toggle returned %v, want %v", toggled.DocumentIDs, want)
	}
	persisted, _ := store.GetScope(ctx, "u1")
	if !reflect.DeepEqual(persisted, want) {
		t.Fatalf("persisted scope %v, want %v", persisted, want)
	}
}
