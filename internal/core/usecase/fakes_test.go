package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
)

type memoryDocRepo struct {
	mu      sync.Mutex
	docs    map[string]domain.Document
	seq     map[string]int
	next    int
	listErr error
}

func newMemoryDocRepo() *memoryDocRepo {
	return &memoryDocRepo{docs: map[string]domain.Document{}, seq: map[string]int{}}
}

func (r *memoryDocRepo) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := corpusKey(doc.UserID, doc.ID)
	if _, ok := r.docs[key]; ok {
		return domain.WrapError(domain.ErrConflict, "insert document", fmt.Errorf("duplicate %s", doc.ID))
	}
	r.docs[key] = *doc
	r.next++
	r.seq[key] = r.next
	return nil
}

func (r *memoryDocRepo) GetByID(_ context.Context, userID, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[corpusKey(userID, id)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get document", fmt.Errorf("document %s", id))
	}
	return &doc, nil
}

func (r *memoryDocRepo) List(_ context.Context, userID string) ([]domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	type entry struct {
		doc domain.Document
		seq int
	}
	entries := make([]entry, 0)
	for key, doc := range r.docs {
		if doc.UserID == userID {
			entries = append(entries, entry{doc: doc, seq: r.seq[key]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Document, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.doc)
	}
	return out, nil
}

func (r *memoryDocRepo) Delete(_ context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := corpusKey(userID, id)
	if _, ok := r.docs[key]; !ok {
		return domain.WrapError(domain.ErrNotFound, "delete document", fmt.Errorf("document %s", id))
	}
	delete(r.docs, key)
	delete(r.seq, key)
	return nil
}

type memoryStorage struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	n        int
	putErr   error
	getErr   map[string]error
	putDelay time.Duration
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{blobs: map[string][]byte{}, getErr: map[string]error{}}
}

func (s *memoryStorage) Put(_ context.Context, userID, name string, data io.Reader) (string, error) {
	if s.putDelay > 0 {
		time.Sleep(s.putDelay)
	}
	if s.putErr != nil {
		return "", s.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	handle := fmt.Sprintf("%s/%d_%s", userID, s.n, name)
	s.blobs[handle] = raw
	return handle, nil
}

func (s *memoryStorage) Get(_ context.Context, handle string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.getErr[handle]; ok {
		return nil, err
	}
	raw, ok := s.blobs[handle]
	if !ok {
		return nil, errors.New("blob missing")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *memoryStorage) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, handle)
	return nil
}

func (s *memoryStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

type memoryScopeStore struct {
	mu     sync.Mutex
	scopes map[string][]string
	puts   int
	// beforeWrite runs inside the per-store critical section.
	beforeWrite func(userID string, next []string)
}

func newMemoryScopeStore() *memoryScopeStore {
	return &memoryScopeStore{scopes: map[string][]string{}}
}

func (s *memoryScopeStore) GetScope(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.scopes[userID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *memoryScopeStore) UpdateScope(_ context.Context, userID string, mutate func([]string) ([]string, error)) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := append([]string(nil), s.scopes[userID]...)
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if slices.Equal(current, next) {
		return next, nil
	}
	if s.beforeWrite != nil {
		s.beforeWrite(userID, next)
	}
	s.scopes[userID] = append([]string(nil), next...)
	s.puts++
	return next, nil
}

// PutScope seeds a scope directly.
func (s *memoryScopeStore) PutScope(_ context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(ids))
	copy(out, ids)
	s.scopes[userID] = out
	s.puts++
	return nil
}

type memorySessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*domain.ChatSession
	appendErr error
	// ensureGate, when set, holds EnsureSession until it is closed.
	ensureGate chan struct{}
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{sessions: map[string]*domain.ChatSession{}}
}

func (s *memorySessionStore) EnsureSession(_ context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	if s.ensureGate != nil {
		<-s.ensureGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := corpusKey(userID, sessionID)
	sess, ok := s.sessions[key]
	if !ok {
		now := time.Now().UTC()
		sess = &domain.ChatSession{ID: sessionID, UserID: userID, CreatedAt: now, UpdatedAt: now}
		s.sessions[key] = sess
	}
	copySess := *sess
	return &copySess, nil
}

func (s *memorySessionStore) GetSession(_ context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[corpusKey(userID, sessionID)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %s", sessionID))
	}
	copySess := *sess
	copySess.Transcript = append([]domain.Turn(nil), sess.Transcript...)
	return &copySess, nil
}

func (s *memorySessionStore) AppendTurn(_ context.Context, userID, sessionID string, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	sess, ok := s.sessions[corpusKey(userID, sessionID)]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "append turn", fmt.Errorf("session %s", sessionID))
	}
	sess.Transcript = append(sess.Transcript, turn)
	return nil
}

func (s *memorySessionStore) ListRecentTurns(_ context.Context, userID, sessionID string, limit int) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[corpusKey(userID, sessionID)]
	if !ok {
		return nil, nil
	}
	turns := sess.Transcript
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func (s *memorySessionStore) ReplaceTranscript(_ context.Context, userID, sessionID string, turns []domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[corpusKey(userID, sessionID)]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "replace transcript", fmt.Errorf("session %s", sessionID))
	}
	sess.Transcript = append([]domain.Turn(nil), turns...)
	return nil
}

func (s *memorySessionStore) transcript(userID, sessionID string) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[corpusKey(userID, sessionID)]
	if !ok {
		return nil
	}
	return append([]domain.Turn(nil), sess.Transcript...)
}

type plainExtractor struct {
	storage *memoryStorage
}

func (e plainExtractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	rc, err := e.storage.Get(ctx, doc.ContentHandle)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type paragraphChunker struct{}

func (paragraphChunker) Split(text string) []string {
	out := make([]string, 0)
	for _, p := range bytes.Split([]byte(text), []byte("\n\n")) {
		if s := string(bytes.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
