package docs

import (
	"context"
	"sort"
	"sync"
)

// In-memory store implementations, kept alongside the Mongo ones so the
// engine can be exercised without a running database. All reads and writes
// deep-copy records: a snapshot handed to one reader stays valid even when a
// later hard-delete rewrites the history underneath it.

// MemoryRevisionStore implements RevisionStore in process memory.
type MemoryRevisionStore struct {
	mu   sync.RWMutex
	revs map[string]DocumentRevision // by revision id
}

func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{revs: map[string]DocumentRevision{}}
}

func (s *MemoryRevisionStore) AllByDocumentID(_ context.Context, documentID string) ([]DocumentRevision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []DocumentRevision{}
	for _, rev := range s.revs {
		if rev.DocumentID == documentID {
			out = append(out, *cloneRevision(&rev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *MemoryRevisionStore) Insert(_ context.Context, rev *DocumentRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs[rev.ID] = *cloneRevision(rev)
	return nil
}

func (s *MemoryRevisionStore) InsertMany(ctx context.Context, revs []DocumentRevision) error {
	for i := range revs {
		if err := s.Insert(ctx, &revs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryRevisionStore) DeleteByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.revs, id)
	}
	return nil
}

func (s *MemoryRevisionStore) DeleteByDocumentID(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rev := range s.revs {
		if rev.DocumentID == documentID {
			delete(s.revs, id)
		}
	}
	return nil
}

func (s *MemoryRevisionStore) SaveCDNResources(_ context.Context, revisionID string, resources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revs[revisionID]
	if !ok {
		return ErrNotFound
	}
	rev.CDNResources = append([]string(nil), resources...)
	s.revs[revisionID] = rev
	return nil
}

// MemoryProjectionStore implements ProjectionStore in process memory.
type MemoryProjectionStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryProjectionStore() *MemoryProjectionStore {
	return &MemoryProjectionStore{docs: map[string]Document{}}
}

func (s *MemoryProjectionStore) Get(_ context.Context, documentID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(&doc), nil
}

func (s *MemoryProjectionStore) AllIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryProjectionStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = *cloneDocument(doc)
	return nil
}

func (s *MemoryProjectionStore) Delete(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return ErrNotFound
	}
	delete(s.docs, documentID)
	return nil
}

// MemoryOrderSource is a process-local monotonic counter.
type MemoryOrderSource struct {
	mu  sync.Mutex
	seq int64
}

func NewMemoryOrderSource() *MemoryOrderSource { return &MemoryOrderSource{} }

func (s *MemoryOrderSource) NextOrder(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func cloneRevision(rev *DocumentRevision) *DocumentRevision {
	out := *rev
	out.Sections = make([]Section, len(rev.Sections))
	for i := range rev.Sections {
		out.Sections[i] = *cloneSection(&rev.Sections[i])
	}
	out.CDNResources = append([]string(nil), rev.CDNResources...)
	if rev.PublicContext != nil {
		pc := *rev.PublicContext
		out.PublicContext = &pc
	}
	if rev.RoomContext != nil {
		rc := *rev.RoomContext
		out.RoomContext = &rc
	}
	return &out
}

func cloneSection(sec *Section) *Section {
	out := *sec
	if sec.Content != nil {
		out.Content = cloneContentValue(sec.Content).(Content)
	}
	if sec.DeletedOn != nil {
		t := *sec.DeletedOn
		out.DeletedOn = &t
	}
	return &out
}

func cloneDocument(doc *Document) *Document {
	out := *doc
	out.Sections = make([]Section, len(doc.Sections))
	for i := range doc.Sections {
		out.Sections[i] = *cloneSection(&doc.Sections[i])
	}
	out.CDNResources = append([]string(nil), doc.CDNResources...)
	out.Contributors = append([]string(nil), doc.Contributors...)
	if doc.PublicContext != nil {
		pc := *doc.PublicContext
		out.PublicContext = &pc
	}
	if doc.RoomContext != nil {
		rc := *doc.RoomContext
		out.RoomContext = &rc
	}
	return &out
}

// cloneContentValue deep-copies a JSON-compatible value tree.
func cloneContentValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneContentValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneContentValue(val)
		}
		return out
	default:
		return v
	}
}
