package photostore

import (
	"context"
	"sync"
)

// MemoryRepository keeps documents in process memory. It backs tests and the
// single-node "memory" deployment.
type MemoryRepository struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{docs: make(map[string]*Document)}
}

// Load implements Repository.
func (m *MemoryRepository) Load(ctx context.Context, ownerID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[ownerID]
	if !ok {
		return nil, ErrNoDocument
	}
	return cloneDocument(doc), nil
}

// Save implements Repository.
func (m *MemoryRepository) Save(ctx context.Context, doc *Document, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if existing, ok := m.docs[doc.OwnerID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}
	m.docs[doc.OwnerID] = cloneDocument(doc)
	return nil
}

func cloneDocument(doc *Document) *Document {
	out := *doc
	out.Records = make([]PhotoRecord, len(doc.Records))
	copy(out.Records, doc.Records)
	return &out
}
