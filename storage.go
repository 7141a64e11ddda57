package roomsync

import (
	"context"
	"sync"
)

// StoredDoc is the durable snapshot of a room plus the bookkeeping of which
// stream entries have been folded into it. References shrink back to the
// compaction watermark after every successful pass; they never accumulate
// across repeated compactions of a steady-state room.
type StoredDoc struct {
	Key        string
	State      []byte
	References []string
}

// Storage is point-lookup/overwrite persistence per room. Persist has
// last-writer-wins semantics, which is safe because callers only ever
// advance snapshots and merges are order-insensitive.
type Storage interface {
	// RetrieveDoc returns nil with no error when the room has never
	// been persisted.
	RetrieveDoc(ctx context.Context, roomKey string) (*StoredDoc, error)
	Persist(ctx context.Context, roomKey string, state []byte, references []string) error
}

// MemoryStorage is the process-local reference implementation.
// Production deployments substitute a durable backing store behind the
// same contract.
type MemoryStorage struct {
	stateLock sync.Mutex
	docs      map[string]*StoredDoc
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		docs: map[string]*StoredDoc{},
	}
}

func (self *MemoryStorage) RetrieveDoc(ctx context.Context, roomKey string) (*StoredDoc, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.docs[roomKey]
	if !ok {
		return nil, nil
	}
	return copyStoredDoc(doc), nil
}

func (self *MemoryStorage) Persist(ctx context.Context, roomKey string, state []byte, references []string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.docs[roomKey] = copyStoredDoc(&StoredDoc{
		Key:        roomKey,
		State:      state,
		References: references,
	})
	return nil
}

func (self *MemoryStorage) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.docs)
}

func copyStoredDoc(doc *StoredDoc) *StoredDoc {
	out := &StoredDoc{
		Key:        doc.Key,
		State:      append([]byte{}, doc.State...),
		References: append([]string{}, doc.References...),
	}
	return out
}
