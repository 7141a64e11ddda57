package roomsync

import (
	"sync"

	"github.com/automerge/automerge-go"
)

// The sync core treats document contents and update payloads as opaque bytes.
// The requirement on the CRDT layer: each writer's updates apply in the order
// produced (the totally ordered room stream provides this), updates from
// concurrent writers merge to the same document regardless of interleaving,
// and re-applying an already-merged update is a no-op. That contract is what
// makes at-least-once task delivery and cross-server tailing safe.

type Document interface {
	// ApplyUpdate merges an opaque update blob into the document. Updates
	// from one writer must be applied in the order produced.
	// Re-applying an already-merged update must be a no-op.
	ApplyUpdate(update []byte) error
	// Snapshot encodes the full current state. The result must load
	// back into an equivalent document with LoadDocument.
	Snapshot() []byte
}

type DocType interface {
	NewDocument() Document
	LoadDocument(snapshot []byte) (Document, error)
}

// AutomergeDocType is the reference CRDT binding.
type AutomergeDocType struct{}

func (self AutomergeDocType) NewDocument() Document {
	return &automergeDocument{
		doc: automerge.New(),
	}
}

func (self AutomergeDocType) LoadDocument(snapshot []byte) (Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, err
	}
	return &automergeDocument{
		doc: doc,
	}, nil
}

type automergeDocument struct {
	stateLock sync.Mutex
	doc       *automerge.Doc
}

func (self *automergeDocument) ApplyUpdate(update []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.LoadIncremental(update)
}

func (self *automergeDocument) Snapshot() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.doc.Save()
}
