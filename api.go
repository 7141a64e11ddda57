package roomsync

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// ApiClient ties the bus and storage together for callers on the write and
// load paths. Both the sync server and the worker are built on it, as is
// any direct integration that appends updates without a websocket.
type ApiClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus     *RedisBus
	storage Storage
	docType DocType
}

func NewApiClient(ctx context.Context, bus *RedisBus, storage Storage, docType DocType) *ApiClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiClient{
		ctx:     cancelCtx,
		cancel:  cancel,
		bus:     bus,
		storage: storage,
		docType: docType,
	}
}

func (self *ApiClient) Bus() *RedisBus {
	return self.bus
}

func (self *ApiClient) Storage() Storage {
	return self.storage
}

// GetDoc loads the durable snapshot for a room and catches up on every
// entry appended after the last compaction. The returned id is the last
// stream entry folded into the document, to resume tailing from.
func (self *ApiClient) GetDoc(ctx context.Context, room Room) (Document, string, error) {
	stored, err := self.storage.RetrieveDoc(ctx, room.Key())
	if err != nil {
		return nil, "", storageErr(err)
	}

	var doc Document
	fromId := ""
	if stored == nil {
		doc = self.docType.NewDocument()
	} else {
		doc, err = self.docType.LoadDocument(stored.State)
		if err != nil {
			return nil, "", err
		}
		if 0 < len(stored.References) {
			// the last reference is the compaction watermark
			fromId = stored.References[len(stored.References)-1]
		}
	}

	entries, err := self.bus.ReadUpdatesFrom(ctx, room, fromId, 0)
	if err != nil {
		return nil, "", err
	}
	lastId := fromId
	for _, entry := range entries {
		if err := doc.ApplyUpdate(entry.Payload); err != nil {
			// an entry that cannot be merged must not be stepped over: the
			// returned id is a resume watermark, and advancing it would
			// silently drop the entry
			return nil, "", fmt.Errorf("apply entry %s in %s: %v", entry.Id, room, err)
		}
		lastId = entry.Id
	}
	return doc, lastId, nil
}

// AddUpdate appends an update to the room's stream and triggers a
// debounced compaction. The update is durable once this returns; a failed
// compaction trigger only delays cleanup, it never loses data.
func (self *ApiClient) AddUpdate(ctx context.Context, room Room, payload []byte) (string, error) {
	entryId, err := self.bus.AppendUpdate(ctx, room, payload)
	if err != nil {
		return "", err
	}
	if err := self.bus.EnqueueCompaction(ctx, room); err != nil {
		glog.Infof("[api]enqueue compaction %s error = %s\n", room, err)
	}
	return entryId, nil
}

// EnqueueCompaction exposes the debounced trigger for callers that
// appended out of band.
func (self *ApiClient) EnqueueCompaction(ctx context.Context, room Room) error {
	return self.bus.EnqueueCompaction(ctx, room)
}

func (self *ApiClient) Close() {
	self.cancel()
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
