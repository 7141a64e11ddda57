package roomsync

import (
	"context"
	"testing"

	"github.com/automerge/automerge-go"

	"github.com/go-playground/assert/v2"
)

func TestAddUpdateIsWriteThrough(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, DefaultBusSettings())
	client := NewApiClient(ctx, bus, NewMemoryStorage(), AutomergeDocType{})
	defer client.Close()
	room := NewRoom("map")

	updates := makeUpdates(t, "a")
	entryId, err := client.AddUpdate(ctx, room, updates[0])
	assert.Equal(t, err, nil)
	assert.NotEqual(t, entryId, "")

	// the update is durable on the stream before any compaction runs
	entries, err := bus.ReadUpdatesFrom(ctx, room, "", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0].Payload, updates[0])

	// and a compaction task was triggered
	queueLen, err := bus.QueueLen(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, queueLen, 1)
}

func TestGetDocCatchesUpPastSnapshot(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, DefaultBusSettings())
	storage := NewMemoryStorage()
	client := NewApiClient(ctx, bus, storage, AutomergeDocType{})
	defer client.Close()
	room := NewRoom("map")

	// compacted history: "a" lives in the snapshot
	source := automerge.New()
	err := source.Path("a").Set(1)
	assert.Equal(t, err, nil)
	snapshotUpdate := source.SaveIncremental()
	watermarkId, err := bus.AppendUpdate(ctx, room, snapshotUpdate)
	assert.Equal(t, err, nil)

	snapshotDoc := AutomergeDocType{}.NewDocument()
	err = snapshotDoc.ApplyUpdate(snapshotUpdate)
	assert.Equal(t, err, nil)
	err = storage.Persist(ctx, room.Key(), snapshotDoc.Snapshot(), []string{watermarkId})
	assert.Equal(t, err, nil)

	// in-flight history: "b" only lives on the stream
	err = source.Path("b").Set(2)
	assert.Equal(t, err, nil)
	inflightId, err := bus.AppendUpdate(ctx, room, source.SaveIncremental())
	assert.Equal(t, err, nil)

	doc, lastId, err := client.GetDoc(ctx, room)
	assert.Equal(t, err, nil)
	assert.Equal(t, lastId, inflightId)
	assertDocValues(t, doc, map[string]float64{"a": 1, "b": 2})
}

func TestGetDocFreshRoom(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, DefaultBusSettings())
	client := NewApiClient(ctx, bus, NewMemoryStorage(), AutomergeDocType{})
	defer client.Close()

	doc, lastId, err := client.GetDoc(ctx, NewRoom("never-seen"))
	assert.Equal(t, err, nil)
	assert.Equal(t, lastId, "")
	assert.NotEqual(t, doc, nil)
}
