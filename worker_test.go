package roomsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/go-playground/assert/v2"
)

func fastBusSettings() *BusSettings {
	settings := DefaultBusSettings()
	settings.MinMessageLifetime = 100 * time.Millisecond
	settings.TaskDebounce = 50 * time.Millisecond
	settings.TaskRetryTimeout = 250 * time.Millisecond
	return settings
}

func fastWorkerSettings() *WorkerSettings {
	settings := DefaultWorkerSettings()
	settings.DequeueBlockTimeout = 10 * time.Millisecond
	settings.RetryBackoff = 10 * time.Millisecond
	settings.ErrorBackoff = 10 * time.Millisecond
	return settings
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func makeUpdates(t *testing.T, keys ...string) [][]byte {
	doc := automerge.New()
	updates := [][]byte{}
	for _, key := range keys {
		err := doc.Path(key).Set(1)
		assert.Equal(t, err, nil)
		updates = append(updates, doc.SaveIncremental())
	}
	return updates
}

func TestWorkerCompactsQuiescentRoom(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, fastBusSettings())
	storage := NewMemoryStorage()
	client := NewApiClient(ctx, bus, storage, AutomergeDocType{})
	defer client.Close()
	room := NewRoom("map")

	for _, update := range makeUpdates(t, "a", "b", "c") {
		_, err := client.AddUpdate(ctx, room, update)
		assert.Equal(t, err, nil)
	}

	worker := NewWorker(ctx, client, fastWorkerSettings())
	defer worker.Close()

	// the room is quiescent: the stream must disappear and the queue
	// must drain once everything is merged and old enough
	waitFor(t, 5*time.Second, func() bool {
		exists, err := bus.StreamExists(ctx, room)
		if err != nil || exists {
			return false
		}
		queueLen, err := bus.QueueLen(ctx)
		return err == nil && queueLen == 0
	})

	stored, err := storage.RetrieveDoc(ctx, room.Key())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, stored, nil)
	// references settle to the compaction watermark, never accumulate
	assert.Equal(t, len(stored.References), 1)

	doc, err := AutomergeDocType{}.LoadDocument(stored.State)
	assert.Equal(t, err, nil)
	assertDocValues(t, doc, map[string]float64{"a": 1, "b": 1, "c": 1})
}

func TestWorkerMergesAcrossRepeatedPasses(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, fastBusSettings())
	storage := NewMemoryStorage()
	client := NewApiClient(ctx, bus, storage, AutomergeDocType{})
	defer client.Close()
	room := NewRoom("map")

	worker := NewWorker(ctx, client, fastWorkerSettings())
	defer worker.Close()

	updates := makeUpdates(t, "a", "b")
	_, err := client.AddUpdate(ctx, room, updates[0])
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		stored, err := storage.RetrieveDoc(ctx, room.Key())
		return err == nil && stored != nil
	})

	// a second burst after the first compaction must also be folded in,
	// even when its own trigger is collapsed by the debounce marker, and
	// the reference count must not grow
	_, err = client.AddUpdate(ctx, room, updates[1])
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		stored, err := storage.RetrieveDoc(ctx, room.Key())
		if err != nil || stored == nil || len(stored.References) != 1 {
			return false
		}
		doc, err := AutomergeDocType{}.LoadDocument(stored.State)
		if err != nil {
			return false
		}
		amDoc, err := automerge.Load(doc.Snapshot())
		if err != nil {
			return false
		}
		a, errA := amDoc.Path("a").Get()
		b, errB := amDoc.Path("b").Get()
		return errA == nil && errB == nil &&
			a.Interface() == float64(1) && b.Interface() == float64(1)
	})
}

type flakyStorage struct {
	*MemoryStorage
	failing atomic.Bool
}

func (self *flakyStorage) Persist(ctx context.Context, roomKey string, state []byte, references []string) error {
	if self.failing.Load() {
		return errors.New("simulated storage outage")
	}
	return self.MemoryStorage.Persist(ctx, roomKey, state, references)
}

func TestWorkerStorageFailureLosesNothing(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, fastBusSettings())
	storage := &flakyStorage{MemoryStorage: NewMemoryStorage()}
	storage.failing.Store(true)
	client := NewApiClient(ctx, bus, storage, AutomergeDocType{})
	defer client.Close()
	room := NewRoom("map")

	for _, update := range makeUpdates(t, "a") {
		_, err := client.AddUpdate(ctx, room, update)
		assert.Equal(t, err, nil)
	}

	worker := NewWorker(ctx, client, fastWorkerSettings())
	defer worker.Close()

	// while storage is down nothing may be trimmed
	time.Sleep(500 * time.Millisecond)
	stored, err := storage.RetrieveDoc(ctx, room.Key())
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, nil)
	entries, err := bus.ReadUpdatesFrom(ctx, room, "", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 1)

	// recovery: the released task is re-claimed and the merge completes
	storage.failing.Store(false)
	waitFor(t, 10*time.Second, func() bool {
		stored, err := storage.RetrieveDoc(ctx, room.Key())
		return err == nil && stored != nil && len(stored.References) == 1
	})
	waitFor(t, 10*time.Second, func() bool {
		exists, err := bus.StreamExists(ctx, room)
		return err == nil && !exists
	})
}

type rejectingDoc struct {
	Document
	failing *atomic.Bool
}

func (self *rejectingDoc) ApplyUpdate(update []byte) error {
	if self.failing.Load() {
		return errors.New("simulated apply failure")
	}
	return self.Document.ApplyUpdate(update)
}

type rejectingDocType struct {
	failing *atomic.Bool
}

func (self rejectingDocType) NewDocument() Document {
	return &rejectingDoc{
		Document: AutomergeDocType{}.NewDocument(),
		failing:  self.failing,
	}
}

func (self rejectingDocType) LoadDocument(snapshot []byte) (Document, error) {
	doc, err := AutomergeDocType{}.LoadDocument(snapshot)
	if err != nil {
		return nil, err
	}
	return &rejectingDoc{
		Document: doc,
		failing:  self.failing,
	}, nil
}

func TestWorkerFailedApplyTrimsNothing(t *testing.T) {
	ctx := context.Background()
	_, bus := newTestBus(t, fastBusSettings())
	storage := NewMemoryStorage()
	failing := &atomic.Bool{}
	failing.Store(true)
	client := NewApiClient(ctx, bus, storage, rejectingDocType{failing: failing})
	defer client.Close()
	room := NewRoom("map")

	for _, update := range makeUpdates(t, "a") {
		_, err := client.AddUpdate(ctx, room, update)
		assert.Equal(t, err, nil)
	}

	worker := NewWorker(ctx, client, fastWorkerSettings())
	defer worker.Close()

	// an entry that cannot be merged fails the pass: no snapshot is
	// persisted, the watermark never advances past it, and the stream
	// keeps the entry
	time.Sleep(500 * time.Millisecond)
	stored, err := storage.RetrieveDoc(ctx, room.Key())
	assert.Equal(t, err, nil)
	assert.Equal(t, stored, nil)
	entries, err := bus.ReadUpdatesFrom(ctx, room, "", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(entries), 1)

	// once applies succeed a retried pass folds the entry in
	failing.Store(false)
	waitFor(t, 10*time.Second, func() bool {
		stored, err := storage.RetrieveDoc(ctx, room.Key())
		return err == nil && stored != nil && len(stored.References) == 1
	})
	waitFor(t, 10*time.Second, func() bool {
		exists, err := bus.StreamExists(ctx, room)
		return err == nil && !exists
	})
	stored, err = storage.RetrieveDoc(ctx, room.Key())
	assert.Equal(t, err, nil)
	doc, err := AutomergeDocType{}.LoadDocument(stored.State)
	assert.Equal(t, err, nil)
	assertDocValues(t, doc, map[string]float64{"a": 1})
}
