package roomsync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

type WorkerSettings struct {
	// bounded wait per dequeue so the run loop can observe shutdown
	DequeueBlockTimeout time.Duration
	// merge attempts per claimed task before the task is released
	// un-acked for a later claim
	MaxMergeAttempts int
	RetryBackoff     time.Duration
	ErrorBackoff     time.Duration
}

func DefaultWorkerSettings() *WorkerSettings {
	return &WorkerSettings{
		DequeueBlockTimeout: 1 * time.Second,
		MaxMergeAttempts:    5,
		RetryBackoff:        100 * time.Millisecond,
		ErrorBackoff:        1 * time.Second,
	}
}

// Worker is one compaction worker. Any number of workers may run against
// the same queue; the consumer group claim is the only mutual exclusion,
// so two workers never compact the same room concurrently, and a task
// claimed by a crashed worker is redelivered after the retry timeout.
// Redelivery is safe because merging is idempotent.
//
// Per task the worker runs Idle -> TaskReceived -> Merging -> Trimming and
// back to Idle. A storage failure is a recoverable Failed state: the task
// is retried with backoff and the stream is left untouched, so nothing is
// lost.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *ApiClient
	consumer string

	settings *WorkerSettings

	doneSignal chan struct{}
}

func NewWorkerWithDefaults(ctx context.Context, client *ApiClient) *Worker {
	return NewWorker(ctx, client, DefaultWorkerSettings())
}

func NewWorker(ctx context.Context, client *ApiClient, settings *WorkerSettings) *Worker {
	cancelCtx, cancel := context.WithCancel(ctx)
	worker := &Worker{
		ctx:        cancelCtx,
		cancel:     cancel,
		client:     client,
		consumer:   fmt.Sprintf("worker-%s", NewId()),
		settings:   settings,
		doneSignal: make(chan struct{}),
	}
	go worker.run()
	return worker
}

func (self *Worker) Consumer() string {
	return self.consumer
}

func (self *Worker) run() {
	defer close(self.doneSignal)

	bus := self.client.Bus()
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		task, err := bus.DequeueCompactionBlocking(self.ctx, self.consumer, self.settings.DequeueBlockTimeout)
		if err != nil {
			glog.Infof("[worker]%s dequeue error = %s\n", self.consumer, err)
			if !self.sleep(self.settings.ErrorBackoff) {
				return
			}
			continue
		}
		if task == nil {
			continue
		}
		self.compact(task)
	}
}

func (self *Worker) compact(task *CompactionTask) {
	bus := self.client.Bus()
	room := task.Room
	glog.V(2).Infof("[worker]%s task %s %s\n", self.consumer, task.Id, room)

	// Merging, with bounded retry on storage failure
	var upToId string
	var merged int
	backoff := self.settings.RetryBackoff
	for attempt := 1; ; attempt += 1 {
		var err error
		upToId, merged, err = self.merge(room)
		if err == nil {
			break
		}
		glog.Infof("[worker]%s merge %s attempt %d error = %s\n", self.consumer, room, attempt, err)
		if self.settings.MaxMergeAttempts <= attempt {
			// release the task un-acked. Nothing was trimmed, so the
			// stream still holds every update and a later claim
			// retries the whole pass.
			return
		}
		if !self.sleep(backoff) {
			return
		}
		backoff *= 2
	}
	glog.V(2).Infof("[worker]%s merged %d entries in %s\n", self.consumer, merged, room)

	// Trimming. Only entries folded into a successful persist are
	// eligible, and only once old enough for slow readers.
	remaining := 0
	trimmed := true
	if upToId != "" {
		var err error
		remaining, err = bus.TrimConsumed(self.ctx, room, upToId)
		if err != nil {
			// the merge is durable; trimming can happen on a later pass
			glog.Infof("[worker]%s trim %s error = %s\n", self.consumer, room, err)
			trimmed = false
		}
	}
	if trimmed && remaining == 0 {
		if _, err := bus.DeleteStreamIfEmpty(self.ctx, room); err != nil {
			glog.Infof("[worker]%s delete stream %s error = %s\n", self.consumer, room, err)
		}
	}

	if err := bus.AckTask(self.ctx, task); err != nil {
		glog.Infof("[worker]%s ack %s error = %s\n", self.consumer, task.Id, err)
	}

	// entries may remain: too young to trim, or appended after the merge
	// with their compaction trigger collapsed by the debounce marker. A
	// quiescent room needs this recheck to reach stream deletion. Once the
	// room is fully compacted the marker is cleared, so the next append
	// triggers a fresh task immediately.
	exists, err := bus.StreamExists(self.ctx, room)
	if err != nil {
		glog.Infof("[worker]%s stream check %s error = %s\n", self.consumer, room, err)
	}
	if !trimmed || 0 < remaining || exists {
		self.scheduleRecheck(room)
	} else if err := bus.ClearDebounce(self.ctx, room); err != nil {
		glog.Infof("[worker]%s clear debounce %s error = %s\n", self.consumer, room, err)
	}
}

// merge folds every unmerged stream entry into the stored document.
// Returns the new compaction watermark and how many entries were folded.
func (self *Worker) merge(room Room) (string, int, error) {
	storage := self.client.Storage()
	bus := self.client.Bus()

	stored, err := storage.RetrieveDoc(self.ctx, room.Key())
	if err != nil {
		return "", 0, storageErr(err)
	}

	var doc Document
	watermark := ""
	if stored == nil {
		doc = self.client.docType.NewDocument()
	} else {
		doc, err = self.client.docType.LoadDocument(stored.State)
		if err != nil {
			return "", 0, err
		}
		if 0 < len(stored.References) {
			watermark = stored.References[len(stored.References)-1]
		}
	}

	entries, err := bus.ReadUpdatesFrom(self.ctx, room, watermark, 0)
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		// nothing new since the last pass. The watermark still gates
		// trimming of entries left behind by that pass.
		return watermark, 0, nil
	}

	for _, entry := range entries {
		if err := doc.ApplyUpdate(entry.Payload); err != nil {
			// failing the pass keeps the stream intact. The watermark must
			// never advance past an unmerged entry, or the trim would drop
			// it permanently.
			return "", 0, fmt.Errorf("apply entry %s in %s: %v", entry.Id, room, err)
		}
		watermark = entry.Id
	}

	if err := storage.Persist(self.ctx, room.Key(), doc.Snapshot(), []string{watermark}); err != nil {
		return "", 0, storageErr(err)
	}
	return watermark, len(entries), nil
}

func (self *Worker) scheduleRecheck(room Room) {
	bus := self.client.Bus()
	// the delay spaces the passes; the enqueue bypasses the debounce
	// marker, which collapsed triggers may have refreshed in the meantime
	delay := bus.Settings().TaskDebounce + 10*time.Millisecond
	go func() {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := bus.EnqueueCompactionNow(self.ctx, room); err != nil {
			glog.Infof("[worker]%s recheck enqueue %s error = %s\n", self.consumer, room, err)
		}
	}()
}

func (self *Worker) sleep(d time.Duration) bool {
	select {
	case <-self.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close stops the run loop between tasks and waits for it to exit.
func (self *Worker) Close() {
	self.cancel()
	<-self.doneSignal
}
