package roomsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gomodule/redigo/redis"
)

// consumer group used by all compaction workers (competing consumers)
const workerGroup = "workers"

const readChunkSize = 512

type BusSettings struct {
	// minimum age a stream entry must reach before it is eligible for
	// deletion, to tolerate slow readers
	MinMessageLifetime time.Duration
	// minimum spacing between successive compaction attempts for the
	// same room
	TaskDebounce time.Duration
	// idle time after which a claimed but unacknowledged task becomes
	// re-claimable by another worker
	TaskRetryTimeout time.Duration
	ConnectTimeout   time.Duration
	MaxIdle          int
	MaxActive        int
}

func DefaultBusSettings() *BusSettings {
	taskDebounce := 10 * time.Second
	return &BusSettings{
		MinMessageLifetime: 60 * time.Second,
		TaskDebounce:       taskDebounce,
		TaskRetryTimeout:   5 * taskDebounce,
		ConnectTimeout:     5 * time.Second,
		MaxIdle:            8,
		MaxActive:          64,
	}
}

// UpdateEntry is one immutable update appended to a room's stream.
// The stream entry id doubles as the logical clock and the age source
// for trim gating.
type UpdateEntry struct {
	Id      string
	Payload []byte
}

// CompactionTask is one claimed entry from the shared worker queue.
type CompactionTask struct {
	Id   string
	Room Room
}

// RedisBus is the append-log abstraction: one ordered stream per room for
// updates plus one shared queue of rooms needing compaction. All servers
// and workers coordinate exclusively through it.
type RedisBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	pool   *redis.Pool
	prefix string

	settings *BusSettings

	stateLock    sync.Mutex
	groupCreated bool
}

// deleting the stream key must be conditional on the stream being empty,
// atomically, so a concurrent append is never lost
var deleteIfEmptyScript = redis.NewScript(1, `
	if redis.call("XLEN", KEYS[1]) == 0 then
		redis.call("DEL", KEYS[1])
		return 1
	end
	return 0
`)

func NewRedisBusWithDefaults(ctx context.Context, redisUrl string, prefix string) *RedisBus {
	return NewRedisBus(ctx, redisUrl, prefix, DefaultBusSettings())
}

func NewRedisBus(ctx context.Context, redisUrl string, prefix string, settings *BusSettings) *RedisBus {
	cancelCtx, cancel := context.WithCancel(ctx)
	pool := &redis.Pool{
		MaxIdle:     settings.MaxIdle,
		MaxActive:   settings.MaxActive,
		Wait:        true,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(dialCtx context.Context) (redis.Conn, error) {
			timeoutCtx, timeoutCancel := context.WithTimeout(dialCtx, settings.ConnectTimeout)
			defer timeoutCancel()
			return redis.DialURLContext(timeoutCtx, redisUrl)
		},
	}
	return &RedisBus{
		ctx:      cancelCtx,
		cancel:   cancel,
		pool:     pool,
		prefix:   prefix,
		settings: settings,
	}
}

func (self *RedisBus) Settings() *BusSettings {
	return self.settings
}

func (self *RedisBus) conn(ctx context.Context) (redis.Conn, error) {
	c, err := self.pool.GetContext(ctx)
	if err != nil {
		return nil, busErr(err)
	}
	return c, nil
}

// AppendUpdate appends one update to the room's stream. It never blocks on
// compaction. The caller may retry on `ErrBusUnavailable`.
func (self *RedisBus) AppendUpdate(ctx context.Context, room Room, payload []byte) (string, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	entryId, err := redis.String(c.Do("XADD", RoomStreamKey(room, self.prefix), "*", "m", payload))
	if err != nil {
		return "", busErr(err)
	}
	glog.V(2).Infof("[bus]append %s %s\n", room, entryId)
	return entryId, nil
}

// ReadUpdatesFrom returns entries with id > fromId in log order. An empty
// fromId reads from the beginning. With block > 0 the read waits up to
// that long for new entries (tailing); with block == 0 it returns
// immediately (bulk replay).
func (self *RedisBus) ReadUpdatesFrom(ctx context.Context, room Room, fromId string, block time.Duration) ([]UpdateEntry, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if fromId == "" {
		fromId = "0"
	}

	args := []any{"COUNT", readChunkSize}
	if 0 < block {
		args = append(args, "BLOCK", block.Milliseconds())
	}
	args = append(args, "STREAMS", RoomStreamKey(room, self.prefix), fromId)

	var reply any
	if 0 < block {
		// bound the read deadline past the server-side block
		reply, err = redis.DoWithTimeout(c, block+self.settings.ConnectTimeout, "XREAD", args...)
	} else {
		reply, err = c.Do("XREAD", args...)
	}
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, busErr(err)
	}
	return parseStreamsReply(reply)
}

// EnqueueCompaction pushes a compaction task for the room unless one was
// enqueued less than TaskDebounce ago. The debounce marker is a per-room
// expiring key, not a queue scan, so N rapid calls collapse to one task.
func (self *RedisBus) EnqueueCompaction(ctx context.Context, room Room) error {
	return self.enqueueCompaction(ctx, room, false)
}

// EnqueueCompactionNow pushes a compaction task regardless of the debounce
// marker, refreshing the marker so rapid follow-on triggers still collapse.
// For callers that provide their own spacing, like the worker's recheck.
func (self *RedisBus) EnqueueCompactionNow(ctx context.Context, room Room) error {
	return self.enqueueCompaction(ctx, room, true)
}

func (self *RedisBus) enqueueCompaction(ctx context.Context, room Room, force bool) error {
	c, err := self.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if force {
		_, err = c.Do(
			"SET", debounceKey(room, self.prefix), "1",
			"PX", self.settings.TaskDebounce.Milliseconds(),
		)
		if err != nil {
			return busErr(err)
		}
	} else {
		marker, err := c.Do(
			"SET", debounceKey(room, self.prefix), "1",
			"NX", "PX", self.settings.TaskDebounce.Milliseconds(),
		)
		if err != nil {
			return busErr(err)
		}
		if marker == nil {
			// debounced
			glog.V(2).Infof("[bus]enqueue %s debounced\n", room)
			return nil
		}
	}

	_, err = c.Do(
		"XADD", WorkerQueueKey(self.prefix), "*",
		"room", room.Name,
		"doctype", room.DocType,
	)
	if err != nil {
		return busErr(err)
	}
	glog.V(2).Infof("[bus]enqueue %s\n", room)
	return nil
}

// ClearDebounce drops the room's debounce marker so the next trigger
// enqueues immediately. Called after a pass leaves the room fully compacted,
// when suppressing the next trigger would only delay cleanup of new data.
func (self *RedisBus) ClearDebounce(ctx context.Context, room Room) error {
	c, err := self.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("DEL", debounceKey(room, self.prefix)); err != nil {
		return busErr(err)
	}
	return nil
}

// DequeueCompactionBlocking claims the next compaction task for `consumer`,
// waiting up to `block`. Tasks claimed by a crashed worker become
// re-claimable after TaskRetryTimeout. Returns nil with no error when the
// wait times out.
func (self *RedisBus) DequeueCompactionBlocking(ctx context.Context, consumer string, block time.Duration) (*CompactionTask, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if err := self.ensureGroup(c); err != nil {
		return nil, err
	}

	queueKey := WorkerQueueKey(self.prefix)

	// re-claim stale pending tasks before waiting on new ones
	reply, err := c.Do(
		"XAUTOCLAIM", queueKey, workerGroup, consumer,
		self.settings.TaskRetryTimeout.Milliseconds(), "0", "COUNT", 1,
	)
	if err == nil {
		if task, ok := parseAutoclaimReply(reply); ok {
			glog.V(2).Infof("[bus]reclaimed task %s %s\n", task.Id, task.Room)
			return task, nil
		}
	} else if !errors.Is(err, redis.ErrNil) {
		return nil, busErr(err)
	}

	reply, err = redis.DoWithTimeout(
		c, block+self.settings.ConnectTimeout,
		"XREADGROUP", "GROUP", workerGroup, consumer,
		"COUNT", 1, "BLOCK", block.Milliseconds(),
		"STREAMS", queueKey, ">",
	)
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, busErr(err)
	}
	entries, err := parseStreamsTaskReply(reply)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// AckTask acknowledges and removes a completed task from the queue, so the
// queue length converges to zero once all rooms are quiescent.
func (self *RedisBus) AckTask(ctx context.Context, task *CompactionTask) error {
	c, err := self.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	queueKey := WorkerQueueKey(self.prefix)
	if _, err := c.Do("XACK", queueKey, workerGroup, task.Id); err != nil {
		return busErr(err)
	}
	if _, err := c.Do("XDEL", queueKey, task.Id); err != nil {
		return busErr(err)
	}
	return nil
}

// TrimConsumed deletes entries with id <= upToId whose age has reached
// MinMessageLifetime. Younger entries are left for a later pass. Returns
// how many consumed entries were left behind.
func (self *RedisBus) TrimConsumed(ctx context.Context, room Room, upToId string) (int, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	streamKey := RoomStreamKey(room, self.prefix)
	deleteBefore := time.Now().Add(-self.settings.MinMessageLifetime)

	remaining := 0
	start := "-"
	for {
		reply, err := redis.Values(c.Do("XRANGE", streamKey, start, upToId, "COUNT", readChunkSize))
		if err != nil {
			if errors.Is(err, redis.ErrNil) {
				break
			}
			return remaining, busErr(err)
		}
		entries, err := parseEntryList(reply)
		if err != nil {
			return remaining, err
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			entryTime, err := entryIdTime(entry.Id)
			if err != nil {
				return remaining, err
			}
			if entryTime.After(deleteBefore) {
				remaining += 1
				continue
			}
			if _, err := c.Do("XDEL", streamKey, entry.Id); err != nil {
				return remaining, busErr(err)
			}
		}
		if len(entries) < readChunkSize {
			break
		}
		start = nextEntryId(entries[len(entries)-1].Id)
	}
	glog.V(2).Infof("[bus]trim %s up to %s, %d remaining\n", room, upToId, remaining)
	return remaining, nil
}

// DeleteStreamIfEmpty removes the stream key once no entries remain, so a
// subsequent existence check accurately reports nothing pending.
func (self *RedisBus) DeleteStreamIfEmpty(ctx context.Context, room Room) (bool, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	deleted, err := redis.Int(deleteIfEmptyScript.Do(c, RoomStreamKey(room, self.prefix)))
	if err != nil {
		return false, busErr(err)
	}
	return deleted == 1, nil
}

func (self *RedisBus) StreamExists(ctx context.Context, room Room) (bool, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	exists, err := redis.Int(c.Do("EXISTS", RoomStreamKey(room, self.prefix)))
	if err != nil {
		return false, busErr(err)
	}
	return exists == 1, nil
}

func (self *RedisBus) QueueLen(ctx context.Context) (int, error) {
	c, err := self.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	n, err := redis.Int(c.Do("XLEN", WorkerQueueKey(self.prefix)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return 0, nil
		}
		return 0, busErr(err)
	}
	return n, nil
}

func (self *RedisBus) ensureGroup(c redis.Conn) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.groupCreated {
		return nil
	}
	_, err := c.Do("XGROUP", "CREATE", WorkerQueueKey(self.prefix), workerGroup, "0", "MKSTREAM")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return busErr(err)
	}
	self.groupCreated = true
	return nil
}

func (self *RedisBus) Close() {
	self.cancel()
	self.pool.Close()
}

func busErr(err error) error {
	return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
}

// reply parsing

// XREAD/XREADGROUP reply: [[stream, [[id, [field, value, ...]], ...]], ...]
func parseStreamsReply(reply any) ([]UpdateEntry, error) {
	streams, err := redis.Values(reply, nil)
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, busErr(err)
	}
	out := []UpdateEntry{}
	for _, s := range streams {
		stream, err := redis.Values(s, nil)
		if err != nil || len(stream) < 2 {
			return nil, busErr(fmt.Errorf("malformed streams reply"))
		}
		entryList, err := redis.Values(stream[1], nil)
		if err != nil {
			return nil, busErr(err)
		}
		entries, err := parseEntryList(entryList)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// XRANGE-shaped entry list: [[id, [field, value, ...]], ...]
func parseEntryList(entryList []any) ([]UpdateEntry, error) {
	out := []UpdateEntry{}
	for _, e := range entryList {
		entry, err := redis.Values(e, nil)
		if err != nil || len(entry) < 2 {
			return nil, busErr(fmt.Errorf("malformed stream entry"))
		}
		entryId, err := redis.String(entry[0], nil)
		if err != nil {
			return nil, busErr(err)
		}
		fields, err := redis.ByteSlices(entry[1], nil)
		if err != nil {
			return nil, busErr(err)
		}
		update := UpdateEntry{
			Id: entryId,
		}
		for i := 0; i+1 < len(fields); i += 2 {
			if string(fields[i]) == "m" {
				update.Payload = fields[i+1]
			}
		}
		out = append(out, update)
	}
	return out, nil
}

func parseStreamsTaskReply(reply any) ([]*CompactionTask, error) {
	streams, err := redis.Values(reply, nil)
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, busErr(err)
	}
	out := []*CompactionTask{}
	for _, s := range streams {
		stream, err := redis.Values(s, nil)
		if err != nil || len(stream) < 2 {
			return nil, busErr(fmt.Errorf("malformed streams reply"))
		}
		entryList, err := redis.Values(stream[1], nil)
		if err != nil {
			return nil, busErr(err)
		}
		tasks, err := parseTaskList(entryList)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

// XAUTOCLAIM reply: [cursor, [[id, fields], ...]] plus a deleted-ids list
// on newer servers
func parseAutoclaimReply(reply any) (*CompactionTask, bool) {
	values, err := redis.Values(reply, nil)
	if err != nil || len(values) < 2 {
		return nil, false
	}
	entryList, err := redis.Values(values[1], nil)
	if err != nil || len(entryList) == 0 {
		return nil, false
	}
	tasks, err := parseTaskList(entryList)
	if err != nil || len(tasks) == 0 {
		return nil, false
	}
	return tasks[0], true
}

func parseTaskList(entryList []any) ([]*CompactionTask, error) {
	out := []*CompactionTask{}
	for _, e := range entryList {
		entry, err := redis.Values(e, nil)
		if err != nil || len(entry) < 2 {
			return nil, busErr(fmt.Errorf("malformed task entry"))
		}
		taskId, err := redis.String(entry[0], nil)
		if err != nil {
			return nil, busErr(err)
		}
		fields, err := redis.ByteSlices(entry[1], nil)
		if err != nil {
			return nil, busErr(err)
		}
		task := &CompactionTask{
			Id: taskId,
			Room: Room{
				DocType: DefaultDocType,
			},
		}
		for i := 0; i+1 < len(fields); i += 2 {
			switch string(fields[i]) {
			case "room":
				task.Room.Name = string(fields[i+1])
			case "doctype":
				task.Room.DocType = string(fields[i+1])
			}
		}
		out = append(out, task)
	}
	return out, nil
}

// nextEntryId returns the smallest id strictly greater than entryId,
// for portable exclusive range scans.
func nextEntryId(entryId string) string {
	ms, seq := splitEntryId(entryId)
	return fmt.Sprintf("%d-%d", ms, seq+1)
}
