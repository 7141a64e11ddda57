package roomsync

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// error taxonomy
// bus and storage errors are transient and recoverable in place.
// auth and permission errors terminate only the offending connection.
var (
	ErrBusUnavailable     = errors.New("message bus unavailable")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAuthTokenInvalid   = errors.New("auth token invalid")
	ErrAuthTokenExpired   = errors.New("auth token expired")
	ErrPermissionDenied   = errors.New("permission denied")
)

// DefaultDocType is the document type used when a room is addressed by name only.
const DefaultDocType = "index"

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// Room is the unit of addressing for streams and storage entries.
// comparable
type Room struct {
	Name    string
	DocType string
}

func NewRoom(name string) Room {
	return Room{
		Name:    name,
		DocType: DefaultDocType,
	}
}

// Key is the namespaced storage key, `<name>/<doctype>`.
func (self Room) Key() string {
	return fmt.Sprintf("%s/%s", self.Name, self.DocType)
}

func (self Room) String() string {
	return self.Key()
}

// RoomStreamKey is the per-room update stream key.
// The name and doc type are escaped so that arbitrary room names
// cannot collide with the key scheme.
func RoomStreamKey(room Room, prefix string) string {
	return fmt.Sprintf(
		"%s:room:%s:%s",
		prefix,
		url.QueryEscape(room.Name),
		url.QueryEscape(room.DocType),
	)
}

// WorkerQueueKey is the shared compaction task queue key.
func WorkerQueueKey(prefix string) string {
	return fmt.Sprintf("%s:worker", prefix)
}

func debounceKey(room Room, prefix string) string {
	return fmt.Sprintf("%s:debounce:%s:%s",
		prefix,
		url.QueryEscape(room.Name),
		url.QueryEscape(room.DocType),
	)
}

// stream entry ids are `<unix ms>-<seq>`

func entryIdTime(entryId string) (time.Time, error) {
	msStr, _, _ := strings.Cut(entryId, "-")
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream entry id %q: %w", entryId, err)
	}
	return time.UnixMilli(ms), nil
}

// compareEntryIds orders stream entry ids numerically by (ms, seq).
// An empty id sorts before every entry.
func compareEntryIds(a string, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	aMs, aSeq := splitEntryId(a)
	bMs, bSeq := splitEntryId(b)
	if aMs != bMs {
		if aMs < bMs {
			return -1
		}
		return 1
	}
	if aSeq < bSeq {
		return -1
	} else if bSeq < aSeq {
		return 1
	}
	return 0
}

func splitEntryId(entryId string) (int64, int64) {
	msStr, seqStr, _ := strings.Cut(entryId, "-")
	ms, _ := strconv.ParseInt(msStr, 10, 64)
	seq, _ := strconv.ParseInt(seqStr, 10, 64)
	return ms, seq
}
