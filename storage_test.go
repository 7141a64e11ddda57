package roomsync

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	doc, err := storage.RetrieveDoc(ctx, "map/index")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc, nil)

	err = storage.Persist(ctx, "map/index", []byte("state1"), []string{"1-0", "2-0"})
	assert.Equal(t, err, nil)

	doc, err = storage.RetrieveDoc(ctx, "map/index")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Key, "map/index")
	assert.Equal(t, doc.State, []byte("state1"))
	assert.Equal(t, doc.References, []string{"1-0", "2-0"})

	// overwrite semantics: references never accumulate
	err = storage.Persist(ctx, "map/index", []byte("state2"), []string{"3-0"})
	assert.Equal(t, err, nil)

	doc, err = storage.RetrieveDoc(ctx, "map/index")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.State, []byte("state2"))
	assert.Equal(t, doc.References, []string{"3-0"})
	assert.Equal(t, storage.Len(), 1)

	// mutating a retrieved doc must not leak into the store
	doc.References[0] = "corrupt"
	doc, err = storage.RetrieveDoc(ctx, "map/index")
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.References, []string{"3-0"})
}
