package store

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/magiconair/properties/assert"
)

func TestBTreeInsertSearch(t *testing.T) {
	tree := NewBTree("test-MainIndex")
	keys := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, fmt.Sprintf("user%08d", i))
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, key := range keys {
		err := tree.Insert(key, &memRecord{rec: &DataRecord{ID: key}})
		assert.Equal(t, err, nil)
	}
	for _, key := range keys {
		row := tree.Search(key)
		if row == nil {
			t.Fatalf("key %s not found", key)
		}
		assert.Equal(t, row.rec.ID, key)
	}
	assert.Equal(t, tree.Search("missing"), (*memRecord)(nil))
}

func TestBTreeDuplicateInsert(t *testing.T) {
	tree := NewBTree("test-MainIndex")
	err := tree.Insert("k", &memRecord{rec: &DataRecord{ID: "k"}})
	assert.Equal(t, err, nil)
	err = tree.Insert("k", &memRecord{rec: &DataRecord{ID: "k"}})
	assert.Equal(t, err, ErrKeyExists)
}

func TestBTreeWalkOrdered(t *testing.T) {
	tree := NewBTree("test-MainIndex")
	keys := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		keys = append(keys, fmt.Sprintf("user%08d", rand.Intn(1000000)*2+i%2))
	}
	inserted := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := tree.Insert(key, &memRecord{rec: &DataRecord{ID: key}}); err == nil {
			inserted = append(inserted, key)
		}
	}
	sort.Strings(inserted)
	walked := make([]string, 0, len(inserted))
	tree.Walk(func(key string, rec *memRecord) {
		walked = append(walked, key)
	})
	assert.Equal(t, len(walked), len(inserted))
	for i := range walked {
		assert.Equal(t, walked[i], inserted[i])
	}
}
