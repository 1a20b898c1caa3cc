// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lru

import (
	"slices"
	"testing"
)

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	cache := New[string, int](2)
	cache.Put("a", 1)
	cache.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	if v, ok := cache.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}

	evicted, ok := cache.Put("c", 3)
	if !ok {
		t.Fatal("expected an eviction")
	}
	if evicted.Key != "b" || evicted.Value != 2 {
		t.Errorf("evicted = %+v, want b=2", evicted)
	}
	if cache.Contains("b") {
		t.Error("b still present after eviction")
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, want 2", cache.Len())
	}
}

func TestPutReplaceDoesNotEvict(t *testing.T) {
	cache := New[string, int](2)
	cache.Put("a", 1)
	cache.Put("b", 2)
	if _, ok := cache.Put("a", 10); ok {
		t.Fatal("replacing an existing key evicted an entry")
	}
	if v, _ := cache.Peek("a"); v != 10 {
		t.Errorf("a = %d, want 10", v)
	}
	if got := cache.Keys(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Keys = %v, want [a b]", got)
	}
}

func TestPeekDoesNotPromote(t *testing.T) {
	cache := New[int, int](2)
	cache.Put(1, 1)
	cache.Put(2, 2)
	cache.Peek(1)
	evicted, _ := cache.Put(3, 3)
	if evicted.Key != 1 {
		t.Errorf("evicted %d, want 1", evicted.Key)
	}
}

func TestRemoveRecyclesSlots(t *testing.T) {
	cache := New[int, string](3)
	for i := range 3 {
		cache.Put(i, "v")
	}
	for i := range 3 {
		if _, ok := cache.Remove(i); !ok {
			t.Fatalf("Remove(%d) missed", i)
		}
	}
	if cache.Len() != 0 {
		t.Fatalf("Len = %d after removing everything", cache.Len())
	}
	for i := 10; i < 13; i++ {
		cache.Put(i, "w")
	}
	if len(cache.entries) != 3 {
		t.Errorf("arena grew to %d slots, want 3", len(cache.entries))
	}
	if got := cache.Keys(); !slices.Equal(got, []int{12, 11, 10}) {
		t.Errorf("Keys = %v", got)
	}
}

func TestRemoveOldest(t *testing.T) {
	cache := New[int, int](4)
	if _, _, ok := cache.RemoveOldest(); ok {
		t.Fatal("RemoveOldest on empty cache reported an entry")
	}
	cache.Put(1, 100)
	cache.Put(2, 200)
	key, value, ok := cache.RemoveOldest()
	if !ok || key != 1 || value != 100 {
		t.Errorf("RemoveOldest = %d, %d, %v", key, value, ok)
	}
}

func TestRemoveFunc(t *testing.T) {
	type id struct{ inode, index uint64 }
	cache := New[id, int](10)
	cache.Put(id{1, 0}, 0)
	cache.Put(id{2, 0}, 0)
	cache.Put(id{1, 1}, 0)
	cache.Put(id{3, 0}, 0)

	removed := cache.RemoveFunc(func(key id, _ int) bool { return key.inode == 1 })
	if len(removed) != 2 {
		t.Fatalf("removed %d entries, want 2", len(removed))
	}
	if cache.Len() != 2 || cache.Contains(id{1, 0}) || cache.Contains(id{1, 1}) {
		t.Errorf("inode 1 entries survived: %v", cache.Keys())
	}
	if got := cache.Keys(); !slices.Equal(got, []id{{3, 0}, {2, 0}}) {
		t.Errorf("Keys = %v", got)
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New[int, int](0)
}
