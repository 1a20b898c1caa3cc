// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcache

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/lru"
)

// slotSize is the on-device footprint of one sealed chunk, rounded up
// to a page.
const slotSize = (chunk.Size + sealOverhead + 4095) &^ 4095

var errCorrupt = errors.New("chunk failed verification")

// slot records where a chunk lives on the device.
type slot struct {
	index  int
	length int // sealed length
	hash   chunk.Hash
}

// diskTier stores sealed chunks in fixed slots of a cache device. The
// slot index is an LRU over chunk IDs bounded by the slot count, so
// evicting the least recently used chunk frees exactly the slot the
// next insert needs.
type diskTier struct {
	device *device
	sealer *sealer
	index  *lru.Cache[chunk.ID, slot]
	free   []int
}

func openDiskTier(path string, bytes int64) (*diskTier, error) {
	slots := int(bytes / slotSize)
	if slots < 1 {
		return nil, fmt.Errorf("disk cache of %d bytes holds no %d-byte slots", bytes, slotSize)
	}
	sealer, err := newSealer()
	if err != nil {
		return nil, err
	}
	dev, err := openDevice(path, int64(slots)*slotSize)
	if err != nil {
		return nil, err
	}
	free := make([]int, slots)
	for i := range free {
		// Hand out low slots first.
		free[i] = slots - 1 - i
	}
	return &diskTier{
		device: dev,
		sealer: sealer,
		index:  lru.New[chunk.ID, slot](slots),
		free:   free,
	}, nil
}

// put stores data under id, evicting the least recently used chunk if
// every slot is taken. It reports whether an eviction happened.
func (d *diskTier) put(id chunk.ID, data []byte, hash chunk.Hash) (bool, error) {
	sealed, err := d.sealer.seal(id, hash, data)
	if err != nil {
		return false, err
	}

	target, existed := d.index.Peek(id)
	evicted := false
	if !existed {
		if len(d.free) == 0 {
			_, victim, ok := d.index.RemoveOldest()
			if !ok {
				return false, errors.New("disk cache has no slots")
			}
			d.free = append(d.free, victim.index)
			evicted = true
		}
		target.index = d.free[len(d.free)-1]
		d.free = d.free[:len(d.free)-1]
	}

	if _, err := d.device.WriteAt(sealed, int64(target.index)*slotSize); err != nil {
		d.index.Remove(id)
		d.free = append(d.free, target.index)
		return evicted, err
	}
	target.length = len(sealed)
	target.hash = hash
	d.index.Put(id, target)
	return evicted, nil
}

// take removes id from the tier and returns its verified contents. A
// chunk that fails the AEAD or content-hash check is dropped and
// errCorrupt returned.
func (d *diskTier) take(id chunk.ID) ([]byte, chunk.Hash, bool, error) {
	location, ok := d.index.Remove(id)
	if !ok {
		return nil, chunk.Hash{}, false, nil
	}
	d.free = append(d.free, location.index)

	sealed := make([]byte, location.length)
	if _, err := d.device.ReadAt(sealed, int64(location.index)*slotSize); err != nil {
		return nil, chunk.Hash{}, false, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	data, err := d.sealer.open(id, location.hash, sealed)
	if err != nil {
		return nil, chunk.Hash{}, false, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if !chunk.Verify(data, location.hash) {
		return nil, chunk.Hash{}, false, fmt.Errorf("%w: content hash mismatch for %s", errCorrupt, id)
	}
	return data, location.hash, true, nil
}

func (d *diskTier) contains(id chunk.ID) bool { return d.index.Contains(id) }

func (d *diskTier) remove(id chunk.ID) bool {
	location, ok := d.index.Remove(id)
	if ok {
		d.free = append(d.free, location.index)
	}
	return ok
}

func (d *diskTier) removeInode(inode uint64) int {
	return d.removeMatching(func(id chunk.ID) bool { return id.Inode == inode })
}

func (d *diskTier) removeMatching(match func(chunk.ID) bool) int {
	removed := d.index.RemoveFunc(func(id chunk.ID, _ slot) bool { return match(id) })
	for _, entry := range removed {
		d.free = append(d.free, entry.Value.index)
	}
	return len(removed)
}

func (d *diskTier) len() int { return d.index.Len() }

func (d *diskTier) close() error { return d.device.Close() }
