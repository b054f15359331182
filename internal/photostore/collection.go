package photostore

import (
	"sort"
	"time"
)

// DefaultCapacity is the number of photos kept per owner.
const DefaultCapacity = 10

// PhotoRecord is the metadata of one accepted photo.
type PhotoRecord struct {
	PhotoID    string    `json:"photo_id" bson:"photo_id"`
	OwnerID    string    `json:"owner_id" bson:"owner_id"`
	StorageKey string    `json:"storage_key" bson:"storage_key"`
	Locked     bool      `json:"locked" bson:"locked"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	// Seq is the per-owner insertion sequence; it breaks CreatedAt ties.
	Seq int64 `json:"seq" bson:"seq"`
}

// Stats is the cached summary of a collection.
type Stats struct {
	Total               int `json:"total" bson:"total"`
	Locked              int `json:"locked" bson:"locked"`
	Unlocked            int `json:"unlocked" bson:"unlocked"`
	OldestUnlockedIndex int `json:"oldest_unlocked_index" bson:"oldest_unlocked_index"`
}

// ComputeStats is the reference full pass over records.
func ComputeStats(records []PhotoRecord) Stats {
	stats := Stats{Total: len(records), OldestUnlockedIndex: -1}
	for i, r := range records {
		if r.Locked {
			stats.Locked++
			continue
		}
		stats.Unlocked++
		if stats.OldestUnlockedIndex == -1 || older(r, records[stats.OldestUnlockedIndex]) {
			stats.OldestUnlockedIndex = i
		}
	}
	return stats
}

// older orders records by creation time, then insertion sequence.
func older(a, b PhotoRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

type mutationKind int

const (
	mutationAppend mutationKind = iota
	mutationLock
	mutationUnlock
	mutationRemove
)

// mutation tells recomputeOrRepair what changed so it can take a fast path.
type mutation struct {
	kind  mutationKind
	index int
}

// Collection is one owner's capped photo sequence. It is not safe for
// concurrent use; the Store serialises access per owner.
type Collection struct {
	ownerID  string
	capacity int
	records  []PhotoRecord
	stats    Stats
	nextSeq  int64
}

// NewCollection returns an empty collection.
func NewCollection(ownerID string, capacity int) *Collection {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collection{
		ownerID:  ownerID,
		capacity: capacity,
		stats:    Stats{OldestUnlockedIndex: -1},
	}
}

// OwnerID returns the collection owner.
func (c *Collection) OwnerID() string { return c.ownerID }

// Len returns the number of records.
func (c *Collection) Len() int { return len(c.records) }

// Stats returns the cached statistics.
func (c *Collection) Stats() Stats { return c.stats }

// Records returns a copy of the records in storage order.
func (c *Collection) Records() []PhotoRecord {
	out := make([]PhotoRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Add inserts rec, evicting the oldest unlocked record when the collection is
// full. rec.Seq is assigned by the collection.
func (c *Collection) Add(rec PhotoRecord) (*PhotoRecord, error) {
	if len(c.records) < c.capacity {
		c.append(rec)
		c.recomputeOrRepair(mutation{kind: mutationAppend, index: len(c.records) - 1})
		return nil, nil
	}

	idx := c.stats.OldestUnlockedIndex
	if idx == -1 {
		return nil, ErrCapacityExceededAllLocked
	}
	evicted := c.removeAt(idx)
	c.append(rec)
	c.recomputeOrRepair(mutation{kind: mutationRemove})
	return &evicted, nil
}

// trimToCapacity evicts the oldest unlocked records until the collection fits.
// Locked records are never dropped, so a collection of locked records may stay
// above capacity; Add rejects further inserts in that state.
func (c *Collection) trimToCapacity() []PhotoRecord {
	var trimmed []PhotoRecord
	for len(c.records) > c.capacity {
		idx := c.stats.OldestUnlockedIndex
		if idx == -1 {
			break
		}
		trimmed = append(trimmed, c.removeAt(idx))
		c.recomputeOrRepair(mutation{kind: mutationRemove})
	}
	return trimmed
}

// SetLocked toggles the lock flag. Setting the current value is rejected.
func (c *Collection) SetLocked(photoID string, locked bool) (PhotoRecord, error) {
	idx := c.indexOf(photoID)
	if idx == -1 {
		return PhotoRecord{}, ErrPhotoNotFound
	}
	if c.records[idx].Locked == locked {
		if locked {
			return c.records[idx], ErrAlreadyLocked
		}
		return c.records[idx], ErrNotLocked
	}
	c.records[idx].Locked = locked
	if locked {
		c.recomputeOrRepair(mutation{kind: mutationLock, index: idx})
	} else {
		c.recomputeOrRepair(mutation{kind: mutationUnlock, index: idx})
	}
	return c.records[idx], nil
}

// Remove deletes an unlocked record.
func (c *Collection) Remove(photoID string) (PhotoRecord, error) {
	idx := c.indexOf(photoID)
	if idx == -1 {
		return PhotoRecord{}, ErrPhotoNotFound
	}
	if c.records[idx].Locked {
		return c.records[idx], ErrDeleteLocked
	}
	removed := c.removeAt(idx)
	c.recomputeOrRepair(mutation{kind: mutationRemove})
	return removed, nil
}

// RemoveAll deletes every unlocked record, or every record when force is set.
// It returns the removed records and the number of records kept.
func (c *Collection) RemoveAll(force bool) ([]PhotoRecord, int) {
	var removed []PhotoRecord
	kept := c.records[:0]
	for _, r := range c.records {
		if force || !r.Locked {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(c.records); i++ {
		c.records[i] = PhotoRecord{}
	}
	c.records = kept
	c.recomputeOrRepair(mutation{kind: mutationRemove})
	return removed, len(kept)
}

// Find returns the record with photoID.
func (c *Collection) Find(photoID string) (PhotoRecord, bool) {
	idx := c.indexOf(photoID)
	if idx == -1 {
		return PhotoRecord{}, false
	}
	return c.records[idx], true
}

// Newest returns the records ordered newest first, optionally filtered.
func (c *Collection) Newest(filter LockFilter) []PhotoRecord {
	out := make([]PhotoRecord, 0, len(c.records))
	for _, r := range c.records {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return older(out[j], out[i]) })
	return out
}

func (c *Collection) append(rec PhotoRecord) {
	rec.OwnerID = c.ownerID
	rec.Seq = c.nextSeq
	c.nextSeq++
	c.records = append(c.records, rec)
}

// removeAt swaps the last record into idx and truncates.
func (c *Collection) removeAt(idx int) PhotoRecord {
	removed := c.records[idx]
	last := len(c.records) - 1
	c.records[idx] = c.records[last]
	c.records[last] = PhotoRecord{}
	c.records = c.records[:last]
	return removed
}

func (c *Collection) indexOf(photoID string) int {
	for i := range c.records {
		if c.records[i].PhotoID == photoID {
			return i
		}
	}
	return -1
}

// recomputeOrRepair is the single entry point that refreshes the cached stats
// after a mutation. Appends and lock toggles are patched in place; anything that
// moves records falls back to ComputeStats.
func (c *Collection) recomputeOrRepair(m mutation) {
	switch m.kind {
	case mutationAppend:
		added := c.records[m.index]
		c.stats.Total++
		if added.Locked {
			c.stats.Locked++
			return
		}
		c.stats.Unlocked++
		if oldest := c.stats.OldestUnlockedIndex; oldest == -1 || older(added, c.records[oldest]) {
			c.stats.OldestUnlockedIndex = m.index
		}
	case mutationUnlock:
		c.stats.Locked--
		c.stats.Unlocked++
		if oldest := c.stats.OldestUnlockedIndex; oldest == -1 || older(c.records[m.index], c.records[oldest]) {
			c.stats.OldestUnlockedIndex = m.index
		}
	case mutationLock:
		c.stats.Locked++
		c.stats.Unlocked--
		if c.stats.OldestUnlockedIndex == m.index {
			c.stats = ComputeStats(c.records)
		}
	default:
		c.stats = ComputeStats(c.records)
	}
}

// LockFilter selects records by lock state.
type LockFilter int

const (
	FilterAll LockFilter = iota
	FilterLocked
	FilterUnlocked
)

func (f LockFilter) match(r PhotoRecord) bool {
	switch f {
	case FilterLocked:
		return r.Locked
	case FilterUnlocked:
		return !r.Locked
	default:
		return true
	}
}
