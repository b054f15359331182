package photostore

import (
	"context"
	"time"
)

// Document is the persisted form of one owner's collection.
type Document struct {
	OwnerID   string        `json:"owner_id" bson:"owner_id"`
	Records   []PhotoRecord `json:"records" bson:"records"`
	Stats     Stats         `json:"stats" bson:"stats"`
	NextSeq   int64         `json:"next_seq" bson:"next_seq"`
	Version   int64         `json:"version" bson:"version"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updated_at"`
}

// Repository persists collection documents with optimistic versioning.
type Repository interface {
	// Load returns ErrNoDocument when the owner has no collection yet.
	Load(ctx context.Context, ownerID string) (*Document, error)
	// Save stores doc if the persisted version still equals expectedVersion
	// (0 meaning "does not exist yet"), otherwise it returns ErrVersionConflict.
	Save(ctx context.Context, doc *Document, expectedVersion int64) error
}

func (c *Collection) toDocument(version int64, now time.Time) *Document {
	return &Document{
		OwnerID:   c.ownerID,
		Records:   c.Records(),
		Stats:     c.stats,
		NextSeq:   c.nextSeq,
		Version:   version,
		UpdatedAt: now,
	}
}

// collectionFromDocument rebuilds a collection. The persisted stats are a cache:
// they are recomputed and the second return value reports whether they differed.
// Documents holding more records than capacity (written under a larger
// capacity, or edited by hand) are trimmed oldest-unlocked first; the dropped
// records are returned.
func collectionFromDocument(doc *Document, capacity int) (*Collection, bool, []PhotoRecord) {
	c := NewCollection(doc.OwnerID, capacity)
	c.records = make([]PhotoRecord, len(doc.Records))
	copy(c.records, doc.Records)
	c.nextSeq = doc.NextSeq
	for _, r := range c.records {
		if r.Seq >= c.nextSeq {
			c.nextSeq = r.Seq + 1
		}
	}
	c.stats = ComputeStats(c.records)
	repaired := c.stats != doc.Stats
	trimmed := c.trimToCapacity()
	return c, repaired, trimmed
}
