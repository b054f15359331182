package photostore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
)

const defaultMaxAttempts = 5

// AddResult describes a successful AddPhoto.
type AddResult struct {
	Photo   PhotoRecord
	Evicted *PhotoRecord
}

// DeleteAllResult describes a DeleteAll call.
type DeleteAllResult struct {
	Deleted int
	Skipped int
	Removed []PhotoRecord
}

// Summary is the count view exposed to clients.
type Summary struct {
	Total    int `json:"total"`
	Locked   int `json:"locked"`
	Unlocked int `json:"unlocked"`
	MaxCount int `json:"max_count"`
}

// Store is the capped, lock-aware photo store. Mutations for one owner are
// serialised in process and guarded by document versions across processes.
type Store struct {
	repo        Repository
	capacity    int
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
	locks       *ownerLocks
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(s *Store) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithClock overrides the creation time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides photo id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// NewStore constructs a store over repo.
func NewStore(repo Repository, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		repo:        repo,
		capacity:    DefaultCapacity,
		maxAttempts: defaultMaxAttempts,
		logger:      logger.Named("photo_store"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		locks:       newOwnerLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the per-owner cap.
func (s *Store) Capacity() int { return s.capacity }

// AddPhoto appends a record for storageKey, evicting the oldest unlocked record
// when the owner is at capacity.
func (s *Store) AddPhoto(ctx context.Context, ownerID, storageKey string) (AddResult, error) {
	storageKey = strings.TrimSpace(storageKey)
	if storageKey == "" {
		return AddResult{}, logging.NewOperationError("photostore.add_photo", ownerID, ErrInvalidInput)
	}

	var result AddResult
	_, err := s.mutate(ctx, ownerID, "photostore.add_photo", func(c *Collection) error {
		rec := PhotoRecord{
			PhotoID:    s.newID(),
			StorageKey: storageKey,
			CreatedAt:  s.now(),
		}
		evicted, err := c.Add(rec)
		if err != nil {
			return err
		}
		stored, _ := c.Find(rec.PhotoID)
		result = AddResult{Photo: stored, Evicted: evicted}
		return nil
	})
	if err != nil {
		return AddResult{}, err
	}

	fields := []zap.Field{zap.String("photo_id", result.Photo.PhotoID), zap.String("storage_key", storageKey)}
	if result.Evicted != nil {
		fields = append(fields, zap.String("evicted_photo_id", result.Evicted.PhotoID))
	}
	logging.WithOwner(s.logger, "photostore.add_photo", ownerID).Info("photo added", fields...)
	return result, nil
}

// Lock protects a photo from eviction and deletion.
func (s *Store) Lock(ctx context.Context, ownerID, photoID string) (PhotoRecord, error) {
	return s.setLocked(ctx, ownerID, photoID, true, "photostore.lock")
}

// Unlock removes the protection set by Lock.
func (s *Store) Unlock(ctx context.Context, ownerID, photoID string) (PhotoRecord, error) {
	return s.setLocked(ctx, ownerID, photoID, false, "photostore.unlock")
}

func (s *Store) setLocked(ctx context.Context, ownerID, photoID string, locked bool, op string) (PhotoRecord, error) {
	var rec PhotoRecord
	_, err := s.mutate(ctx, ownerID, op, func(c *Collection) error {
		updated, err := c.SetLocked(photoID, locked)
		if err != nil {
			return err
		}
		rec = updated
		return nil
	})
	if err != nil {
		return PhotoRecord{}, err
	}
	return rec, nil
}

// Delete removes an unlocked photo.
func (s *Store) Delete(ctx context.Context, ownerID, photoID string) (PhotoRecord, error) {
	var removed PhotoRecord
	_, err := s.mutate(ctx, ownerID, "photostore.delete", func(c *Collection) error {
		rec, err := c.Remove(photoID)
		if err != nil {
			return err
		}
		removed = rec
		return nil
	})
	if err != nil {
		return PhotoRecord{}, err
	}
	return removed, nil
}

// DeleteAll removes every unlocked photo, or every photo when force is set.
func (s *Store) DeleteAll(ctx context.Context, ownerID string, force bool) (DeleteAllResult, error) {
	var result DeleteAllResult
	_, err := s.mutate(ctx, ownerID, "photostore.delete_all", func(c *Collection) error {
		removed, kept := c.RemoveAll(force)
		result = DeleteAllResult{Deleted: len(removed), Skipped: kept, Removed: removed}
		return nil
	})
	if err != nil {
		return DeleteAllResult{}, err
	}
	return result, nil
}

// List returns the owner's photos newest first.
func (s *Store) List(ctx context.Context, ownerID string, filter LockFilter) ([]PhotoRecord, error) {
	c, _, err := s.load(ctx, ownerID, "photostore.list")
	if err != nil {
		return nil, err
	}
	return c.Newest(filter), nil
}

// Get returns one photo.
func (s *Store) Get(ctx context.Context, ownerID, photoID string) (PhotoRecord, error) {
	c, _, err := s.load(ctx, ownerID, "photostore.get")
	if err != nil {
		return PhotoRecord{}, err
	}
	rec, ok := c.Find(photoID)
	if !ok {
		return PhotoRecord{}, logging.NewOperationError("photostore.get", photoID, ErrPhotoNotFound)
	}
	return rec, nil
}

// Summary returns the owner's photo counts.
func (s *Store) Summary(ctx context.Context, ownerID string) (Summary, error) {
	c, _, err := s.load(ctx, ownerID, "photostore.summary")
	if err != nil {
		return Summary{}, err
	}
	stats := c.Stats()
	return Summary{Total: stats.Total, Locked: stats.Locked, Unlocked: stats.Unlocked, MaxCount: s.capacity}, nil
}

// load returns the owner's collection and its persisted version.
func (s *Store) load(ctx context.Context, ownerID, op string) (*Collection, int64, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, 0, logging.NewOperationError(op, ownerID, ErrInvalidInput)
	}
	doc, err := s.repo.Load(ctx, ownerID)
	if errors.Is(err, ErrNoDocument) {
		return NewCollection(ownerID, s.capacity), 0, nil
	}
	if err != nil {
		return nil, 0, logging.NewOperationError(op, ownerID, err)
	}
	c, repaired, trimmed := collectionFromDocument(doc, s.capacity)
	if repaired {
		logging.WithOwner(s.logger, op, ownerID).Warn("persisted stats differed from recomputation",
			zap.Any("persisted", doc.Stats),
			zap.Any("recomputed", c.Stats()),
		)
	}
	if len(trimmed) > 0 {
		keys := make([]string, 0, len(trimmed))
		for _, r := range trimmed {
			keys = append(keys, r.StorageKey)
		}
		logging.WithOwner(s.logger, op, ownerID).Warn("collection above capacity, dropped oldest unlocked records",
			zap.Int("capacity", s.capacity),
			zap.Int("persisted", len(doc.Records)),
			zap.Strings("dropped_storage_keys", keys),
		)
	}
	return c, doc.Version, nil
}

// mutate applies fn to the owner's collection under the owner lock and saves
// the result, reloading and retrying when another writer won the race.
func (s *Store) mutate(ctx context.Context, ownerID, op string, fn func(*Collection) error) (*Collection, error) {
	release := s.locks.acquire(ownerID)
	defer release()

	opLogger := logging.WithOwner(s.logger, op, ownerID)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, logging.NewOperationError(op, ownerID, err)
		}

		c, version, err := s.load(ctx, ownerID, op)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, logging.NewOperationError(op, ownerID, err)
		}

		err = s.repo.Save(ctx, c.toDocument(version+1, s.now()), version)
		if errors.Is(err, ErrVersionConflict) {
			opLogger.Warn("collection changed concurrently, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, logging.NewOperationError(op, ownerID, err)
		}
		return c, nil
	}
	return nil, logging.NewOperationError(op, ownerID, ErrVersionConflict)
}
