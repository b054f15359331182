package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/blobstore"
	"github.com/example/passport-check/internal/events"
	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/logging"
	"github.com/example/passport-check/internal/photostore"
)

// ErrInvalidImage wraps every image validation failure.
var ErrInvalidImage = errors.New("invalid image")

const summaryTTL = 5 * time.Minute

// PhotoStore is the capped metadata store the use case drives.
type PhotoStore interface {
	AddPhoto(ctx context.Context, ownerID, storageKey string) (photostore.AddResult, error)
	Lock(ctx context.Context, ownerID, photoID string) (photostore.PhotoRecord, error)
	Unlock(ctx context.Context, ownerID, photoID string) (photostore.PhotoRecord, error)
	Delete(ctx context.Context, ownerID, photoID string) (photostore.PhotoRecord, error)
	DeleteAll(ctx context.Context, ownerID string, force bool) (photostore.DeleteAllResult, error)
	List(ctx context.Context, ownerID string, filter photostore.LockFilter) ([]photostore.PhotoRecord, error)
	Summary(ctx context.Context, ownerID string) (photostore.Summary, error)
}

// BlobStore holds the photo bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// URLSigner issues expiring access URLs.
type URLSigner interface {
	SignedURL(key string) (string, time.Time, error)
}

// PhotoView is a photo as returned to clients.
type PhotoView struct {
	PhotoID      string     `json:"photo_id"`
	StorageKey   string     `json:"storage_key"`
	Locked       bool       `json:"locked"`
	CreatedAt    time.Time  `json:"created_at"`
	URL          string     `json:"url,omitempty"`
	URLExpiresAt *time.Time `json:"url_expires_at,omitempty"`
}

func viewOf(rec photostore.PhotoRecord) PhotoView {
	return PhotoView{PhotoID: rec.PhotoID, StorageKey: rec.StorageKey, Locked: rec.Locked, CreatedAt: rec.CreatedAt}
}

// SaveResult describes a stored photo and the one it displaced, if any.
type SaveResult struct {
	Photo   PhotoView  `json:"photo"`
	Evicted *PhotoView `json:"evicted,omitempty"`
}

// DeleteAllSummary is returned by DeleteAll.
type DeleteAllSummary struct {
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// PhotoUseCase ties the photo store to blob storage, the summary cache and
// lifecycle events.
type PhotoUseCase struct {
	redisRetry
	store     PhotoStore
	blobs     BlobStore
	signer    URLSigner
	cache     Cache
	publisher events.Publisher
	logger    *zap.Logger
}

// NewPhotoUseCase constructs a photo use case. A nil cache disables summary
// caching and a nil publisher drops events.
func NewPhotoUseCase(store PhotoStore, blobs BlobStore, signer URLSigner, cache Cache, publisher events.Publisher, logger *zap.Logger) *PhotoUseCase {
	if cache == nil {
		cache = noCache{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	named := logger.Named("photo_usecase")
	return &PhotoUseCase{
		redisRetry: redisRetry{
			logger:         named,
			retryAttempts:  3,
			initialBackoff: 50 * time.Millisecond,
			maxBackoff:     time.Second,
		},
		store:     store,
		blobs:     blobs,
		signer:    signer,
		cache:     cache,
		publisher: publisher,
		logger:    named,
	}
}

// Both keys share a hash tag so the conditional write stays on one cluster slot.
func summaryKey(ownerID string) string {
	return fmt.Sprintf("photos:{%s}:summary", ownerID)
}

func summaryGenerationKey(ownerID string) string {
	return fmt.Sprintf("photos:{%s}:generation", ownerID)
}

// SavePhoto validates and stores an uploaded image, then records it.
func (uc *PhotoUseCase) SavePhoto(ctx context.Context, ownerID string, image []byte) (*SaveResult, error) {
	opLogger := logging.WithOwner(uc.logger, "usecase.save_photo", ownerID)

	format, err := imagecheck.Validate(image)
	if err != nil {
		return nil, logging.NewOperationError("usecase.save_photo", ownerID, fmt.Errorf("%w: %w", ErrInvalidImage, err))
	}

	key := blobstore.NewKey(ownerID, imagecheck.Extension(format))
	if err := uc.blobs.Put(ctx, key, image); err != nil {
		opLogger.Error("failed to store photo bytes", zap.Error(err))
		return nil, logging.NewOperationError("usecase.save_photo", ownerID, err)
	}

	result, err := uc.store.AddPhoto(ctx, ownerID, key)
	if err != nil {
		// The bytes are orphaned when the metadata write fails.
		if delErr := uc.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			opLogger.Warn("failed to remove orphaned photo bytes", zap.String("storage_key", key), zap.Error(delErr))
		}
		return nil, err
	}
	return uc.afterAdd(ctx, ownerID, result), nil
}

// AddPhoto records a photo whose bytes already live under storageKey. The key
// must sit directly under the owner's prefix; eviction and deletion remove the
// referenced bytes, so foreign keys are refused.
func (uc *PhotoUseCase) AddPhoto(ctx context.Context, ownerID, storageKey string) (*SaveResult, error) {
	if !blobstore.OwnedBy(storageKey, ownerID) {
		logging.WithOwner(uc.logger, "usecase.add_photo", ownerID).
			Warn("rejected storage key outside owner prefix", zap.String("storage_key", storageKey))
		return nil, logging.NewOperationError("usecase.add_photo", ownerID,
			fmt.Errorf("%w: storage key %q is not owned by caller", photostore.ErrInvalidInput, storageKey))
	}
	result, err := uc.store.AddPhoto(ctx, ownerID, storageKey)
	if err != nil {
		return nil, err
	}
	return uc.afterAdd(ctx, ownerID, result), nil
}

func (uc *PhotoUseCase) afterAdd(ctx context.Context, ownerID string, result photostore.AddResult) *SaveResult {
	out := &SaveResult{Photo: viewOf(result.Photo)}
	uc.publish(ctx, events.PhotoAdded, result.Photo)
	if result.Evicted != nil {
		evicted := viewOf(*result.Evicted)
		out.Evicted = &evicted
		uc.removeBlob(ctx, ownerID, result.Evicted.StorageKey)
		uc.publish(ctx, events.PhotoEvicted, *result.Evicted)
	}
	uc.invalidateSummary(ctx, ownerID)
	return out
}

// ListPhotos returns the owner's photos newest first, optionally with signed URLs.
func (uc *PhotoUseCase) ListPhotos(ctx context.Context, ownerID string, filter photostore.LockFilter, withURLs bool) ([]PhotoView, error) {
	records, err := uc.store.List(ctx, ownerID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]PhotoView, 0, len(records))
	for _, rec := range records {
		view := viewOf(rec)
		if withURLs && uc.signer != nil {
			url, expires, err := uc.signer.SignedURL(rec.StorageKey)
			if err != nil {
				return nil, logging.NewOperationError("usecase.sign_url", rec.PhotoID, err)
			}
			view.URL = url
			view.URLExpiresAt = &expires
		}
		views = append(views, view)
	}
	return views, nil
}

// Summary returns the owner's photo counts, served from Redis when cached.
func (uc *PhotoUseCase) Summary(ctx context.Context, ownerID string) (photostore.Summary, error) {
	key := summaryKey(ownerID)
	opLogger := logging.WithOwner(uc.logger, "usecase.summary", ownerID)

	var cached string
	err := uc.withRedisRetry(ctx, ownerID, "cache.get.summary", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err == nil {
		var summary photostore.Summary
		decodeErr := json.Unmarshal([]byte(cached), &summary)
		if decodeErr == nil {
			return summary, nil
		}
		opLogger.Warn("failed to decode cached summary", zap.Error(decodeErr))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	// The generation is read before the store so a mutation committed in
	// between makes the conditional write below a no-op.
	genKey := summaryGenerationKey(ownerID)
	var gen int64
	genErr := uc.withRedisRetry(ctx, ownerID, "cache.generation.summary", func() error {
		value, err := uc.cache.Generation(ctx, genKey)
		gen = value
		return err
	})

	summary, err := uc.store.Summary(ctx, ownerID)
	if err != nil {
		return photostore.Summary{}, err
	}
	if genErr != nil {
		opLogger.Warn("failed to read summary generation, skipping cache write", zap.Error(genErr))
		return summary, nil
	}

	serialized, err := json.Marshal(summary)
	if err != nil {
		return summary, nil
	}
	var written bool
	if err := uc.withRedisRetry(ctx, ownerID, "cache.set.summary", func() error {
		ok, err := uc.cache.SetIfGeneration(ctx, key, string(serialized), summaryTTL, genKey, gen)
		written = ok
		return err
	}); err != nil {
		opLogger.Warn("failed to cache summary", zap.Error(err))
	} else if !written {
		opLogger.Debug("summary changed while reading, not cached")
	}
	return summary, nil
}

// Lock protects a photo from eviction and deletion.
func (uc *PhotoUseCase) Lock(ctx context.Context, ownerID, photoID string) (PhotoView, error) {
	rec, err := uc.store.Lock(ctx, ownerID, photoID)
	if err != nil {
		return PhotoView{}, err
	}
	uc.invalidateSummary(ctx, ownerID)
	return viewOf(rec), nil
}

// Unlock lifts the protection set by Lock.
func (uc *PhotoUseCase) Unlock(ctx context.Context, ownerID, photoID string) (PhotoView, error) {
	rec, err := uc.store.Unlock(ctx, ownerID, photoID)
	if err != nil {
		return PhotoView{}, err
	}
	uc.invalidateSummary(ctx, ownerID)
	return viewOf(rec), nil
}

// Delete removes an unlocked photo and its bytes.
func (uc *PhotoUseCase) Delete(ctx context.Context, ownerID, photoID string) (PhotoView, error) {
	rec, err := uc.store.Delete(ctx, ownerID, photoID)
	if err != nil {
		return PhotoView{}, err
	}
	uc.removeBlob(ctx, ownerID, rec.StorageKey)
	uc.publish(ctx, events.PhotoDeleted, rec)
	uc.invalidateSummary(ctx, ownerID)
	return viewOf(rec), nil
}

// DeleteAll removes every unlocked photo, or every photo when force is set.
func (uc *PhotoUseCase) DeleteAll(ctx context.Context, ownerID string, force bool) (DeleteAllSummary, error) {
	result, err := uc.store.DeleteAll(ctx, ownerID, force)
	if err != nil {
		return DeleteAllSummary{}, err
	}
	for _, rec := range result.Removed {
		uc.removeBlob(ctx, ownerID, rec.StorageKey)
		uc.publish(ctx, events.PhotoDeleted, rec)
	}
	uc.invalidateSummary(ctx, ownerID)
	return DeleteAllSummary{Deleted: result.Deleted, Skipped: result.Skipped}, nil
}

// removeBlob is best effort; the metadata change is already committed.
func (uc *PhotoUseCase) removeBlob(ctx context.Context, ownerID, key string) {
	if err := uc.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logging.WithOwner(uc.logger, "usecase.remove_blob", ownerID).Warn("failed to delete photo bytes",
			zap.String("storage_key", key), zap.Error(err))
	}
}

func (uc *PhotoUseCase) publish(ctx context.Context, eventType string, rec photostore.PhotoRecord) {
	err := uc.publisher.Publish(context.WithoutCancel(ctx), events.PhotoEvent{
		Type:       eventType,
		OwnerID:    rec.OwnerID,
		PhotoID:    rec.PhotoID,
		StorageKey: rec.StorageKey,
		Locked:     rec.Locked,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		logging.WithOwner(uc.logger, "usecase.publish", rec.OwnerID).Warn("failed to publish photo event",
			zap.String("type", eventType), zap.Error(err))
	}
}

// invalidateSummary bumps the generation before dropping the cached value, so
// a reader that loaded the store before the mutation cannot write it back.
func (uc *PhotoUseCase) invalidateSummary(ctx context.Context, ownerID string) {
	ctx = context.WithoutCancel(ctx)
	if err := uc.withRedisRetry(ctx, ownerID, "cache.bump.summary", func() error {
		return uc.cache.Bump(ctx, summaryGenerationKey(ownerID))
	}); err != nil {
		logging.WithOwner(uc.logger, "usecase.invalidate_summary", ownerID).Warn("failed to bump summary generation", zap.Error(err))
	}
	if err := uc.withRedisRetry(ctx, ownerID, "cache.del.summary", func() error {
		return uc.cache.Del(ctx, summaryKey(ownerID))
	}); err != nil {
		logging.WithOwner(uc.logger, "usecase.invalidate_summary", ownerID).Warn("failed to invalidate summary", zap.Error(err))
	}
}
