package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/passport-check/internal/photostore"
)

// PhotoCollectionRow is one owner's photo collection stored as a single row.
type PhotoCollectionRow struct {
	OwnerID             string                   `gorm:"column:owner_id;primaryKey;size:128"`
	Records             []photostore.PhotoRecord `gorm:"column:records;serializer:json;type:jsonb"`
	Total               int                      `gorm:"column:total"`
	Locked              int                      `gorm:"column:locked"`
	Unlocked            int                      `gorm:"column:unlocked"`
	OldestUnlockedIndex int                      `gorm:"column:oldest_unlocked_index"`
	NextSeq             int64                    `gorm:"column:next_seq"`
	Version             int64                    `gorm:"column:version;not null"`
	UpdatedAt           time.Time                `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (PhotoCollectionRow) TableName() string {
	return "photo_collections"
}

func rowFromDocument(doc *photostore.Document) *PhotoCollectionRow {
	return &PhotoCollectionRow{
		OwnerID:             doc.OwnerID,
		Records:             doc.Records,
		Total:               doc.Stats.Total,
		Locked:              doc.Stats.Locked,
		Unlocked:            doc.Stats.Unlocked,
		OldestUnlockedIndex: doc.Stats.OldestUnlockedIndex,
		NextSeq:             doc.NextSeq,
		Version:             doc.Version,
		UpdatedAt:           doc.UpdatedAt,
	}
}

func (r *PhotoCollectionRow) document() *photostore.Document {
	return &photostore.Document{
		OwnerID: r.OwnerID,
		Records: r.Records,
		Stats: photostore.Stats{
			Total:               r.Total,
			Locked:              r.Locked,
			Unlocked:            r.Unlocked,
			OldestUnlockedIndex: r.OldestUnlockedIndex,
		},
		NextSeq:   r.NextSeq,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

// CollectionRepository persists photo collections in Postgres through gorm.
type CollectionRepository struct {
	retryPolicy
	db *gorm.DB
}

// NewCollectionRepository creates a new repository instance.
func NewCollectionRepository(db *gorm.DB, logger *zap.Logger) *CollectionRepository {
	return &CollectionRepository{
		retryPolicy: defaultRetryPolicy(logger.Named("collection_repository")),
		db:          db,
	}
}

// AutoMigrate ensures the schema is available.
func (r *CollectionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PhotoCollectionRow{})
}

// Load implements photostore.Repository.
func (r *CollectionRepository) Load(ctx context.Context, ownerID string) (*photostore.Document, error) {
	var row PhotoCollectionRow
	err := r.executeWithRetry(ctx, "repository.load_collection", ownerID, func() error {
		err := r.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return photostore.ErrNoDocument
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return row.document(), nil
}

// Save implements photostore.Repository. The first save inserts the row; later
// saves only match the row still carrying expectedVersion.
func (r *CollectionRepository) Save(ctx context.Context, doc *photostore.Document, expectedVersion int64) error {
	row := rowFromDocument(doc)
	return r.executeOnce("repository.save_collection", doc.OwnerID, func() error {
		db := r.db.WithContext(ctx)
		if expectedVersion == 0 {
			err := db.Create(row).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return photostore.ErrVersionConflict
			}
			return err
		}

		result := db.Model(&PhotoCollectionRow{}).
			Where("owner_id = ? AND version = ?", doc.OwnerID, expectedVersion).
			Select("*").
			Updates(row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return photostore.ErrVersionConflict
		}
		return nil
	})
}

func isExpected(err error) bool {
	return errors.Is(err, photostore.ErrNoDocument) || errors.Is(err, photostore.ErrVersionConflict)
}
