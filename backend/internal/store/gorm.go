package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db: db,
	}
}

var _ Store = (*GormStore)(nil)

type GormStore struct {
	db *gorm.DB
}

func (g *GormStore) AppendEvent(ctx context.Context, event *UpdateEvent) error {
	if err := g.db.WithContext(ctx).Create(event).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("doc %s version %d: %w", event.DocID, event.Version, ErrVersionTaken)
		}
		return err
	}
	return nil
}

func (g *GormStore) ListEvents(ctx context.Context, docID string, afterVersion int64) ([]UpdateEvent, error) {
	var events []UpdateEvent
	err := g.db.WithContext(ctx).
		Where("doc_id = ? AND version > ?", docID, afterVersion).
		Order("version asc").
		Find(&events).Error
	return events, err
}

func (g *GormStore) MaxVersion(ctx context.Context, docID string) (int64, error) {
	var evMax, snapMax int64
	if err := g.db.WithContext(ctx).Model(&UpdateEvent{}).
		Where("doc_id = ?", docID).
		Select("COALESCE(MAX(version), 0)").Scan(&evMax).Error; err != nil {
		return 0, err
	}
	if err := g.db.WithContext(ctx).Model(&Snapshot{}).
		Where("doc_id = ?", docID).
		Select("COALESCE(MAX(version), 0)").Scan(&snapMax).Error; err != nil {
		return 0, err
	}
	return max(evMax, snapMax), nil
}

func (g *GormStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	return g.db.WithContext(ctx).Create(snap).Error
}

func (g *GormStore) LatestSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var snap Snapshot
	err := g.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("version desc, created_at desc").
		First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// ApplyAudited must see the draft id before the conflict row is written, so
// the draft goes first.
func (g *GormStore) ApplyAudited(ctx context.Context, w AuditedWrite) error {
	if w.Event == nil {
		return ErrNothingToSave
	}
	if (w.Conflict == nil) != (w.Draft == nil) {
		return errors.New("store: conflict record and draft must be written together")
	}

	return g.Transaction(ctx, func(tx Store) error {
		gtx := tx.(*GormStore).db.WithContext(ctx)
		if w.Draft != nil {
			w.Draft.DocID = w.Event.DocID
			if err := gtx.Create(w.Draft).Error; err != nil {
				return err
			}
			w.Conflict.DocID = w.Event.DocID
			w.Conflict.DraftID = w.Draft.ID
			if err := gtx.Create(w.Conflict).Error; err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, w.Event)
	})
}

func (g *GormStore) ListUnresolvedConflicts(ctx context.Context, docID string) ([]ConflictRecord, error) {
	var records []ConflictRecord
	err := g.db.WithContext(ctx).
		Model(&ConflictRecord{}).
		Joins("JOIN drafts ON drafts.id = conflict_records.draft_id").
		Where("conflict_records.doc_id = ? AND drafts.resolved = ?", docID, false).
		Order("conflict_records.created_at asc").
		Find(&records).Error
	return records, err
}

// draft recovery retries when another caller wins the compare-and-set
const recoverAttempts = 3

func (g *GormStore) RecoverDraft(ctx context.Context, docID string) (*Draft, error) {
	for i := 0; i < recoverAttempts; i++ {
		var draft Draft
		err := g.db.WithContext(ctx).
			Where("doc_id = ? AND resolved = ?", docID, false).
			Order("created_at asc, id asc").
			First(&draft).Error
		if err != nil {
			return nil, notFound(err)
		}

		now := time.Now().UTC()
		res := g.db.WithContext(ctx).Model(&Draft{}).
			Where("id = ? AND resolved = ?", draft.ID, false).
			Updates(map[string]any{"resolved": true, "resolved_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			draft.Resolved = true
			draft.ResolvedAt = &now
			return &draft, nil
		}
	}
	return nil, ErrNotFound
}

func (g *GormStore) GetBook(ctx context.Context, ownerID, bookID string) (*Book, error) {
	var book Book
	err := g.db.WithContext(ctx).Where("id = ? AND owner_id = ?", bookID, ownerID).First(&book).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &book, nil
}

func (g *GormStore) GetProgress(ctx context.Context, ownerID, bookID string) (*ReadingProgress, error) {
	var rp ReadingProgress
	err := g.db.WithContext(ctx).Where("owner_id = ? AND book_id = ?", ownerID, bookID).First(&rp).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rp, nil
}

func (g *GormStore) UpsertProgress(ctx context.Context, ownerID, bookID string, progress float64, lastLocation string, at time.Time) error {
	rp := &ReadingProgress{
		OwnerID:      ownerID,
		BookID:       bookID,
		Progress:     progress,
		LastLocation: lastLocation,
		LastSyncAt:   &at,
		UpdatedAt:    at,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"progress", "last_location", "last_sync_at", "updated_at"}),
	}).Create(rp).Error
}

func (g *GormStore) SaveFingerprints(ctx context.Context, ownerID, bookID string, fp Fingerprints, at time.Time) error {
	rp := &ReadingProgress{
		OwnerID:            ownerID,
		BookID:             bookID,
		OCRVersion:         fp.OCR,
		MetadataVersion:    fp.Metadata,
		VectorIndexVersion: fp.VectorIndex,
		LastSyncAt:         &at,
		UpdatedAt:          at,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"ocr_version", "metadata_version", "vector_index_version", "last_sync_at", "updated_at"}),
	}).Create(rp).Error
}

func (g *GormStore) FindAnnotationByClientID(ctx context.Context, ownerID, bookID, clientID string) (*Annotation, error) {
	var a Annotation
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND book_id = ? AND client_id = ?", ownerID, bookID, clientID).
		Order("created_at asc").
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (g *GormStore) FindPositionalConflict(ctx context.Context, ownerID, bookID, kind, positionKey, deviceID string) (*Annotation, error) {
	var a Annotation
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND book_id = ? AND kind = ? AND position_key = ? AND device_id <> ?",
			ownerID, bookID, kind, positionKey, deviceID).
		Order("created_at asc, id asc").
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (g *GormStore) CreateAnnotation(ctx context.Context, a *Annotation) error {
	return g.db.WithContext(ctx).Create(a).Error
}

func (g *GormStore) CountAnnotations(ctx context.Context, ownerID, bookID string) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&Annotation{}).
		Where("owner_id = ? AND book_id = ?", ownerID, bookID).
		Count(&n).Error
	return n, err
}

func (g *GormStore) EnqueueSyncEvent(ctx context.Context, e *SyncEvent) error {
	return g.db.WithContext(ctx).Create(e).Error
}

func (g *GormStore) DrainSyncEvents(ctx context.Context, ownerID string, limit int, now time.Time) ([]SyncEvent, error) {
	var events []SyncEvent
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND delivered_at IS NULL", ownerID).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil || len(events) == 0 {
		return events, err
	}

	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
		events[i].DeliveredAt = &now
	}
	err = g.db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id IN ?", ids).
		Update("delivered_at", now).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (g *GormStore) PurgeDeliveredSyncEvents(ctx context.Context, before time.Time) (int64, error) {
	res := g.db.WithContext(ctx).
		Where("delivered_at IS NOT NULL AND delivered_at < ?", before).
		Delete(&SyncEvent{})
	return res.RowsAffected, res.Error
}

func (g *GormStore) Migrate() error {
	return Migrate(g.db)
}

func (g *GormStore) Transaction(ctx context.Context, f func(tx Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return f(&GormStore{db: tx})
	})
}
