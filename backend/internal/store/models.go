package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpdateEvent is one applied update in a document's log.
// (doc_id, version) is unique: a version is committed at most once.
type UpdateEvent struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DocID     string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_update_events_doc_version,priority:1" json:"doc_id"`
	Version   int64     `gorm:"not null;uniqueIndex:idx_update_events_doc_version,priority:2" json:"version"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (UpdateEvent) TableName() string { return "update_events" }

// Snapshot compacts every event of a document up to and including Version.
type Snapshot struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DocID     string    `gorm:"type:varchar(128);not null;index:idx_snapshots_doc_version,priority:1" json:"doc_id"`
	Version   int64     `gorm:"not null;index:idx_snapshots_doc_version,priority:2" json:"version"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (Snapshot) TableName() string { return "snapshots" }

// ConflictRecord is the audit entry written when an update was based on a
// version other than the current one.
type ConflictRecord struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DocID         string    `gorm:"type:varchar(128);not null;index" json:"doc_id"`
	BaseVersion   int64     `gorm:"not null" json:"base_version"`
	ActualVersion int64     `gorm:"not null" json:"actual_version"`
	DraftID       string    `gorm:"type:varchar(36);index" json:"draft_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (ConflictRecord) TableName() string { return "conflict_records" }

// Draft preserves the last compacted state seen when a conflict was detected.
type Draft struct {
	ID         string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DocID      string     `gorm:"type:varchar(128);not null;index:idx_drafts_doc_resolved,priority:1" json:"doc_id"`
	Payload    []byte     `json:"payload"`
	Resolved   bool       `gorm:"not null;default:false;index:idx_drafts_doc_resolved,priority:2" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (Draft) TableName() string { return "drafts" }

const (
	KindNote      = "note"
	KindHighlight = "highlight"
)

// Annotation is a note or highlight written by one device of an owner.
// ConflictOf points at an annotation this one diverges from; the original is
// never modified.
type Annotation struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID       string         `gorm:"type:varchar(64);not null;index:idx_annotations_owner_book_client,priority:1;index:idx_annotations_owner_book_position,priority:1" json:"owner_id"`
	BookID        string         `gorm:"type:varchar(64);not null;index:idx_annotations_owner_book_client,priority:2;index:idx_annotations_owner_book_position,priority:2" json:"book_id"`
	ClientID      string         `gorm:"type:varchar(128);not null;index:idx_annotations_owner_book_client,priority:3" json:"client_id"`
	Kind          string         `gorm:"type:varchar(16);not null;index:idx_annotations_owner_book_position,priority:3" json:"kind"`
	PositionKey   string         `gorm:"type:varchar(255);not null;index:idx_annotations_owner_book_position,priority:4" json:"position_key"`
	Location      string         `gorm:"type:varchar(255)" json:"location,omitempty"`
	StartLocation string         `gorm:"type:varchar(255)" json:"start_location,omitempty"`
	EndLocation   string         `gorm:"type:varchar(255)" json:"end_location,omitempty"`
	Content       string         `gorm:"type:text" json:"content"`
	Color         string         `gorm:"type:varchar(32)" json:"color,omitempty"`
	DeviceID      string         `gorm:"type:varchar(64);not null" json:"device_id"`
	ConflictOf    *string        `gorm:"type:varchar(36)" json:"conflict_of,omitempty"`
	Version       int64          `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Annotation) TableName() string { return "annotations" }

// Book is owned by the catalogue service; the sync core only reads it.
type Book struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID         string     `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Title           string     `gorm:"type:varchar(512)" json:"title"`
	Author          string     `gorm:"type:varchar(512)" json:"author"`
	OCRResultKey    string     `gorm:"column:ocr_result_key;type:varchar(512)" json:"ocr_result_key,omitempty"`
	VectorIndexedAt *time.Time `json:"vector_indexed_at,omitempty"`
	Digitized       bool       `gorm:"not null;default:false" json:"digitized"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Book) TableName() string { return "books" }

// ReadingProgress holds one row per (owner, book): the last reported position
// plus the fingerprints the server computed at the last heartbeat.
type ReadingProgress struct {
	OwnerID            string     `gorm:"primaryKey;type:varchar(64)" json:"owner_id"`
	BookID             string     `gorm:"primaryKey;type:varchar(64)" json:"book_id"`
	Progress           float64    `json:"progress"`
	LastLocation       string     `gorm:"type:varchar(255)" json:"last_location"`
	OCRVersion         string     `gorm:"column:ocr_version;type:varchar(64)" json:"ocr_version,omitempty"`
	MetadataVersion    string     `gorm:"type:varchar(64)" json:"metadata_version,omitempty"`
	VectorIndexVersion string     `gorm:"type:varchar(64)" json:"vector_index_version,omitempty"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (ReadingProgress) TableName() string { return "reading_progress" }

// SyncEvent is an outbound message waiting for the owner's next heartbeat.
type SyncEvent struct {
	ID          string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID     string     `gorm:"type:varchar(64);not null;index:idx_sync_events_owner_pending,priority:1" json:"owner_id"`
	BookID      string     `gorm:"type:varchar(64)" json:"book_id"`
	Type        string     `gorm:"type:varchar(64);not null" json:"type"`
	Payload     string     `gorm:"type:text" json:"payload"`
	CreatedAt   time.Time  `gorm:"index:idx_sync_events_owner_pending,priority:3" json:"created_at"`
	DeliveredAt *time.Time `gorm:"index:idx_sync_events_owner_pending,priority:2" json:"delivered_at,omitempty"`
}

func (SyncEvent) TableName() string { return "sync_events" }

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (e *UpdateEvent) BeforeCreate(*gorm.DB) error    { newID(&e.ID); return nil }
func (s *Snapshot) BeforeCreate(*gorm.DB) error       { newID(&s.ID); return nil }
func (c *ConflictRecord) BeforeCreate(*gorm.DB) error { newID(&c.ID); return nil }
func (d *Draft) BeforeCreate(*gorm.DB) error          { newID(&d.ID); return nil }
func (a *Annotation) BeforeCreate(*gorm.DB) error     { newID(&a.ID); return nil }
func (e *SyncEvent) BeforeCreate(*gorm.DB) error      { newID(&e.ID); return nil }

// Migrate creates or updates every table the sync core owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UpdateEvent{},
		&Snapshot{},
		&ConflictRecord{},
		&Draft{},
		&Annotation{},
		&Book{},
		&ReadingProgress{},
		&SyncEvent{},
	)
}
