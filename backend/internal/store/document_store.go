package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabsync/backend/internal/room"
)

// Document is the metadata row for one collaborative document.
type Document struct {
	ID      string `gorm:"primaryKey;size:64" json:"id"`
	OwnerID uint64 `gorm:"index" json:"ownerId"`
	Title   string `gorm:"size:255" json:"title"`
	// Access is the default for users without an explicit membership:
	// "none", "read" or "write".
	Access    string    `gorm:"size:8;default:none" json:"access"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DocumentMember grants one user an explicit role on one document.
type DocumentMember struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	DocID  string `gorm:"size:64;uniqueIndex:uq_doc_user" json:"docId"`
	UserID uint64 `gorm:"uniqueIndex:uq_doc_user" json:"userId"`
	Role   string `gorm:"size:8" json:"role"`
}

// ErrDocumentNotFound is returned for lookups of unknown documents.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore is the document metadata and membership store. It doubles as
// the room broker's ACL.
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{}, &DocumentMember{})
}

// Permission implements room.ACL: the owner always writes, an explicit
// member gets their role, anyone else gets the document's default access.
func (s *DocumentStore) Permission(ctx context.Context, docID string, userID uint64) (room.Permission, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return room.PermissionNone, nil
	}
	if err != nil {
		return room.PermissionNone, err
	}
	if doc.OwnerID == userID {
		return room.PermissionWrite, nil
	}
	var member DocumentMember
	err = s.db.WithContext(ctx).First(&member, "doc_id = ? AND user_id = ?", docID, userID).Error
	if err == nil {
		return room.ParsePermission(member.Role), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return room.PermissionNone, err
	}
	return room.ParsePermission(doc.Access), nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, doc *Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListDocuments returns the documents a user owns or is a member of.
func (s *DocumentStore) ListDocuments(ctx context.Context, userID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Distinct("documents.*").
		Joins("LEFT JOIN document_members m ON m.doc_id = documents.id").
		Where("documents.owner_id = ? OR m.user_id = ?", userID, userID).
		Order("documents.created_at DESC").
		Find(&docs).Error
	return docs, err
}

// Share upserts a member role. Re-sharing with a new role overwrites; the
// broker picks the change up on the member's next submit.
func (s *DocumentStore) Share(ctx context.Context, docID string, userID uint64, role string) error {
	member := DocumentMember{DocID: docID, UserID: userID, Role: role}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).Error
}

// Revoke removes a member's explicit role, dropping them back to the
// document's default access.
func (s *DocumentStore) Revoke(ctx context.Context, docID string, userID uint64) error {
	return s.db.WithContext(ctx).
		Where("doc_id = ? AND user_id = ?", docID, userID).
		Delete(&DocumentMember{}).Error
}
