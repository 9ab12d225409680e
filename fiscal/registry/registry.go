// Package registry persists authorized fiscal documents, their items,
// the per-series number sequences and the audit trail of failed attempts.
package registry

import (
	"context"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var logger = logrus.WithField("component", "fiscal.registry")

const defaultListLimit = 100

type Registry interface {
	// CreateDocument stores header and items in one transaction and returns the document id.
	CreateDocument(ctx context.Context, header *model.Document, items []model.Item) (string, error)
	ListDocuments(ctx context.Context, f Filter) ([]model.Document, error)
	GetDocumentWithItems(ctx context.Context, id string) (*model.Document, error)
}

type Filter struct {
	Type   model.DocumentType
	Status model.Status
	Series string
	TaxID  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a model.Attempt) error
}

type GormRegistry struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// AutoMigrate creates or updates every table the registry uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Document{}, &model.Item{}, &model.Attempt{}, &model.SeriesSequence{})
}

func (r *GormRegistry) CreateDocument(ctx context.Context, header *model.Document, items []model.Item) (string, error) {
	if header == nil {
		return "", errors.New("document header is nil")
	}
	if header.ID == "" {
		header.ID = uuid.NewString()
	}

	stamped := make([]model.Item, len(items))
	for i, it := range items {
		it.ID = 0
		it.DocumentID = header.ID
		if it.Position == 0 {
			it.Position = i + 1
		}
		stamped[i] = it
	}

	row := *header
	row.Items = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return errors.Wrap(err, "insert document")
		}
		if len(stamped) == 0 {
			return nil
		}
		if err := tx.Create(&stamped).Error; err != nil {
			return errors.Wrap(err, "insert items")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	header.CreatedAt = row.CreatedAt
	header.Items = stamped
	logger.WithFields(logrus.Fields{
		"document_id": header.ID,
		"series":      header.Series,
		"number":      header.Number,
		"items":       len(stamped),
	}).Debug("Document stored")
	return header.ID, nil
}

func (r *GormRegistry) ListDocuments(ctx context.Context, f Filter) ([]model.Document, error) {
	q := r.db.WithContext(ctx).Model(&model.Document{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Series != "" {
		q = q.Where("series = ?", f.Series)
	}
	if f.TaxID != "" {
		q = q.Where("counterparty_tax_id = ?", f.TaxID)
	}
	if !f.From.IsZero() {
		q = q.Where("issued_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("issued_at < ?", f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var docs []model.Document
	err := q.Order("issued_at DESC").Order("number DESC").
		Limit(limit).Offset(f.Offset).
		Find(&docs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	return docs, nil
}

func (r *GormRegistry) GetDocumentWithItems(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id = ?", id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fiscal.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get document")
	}
	return &doc, nil
}

func (r *GormRegistry) RecordAttempt(ctx context.Context, a model.Attempt) error {
	if err := r.db.WithContext(ctx).Create(&a).Error; err != nil {
		return errors.Wrap(err, "insert attempt")
	}
	return nil
}

// ListAttempts returns the most recent audit records, newest first.
func (r *GormRegistry) ListAttempts(ctx context.Context, limit int) ([]model.Attempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []model.Attempt
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	return out, nil
}
