package dbstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roots-id/go-didwallet"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TxLogRecord is one row of the tx log. Timestamps come from the entry, never from gorm.
type TxLogRecord struct {
	ID          string                    `gorm:"column:id;primaryKey"`
	WalletID    string                    `gorm:"column:wallet_id;not null;index:idx_tx_logs_wallet_created_at,priority:1"`
	Action      didwallet.TxAction        `gorm:"column:action;not null"`
	Status      didwallet.OperationStatus `gorm:"column:status;not null;index"`
	TxID        string                    `gorm:"column:tx_id"`
	URL         string                    `gorm:"column:url"`
	Description string                    `gorm:"column:description"`
	Subject     string                    `gorm:"column:subject"`
	CreatedAt   time.Time                 `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_tx_logs_wallet_created_at,priority:2"`
	UpdatedAt   time.Time                 `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (TxLogRecord) TableName() string {
	return "tx_logs"
}

func newTxLogRecord(e *didwallet.TxLogEntry) *TxLogRecord {
	return &TxLogRecord{
		ID:          e.ID,
		WalletID:    e.WalletID,
		Action:      e.Action,
		Status:      e.Status,
		TxID:        e.TxID,
		URL:         e.URL,
		Description: e.Description,
		Subject:     e.Subject,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
}

func (r *TxLogRecord) entry() *didwallet.TxLogEntry {
	return &didwallet.TxLogEntry{
		ID:          r.ID,
		WalletID:    r.WalletID,
		Action:      r.Action,
		Status:      r.Status,
		TxID:        r.TxID,
		URL:         r.URL,
		Description: r.Description,
		Subject:     r.Subject,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// GormTxLogStorage implements didwallet.TxLogStorage on a database.
type GormTxLogStorage struct {
	db *gorm.DB
}

var _ didwallet.TxLogStorage = (*GormTxLogStorage)(nil)

func NewGormTxLogStorage(db *gorm.DB) (*GormTxLogStorage, error) {
	if err := db.AutoMigrate(&TxLogRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormTxLogStorage{db: db}, nil
}

func (s *GormTxLogStorage) Insert(ctx context.Context, e *didwallet.TxLogEntry) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(newTxLogRecord(e))
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: tx log entry %s", didwallet.ErrDuplicateIdentifier, e.ID)
	}
	return nil
}

func (s *GormTxLogStorage) Update(ctx context.Context, e *didwallet.TxLogEntry) error {
	result := s.db.WithContext(ctx).Model(&TxLogRecord{}).Where("id = ?", e.ID).Updates(map[string]interface{}{
		"status":     e.Status,
		"tx_id":      e.TxID,
		"url":        e.URL,
		"updated_at": e.UpdatedAt.UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: tx log entry %s", didwallet.ErrNotFound, e.ID)
	}
	return nil
}

func (s *GormTxLogStorage) FindByID(ctx context.Context, id string) (*didwallet.TxLogEntry, error) {
	var rec TxLogRecord
	result := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: tx log entry %s", didwallet.ErrNotFound, id)
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.entry(), nil
}

func (s *GormTxLogStorage) find(ctx context.Context, query interface{}, args ...interface{}) ([]*didwallet.TxLogEntry, error) {
	var recs []TxLogRecord
	result := s.db.WithContext(ctx).Where(query, args...).Order("created_at ASC, id ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	out := make([]*didwallet.TxLogEntry, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].entry())
	}
	return out, nil
}

func (s *GormTxLogStorage) ListPending(ctx context.Context) ([]*didwallet.TxLogEntry, error) {
	return s.find(ctx, "status IN ?", didwallet.PendingStatuses)
}

func (s *GormTxLogStorage) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&TxLogRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return count > 0, nil
}

func (s *GormTxLogStorage) List(ctx context.Context, walletID string) ([]*didwallet.TxLogEntry, error) {
	return s.find(ctx, "wallet_id = ?", walletID)
}
