package dbstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roots-id/go-didwallet"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// walletDoc stores the whole wallet document as JSON.
type walletDoc didwallet.Wallet

func (w walletDoc) Value() (driver.Value, error) {
	return json.Marshal((*didwallet.Wallet)(&w))
}

func (w *walletDoc) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for walletDoc: %T", value)
	}
	return json.Unmarshal(bytes, (*didwallet.Wallet)(w))
}

type WalletRecord struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Doc       walletDoc `gorm:"column:doc;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (WalletRecord) TableName() string {
	return "wallets"
}

// GormWalletStorage implements didwallet.WalletStorage on a database.
type GormWalletStorage struct {
	db *gorm.DB
}

var _ didwallet.WalletStorage = (*GormWalletStorage)(nil)

func NewGormWalletStorage(db *gorm.DB) (*GormWalletStorage, error) {
	if err := db.AutoMigrate(&WalletRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormWalletStorage{db: db}, nil
}

func (s *GormWalletStorage) Insert(ctx context.Context, w *didwallet.Wallet) error {
	rec := WalletRecord{
		ID:  w.ID,
		Doc: walletDoc(*w.Clone()),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: wallet %s", didwallet.ErrDuplicateIdentifier, w.ID)
	}
	return nil
}

func (s *GormWalletStorage) Update(ctx context.Context, w *didwallet.Wallet) error {
	result := s.db.WithContext(ctx).Model(&WalletRecord{}).Where("id = ?", w.ID).Updates(map[string]interface{}{
		"doc":        walletDoc(*w.Clone()),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("database error: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: wallet %s", didwallet.ErrNotFound, w.ID)
	}
	return nil
}

func (s *GormWalletStorage) FindByID(ctx context.Context, id string) (*didwallet.Wallet, error) {
	var rec WalletRecord
	result := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: wallet %s", didwallet.ErrNotFound, id)
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	w := didwallet.Wallet(rec.Doc)
	return &w, nil
}

func (s *GormWalletStorage) FindDidByAlias(ctx context.Context, walletID string, alias string) (*didwallet.Did, error) {
	return didwallet.FindDidByAlias(ctx, s, walletID, alias)
}

func (s *GormWalletStorage) ListDids(ctx context.Context, walletID string) ([]didwallet.Did, error) {
	w, err := s.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return w.Dids, nil
}

func (s *GormWalletStorage) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&WalletRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return count > 0, nil
}

func (s *GormWalletStorage) List(ctx context.Context) ([]*didwallet.Wallet, error) {
	var recs []WalletRecord
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	out := make([]*didwallet.Wallet, 0, len(recs))
	for _, rec := range recs {
		w := didwallet.Wallet(rec.Doc)
		out = append(out, &w)
	}
	return out, nil
}
