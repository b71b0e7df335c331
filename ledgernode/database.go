package ledgernode

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func scanJSON(value interface{}, into any, name string) error {
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for %s: %T", name, value)
	}
	return json.Unmarshal(bytes, into)
}

// opEnumDB wraps ledger.OpEnum to provide SQL Scanner/Valuer for GORM storage.
type opEnumDB ledger.OpEnum

func (o opEnumDB) Value() (driver.Value, error) {
	return json.Marshal((*ledger.OpEnum)(&o))
}

func (o *opEnumDB) Scan(value interface{}) error {
	return scanJSON(value, (*ledger.OpEnum)(o), "opEnumDB")
}

type keyStatesDB []ledger.KeyState

func (k keyStatesDB) Value() (driver.Value, error) {
	return json.Marshal([]ledger.KeyState(k))
}

func (k *keyStatesDB) Scan(value interface{}) error {
	return scanJSON(value, (*[]ledger.KeyState)(k), "keyStatesDB")
}

type hashesDB []string

func (h hashesDB) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return json.Marshal([]string(h))
}

func (h *hashesDB) Scan(value interface{}) error {
	return scanJSON(value, (*[]string)(h), "hashesDB")
}

// DidRecord is the applied state of a DID.
type DidRecord struct {
	DID       string      `gorm:"column:did;primaryKey"`
	Head      string      `gorm:"column:head;not null"`
	Keys      keyStatesDB `gorm:"column:keys;not null"`
	CreatedAt time.Time   `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt time.Time   `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (DidRecord) TableName() string {
	return "dids"
}

func (r *DidRecord) entry() *ledger.DidEntry {
	keys := make([]ledger.KeyState, len(r.Keys))
	copy(keys, r.Keys)
	return &ledger.DidEntry{
		DID:       r.DID,
		Head:      r.Head,
		Keys:      keys,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// BatchRecord is an anchored credential batch.
type BatchRecord struct {
	BatchID       string     `gorm:"column:batch_id;primaryKey"`
	IssuerDID     string     `gorm:"column:issuer_did;not null;index"`
	MerkleRoot    string     `gorm:"column:merkle_root;not null"`
	SignedWith    string     `gorm:"column:signed_with;not null"`
	OperationHash string     `gorm:"column:operation_hash;not null"`
	IssuedAt      time.Time  `gorm:"column:issued_at;not null"`
	RevokedAt     *time.Time `gorm:"column:revoked_at"`
	RevokedHashes hashesDB   `gorm:"column:revoked_hashes;not null"`
}

func (BatchRecord) TableName() string {
	return "batches"
}

func newBatchRecord(b *ledger.BatchEntry) *BatchRecord {
	rec := &BatchRecord{
		BatchID:       b.BatchID,
		IssuerDID:     b.IssuerDID,
		MerkleRoot:    b.MerkleRoot,
		SignedWith:    b.SignedWith,
		OperationHash: b.OperationHash,
		IssuedAt:      b.IssuedAt.UTC(),
		RevokedHashes: hashesDB(b.RevokedHashes),
	}
	if b.RevokedAt != nil {
		t := b.RevokedAt.UTC()
		rec.RevokedAt = &t
	}
	return rec
}

func (r *BatchRecord) entry() *ledger.BatchEntry {
	b := &ledger.BatchEntry{
		BatchID:       r.BatchID,
		IssuerDID:     r.IssuerDID,
		MerkleRoot:    r.MerkleRoot,
		SignedWith:    r.SignedWith,
		OperationHash: r.OperationHash,
		IssuedAt:      r.IssuedAt.UTC(),
		RevokedHashes: append([]string{}, r.RevokedHashes...),
	}
	if r.RevokedAt != nil {
		t := r.RevokedAt.UTC()
		b.RevokedAt = &t
	}
	return b
}

// OperationRecord is a submitted operation and its confirmation status. Seq orders
// operations by submission.
type OperationRecord struct {
	Seq       int64                     `gorm:"column:seq;primaryKey;autoIncrement"`
	OpID      string                    `gorm:"column:op_id;not null;uniqueIndex"`
	OpHash    string                    `gorm:"column:op_hash;not null"`
	DID       string                    `gorm:"column:did;not null;index"`
	Type      string                    `gorm:"column:type;not null"`
	Status    didwallet.OperationStatus `gorm:"column:status;not null;index"`
	TxID      string                    `gorm:"column:tx_id"`
	Error     string                    `gorm:"column:error"`
	CreatedAt time.Time                 `gorm:"column:created_at;not null;autoCreateTime:false"`
	OpData    opEnumDB                  `gorm:"column:op_data;not null"`
}

// Note: not called Operation to avoid confusion with ledger.Operation
func (OperationRecord) TableName() string {
	return "operations"
}

func (r *OperationRecord) Operation() ledger.Operation {
	enum := ledger.OpEnum(r.OpData)
	return enum.AsOperation()
}

func (r *OperationRecord) Info() *ledger.OperationInfo {
	return &ledger.OperationInfo{
		OperationID:   r.OpID,
		OperationHash: r.OpHash,
		DID:           r.DID,
		Type:          r.Type,
		Status:        r.Status,
		TransactionID: r.TxID,
		Error:         r.Error,
	}
}

// GormStore implements ledger.Store using a database backend, and keeps the
// operation records the node serves.
type GormStore struct {
	db *gorm.DB
}

var _ ledger.Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&DidRecord{}, &BatchRecord{}, &OperationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// GetDid implements ledger.Store
func (s *GormStore) GetDid(ctx context.Context, did string) (*ledger.DidEntry, error) {
	var rec DidRecord
	result := s.db.WithContext(ctx).Where("did = ?", did).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.entry(), nil
}

// GetBatch implements ledger.Store
func (s *GormStore) GetBatch(ctx context.Context, batchID string) (*ledger.BatchEntry, error) {
	var rec BatchRecord
	result := s.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return rec.entry(), nil
}

// CommitOperations implements ledger.Store. Operation records of the committed operations
// are marked applied in the same transaction.
func (s *GormStore) CommitOperations(ctx context.Context, ops []*ledger.PreparedOperation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, prepOp := range ops {
			if prepOp.Did != nil {
				if err := commitDid(tx, prepOp); err != nil {
					return err
				}
			}
			if prepOp.Batch != nil {
				result := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(newBatchRecord(prepOp.Batch))
				if result.Error != nil {
					return fmt.Errorf("failed to store batch: %w", result.Error)
				}
			}
			if err := tx.Model(&OperationRecord{}).Where("op_id = ?", prepOp.OpID).Updates(map[string]interface{}{
				"status": didwallet.StatusConfirmedApplied,
				"error":  "",
			}).Error; err != nil {
				return fmt.Errorf("failed to update operation status: %w", err)
			}
		}
		return nil
	})
}

func commitDid(tx *gorm.DB, prepOp *ledger.PreparedOperation) error {
	entry := prepOp.Did
	if prepOp.PrevHead == "" {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&DidRecord{
			DID:       entry.DID,
			Head:      entry.Head,
			Keys:      keyStatesDB(entry.Keys),
			CreatedAt: entry.CreatedAt.UTC(),
			UpdatedAt: entry.UpdatedAt.UTC(),
		})
		if result.Error != nil {
			return fmt.Errorf("failed to create DID: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: DID %s already exists", ledger.ErrHeadMismatch, entry.DID)
		}
		return nil
	}

	// Update head with optimistic locking check
	result := tx.Model(&DidRecord{}).Where("did = ? AND head = ?", entry.DID, prepOp.PrevHead).Updates(map[string]interface{}{
		"head":       entry.Head,
		"keys":       keyStatesDB(entry.Keys),
		"updated_at": entry.UpdatedAt.UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update DID: %w", result.Error)
	} else if result.RowsAffected != 1 {
		return fmt.Errorf("%w: head mismatch for DID %s", ledger.ErrHeadMismatch, entry.DID)
	}
	return nil
}

// InsertOperation stores a new operation record, replacing a rejected record of the
// same operation. Seq is assigned on insert.
func (s *GormStore) InsertOperation(ctx context.Context, rec *OperationRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("op_id = ? AND status = ?", rec.OpID, didwallet.StatusConfirmedRejected).Delete(&OperationRecord{}).Error; err != nil {
			return fmt.Errorf("failed to drop rejected operation: %w", err)
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create operation: %w", err)
		}
		return nil
	})
}

// GetOperation returns nil if the operation is unknown.
func (s *GormStore) GetOperation(ctx context.Context, opID string) (*OperationRecord, error) {
	var rec OperationRecord
	result := s.db.WithContext(ctx).Where("op_id = ?", opID).Take(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return &rec, nil
}

// ListOperations returns the operations in any of the given statuses, in submission order.
func (s *GormStore) ListOperations(ctx context.Context, statuses ...didwallet.OperationStatus) ([]OperationRecord, error) {
	var recs []OperationRecord
	result := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("seq ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}
	return recs, nil
}

// MarkAwaiting packs operations into the transaction txID.
func (s *GormStore) MarkAwaiting(ctx context.Context, opIDs []string, txID string) error {
	if len(opIDs) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&OperationRecord{}).Where("op_id IN ?", opIDs).Updates(map[string]interface{}{
		"status": didwallet.StatusAwaitConfirmation,
		"tx_id":  txID,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update operation status: %w", result.Error)
	}
	return nil
}

func (s *GormStore) RejectOperation(ctx context.Context, opID string, reason string) error {
	result := s.db.WithContext(ctx).Model(&OperationRecord{}).Where("op_id = ?", opID).Updates(map[string]interface{}{
		"status": didwallet.StatusConfirmedRejected,
		"error":  reason,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update operation status: %w", result.Error)
	} else if result.RowsAffected != 1 {
		return fmt.Errorf("%w: operation %s", didwallet.ErrNotFound, opID)
	}
	return nil
}

// GetOperationLog returns every operation submitted for a DID, in submission order.
func (s *GormStore) GetOperationLog(ctx context.Context, did string) ([]ledger.LogEntry, error) {
	var recs []OperationRecord
	result := s.db.WithContext(ctx).Where("did = ?", did).Order("seq ASC").Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("database error: %w", result.Error)
	}

	entries := make([]ledger.LogEntry, 0, len(recs))
	for _, rec := range recs {
		op := rec.Operation()
		if op == nil {
			return nil, fmt.Errorf("invalid operation type")
		}
		entry, err := ledger.NewLogEntry(op, rec.Status, rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}
