package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roots-id/go-didwallet"
)

type LogEntry struct {
	DID         string                    `json:"did"`
	Operation   OpEnum                    `json:"operation"`
	OperationID string                    `json:"operationId"`
	Status      didwallet.OperationStatus `json:"status"`
	CreatedAt   string                    `json:"createdAt"`
}

func NewLogEntry(op Operation, status didwallet.OperationStatus, createdAt time.Time) (*LogEntry, error) {
	enum, err := NewOpEnum(op)
	if err != nil {
		return nil, err
	}
	return &LogEntry{
		DID:         op.TargetDID(),
		Operation:   *enum,
		OperationID: op.CID().String(),
		Status:      status,
		CreatedAt:   createdAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// Checks self-consistency of this log entry in isolation. Does not access other context or log entries.
func (le *LogEntry) Validate() error {
	op := le.Operation.AsOperation()
	if op == nil {
		return fmt.Errorf("invalid operation type")
	}
	if op.CID().String() != le.OperationID {
		return fmt.Errorf("log entry id didn't match computed operation CID")
	}
	if !op.IsSigned() {
		return fmt.Errorf("log entry was not signed")
	}
	if op.TargetDID() != le.DID {
		return fmt.Errorf("log entry DID didn't match operation DID")
	}
	return nil
}

// Verifies an ordered log of operations for a single DID by replaying the applied entries.
// Returns the resulting DID state.
func VerifyOpLog(entries []LogEntry) (*DidEntry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("can't verify empty operation log")
	}

	did := entries[0].DID
	store := NewMemStore()
	ctx := context.Background()

	for _, oe := range entries {
		if oe.DID != did {
			return nil, fmt.Errorf("inconsistent DID")
		}
		if err := oe.Validate(); err != nil {
			return nil, err
		}
		if oe.Status != didwallet.StatusConfirmedApplied {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, oe.CreatedAt)
		if err != nil {
			return nil, err
		}
		prep, err := PrepareOperation(ctx, store, oe.Operation.AsOperation(), createdAt)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", oe.OperationID, err)
		}
		if err := store.CommitOperations(ctx, []*PreparedOperation{prep}); err != nil {
			return nil, err
		}
	}

	state, err := store.GetDid(ctx, did)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.New("log contains no applied DID creation")
	}
	return state, nil
}

// ProjectDid returns the state a DID will have once the in-flight entries of its log are
// confirmed, starting from its applied state (nil if it is not applied yet). In-flight
// entries that no longer validate are skipped, since the ledger will reject them.
// Returns nil if the DID is neither applied nor has a creation in flight.
func ProjectDid(applied *DidEntry, entries []LogEntry) (*DidEntry, error) {
	ctx := context.Background()
	store := NewMemStore()

	did := ""
	if applied != nil {
		did = applied.DID
		if err := store.CommitOperations(ctx, []*PreparedOperation{{DID: did, Did: applied}}); err != nil {
			return nil, err
		}
	}

	for _, oe := range entries {
		if !oe.Status.IsPending() {
			continue
		}
		if did == "" {
			did = oe.DID
		}
		if oe.DID != did {
			return nil, fmt.Errorf("inconsistent DID")
		}
		if err := oe.Validate(); err != nil {
			return nil, err
		}
		op := oe.Operation.AsOperation()
		// revocations never change the DID state
		if _, ok := op.(*RevokeCredentialsOp); ok {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, oe.CreatedAt)
		if err != nil {
			return nil, err
		}
		prep, err := PrepareOperation(ctx, store, op, createdAt)
		if IsRejection(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := store.CommitOperations(ctx, []*PreparedOperation{prep}); err != nil {
			return nil, err
		}
	}

	if did == "" {
		return nil, nil
	}
	return store.GetDid(ctx, did)
}

// IsRejection reports whether err means the operation is invalid against the current state,
// as opposed to a store failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidOperation) || errors.Is(err, ErrHeadMismatch)
}
