package didwallet

import (
	"errors"
	"fmt"
)

var (
	// Returned when a wallet, DID alias, key id, credential alias or log entry is unknown.
	ErrNotFound = errors.New("not found")

	// Returned when a wallet id or alias is reused.
	ErrDuplicateIdentifier = errors.New("duplicate identifier")

	// Returned for malformed mnemonics or seeds.
	ErrInvalidSeed = errors.New("invalid seed")

	// Returned when the ledger refuses a submission, or reports it confirmed-rejected.
	ErrLedgerRejected = errors.New("ledger rejected operation")

	// Returned when a submission references a stale previous-operation hash.
	// Never retried automatically: refresh the DID state and resubmit.
	ErrChainConflict = errors.New("operation hash chain conflict")

	// Merkle or signature verification failure.
	ErrProofInvalid = errors.New("invalid proof")

	// The persistence layer did not acknowledge a write.
	ErrStorageFailure = errors.New("storage failure")

	// The entity is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")
)

var (
	ErrKeyNotFound       = fmt.Errorf("key %w", ErrNotFound)
	ErrDuplicateKeyID    = fmt.Errorf("key id: %w", ErrDuplicateIdentifier)
	ErrKeyAlreadyRevoked = fmt.Errorf("key already revoked: %w", ErrInvalidState)
	ErrInvalidClaim      = errors.New("invalid claim")
)
