package didwallet

import (
	"time"
)

// OperationStatus is the ledger-side lifecycle of a submitted operation.
type OperationStatus string

const (
	StatusUnknown           OperationStatus = "UNKNOWN"
	StatusPendingSubmission OperationStatus = "PENDING_SUBMISSION"
	StatusAwaitConfirmation OperationStatus = "AWAIT_CONFIRMATION"
	StatusConfirmedApplied  OperationStatus = "CONFIRMED_AND_APPLIED"
	StatusConfirmedRejected OperationStatus = "CONFIRMED_AND_REJECTED"
)

// PendingStatuses are the statuses reconciliation still has to follow.
var PendingStatuses = []OperationStatus{StatusPendingSubmission, StatusAwaitConfirmation}

func (s OperationStatus) IsTerminal() bool {
	return s == StatusConfirmedApplied || s == StatusConfirmedRejected
}

func (s OperationStatus) IsPending() bool {
	return s == StatusPendingSubmission || s == StatusAwaitConfirmation
}

type TxAction string

const (
	ActionAddKey           TxAction = "ADD_KEY"
	ActionRevokeKey        TxAction = "REVOKE_KEY"
	ActionPublishDid       TxAction = "PUBLISH_DID"
	ActionIssueCredential  TxAction = "ISSUE_CREDENTIAL"
	ActionRevokeCredential TxAction = "REVOKE_CREDENTIAL"
)

// TxLogEntry records one ledger-affecting action. ID is the operation id.
type TxLogEntry struct {
	ID          string          `json:"_id"`
	WalletID    string          `json:"walletId"`
	Action      TxAction        `json:"action"`
	Status      OperationStatus `json:"status"`
	TxID        string          `json:"txId,omitempty"`
	URL         string          `json:"url,omitempty"`
	Description string          `json:"description"`
	// alias of the DID or credential the action targets
	Subject   string    `json:"subject,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
