// Transfer hub models
// Persistent state for the confidential transfer ledger and the relay
// coordinator: transfers, confirmations, nullifiers, commitment leaves,
// audit trail.
package models

import (
	"time"
)

// TransferStatus is the relay state machine:
// pending -> confirmed -> relayed (terminal), or pending|confirmed -> failed
// (terminal, retained as dead letter).
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusConfirmed TransferStatus = "confirmed"
	TransferStatusRelayed   TransferStatus = "relayed"
	TransferStatusFailed    TransferStatus = "failed"
)

// TransferRecord is one cross-chain transfer keyed by its content-addressed
// transfer id. Amounts are decimal strings (uint256 range).
type TransferRecord struct {
	ID                 string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	TransferID         string         `json:"transfer_id" gorm:"type:varchar(66);uniqueIndex;not null"`
	Sender             string         `json:"sender" gorm:"type:varchar(66);not null"`
	Recipient          string         `json:"recipient" gorm:"type:varchar(66);not null"`
	Amount             string         `json:"amount" gorm:"type:varchar(78);not null"`
	Fee                string         `json:"fee" gorm:"type:varchar(78);default:'0'"`
	SourceChainID      uint64         `json:"source_chain_id" gorm:"index;not null"`
	DestinationChainID uint64         `json:"destination_chain_id" gorm:"index;not null"`
	Token              string         `json:"token" gorm:"type:varchar(66)"`
	Nonce              uint64         `json:"nonce" gorm:"index"`
	MessageTimestamp   int64          `json:"message_timestamp"`
	Status             TransferStatus `json:"status" gorm:"type:varchar(20);index;default:'pending'"`
	ConfirmationCount  int            `json:"confirmation_count" gorm:"default:0"`
	Attempts           int            `json:"attempts" gorm:"default:0"`
	MaxAttempts        int            `json:"max_attempts" gorm:"default:5"`
	NextRetryAt        *time.Time     `json:"next_retry_at" gorm:"index"`
	FailureReason      string         `json:"failure_reason" gorm:"type:text"`
	DispatchTxHash     string         `json:"dispatch_tx_hash" gorm:"type:varchar(66)"`
	ReceiptBlock       uint64         `json:"receipt_block"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (TransferRecord) TableName() string {
	return "hub_transfers"
}

// IsTerminal reports whether the transfer can never change state again.
func (t *TransferRecord) IsTerminal() bool {
	return t.Status == TransferStatusRelayed || t.Status == TransferStatusFailed
}

// ConfirmationRecord is one signer's attestation of a transfer. The
// (transfer_id, signer_id) pair is unique so a signer can never count twice.
type ConfirmationRecord struct {
	ID              string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	TransferID      string    `json:"transfer_id" gorm:"type:varchar(66);uniqueIndex:idx_confirmation_transfer_signer;not null"`
	SignerID        string    `json:"signer_id" gorm:"type:varchar(66);uniqueIndex:idx_confirmation_transfer_signer;not null"`
	Signature       string    `json:"signature" gorm:"type:text"`
	ObservedAtBlock uint64    `json:"observed_at_block"`
	Timestamp       int64     `json:"timestamp"`
	CreatedAt       time.Time `json:"created_at"`
}

func (ConfirmationRecord) TableName() string {
	return "hub_confirmations"
}

// NullifierRecord marks a nullifier as consumed forever. The primary key is
// the nullifier itself; consumption is an insert that either lands or
// conflicts.
type NullifierRecord struct {
	Nullifier string    `json:"nullifier" gorm:"type:varchar(66);primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

func (NullifierRecord) TableName() string {
	return "hub_nullifiers"
}

// CommitmentLeafRecord persists one tree leaf and the root after its
// insertion. The tree and the known-root history are rebuilt from this
// table on restart.
type CommitmentLeafRecord struct {
	LeafIndex  uint64    `json:"leaf_index" gorm:"primaryKey;autoIncrement:false"`
	Commitment string    `json:"commitment" gorm:"type:varchar(66);not null"`
	RootAfter  string    `json:"root_after" gorm:"type:varchar(66);not null"`
	CreatedAt  time.Time `json:"created_at"`
}

func (CommitmentLeafRecord) TableName() string {
	return "hub_commitment_leaves"
}

// AuditRecord is an append-only operational trail entry: compliance
// decisions, operator actions, terminal relay outcomes.
type AuditRecord struct {
	ID        uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Actor     string    `json:"actor" gorm:"type:varchar(64)"`
	Action    string    `json:"action" gorm:"type:varchar(64);index"`
	Resource  string    `json:"resource" gorm:"type:varchar(128)"`
	Outcome   string    `json:"outcome" gorm:"type:varchar(16)"`
	Detail    string    `json:"detail" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (AuditRecord) TableName() string {
	return "hub_audit_logs"
}
