package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AuditLog is one append-only event. Rows are inserted on every
// balance-changing or status-changing transition and never updated.
type AuditLog struct {
	ID            primitive.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	Action        string             `json:"action" bson:"action"`
	WalletAddress string             `json:"walletAddress,omitempty" bson:"walletAddress,omitempty"`
	Description   string             `json:"description" bson:"description"`
	RelatedID     string             `json:"relatedId,omitempty" bson:"relatedId,omitempty"`
	CreatedAt     time.Time          `json:"createdAt" bson:"createdAt"`
}

// Audit actions recorded by the withdrawal pipeline.
const (
	AuditActionWithdrawalRequested = "withdrawal_requested"
	AuditActionWithdrawalApproved  = "withdrawal_approved"
	AuditActionWithdrawalRejected  = "withdrawal_rejected"
	AuditActionWithdrawalCancelled = "withdrawal_cancelled"
	AuditActionWithdrawalCompleted = "withdrawal_completed"
	AuditActionWithdrawalFailed    = "withdrawal_failed"
	AuditActionWithdrawalRefunded  = "withdrawal_refunded"
	AuditActionStuckLockReclaimed  = "stuck_lock_reclaimed"
	AuditActionGemsDebited         = "gems_debited"
	AuditActionGemsCredited        = "gems_credited"
)
