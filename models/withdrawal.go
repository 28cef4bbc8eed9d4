package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Withdrawal statuses. Terminal states (completed, failed, rejected,
// cancelled) are never re-entered; the only backwards transition is
// processing -> pending when a stuck lock is reclaimed.
const (
	WithdrawalStatusAwaitingApproval = "awaiting_approval"
	WithdrawalStatusPending          = "pending"
	WithdrawalStatusProcessing       = "processing"
	WithdrawalStatusCompleted        = "completed"
	WithdrawalStatusFailed           = "failed"
	WithdrawalStatusRejected         = "rejected"
	WithdrawalStatusCancelled        = "cancelled"
)

// ProcessingLock is the time-bounded exclusive claim on one withdrawal.
// Present only while status is "processing"; a lock past ExpiresAt is
// dead and the record can be reclaimed.
type ProcessingLock struct {
	Token     string    `json:"token" bson:"token"`
	ExpiresAt time.Time `json:"expiresAt" bson:"expiresAt"`
}

// Withdrawal is one user request to convert gems into a SOL payout.
// Economic fields are fixed at request time and never recomputed.
type Withdrawal struct {
	ID                primitive.ObjectID  `json:"id,omitempty" bson:"_id,omitempty"`
	UserID            primitive.ObjectID  `json:"userId" bson:"userId"`
	WalletAddress     string              `json:"walletAddress" bson:"walletAddress"`
	GemsAmount        int64               `json:"gemsAmount" bson:"gemsAmount"`
	FeeAmount         int64               `json:"feeAmount" bson:"feeAmount"`
	NetGems           int64               `json:"netGems" bson:"netGems"`
	SolAmountLamports uint64              `json:"solAmountLamports" bson:"solAmountLamports"`
	Status            string              `json:"status" bson:"status"`
	RequestedAt       time.Time           `json:"requestedAt" bson:"requestedAt"`
	AttemptCount      int                 `json:"attemptCount" bson:"attemptCount"`
	MaxAttempts       int                 `json:"maxAttempts" bson:"maxAttempts"`
	ProcessingLock    *ProcessingLock     `json:"processingLock,omitempty" bson:"processingLock,omitempty"`
	PendingSignature  string              `json:"pendingSignature,omitempty" bson:"pendingSignature,omitempty"`
	TxSignature       string              `json:"txSignature,omitempty" bson:"txSignature,omitempty"`
	FailureReason     string              `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
	NeedsReview       bool                `json:"needsReview,omitempty" bson:"needsReview,omitempty"`
	ApprovedBy        *primitive.ObjectID `json:"approvedBy,omitempty" bson:"approvedBy,omitempty"`
	RejectedBy        *primitive.ObjectID `json:"rejectedBy,omitempty" bson:"rejectedBy,omitempty"`
	RejectionReason   string              `json:"rejectionReason,omitempty" bson:"rejectionReason,omitempty"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	CancelledAt       *time.Time          `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
	RefundedAt        *time.Time          `json:"refundedAt,omitempty" bson:"refundedAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// IsTerminal reports whether the withdrawal can never change status again.
func (w *Withdrawal) IsTerminal() bool {
	switch w.Status {
	case WithdrawalStatusCompleted, WithdrawalStatusFailed,
		WithdrawalStatusRejected, WithdrawalStatusCancelled:
		return true
	}
	return false
}

// WithdrawalRequest is the intake payload.
type WithdrawalRequest struct {
	GemsAmount    int64  `json:"gemsAmount" validate:"required,gt=0"`
	WalletAddress string `json:"walletAddress" validate:"required"`
}

// WithdrawalQuote is the fee/conversion breakdown shown to the user and
// frozen onto the record at intake.
type WithdrawalQuote struct {
	GemsAmount        int64  `json:"gemsAmount"`
	FeeAmount         int64  `json:"feeAmount"`
	NetGems           int64  `json:"netGems"`
	SolAmountLamports uint64 `json:"solAmountLamports"`
	GemsPerSol        int64  `json:"gemsPerSol"`
}

// WithdrawalStatusResponse is what a requester sees while waiting.
type WithdrawalStatusResponse struct {
	Withdrawal    *Withdrawal `json:"withdrawal"`
	QueuePosition int64       `json:"queuePosition"`
}

// RejectWithdrawalRequest carries the mandatory rejection reason.
type RejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// WithdrawalResult is the per-record outcome of one processing pass.
type WithdrawalResult struct {
	ID          primitive.ObjectID `json:"id"`
	Status      string             `json:"status"`
	TxSignature string             `json:"txSignature,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ProcessPassResult summarizes one disbursement pass over the queue.
type ProcessPassResult struct {
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Halted    bool               `json:"halted"`
	Results   []WithdrawalResult `json:"results"`
}

// QueueStats is the operator view of the withdrawal queue.
type QueueStats struct {
	AwaitingApproval int64  `json:"awaitingApproval"`
	Pending          int64  `json:"pending"`
	Processing       int64  `json:"processing"`
	Completed        int64  `json:"completed"`
	Failed           int64  `json:"failed"`
	Rejected         int64  `json:"rejected"`
	Cancelled        int64  `json:"cancelled"`
	GemsInFlight     int64  `json:"gemsInFlight"`
	LamportsQueued   uint64 `json:"lamportsQueued"`
	CustodialBalance uint64 `json:"custodialBalance"`
}
