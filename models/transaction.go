package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction types and statuses for the general ledger. The ledger is a
// reporting mirror; the withdrawal queue stays the source of truth for
// whether a payout actually happened.
const (
	TransactionTypeWithdrawal = "withdrawal"
	TransactionTypeDeposit    = "deposit"
	TransactionTypeRefund     = "refund"

	TransactionStatusPending   = "pending"
	TransactionStatusConfirmed = "confirmed"
	TransactionStatusFailed    = "failed"
)

// Transaction is one general-ledger row.
type Transaction struct {
	ID            primitive.ObjectID  `json:"id,omitempty" bson:"_id,omitempty"`
	WalletAddress string              `json:"walletAddress" bson:"walletAddress"`
	Type          string              `json:"type" bson:"type"`
	GemsAmount    int64               `json:"gemsAmount" bson:"gemsAmount"`
	Lamports      uint64              `json:"lamports,omitempty" bson:"lamports,omitempty"`
	Status        string              `json:"status" bson:"status"`
	TxSignature   string              `json:"txSignature,omitempty" bson:"txSignature,omitempty"`
	WithdrawalID  *primitive.ObjectID `json:"withdrawalId,omitempty" bson:"withdrawalId,omitempty"`
	Description   string              `json:"description,omitempty" bson:"description,omitempty"`
	CreatedAt     time.Time           `json:"createdAt" bson:"createdAt"`
	ConfirmedAt   *time.Time          `json:"confirmedAt,omitempty" bson:"confirmedAt,omitempty"`
}
