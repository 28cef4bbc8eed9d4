// services/interfaces.go
package services

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/solgems/gemspay_backend/models"
)

// WithdrawalQueue is the persisted queue with its atomic conditional
// updates. Implemented by repositories.WithdrawalRepository; tests use an
// in-memory fake.
type WithdrawalQueue interface {
	Create(ctx context.Context, w *models.Withdrawal) (primitive.ObjectID, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Withdrawal, error)
	GetByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Withdrawal, error)
	HasActiveWithdrawal(ctx context.Context, userID primitive.ObjectID) (bool, error)
	ListEligible(ctx context.Context, limit int64) ([]models.Withdrawal, error)
	ListByStatus(ctx context.Context, status string, limit int64) ([]models.Withdrawal, error)
	QueuePosition(ctx context.Context, w *models.Withdrawal) (int64, error)

	Claim(ctx context.Context, id primitive.ObjectID, ttl time.Duration) (*models.Withdrawal, error)
	Release(ctx context.Context, id primitive.ObjectID, token string) error
	RecordSubmission(ctx context.Context, id primitive.ObjectID, token, signature string) error
	Complete(ctx context.Context, id primitive.ObjectID, token, signature string, needsReview bool) (bool, error)
	Fail(ctx context.Context, id primitive.ObjectID, token, reason string) (string, error)
	FindBySignature(ctx context.Context, signature string) (*models.Withdrawal, error)

	Approve(ctx context.Context, id, adminID primitive.ObjectID) (*models.Withdrawal, error)
	Reject(ctx context.Context, id, adminID primitive.ObjectID, reason string) (*models.Withdrawal, error)
	Cancel(ctx context.Context, id, userID primitive.ObjectID) (*models.Withdrawal, error)

	MarkRefunded(ctx context.Context, id primitive.ObjectID) (bool, error)
	ListRefundable(ctx context.Context, limit int64) ([]models.Withdrawal, error)
	ResetStuck(ctx context.Context, grace time.Duration) ([]models.Withdrawal, error)
	CleanupStaleLocks(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context) (*models.QueueStats, error)
}

// GemLedger changes gem balances and writes the paper trail. Implemented by
// LedgerService.
type GemLedger interface {
	Debit(ctx context.Context, w *models.Withdrawal, reason string) error
	Credit(ctx context.Context, userID primitive.ObjectID, wallet string, gems int64, reason, relatedID string) error
	RecordPayout(ctx context.Context, w *models.Withdrawal, signature string)
	Audit(ctx context.Context, action, wallet, description, relatedID string)
}

// ChainClient is the payout rail. Implemented by SolanaService; treated as
// unreliable network I/O that can time out or answer ambiguously.
type ChainClient interface {
	CustodialAddress() string
	CustodialBalance(ctx context.Context) (uint64, error)
	SendLamports(ctx context.Context, to string, lamports uint64) (string, error)
	SignatureStatus(ctx context.Context, signature string) (SignatureState, error)
}

// UserStore is the slice of the user collection the queue needs.
type UserStore interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
}
