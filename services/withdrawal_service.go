// services/withdrawal_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
)

// ValidationError rejects a request before it has any side effects.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// WithdrawalService handles intake, the approval gate, cancellation and
// stuck-record recovery. Everything that moves money goes through the
// queue's conditional updates plus the ledger's exactly-once refund guard.
type WithdrawalService struct {
	queue  WithdrawalQueue
	users  UserStore
	ledger GemLedger
	price  *PriceService

	approvalThreshold int64
	maxAttempts       int
	stuckGrace        time.Duration
}

func NewWithdrawalService(queue WithdrawalQueue, users UserStore, ledger GemLedger, price *PriceService) *WithdrawalService {
	return &WithdrawalService{
		queue:             queue,
		users:             users,
		ledger:            ledger,
		price:             price,
		approvalThreshold: envInt64("APPROVAL_THRESHOLD_GEMS", 10_000),
		maxAttempts:       int(envInt64("WITHDRAWAL_MAX_ATTEMPTS", 3)),
		stuckGrace:        time.Duration(envInt64("STUCK_GRACE_MINUTES", 10)) * time.Minute,
	}
}

// RequestWithdrawal validates, debits the gems exactly once, and enqueues
// the record. Requests at or above the approval threshold enter
// awaiting_approval instead of the payable queue.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, userID primitive.ObjectID, req *models.WithdrawalRequest) (*models.Withdrawal, error) {
	if _, err := solana.PublicKeyFromBase58(req.WalletAddress); err != nil {
		return nil, &ValidationError{Reason: "invalid Solana wallet address"}
	}
	if req.GemsAmount < s.price.MinWithdrawal() {
		return nil, &ValidationError{Reason: fmt.Sprintf("minimum withdrawal is %d gems", s.price.MinWithdrawal())}
	}
	if req.GemsAmount > s.price.MaxWithdrawal() {
		return nil, &ValidationError{Reason: fmt.Sprintf("maximum withdrawal is %d gems", s.price.MaxWithdrawal())}
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	// Withdrawals are capped by what the account has deposited; accounts
	// with recorded deposits cannot extract more than they brought in.
	if user.TotalDeposited > 0 && req.GemsAmount > user.TotalDeposited {
		return nil, &ValidationError{Reason: "withdrawal exceeds deposit cap"}
	}

	active, err := s.queue.HasActiveWithdrawal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active withdrawals: %w", err)
	}
	if active {
		return nil, &ValidationError{Reason: "you already have a withdrawal in progress"}
	}

	quote := s.price.Quote(ctx, req.GemsAmount)

	status := models.WithdrawalStatusPending
	if req.GemsAmount >= s.approvalThreshold {
		status = models.WithdrawalStatusAwaitingApproval
	}

	// The id is assigned before the debit so the intake ledger row carries
	// the withdrawal link; without it the reconciliation sweep can only
	// match rows by wallet, which is ambiguous across withdrawals.
	w := &models.Withdrawal{
		ID:                primitive.NewObjectID(),
		UserID:            userID,
		WalletAddress:     req.WalletAddress,
		GemsAmount:        quote.GemsAmount,
		FeeAmount:         quote.FeeAmount,
		NetGems:           quote.NetGems,
		SolAmountLamports: quote.SolAmountLamports,
		Status:            status,
		RequestedAt:       time.Now(),
		MaxAttempts:       s.maxAttempts,
	}

	// The one intake debit. Everything after this point either pays the
	// user or refunds this exact amount.
	if err := s.ledger.Debit(ctx, w, "withdrawal request"); err != nil {
		if errors.Is(err, repositories.ErrInsufficientGems) {
			return nil, &ValidationError{Reason: "insufficient gems balance"}
		}
		return nil, err
	}

	id, err := s.queue.Create(ctx, w)
	if err != nil {
		// Record never existed, so give the debit straight back.
		if cerr := s.ledger.Credit(ctx, userID, w.WalletAddress, w.GemsAmount, "withdrawal enqueue failed", w.ID.Hex()); cerr != nil {
			log.Printf("CRITICAL: debit without record for %s and refund failed: %v", w.WalletAddress, cerr)
		}
		// Two racing requests can both pass the active check; the partial
		// unique index rejects the loser here.
		if errors.Is(err, repositories.ErrActiveWithdrawalExists) {
			return nil, &ValidationError{Reason: "you already have a withdrawal in progress"}
		}
		return nil, fmt.Errorf("failed to enqueue withdrawal: %w", err)
	}
	w.ID = id

	s.ledger.Audit(ctx, models.AuditActionWithdrawalRequested, w.WalletAddress,
		fmt.Sprintf("Requested %d gems -> %d lamports (status %s)", w.GemsAmount, w.SolAmountLamports, status), id.Hex())
	return w, nil
}

// Status returns one withdrawal with its live FIFO position, restricted to
// its owner.
func (s *WithdrawalService) Status(ctx context.Context, id, userID primitive.ObjectID) (*models.WithdrawalStatusResponse, error) {
	w, err := s.queue.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, &ValidationError{Reason: "withdrawal not found"}
	}
	pos, err := s.queue.QueuePosition(ctx, w)
	if err != nil {
		return nil, err
	}
	return &models.WithdrawalStatusResponse{Withdrawal: w, QueuePosition: pos}, nil
}

// History returns the user's withdrawals, newest first.
func (s *WithdrawalService) History(ctx context.Context, userID primitive.ObjectID) ([]models.Withdrawal, error) {
	return s.queue.GetByUser(ctx, userID)
}

// Approve promotes an awaiting_approval withdrawal into the payable queue.
// The expected-status filter makes a double approve impossible.
func (s *WithdrawalService) Approve(ctx context.Context, id, adminID primitive.ObjectID) (*models.Withdrawal, error) {
	w, err := s.queue.Approve(ctx, id, adminID)
	if err != nil {
		return nil, err
	}
	s.ledger.Audit(ctx, models.AuditActionWithdrawalApproved, w.WalletAddress,
		fmt.Sprintf("Approved by admin %s", adminID.Hex()), id.Hex())
	return w, nil
}

// Reject declines an awaiting_approval withdrawal and refunds the full
// gemsAmount, fee included: the fee is only realized on successful payout.
func (s *WithdrawalService) Reject(ctx context.Context, id, adminID primitive.ObjectID, reason string) (*models.Withdrawal, error) {
	w, err := s.queue.Reject(ctx, id, adminID, reason)
	if err != nil {
		return nil, err
	}
	s.ledger.Audit(ctx, models.AuditActionWithdrawalRejected, w.WalletAddress,
		fmt.Sprintf("Rejected by admin %s: %s", adminID.Hex(), reason), id.Hex())
	if err := s.refund(ctx, w, "withdrawal rejected"); err != nil {
		return nil, err
	}
	return w, nil
}

// Cancel lets a user withdraw a request that has not been claimed yet and
// refunds it in full. Pass adminID zero for a user cancel.
func (s *WithdrawalService) Cancel(ctx context.Context, id, userID primitive.ObjectID) (*models.Withdrawal, error) {
	w, err := s.queue.Cancel(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	s.ledger.Audit(ctx, models.AuditActionWithdrawalCancelled, w.WalletAddress,
		"Withdrawal cancelled", id.Hex())
	if err := s.refund(ctx, w, "withdrawal cancelled"); err != nil {
		return nil, err
	}
	return w, nil
}

// ResetStuckWithdrawals reclaims processing records whose lock expired past
// the grace window. Resets are logged per record for operator visibility;
// the attempt counter is untouched because a crashed worker is not a real
// attempt failure.
func (s *WithdrawalService) ResetStuckWithdrawals(ctx context.Context) (int, error) {
	stuck, err := s.queue.ResetStuck(ctx, s.stuckGrace)
	if err != nil {
		return 0, err
	}
	for i := range stuck {
		w := &stuck[i]
		log.Printf("Reclaimed stuck withdrawal %s (wallet %s, attempt %d/%d, pendingSignature %q)",
			w.ID.Hex(), w.WalletAddress, w.AttemptCount, w.MaxAttempts, w.PendingSignature)
		s.ledger.Audit(ctx, models.AuditActionStuckLockReclaimed, w.WalletAddress,
			fmt.Sprintf("Lock expired at %s, returned to pending", w.ProcessingLock.ExpiresAt.Format(time.RFC3339)), w.ID.Hex())
	}
	return len(stuck), nil
}

// CleanupStaleLocks clears orphaned lock fields on terminal records.
func (s *WithdrawalService) CleanupStaleLocks(ctx context.Context) (int64, error) {
	return s.queue.CleanupStaleLocks(ctx)
}

// refund credits the originally debited amount back, exactly once: only the
// caller that wins the record's refundedAt guard issues the credit.
func (s *WithdrawalService) refund(ctx context.Context, w *models.Withdrawal, reason string) error {
	won, err := s.queue.MarkRefunded(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("failed to mark refund for %s: %w", w.ID.Hex(), err)
	}
	if !won {
		log.Printf("Refund for withdrawal %s already issued, skipping", w.ID.Hex())
		return nil
	}
	return s.ledger.Credit(ctx, w.UserID, w.WalletAddress, w.GemsAmount, reason, w.ID.Hex())
}
