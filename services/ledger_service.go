// services/ledger_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/solgems/gemspay_backend/config"
	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
)

// LedgerService owns every gems balance change and its paper trail: the
// conditional debit/credit on the user document, the general-ledger row in
// transactions, and the append-only audit event. Debits and credits are
// synchronous with no rollback, so the queue calls each exactly once per
// balance-changing transition.
type LedgerService struct {
	users        *repositories.UserRepository
	transactions *mongo.Collection
	auditLogs    *mongo.Collection
}

func NewLedgerService(db *mongo.Client) *LedgerService {
	return &LedgerService{
		users:        repositories.NewUserRepository(db),
		transactions: config.GetCollection(db, "transactions"),
		auditLogs:    config.GetCollection(db, "audit_logs"),
	}
}

// Debit removes gems from the user at intake and writes the pending
// general-ledger row the payout will later confirm against.
func (s *LedgerService) Debit(ctx context.Context, w *models.Withdrawal, reason string) error {
	if err := s.users.DebitGems(ctx, w.UserID, w.GemsAmount); err != nil {
		return err
	}

	row := models.Transaction{
		WalletAddress: w.WalletAddress,
		Type:          models.TransactionTypeWithdrawal,
		GemsAmount:    w.GemsAmount,
		Lamports:      w.SolAmountLamports,
		Status:        models.TransactionStatusPending,
		Description:   reason,
		CreatedAt:     time.Now(),
	}
	if !w.ID.IsZero() {
		row.WithdrawalID = &w.ID
	}
	if _, err := s.transactions.InsertOne(ctx, row); err != nil {
		// The debit stands; the reconciliation sweep repairs missing rows.
		log.Printf("CRITICAL: debited %d gems but failed to write ledger row for %s: %v",
			w.GemsAmount, w.WalletAddress, err)
	}

	s.Audit(ctx, models.AuditActionGemsDebited, w.WalletAddress,
		fmt.Sprintf("Debited %d gems: %s", w.GemsAmount, reason), w.ID.Hex())
	return nil
}

// Credit returns gems to the user. Callers must win the record's refund
// guard (MarkRefunded) before calling this, which is what makes every
// refund exactly-once.
func (s *LedgerService) Credit(ctx context.Context, userID primitive.ObjectID, wallet string, gems int64, reason, relatedID string) error {
	if err := s.users.CreditGems(ctx, userID, gems); err != nil {
		return fmt.Errorf("failed to credit %d gems to %s: %w", gems, wallet, err)
	}

	row := models.Transaction{
		WalletAddress: wallet,
		Type:          models.TransactionTypeRefund,
		GemsAmount:    gems,
		Status:        models.TransactionStatusConfirmed,
		Description:   reason,
		CreatedAt:     time.Now(),
	}
	if oid, err := primitive.ObjectIDFromHex(relatedID); err == nil {
		row.WithdrawalID = &oid
	}
	if _, err := s.transactions.InsertOne(ctx, row); err != nil {
		log.Printf("Failed to write refund ledger row for %s: %v", wallet, err)
	}

	s.Audit(ctx, models.AuditActionGemsCredited, wallet,
		fmt.Sprintf("Credited %d gems: %s", gems, reason), relatedID)
	return nil
}

// RecordPayout is the best-effort bookkeeping after a completed payout:
// lifetime totals and the audit event. Ledger-row confirmation belongs to
// the reconciliation job, never to the payout path.
func (s *LedgerService) RecordPayout(ctx context.Context, w *models.Withdrawal, signature string) {
	if err := s.users.AddWithdrawnTotal(ctx, w.UserID, w.GemsAmount); err != nil {
		log.Printf("Failed to update withdrawn total for %s: %v", w.WalletAddress, err)
	}
	s.Audit(ctx, models.AuditActionWithdrawalCompleted, w.WalletAddress,
		fmt.Sprintf("Paid %d lamports, signature %s", w.SolAmountLamports, signature), w.ID.Hex())
}

// Audit appends one event. Failures are logged and swallowed: audit must
// never block a financial transition.
func (s *LedgerService) Audit(ctx context.Context, action, wallet, description, relatedID string) {
	entry := models.AuditLog{
		Action:        action,
		WalletAddress: wallet,
		Description:   description,
		RelatedID:     relatedID,
		CreatedAt:     time.Now(),
	}
	if _, err := s.auditLogs.InsertOne(ctx, entry); err != nil {
		log.Printf("Failed to write audit log (%s): %v", action, err)
	}
}
