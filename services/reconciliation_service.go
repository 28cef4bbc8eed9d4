// services/reconciliation_service.go
package services

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/solgems/gemspay_backend/config"
	"github.com/solgems/gemspay_backend/models"
)

// ReconciliationService mirrors terminal queue outcomes into the general
// ledger, on a schedule, never inline in the payout path. Every operation
// here is an idempotent repair: the queue record stays the source of truth
// for whether money was sent, and nothing in this file can roll a payout
// back.
type ReconciliationService struct {
	queue        WithdrawalQueue
	ledger       GemLedger
	transactions *mongo.Collection
	sweepLimit   int64
}

func NewReconciliationService(db *mongo.Client, queue WithdrawalQueue, ledger GemLedger) *ReconciliationService {
	return &ReconciliationService{
		queue:        queue,
		ledger:       ledger,
		transactions: config.GetCollection(db, "transactions"),
		sweepLimit:   envInt64("RECONCILE_SWEEP_LIMIT", 200),
	}
}

// SyncCompleted finds completed withdrawals and confirms their matching
// pending ledger rows with the payment signature. Rows that went missing are
// re-created. Safe to run repeatedly.
func (s *ReconciliationService) SyncCompleted(ctx context.Context) (int, error) {
	completed, err := s.queue.ListByStatus(ctx, models.WithdrawalStatusCompleted, s.sweepLimit)
	if err != nil {
		return 0, err
	}

	synced := 0
	for i := range completed {
		w := &completed[i]
		if s.syncOne(ctx, w) {
			synced++
		}
	}
	return synced, nil
}

func (s *ReconciliationService) syncOne(ctx context.Context, w *models.Withdrawal) bool {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":      models.TransactionStatusConfirmed,
			"txSignature": w.TxSignature,
			"confirmedAt": now,
		},
	}

	// Preferred match: the row written at intake, linked by withdrawal id.
	result, err := s.transactions.UpdateOne(ctx, bson.M{
		"withdrawalId": w.ID,
		"type":         models.TransactionTypeWithdrawal,
		"status":       models.TransactionStatusPending,
	}, update)
	if err != nil {
		log.Printf("Ledger sync failed for withdrawal %s: %v", w.ID.Hex(), err)
		return false
	}
	if result.ModifiedCount == 1 {
		return true
	}

	// Fallback match by wallet for rows written without the id link.
	result, err = s.transactions.UpdateOne(ctx, bson.M{
		"walletAddress": w.WalletAddress,
		"type":          models.TransactionTypeWithdrawal,
		"status":        models.TransactionStatusPending,
	}, update)
	if err != nil {
		log.Printf("Ledger sync failed for withdrawal %s: %v", w.ID.Hex(), err)
		return false
	}
	if result.ModifiedCount == 1 {
		return true
	}

	// Already confirmed? Then there is nothing to repair.
	count, err := s.transactions.CountDocuments(ctx, bson.M{
		"type":   models.TransactionTypeWithdrawal,
		"status": models.TransactionStatusConfirmed,
		"$or": []bson.M{
			{"withdrawalId": w.ID},
			{"txSignature": w.TxSignature},
		},
	})
	if err != nil || count > 0 {
		return false
	}

	// The row is gone entirely; re-create it confirmed.
	row := models.Transaction{
		WalletAddress: w.WalletAddress,
		Type:          models.TransactionTypeWithdrawal,
		GemsAmount:    w.GemsAmount,
		Lamports:      w.SolAmountLamports,
		Status:        models.TransactionStatusConfirmed,
		TxSignature:   w.TxSignature,
		WithdrawalID:  &w.ID,
		Description:   "repaired by reconciliation",
		CreatedAt:     now,
		ConfirmedAt:   &now,
	}
	if _, err := s.transactions.InsertOne(ctx, row); err != nil {
		log.Printf("Ledger repair insert failed for withdrawal %s: %v", w.ID.Hex(), err)
		return false
	}
	log.Printf("Re-created missing ledger row for completed withdrawal %s", w.ID.Hex())
	return true
}

// RepairMissedRefunds credits terminal refundable withdrawals that never got
// their gems back (a crash between the terminal transition and the credit).
// The refundedAt guard keeps each repair exactly-once.
func (s *ReconciliationService) RepairMissedRefunds(ctx context.Context) (int, error) {
	missing, err := s.queue.ListRefundable(ctx, s.sweepLimit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for i := range missing {
		w := &missing[i]
		won, err := s.queue.MarkRefunded(ctx, w.ID)
		if err != nil {
			log.Printf("Refund repair failed to mark %s: %v", w.ID.Hex(), err)
			continue
		}
		if !won {
			continue
		}
		if err := s.ledger.Credit(ctx, w.UserID, w.WalletAddress, w.GemsAmount, "refund repaired by reconciliation", w.ID.Hex()); err != nil {
			log.Printf("CRITICAL: refund repair credit failed for %s: %v", w.ID.Hex(), err)
			continue
		}
		s.ledger.Audit(ctx, models.AuditActionWithdrawalRefunded, w.WalletAddress,
			"Missed refund repaired", w.ID.Hex())
		repaired++
	}
	return repaired, nil
}
