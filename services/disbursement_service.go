// services/disbursement_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
)

// DisbursementService runs one processing pass over the payable queue.
// Records are handled strictly sequentially within a pass; two transfers are
// never in flight from the same invocation. Multiple concurrent passes are
// safe because every claim is a conditional update on the record itself.
type DisbursementService struct {
	queue  WithdrawalQueue
	chain  ChainClient
	ledger GemLedger

	feeBufferLamports uint64
	lockTTL           time.Duration
	batchLimit        int64
	confirmAttempts   int
	confirmDelay      time.Duration
}

func NewDisbursementService(queue WithdrawalQueue, chain ChainClient, ledger GemLedger, feeBufferLamports uint64) *DisbursementService {
	return &DisbursementService{
		queue:             queue,
		chain:             chain,
		ledger:            ledger,
		feeBufferLamports: feeBufferLamports,
		lockTTL:           time.Duration(envInt64("PROCESSING_LOCK_TTL_MINUTES", 5)) * time.Minute,
		batchLimit:        envInt64("QUEUE_BATCH_SIZE", 25),
		confirmAttempts:   int(envInt64("CONFIRM_POLL_ATTEMPTS", 10)),
		confirmDelay:      time.Duration(envInt64("CONFIRM_POLL_DELAY_MS", 2000)) * time.Millisecond,
	}
}

// ProcessQueue takes one pass: list pending FIFO, and for each record
// preflight liquidity, claim, transfer, resolve. An unaffordable record
// halts the whole pass so a later, smaller withdrawal can never jump ahead
// of it.
func (s *DisbursementService) ProcessQueue(ctx context.Context) (*models.ProcessPassResult, error) {
	result := &models.ProcessPassResult{Results: []models.WithdrawalResult{}}

	eligible, err := s.queue.ListEligible(ctx, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	if len(eligible) == 0 {
		return result, nil
	}

	for i := range eligible {
		w := &eligible[i]

		// PREFLIGHT before claiming: if the pool cannot cover the next
		// record, zero records are claimed and the pass halts. Balance is
		// re-read per record because earlier payouts in this pass drain it.
		balance, err := s.chain.CustodialBalance(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to read custodial balance: %w", err)
		}
		if balance < w.SolAmountLamports+s.feeBufferLamports {
			log.Printf("Liquidity halt: custodial balance %d < %d+%d needed for %s, %d records left waiting",
				balance, w.SolAmountLamports, s.feeBufferLamports, w.ID.Hex(), len(eligible)-i)
			result.Halted = true
			return result, nil
		}

		claimed, err := s.queue.Claim(ctx, w.ID, s.lockTTL)
		if err != nil {
			if errors.Is(err, repositories.ErrClaimConflict) {
				// Another invocation owns it; skip, not an error.
				continue
			}
			return result, fmt.Errorf("claim failed for %s: %w", w.ID.Hex(), err)
		}

		outcome := s.disburse(ctx, claimed)
		result.Results = append(result.Results, outcome)
		if outcome.Status == models.WithdrawalStatusCompleted {
			result.Processed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// disburse drives one claimed record through SUBMIT -> CONFIRM ->
// {COMPLETE | FAIL}.
func (s *DisbursementService) disburse(ctx context.Context, w *models.Withdrawal) models.WithdrawalResult {
	token := w.ProcessingLock.Token

	// The pass can be cancelled between claim and submit. Nothing has been
	// broadcast yet, so release the claim instead of making the record wait
	// out the lock TTL; the write gets its own context because ctx is gone.
	if ctx.Err() != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.queue.Release(rctx, w.ID, token); err != nil {
			log.Printf("Failed to release claim on %s after cancellation: %v", w.ID.Hex(), err)
		}
		return models.WithdrawalResult{ID: w.ID, Status: models.WithdrawalStatusPending, Error: "pass cancelled"}
	}

	// Resubmission guard: a reclaimed record may carry a signature from a
	// holder that died between submit and confirm. If the cluster knows that
	// signature, the money is (or will be) gone; complete with it instead of
	// paying twice.
	signature := ""
	needsReview := false
	if w.PendingSignature != "" {
		state, err := s.chain.SignatureStatus(ctx, w.PendingSignature)
		if err != nil {
			// Cannot prove the earlier submit did not land; leave the claim
			// to expire rather than risk a second payment.
			log.Printf("CRITICAL: cannot verify earlier signature %s for %s: %v",
				w.PendingSignature, w.ID.Hex(), err)
			return models.WithdrawalResult{ID: w.ID, Status: w.Status, Error: "unverifiable earlier submission"}
		}
		switch state {
		case SignatureConfirmed:
			signature = w.PendingSignature
		case SignatureSubmitted:
			signature = w.PendingSignature
			needsReview = true
		case SignatureFailed, SignatureUnknown:
			// Provably not paid; safe to submit fresh.
		}
		if signature != "" {
			log.Printf("Withdrawal %s already paid by earlier submission %s", w.ID.Hex(), signature)
		}
	}

	// SUBMIT
	if signature == "" {
		sig, err := s.chain.SendLamports(ctx, w.WalletAddress, w.SolAmountLamports)
		if err != nil {
			return s.failRecord(ctx, w, token, fmt.Sprintf("transfer failed: %v", err))
		}
		signature = sig

		// Persist the signature before confirming so a crash from here on
		// can never lead to a blind resubmit.
		if err := s.queue.RecordSubmission(ctx, w.ID, token, signature); err != nil {
			log.Printf("CRITICAL: broadcast %s for withdrawal %s but could not record it: %v",
				signature, w.ID.Hex(), err)
			if errors.Is(err, repositories.ErrLockLost) {
				return models.WithdrawalResult{ID: w.ID, Status: w.Status, TxSignature: signature,
					Error: "lock lost after broadcast, manual review required"}
			}
		}

		// CONFIRM: bounded polling. Timeout does not imply failure - the
		// transfer may already be on-chain - so an unconfirmed signature
		// still completes, flagged for operator monitoring. Retrying here is
		// what risks a double payment.
		confirmed, failed := s.awaitConfirmation(ctx, signature)
		if failed {
			return s.failRecord(ctx, w, token, "transaction failed on-chain")
		}
		needsReview = !confirmed
	}

	// Defense in depth: the signature must not belong to any other record.
	// The unique index would also catch this; checking first lets us flag it
	// instead of surfacing an index error.
	if other, err := s.queue.FindBySignature(ctx, signature); err == nil && other != nil && other.ID != w.ID {
		log.Printf("CRITICAL: signature %s already attached to withdrawal %s, refusing to complete %s",
			signature, other.ID.Hex(), w.ID.Hex())
		return models.WithdrawalResult{ID: w.ID, Status: w.Status, TxSignature: signature,
			Error: "duplicate signature, manual review required"}
	}

	// COMPLETE
	ok, err := s.queue.Complete(ctx, w.ID, token, signature, needsReview)
	if err != nil {
		log.Printf("CRITICAL: complete failed for withdrawal %s (signature %s): %v", w.ID.Hex(), signature, err)
		return models.WithdrawalResult{ID: w.ID, Status: w.Status, TxSignature: signature, Error: err.Error()}
	}
	if !ok {
		// Stale token on complete means the payout may have happened twice
		// under different holders. Never retried, always alerted.
		log.Printf("CRITICAL: lock lost completing withdrawal %s, signature %s may be a double submission",
			w.ID.Hex(), signature)
		return models.WithdrawalResult{ID: w.ID, Status: w.Status, TxSignature: signature,
			Error: "lock lost on complete, possible double submission"}
	}

	w.TxSignature = signature
	s.ledger.RecordPayout(ctx, w, signature)
	if needsReview {
		log.Printf("Withdrawal %s completed unconfirmed with signature %s, flagged for review", w.ID.Hex(), signature)
	}
	return models.WithdrawalResult{ID: w.ID, Status: models.WithdrawalStatusCompleted, TxSignature: signature}
}

// awaitConfirmation polls the signature up to the configured attempt count.
// Returns (confirmed, failedOnChain).
func (s *DisbursementService) awaitConfirmation(ctx context.Context, signature string) (bool, bool) {
	for attempt := 0; attempt < s.confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, false
			case <-time.After(s.confirmDelay):
			}
		}
		state, err := s.chain.SignatureStatus(ctx, signature)
		if err != nil {
			log.Printf("Confirmation poll %d for %s: %v", attempt+1, signature, err)
			continue
		}
		switch state {
		case SignatureConfirmed:
			return true, false
		case SignatureFailed:
			return false, true
		}
	}
	return false, false
}

// failRecord resolves a claimed record that could not be paid. Attempts
// remaining sends it back to pending; exhaustion goes terminal and triggers
// the full refund.
func (s *DisbursementService) failRecord(ctx context.Context, w *models.Withdrawal, token, reason string) models.WithdrawalResult {
	status, err := s.queue.Fail(ctx, w.ID, token, reason)
	if err != nil {
		if errors.Is(err, repositories.ErrLockLost) {
			log.Printf("CRITICAL: lock lost failing withdrawal %s: %s", w.ID.Hex(), reason)
		}
		return models.WithdrawalResult{ID: w.ID, Status: w.Status, Error: reason}
	}

	if status == models.WithdrawalStatusFailed {
		s.ledger.Audit(ctx, models.AuditActionWithdrawalFailed, w.WalletAddress,
			fmt.Sprintf("Permanently failed after %d attempts: %s", w.AttemptCount, reason), w.ID.Hex())
		if won, err := s.queue.MarkRefunded(ctx, w.ID); err != nil {
			log.Printf("CRITICAL: failed to mark refund for %s: %v", w.ID.Hex(), err)
		} else if won {
			if err := s.ledger.Credit(ctx, w.UserID, w.WalletAddress, w.GemsAmount, "withdrawal permanently failed", w.ID.Hex()); err != nil {
				log.Printf("CRITICAL: refund credit failed for %s: %v", w.ID.Hex(), err)
			}
		}
	} else {
		log.Printf("Withdrawal %s attempt %d/%d failed, returned to queue: %s",
			w.ID.Hex(), w.AttemptCount, w.MaxAttempts, reason)
	}
	return models.WithdrawalResult{ID: w.ID, Status: status, Error: reason}
}
