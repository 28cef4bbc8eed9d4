// services/withdrawal_service_test.go
package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
)

// testWallet is the system program id, a well-formed base58 public key.
const testWallet = "11111111111111111111111111111111"

func newTestWithdrawalService(q *fakeQueue, u *fakeUsers, l *fakeLedger) *WithdrawalService {
	return &WithdrawalService{
		queue:             q,
		users:             u,
		ledger:            l,
		price:             testPriceService(),
		approvalThreshold: 10_000,
		maxAttempts:       3,
		stuckGrace:        10 * time.Minute,
	}
}

func seedUser(u *fakeUsers, gems, deposited int64) primitive.ObjectID {
	return u.add(&models.User{
		Email:          "player@example.com",
		GemsBalance:    gems,
		TotalDeposited: deposited,
		IsActive:       true,
	})
}

func TestRequestWithdrawalEnqueuesPending(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 5000, 5000)
	svc := newTestWithdrawalService(q, u, l)

	w, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if w.Status != models.WithdrawalStatusPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	if w.SolAmountLamports != 490_000_000 {
		t.Errorf("lamports = %d, want 490000000", w.SolAmountLamports)
	}
	if len(l.debits) != 1 || l.debits[0] != 500 {
		t.Errorf("debits = %v, want one debit of 500", l.debits)
	}
	if got := q.get(w.ID); got.Status != models.WithdrawalStatusPending {
		t.Errorf("stored status = %s", got.Status)
	}
}

func TestRequestWithdrawalLinksLedgerRowToRecord(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 5000, 5000)
	svc := newTestWithdrawalService(q, u, l)

	w, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	// The ledger row is written at debit time; the withdrawal id has to be
	// assigned by then or reconciliation can only match rows by wallet.
	if len(l.debitIDs) != 1 || l.debitIDs[0].IsZero() {
		t.Fatalf("debit-time ids = %v, want one assigned id", l.debitIDs)
	}
	if l.debitIDs[0] != w.ID {
		t.Errorf("debit saw id %s, record has %s", l.debitIDs[0].Hex(), w.ID.Hex())
	}
	if got := q.get(w.ID); got.ID != w.ID {
		t.Errorf("stored id %s, want %s", got.ID.Hex(), w.ID.Hex())
	}
}

func TestRequestWithdrawalLargeAmountNeedsApproval(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 50_000, 50_000)
	svc := newTestWithdrawalService(q, u, l)

	w, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    10_000,
		WalletAddress: testWallet,
	})
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if w.Status != models.WithdrawalStatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", w.Status)
	}
	// Gems are debited at intake even while the request waits for review.
	if len(l.debits) != 1 {
		t.Errorf("debits = %v, want one", l.debits)
	}
}

func TestRequestWithdrawalValidation(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 5_000_000, 0)
	svc := newTestWithdrawalService(q, u, l)

	cases := []struct {
		name string
		req  models.WithdrawalRequest
	}{
		{"bad wallet", models.WithdrawalRequest{GemsAmount: 500, WalletAddress: "not-a-wallet"}},
		{"below minimum", models.WithdrawalRequest{GemsAmount: 99, WalletAddress: testWallet}},
		{"above maximum", models.WithdrawalRequest{GemsAmount: 1_000_001, WalletAddress: testWallet}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RequestWithdrawal(ctx, userID, &tc.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
	if len(l.debits) != 0 {
		t.Errorf("rejected requests must not debit, got %v", l.debits)
	}
}

func TestRequestWithdrawalDepositCap(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 10_000, 300)
	svc := newTestWithdrawalService(q, u, l)

	_, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want deposit cap ValidationError", err)
	}
}

func TestRequestWithdrawalOneActiveAtATime(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	userID := seedUser(u, 10_000, 10_000)
	svc := newTestWithdrawalService(q, u, l)

	req := &models.WithdrawalRequest{GemsAmount: 500, WalletAddress: testWallet}
	if _, err := svc.RequestWithdrawal(ctx, userID, req); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := svc.RequestWithdrawal(ctx, userID, req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("second request err = %v, want ValidationError", err)
	}
	if len(l.debits) != 1 {
		t.Errorf("debits = %v, want one", l.debits)
	}
}

func TestRequestWithdrawalInsufficientGems(t *testing.T) {
	ctx := context.Background()
	q, u := newFakeQueue(), newFakeUsers()
	l := &fakeLedger{debitErr: repositories.ErrInsufficientGems}
	userID := seedUser(u, 100, 10_000)
	svc := newTestWithdrawalService(q, u, l)

	_, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestRequestWithdrawalRefundsWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	q.createErr = errors.New("write concern failed")
	userID := seedUser(u, 10_000, 10_000)
	svc := newTestWithdrawalService(q, u, l)

	_, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	if err == nil {
		t.Fatal("expected error from enqueue failure")
	}
	if l.creditCount() != 1 {
		t.Fatalf("credits = %d, want the compensating refund", l.creditCount())
	}
	if l.credits[0].gems != 500 {
		t.Errorf("refund = %d gems, want 500", l.credits[0].gems)
	}
}

func TestRequestWithdrawalRaceLoserRefundedWithCleanError(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	q.createErr = repositories.ErrActiveWithdrawalExists
	userID := seedUser(u, 10_000, 10_000)
	svc := newTestWithdrawalService(q, u, l)

	_, err := svc.RequestWithdrawal(ctx, userID, &models.WithdrawalRequest{
		GemsAmount:    500,
		WalletAddress: testWallet,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if l.creditCount() != 1 || l.credits[0].gems != 500 {
		t.Fatalf("credits = %v, want one 500-gem compensating refund", l.credits)
	}
}

func TestApprovePromotesToQueue(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	svc := newTestWithdrawalService(q, u, l)
	adminID := primitive.NewObjectID()

	id := q.add(&models.Withdrawal{
		UserID:      primitive.NewObjectID(),
		Status:      models.WithdrawalStatusAwaitingApproval,
		GemsAmount:  20_000,
		RequestedAt: time.Now(),
		MaxAttempts: 3,
	})

	w, err := svc.Approve(ctx, id, adminID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if w.Status != models.WithdrawalStatusPending {
		t.Errorf("status = %s, want pending", w.Status)
	}
	// A second approve must not find an awaiting_approval record.
	if _, err := svc.Approve(ctx, id, adminID); err == nil {
		t.Error("double approve succeeded")
	}
}

func TestRejectRefundsInFull(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	svc := newTestWithdrawalService(q, u, l)
	userID := primitive.NewObjectID()

	id := q.add(&models.Withdrawal{
		UserID:      userID,
		Status:      models.WithdrawalStatusAwaitingApproval,
		GemsAmount:  20_000,
		FeeAmount:   400,
		NetGems:     19_600,
		RequestedAt: time.Now(),
		MaxAttempts: 3,
	})

	w, err := svc.Reject(ctx, id, primitive.NewObjectID(), "suspicious account")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if w.Status != models.WithdrawalStatusRejected {
		t.Errorf("status = %s, want rejected", w.Status)
	}
	if l.creditCount() != 1 || l.credits[0].gems != 20_000 {
		t.Fatalf("credits = %+v, want one full 20000 gem refund", l.credits)
	}
}

func TestCancelRefundsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	svc := newTestWithdrawalService(q, u, l)
	userID := primitive.NewObjectID()

	id := q.add(&models.Withdrawal{
		UserID:      userID,
		Status:      models.WithdrawalStatusPending,
		GemsAmount:  500,
		RequestedAt: time.Now(),
		MaxAttempts: 3,
	})

	w, err := svc.Cancel(ctx, id, userID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if l.creditCount() != 1 {
		t.Fatalf("credits = %d, want 1", l.creditCount())
	}

	// Cancelling again fails on the status filter.
	if _, err := svc.Cancel(ctx, id, userID); err == nil {
		t.Error("double cancel succeeded")
	}
	// Even a direct second refund attempt loses the refundedAt guard.
	if err := svc.refund(ctx, w, "withdrawal cancelled"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if l.creditCount() != 1 {
		t.Fatalf("credits = %d after replay, want still 1", l.creditCount())
	}
}

func TestCancelRestrictedToOwner(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	svc := newTestWithdrawalService(q, u, l)

	id := q.add(&models.Withdrawal{
		UserID:      primitive.NewObjectID(),
		Status:      models.WithdrawalStatusPending,
		GemsAmount:  500,
		RequestedAt: time.Now(),
		MaxAttempts: 3,
	})

	if _, err := svc.Cancel(ctx, id, primitive.NewObjectID()); err == nil {
		t.Error("cancel by a different user succeeded")
	}
	// NilObjectID is the admin override.
	if _, err := svc.Cancel(ctx, id, primitive.NilObjectID); err != nil {
		t.Errorf("admin cancel: %v", err)
	}
}

func TestResetStuckWithdrawals(t *testing.T) {
	ctx := context.Background()
	q, u, l := newFakeQueue(), newFakeUsers(), &fakeLedger{}
	svc := newTestWithdrawalService(q, u, l)

	stuckID := q.add(&models.Withdrawal{
		UserID:       primitive.NewObjectID(),
		Status:       models.WithdrawalStatusProcessing,
		GemsAmount:   500,
		RequestedAt:  time.Now().Add(-time.Hour),
		AttemptCount: 1,
		MaxAttempts:  3,
		ProcessingLock: &models.ProcessingLock{
			Token:     "dead-holder",
			ExpiresAt: time.Now().Add(-time.Hour),
		},
	})
	freshID := q.add(&models.Withdrawal{
		UserID:       primitive.NewObjectID(),
		Status:       models.WithdrawalStatusProcessing,
		GemsAmount:   500,
		RequestedAt:  time.Now(),
		AttemptCount: 1,
		MaxAttempts:  3,
		ProcessingLock: &models.ProcessingLock{
			Token:     "live-holder",
			ExpiresAt: time.Now().Add(5 * time.Minute),
		},
	})

	n, err := svc.ResetStuckWithdrawals(ctx)
	if err != nil {
		t.Fatalf("ResetStuckWithdrawals: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	if got := q.get(stuckID); got.Status != models.WithdrawalStatusPending || got.AttemptCount != 1 {
		t.Errorf("stuck record: status=%s attempts=%d, want pending with attempts untouched", got.Status, got.AttemptCount)
	}
	if got := q.get(freshID); got.Status != models.WithdrawalStatusProcessing {
		t.Errorf("live claim was reclaimed early: %s", got.Status)
	}
}
