// services/fakes_test.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
)

// fakeQueue is an in-memory WithdrawalQueue that reproduces the conditional
// update semantics of the Mongo repository: claims, token-guarded writes and
// the refundedAt guard all check the same preconditions.
type fakeQueue struct {
	mu      sync.Mutex
	records map[primitive.ObjectID]*models.Withdrawal
	order   []primitive.ObjectID

	claimErr  error
	createErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{records: make(map[primitive.ObjectID]*models.Withdrawal)}
}

// add seeds a record directly, bypassing intake.
func (q *fakeQueue) add(w *models.Withdrawal) primitive.ObjectID {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.ID.IsZero() {
		w.ID = primitive.NewObjectID()
	}
	cp := *w
	q.records[w.ID] = &cp
	q.order = append(q.order, w.ID)
	return w.ID
}

func (q *fakeQueue) get(id primitive.ObjectID) models.Withdrawal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.records[id]
}

func (q *fakeQueue) Create(ctx context.Context, w *models.Withdrawal) (primitive.ObjectID, error) {
	if q.createErr != nil {
		return primitive.NilObjectID, q.createErr
	}
	// Mirrors the partial unique index on userId over active statuses.
	q.mu.Lock()
	for _, other := range q.records {
		if other.UserID == w.UserID && !other.IsTerminal() {
			q.mu.Unlock()
			return primitive.NilObjectID, repositories.ErrActiveWithdrawalExists
		}
	}
	q.mu.Unlock()
	return q.add(w), nil
}

func (q *fakeQueue) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s not found", id.Hex())
	}
	cp := *w
	return &cp, nil
}

func (q *fakeQueue) GetByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Withdrawal
	for i := len(q.order) - 1; i >= 0; i-- {
		if w := q.records[q.order[i]]; w.UserID == userID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (q *fakeQueue) HasActiveWithdrawal(ctx context.Context, userID primitive.ObjectID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.records {
		if w.UserID == userID && !w.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) ListEligible(ctx context.Context, limit int64) ([]models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Withdrawal
	for _, id := range q.order {
		w := q.records[id]
		if w.Status == models.WithdrawalStatusPending {
			out = append(out, *w)
			if int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) ListByStatus(ctx context.Context, status string, limit int64) ([]models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Withdrawal
	for _, id := range q.order {
		if w := q.records[id]; w.Status == status {
			out = append(out, *w)
			if int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) QueuePosition(ctx context.Context, w *models.Withdrawal) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.Status != models.WithdrawalStatusPending {
		return 0, nil
	}
	var pos int64 = 1
	for _, id := range q.order {
		r := q.records[id]
		if r.Status == models.WithdrawalStatusPending && r.RequestedAt.Before(w.RequestedAt) {
			pos++
		}
	}
	return pos, nil
}

func (q *fakeQueue) Claim(ctx context.Context, id primitive.ObjectID, ttl time.Duration) (*models.Withdrawal, error) {
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.records[id]
	if !ok || w.Status != models.WithdrawalStatusPending || w.AttemptCount >= w.MaxAttempts {
		return nil, repositories.ErrClaimConflict
	}
	if w.ProcessingLock != nil && w.ProcessingLock.ExpiresAt.After(time.Now()) {
		return nil, repositories.ErrClaimConflict
	}
	w.Status = models.WithdrawalStatusProcessing
	w.ProcessingLock = &models.ProcessingLock{
		Token:     uuid.New().String(),
		ExpiresAt: time.Now().Add(ttl),
	}
	w.AttemptCount++
	cp := *w
	return &cp, nil
}

func (q *fakeQueue) Release(ctx context.Context, id primitive.ObjectID, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || !q.holdsLock(w, token) {
		// Stale token is an idempotent no-op.
		return nil
	}
	w.Status = models.WithdrawalStatusPending
	w.ProcessingLock = nil
	return nil
}

func (q *fakeQueue) RecordSubmission(ctx context.Context, id primitive.ObjectID, token, signature string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || !q.holdsLock(w, token) {
		return repositories.ErrLockLost
	}
	w.PendingSignature = signature
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, id primitive.ObjectID, token, signature string, needsReview bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, other := range q.records {
		if other.ID != id && other.TxSignature == signature && signature != "" {
			return false, repositories.ErrDuplicateSignature
		}
	}
	w := q.records[id]
	if w == nil || !q.holdsLock(w, token) {
		return false, nil
	}
	now := time.Now()
	w.Status = models.WithdrawalStatusCompleted
	w.TxSignature = signature
	w.NeedsReview = needsReview
	w.CompletedAt = &now
	w.ProcessingLock = nil
	return true, nil
}

func (q *fakeQueue) Fail(ctx context.Context, id primitive.ObjectID, token, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || !q.holdsLock(w, token) {
		return "", repositories.ErrLockLost
	}
	w.FailureReason = reason
	w.ProcessingLock = nil
	if w.AttemptCount >= w.MaxAttempts {
		w.Status = models.WithdrawalStatusFailed
		return models.WithdrawalStatusFailed, nil
	}
	w.Status = models.WithdrawalStatusPending
	return models.WithdrawalStatusPending, nil
}

func (q *fakeQueue) FindBySignature(ctx context.Context, signature string) (*models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		w := q.records[id]
		if signature != "" && (w.TxSignature == signature || w.PendingSignature == signature) {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Approve(ctx context.Context, id, adminID primitive.ObjectID) (*models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || w.Status != models.WithdrawalStatusAwaitingApproval {
		return nil, repositories.ErrInvalidTransition
	}
	w.Status = models.WithdrawalStatusPending
	w.ApprovedBy = &adminID
	cp := *w
	return &cp, nil
}

func (q *fakeQueue) Reject(ctx context.Context, id, adminID primitive.ObjectID, reason string) (*models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || w.Status != models.WithdrawalStatusAwaitingApproval {
		return nil, repositories.ErrInvalidTransition
	}
	w.Status = models.WithdrawalStatusRejected
	w.RejectedBy = &adminID
	w.RejectionReason = reason
	cp := *w
	return &cp, nil
}

func (q *fakeQueue) Cancel(ctx context.Context, id, userID primitive.ObjectID) (*models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil {
		return nil, repositories.ErrInvalidTransition
	}
	if w.Status != models.WithdrawalStatusPending && w.Status != models.WithdrawalStatusAwaitingApproval {
		return nil, repositories.ErrInvalidTransition
	}
	if !userID.IsZero() && w.UserID != userID {
		return nil, repositories.ErrInvalidTransition
	}
	now := time.Now()
	w.Status = models.WithdrawalStatusCancelled
	w.CancelledAt = &now
	cp := *w
	return &cp, nil
}

func (q *fakeQueue) MarkRefunded(ctx context.Context, id primitive.ObjectID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w := q.records[id]
	if w == nil || w.RefundedAt != nil {
		return false, nil
	}
	switch w.Status {
	case models.WithdrawalStatusFailed, models.WithdrawalStatusRejected, models.WithdrawalStatusCancelled:
		now := time.Now()
		w.RefundedAt = &now
		return true, nil
	}
	return false, nil
}

func (q *fakeQueue) ListRefundable(ctx context.Context, limit int64) ([]models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Withdrawal
	for _, id := range q.order {
		w := q.records[id]
		if w.RefundedAt != nil {
			continue
		}
		switch w.Status {
		case models.WithdrawalStatusFailed, models.WithdrawalStatusRejected, models.WithdrawalStatusCancelled:
			out = append(out, *w)
		}
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) ResetStuck(ctx context.Context, grace time.Duration) ([]models.Withdrawal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var stuck []models.Withdrawal
	for _, id := range q.order {
		w := q.records[id]
		if w.Status == models.WithdrawalStatusProcessing &&
			w.ProcessingLock != nil && w.ProcessingLock.ExpiresAt.Before(cutoff) {
			stuck = append(stuck, *w)
			w.Status = models.WithdrawalStatusPending
			w.ProcessingLock = nil
		}
	}
	return stuck, nil
}

func (q *fakeQueue) CleanupStaleLocks(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, w := range q.records {
		if w.IsTerminal() && w.ProcessingLock != nil {
			w.ProcessingLock = nil
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.QueueStats{}
	for _, w := range q.records {
		switch w.Status {
		case models.WithdrawalStatusAwaitingApproval:
			stats.AwaitingApproval++
		case models.WithdrawalStatusPending:
			stats.Pending++
			stats.GemsInFlight += w.GemsAmount
			stats.LamportsQueued += w.SolAmountLamports
		case models.WithdrawalStatusProcessing:
			stats.Processing++
			stats.GemsInFlight += w.GemsAmount
			stats.LamportsQueued += w.SolAmountLamports
		case models.WithdrawalStatusCompleted:
			stats.Completed++
		case models.WithdrawalStatusFailed:
			stats.Failed++
		case models.WithdrawalStatusRejected:
			stats.Rejected++
		case models.WithdrawalStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (q *fakeQueue) holdsLock(w *models.Withdrawal, token string) bool {
	return w.Status == models.WithdrawalStatusProcessing &&
		w.ProcessingLock != nil && w.ProcessingLock.Token == token
}

// creditRecord is one refund or deposit issued through the fake ledger.
type creditRecord struct {
	userID primitive.ObjectID
	gems   int64
	reason string
}

// fakeLedger records balance movements instead of touching Mongo.
type fakeLedger struct {
	mu       sync.Mutex
	debits   []int64
	debitIDs []primitive.ObjectID
	credits  []creditRecord
	payouts  []string
	audits   []string
	debitErr error
}

func (l *fakeLedger) Debit(ctx context.Context, w *models.Withdrawal, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debitErr != nil {
		return l.debitErr
	}
	l.debits = append(l.debits, w.GemsAmount)
	l.debitIDs = append(l.debitIDs, w.ID)
	return nil
}

func (l *fakeLedger) Credit(ctx context.Context, userID primitive.ObjectID, wallet string, gems int64, reason, relatedID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits = append(l.credits, creditRecord{userID: userID, gems: gems, reason: reason})
	return nil
}

func (l *fakeLedger) RecordPayout(ctx context.Context, w *models.Withdrawal, signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payouts = append(l.payouts, signature)
}

func (l *fakeLedger) Audit(ctx context.Context, action, wallet, description, relatedID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audits = append(l.audits, action)
}

func (l *fakeLedger) creditCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.credits)
}

// fakeChain is a scriptable ChainClient.
type fakeChain struct {
	mu         sync.Mutex
	balance    uint64
	balanceErr error
	sendErr    error
	sent       []uint64
	seq        int

	// statuses maps signature -> script of states returned on successive
	// polls; the last entry repeats. Unknown signatures answer
	// SignatureUnknown.
	statuses map[string][]SignatureState
	statErr  map[string]error
	polls    map[string]int
}

func newFakeChain(balance uint64) *fakeChain {
	return &fakeChain{
		balance:  balance,
		statuses: make(map[string][]SignatureState),
		statErr:  make(map[string]error),
		polls:    make(map[string]int),
	}
}

func (c *fakeChain) CustodialAddress() string { return "FakePoo1Wa11etXXXXXXXXXXXXXXXXXXXXXXXXXXXXX" }

func (c *fakeChain) CustodialBalance(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balanceErr != nil {
		return 0, c.balanceErr
	}
	return c.balance, nil
}

func (c *fakeChain) SendLamports(ctx context.Context, to string, lamports uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.seq++
	c.sent = append(c.sent, lamports)
	c.balance -= lamports
	sig := fmt.Sprintf("sig-%d", c.seq)
	if _, scripted := c.statuses[sig]; !scripted {
		c.statuses[sig] = []SignatureState{SignatureConfirmed}
	}
	return sig, nil
}

func (c *fakeChain) SignatureStatus(ctx context.Context, signature string) (SignatureState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.statErr[signature]; ok {
		return SignatureUnknown, err
	}
	script, ok := c.statuses[signature]
	if !ok || len(script) == 0 {
		return SignatureUnknown, nil
	}
	i := c.polls[signature]
	c.polls[signature]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i], nil
}

// fakeUsers is an in-memory UserStore.
type fakeUsers struct {
	users map[primitive.ObjectID]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[primitive.ObjectID]*models.User)}
}

func (u *fakeUsers) add(user *models.User) primitive.ObjectID {
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	u.users[user.ID] = user
	return user.ID
}

func (u *fakeUsers) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	user, ok := u.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s not found", id.Hex())
	}
	cp := *user
	return &cp, nil
}
