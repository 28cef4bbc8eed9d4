package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/solgems/gemspay_backend/config"
	"github.com/solgems/gemspay_backend/models"
)

// Claim/complete/fail are the only operations allowed to move a withdrawal
// out of "processing", and every one of them is a single conditional update
// on (expected status, expected lock token). That is the whole double-payment
// defense: no read-modify-write anywhere in this file.
var (
	// ErrClaimConflict means the record is not claimable right now: another
	// holder owns an unexpired lock, the status moved on, or attempts ran out.
	// Callers skip the record; this is not a failure.
	ErrClaimConflict = errors.New("withdrawal not claimable")

	// ErrLockLost means a token-guarded write found a different lock on the
	// record. The payout may already have happened under another holder, so
	// callers must alert and stop, never retry.
	ErrLockLost = errors.New("processing lock lost")

	// ErrInvalidTransition means the expected-current-status check failed,
	// e.g. a double approve or a cancel racing an in-flight claim.
	ErrInvalidTransition = errors.New("withdrawal is not in the expected status")

	// ErrDuplicateSignature means the payment proof is already attached to
	// another withdrawal. Completion is aborted and flagged, never accepted.
	ErrDuplicateSignature = errors.New("transaction signature already attached to another withdrawal")

	// ErrActiveWithdrawalExists means the partial unique index on userId
	// rejected a second in-flight withdrawal for the same user.
	ErrActiveWithdrawalExists = errors.New("user already has an active withdrawal")
)

var terminalStatuses = []string{
	models.WithdrawalStatusCompleted,
	models.WithdrawalStatusFailed,
	models.WithdrawalStatusRejected,
	models.WithdrawalStatusCancelled,
}

type WithdrawalRepository struct {
	collection *mongo.Collection
}

func NewWithdrawalRepository(db *mongo.Client) *WithdrawalRepository {
	return &WithdrawalRepository{
		collection: config.GetCollection(db, "withdrawals"),
	}
}

// Create inserts a new withdrawal record at intake.
func (r *WithdrawalRepository) Create(ctx context.Context, w *models.Withdrawal) (primitive.ObjectID, error) {
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.RequestedAt.IsZero() {
		w.RequestedAt = now
	}

	result, err := r.collection.InsertOne(ctx, w)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return primitive.NilObjectID, ErrActiveWithdrawalExists
		}
		return primitive.NilObjectID, fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return result.InsertedID.(primitive.ObjectID), nil
}

// GetByID returns one withdrawal.
func (r *WithdrawalRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetByUser returns a user's withdrawal history, newest first.
func (r *WithdrawalRepository) GetByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Withdrawal, error) {
	opts := options.Find().SetSort(bson.D{{Key: "requestedAt", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var withdrawals []models.Withdrawal
	if err := cursor.All(ctx, &withdrawals); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// HasActiveWithdrawal reports whether the user already has a withdrawal in
// flight. Used to reject duplicate requests before enqueue.
func (r *WithdrawalRepository) HasActiveWithdrawal(ctx context.Context, userID primitive.ObjectID) (bool, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{
		"userId": userID,
		"status": bson.M{"$in": []string{
			models.WithdrawalStatusAwaitingApproval,
			models.WithdrawalStatusPending,
			models.WithdrawalStatusProcessing,
		}},
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListEligible returns pending withdrawals in FIFO order by requestedAt.
func (r *WithdrawalRepository) ListEligible(ctx context.Context, limit int64) ([]models.Withdrawal, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "requestedAt", Value: 1}}).
		SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"status": models.WithdrawalStatusPending}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible withdrawals: %w", err)
	}
	defer cursor.Close(ctx)

	var withdrawals []models.Withdrawal
	if err := cursor.All(ctx, &withdrawals); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// ListByStatus returns withdrawals in one status, oldest first.
func (r *WithdrawalRepository) ListByStatus(ctx context.Context, status string, limit int64) ([]models.Withdrawal, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "requestedAt", Value: 1}}).
		SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var withdrawals []models.Withdrawal
	if err := cursor.All(ctx, &withdrawals); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// QueuePosition returns the 1-based FIFO rank of a pending withdrawal.
func (r *WithdrawalRepository) QueuePosition(ctx context.Context, w *models.Withdrawal) (int64, error) {
	if w.Status != models.WithdrawalStatusPending {
		return 0, nil
	}
	ahead, err := r.collection.CountDocuments(ctx, bson.M{
		"status":      models.WithdrawalStatusPending,
		"requestedAt": bson.M{"$lt": w.RequestedAt},
	})
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// Claim takes the processing lock on one pending withdrawal. The filter and
// update run as a single FindOneAndUpdate, so a record can only ever be
// claimed by one holder: status must still be pending, any previous lock must
// be expired, and attempts must remain. The attempt counter is incremented as
// part of the same write.
func (r *WithdrawalRepository) Claim(ctx context.Context, id primitive.ObjectID, ttl time.Duration) (*models.Withdrawal, error) {
	now := time.Now()
	lock := models.ProcessingLock{
		Token:     uuid.New().String(),
		ExpiresAt: now.Add(ttl),
	}

	filter := bson.M{
		"_id":    id,
		"status": models.WithdrawalStatusPending,
		"$or": []bson.M{
			{"processingLock": bson.M{"$exists": false}},
			{"processingLock": nil},
			{"processingLock.expiresAt": bson.M{"$lt": now}},
		},
		"$expr": bson.M{"$lt": []string{"$attemptCount", "$maxAttempts"}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":         models.WithdrawalStatusProcessing,
			"processingLock": lock,
			"updatedAt":      now,
		},
		"$inc": bson.M{"attemptCount": 1},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var w models.Withdrawal
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrClaimConflict
		}
		return nil, fmt.Errorf("claim failed: %w", err)
	}
	return &w, nil
}

// Release gives a claim back without consuming an outcome: the lock is
// cleared and the record returns to pending. A stale token is an idempotent
// no-op.
func (r *WithdrawalRepository) Release(ctx context.Context, id primitive.ObjectID, token string) error {
	filter := bson.M{
		"_id":                  id,
		"status":               models.WithdrawalStatusProcessing,
		"processingLock.token": token,
	}
	update := bson.M{
		"$set":   bson.M{"status": models.WithdrawalStatusPending, "updatedAt": time.Now()},
		"$unset": bson.M{"processingLock": ""},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}

// RecordSubmission stores the broadcast signature on the record before
// confirmation. If the worker dies between submit and confirm, the next
// holder finds the signature here and checks the chain instead of paying
// again.
func (r *WithdrawalRepository) RecordSubmission(ctx context.Context, id primitive.ObjectID, token, signature string) error {
	filter := bson.M{
		"_id":                  id,
		"status":               models.WithdrawalStatusProcessing,
		"processingLock.token": token,
	}
	update := bson.M{
		"$set": bson.M{"pendingSignature": signature, "updatedAt": time.Now()},
	}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to record submission: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete finishes a claimed withdrawal with its payment proof. Returns
// false when the token is stale; the caller must treat that as a critical
// alert, not a retry, because the payout may have happened under a different
// holder. A unique-index violation on txSignature also aborts completion.
func (r *WithdrawalRepository) Complete(ctx context.Context, id primitive.ObjectID, token, signature string, needsReview bool) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id":                  id,
		"status":               models.WithdrawalStatusProcessing,
		"processingLock.token": token,
	}
	update := bson.M{
		"$set": bson.M{
			"status":      models.WithdrawalStatusCompleted,
			"txSignature": signature,
			"needsReview": needsReview,
			"completedAt": now,
			"updatedAt":   now,
		},
		"$unset": bson.M{"processingLock": ""},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, ErrDuplicateSignature
		}
		return false, fmt.Errorf("complete failed: %w", err)
	}
	return result.MatchedCount == 1, nil
}

// Fail resolves a claimed withdrawal that could not be paid. When attempts
// are exhausted the record goes terminal (the caller then refunds); otherwise
// it returns to pending for a later retry. Both branches are token-guarded
// conditional updates, so a stale holder can never move the record.
func (r *WithdrawalRepository) Fail(ctx context.Context, id primitive.ObjectID, token, reason string) (string, error) {
	now := time.Now()
	tokenFilter := bson.M{
		"_id":                  id,
		"status":               models.WithdrawalStatusProcessing,
		"processingLock.token": token,
	}

	// Terminal branch: attempts exhausted.
	terminalFilter := bson.M{
		"$expr": bson.M{"$gte": []string{"$attemptCount", "$maxAttempts"}},
	}
	for k, v := range tokenFilter {
		terminalFilter[k] = v
	}
	terminalUpdate := bson.M{
		"$set": bson.M{
			"status":        models.WithdrawalStatusFailed,
			"failureReason": reason,
			"updatedAt":     now,
		},
		"$unset": bson.M{"processingLock": ""},
	}
	result, err := r.collection.UpdateOne(ctx, terminalFilter, terminalUpdate)
	if err != nil {
		return "", fmt.Errorf("fail (terminal) failed: %w", err)
	}
	if result.MatchedCount == 1 {
		return models.WithdrawalStatusFailed, nil
	}

	// Retry branch: back to pending, lock cleared.
	retryUpdate := bson.M{
		"$set": bson.M{
			"status":        models.WithdrawalStatusPending,
			"failureReason": reason,
			"updatedAt":     now,
		},
		"$unset": bson.M{"processingLock": ""},
	}
	result, err = r.collection.UpdateOne(ctx, tokenFilter, retryUpdate)
	if err != nil {
		return "", fmt.Errorf("fail (retry) failed: %w", err)
	}
	if result.MatchedCount == 1 {
		return models.WithdrawalStatusPending, nil
	}
	return "", ErrLockLost
}

// FindBySignature looks up any withdrawal already carrying this signature,
// confirmed or in flight. Defense in depth ahead of the unique index.
func (r *WithdrawalRepository) FindBySignature(ctx context.Context, signature string) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := r.collection.FindOne(ctx, bson.M{
		"$or": []bson.M{
			{"txSignature": signature},
			{"pendingSignature": signature},
		},
	}).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// Approve promotes an awaiting_approval withdrawal into the payable queue.
func (r *WithdrawalRepository) Approve(ctx context.Context, id, adminID primitive.ObjectID) (*models.Withdrawal, error) {
	filter := bson.M{"_id": id, "status": models.WithdrawalStatusAwaitingApproval}
	update := bson.M{
		"$set": bson.M{
			"status":     models.WithdrawalStatusPending,
			"approvedBy": adminID,
			"updatedAt":  time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var w models.Withdrawal
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return &w, nil
}

// Reject declines an awaiting_approval withdrawal. The caller refunds the
// full gemsAmount afterwards (the fee is only realized on successful payout).
func (r *WithdrawalRepository) Reject(ctx context.Context, id, adminID primitive.ObjectID, reason string) (*models.Withdrawal, error) {
	filter := bson.M{"_id": id, "status": models.WithdrawalStatusAwaitingApproval}
	update := bson.M{
		"$set": bson.M{
			"status":          models.WithdrawalStatusRejected,
			"rejectedBy":      adminID,
			"rejectionReason": reason,
			"updatedAt":       time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var w models.Withdrawal
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return &w, nil
}

// Cancel withdraws a request that has not been claimed yet. Only pending and
// awaiting_approval records can be cancelled; the conditional filter makes
// cancellation mutually exclusive with an in-flight claim. userID restricts
// the cancel to the owner; pass NilObjectID for an admin cancel.
func (r *WithdrawalRepository) Cancel(ctx context.Context, id, userID primitive.ObjectID) (*models.Withdrawal, error) {
	now := time.Now()
	filter := bson.M{
		"_id": id,
		"status": bson.M{"$in": []string{
			models.WithdrawalStatusPending,
			models.WithdrawalStatusAwaitingApproval,
		}},
	}
	if !userID.IsZero() {
		filter["userId"] = userID
	}
	update := bson.M{
		"$set": bson.M{
			"status":      models.WithdrawalStatusCancelled,
			"cancelledAt": now,
			"updatedAt":   now,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var w models.Withdrawal
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return &w, nil
}

// MarkRefunded flips refundedAt exactly once on a terminal refundable
// record. The caller that wins this write issues the gem credit; everyone
// else backs off. This is the exactly-once guard for refunds.
func (r *WithdrawalRepository) MarkRefunded(ctx context.Context, id primitive.ObjectID) (bool, error) {
	result, err := r.collection.UpdateOne(ctx, bson.M{
		"_id": id,
		"status": bson.M{"$in": []string{
			models.WithdrawalStatusFailed,
			models.WithdrawalStatusRejected,
			models.WithdrawalStatusCancelled,
		}},
		"refundedAt": bson.M{"$exists": false},
	}, bson.M{
		"$set": bson.M{"refundedAt": time.Now()},
	})
	if err != nil {
		return false, err
	}
	return result.ModifiedCount == 1, nil
}

// ListRefundable returns terminal refundable records that never got their
// credit back, for the reconciliation repair sweep.
func (r *WithdrawalRepository) ListRefundable(ctx context.Context, limit int64) ([]models.Withdrawal, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
		SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{
		"status": bson.M{"$in": []string{
			models.WithdrawalStatusFailed,
			models.WithdrawalStatusRejected,
			models.WithdrawalStatusCancelled,
		}},
		"refundedAt": bson.M{"$exists": false},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var withdrawals []models.Withdrawal
	if err := cursor.All(ctx, &withdrawals); err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// ResetStuck reclaims processing records whose lock expired longer than
// grace ago. A crashed worker is not a real attempt failure, so the attempt
// counter is left alone. Returns the reclaimed records for operator logging.
func (r *WithdrawalRepository) ResetStuck(ctx context.Context, grace time.Duration) ([]models.Withdrawal, error) {
	cutoff := time.Now().Add(-grace)
	filter := bson.M{
		"status":                   models.WithdrawalStatusProcessing,
		"processingLock.expiresAt": bson.M{"$lt": cutoff},
	}
	update := bson.M{
		"$set":   bson.M{"status": models.WithdrawalStatusPending, "updatedAt": time.Now()},
		"$unset": bson.M{"processingLock": ""},
	}

	// One conditional update per record: every returned document is one this
	// call actually reclaimed, so the operator log never reports a record a
	// concurrent resolve got to first.
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var stuck []models.Withdrawal
	for {
		var w models.Withdrawal
		err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&w)
		if err == mongo.ErrNoDocuments {
			return stuck, nil
		}
		if err != nil {
			return stuck, fmt.Errorf("failed to reset stuck withdrawals: %w", err)
		}
		stuck = append(stuck, w)
	}
}

// CleanupStaleLocks clears orphaned lock fields on terminal records. Pure
// hygiene for a crash between the status write and the lock clear; no
// balance side effects.
func (r *WithdrawalRepository) CleanupStaleLocks(ctx context.Context) (int64, error) {
	result, err := r.collection.UpdateMany(ctx, bson.M{
		"status":         bson.M{"$in": terminalStatuses},
		"processingLock": bson.M{"$exists": true},
	}, bson.M{
		"$unset": bson.M{"processingLock": ""},
	})
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// QueueStats aggregates per-status counts plus the gems and lamports still
// in flight.
func (r *WithdrawalRepository) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	pipeline := []bson.M{
		{"$group": bson.M{
			"_id":      "$status",
			"count":    bson.M{"$sum": 1},
			"gems":     bson.M{"$sum": "$gemsAmount"},
			"lamports": bson.M{"$sum": "$solAmountLamports"},
		}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status   string `bson:"_id"`
		Count    int64  `bson:"count"`
		Gems     int64  `bson:"gems"`
		Lamports int64  `bson:"lamports"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	stats := &models.QueueStats{}
	for _, row := range rows {
		switch row.Status {
		case models.WithdrawalStatusAwaitingApproval:
			stats.AwaitingApproval = row.Count
			stats.GemsInFlight += row.Gems
		case models.WithdrawalStatusPending:
			stats.Pending = row.Count
			stats.GemsInFlight += row.Gems
			stats.LamportsQueued += uint64(row.Lamports)
		case models.WithdrawalStatusProcessing:
			stats.Processing = row.Count
			stats.GemsInFlight += row.Gems
			stats.LamportsQueued += uint64(row.Lamports)
		case models.WithdrawalStatusCompleted:
			stats.Completed = row.Count
		case models.WithdrawalStatusFailed:
			stats.Failed = row.Count
		case models.WithdrawalStatusRejected:
			stats.Rejected = row.Count
		case models.WithdrawalStatusCancelled:
			stats.Cancelled = row.Count
		}
	}
	return stats, nil
}
