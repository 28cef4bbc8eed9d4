package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/solgems/gemspay_backend/middleware"
	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/repositories"
	"github.com/solgems/gemspay_backend/services"
)

const queueStatsCacheKey = "gemspay:queue_stats"

// AdminController handles the queue-management and trigger endpoints
type AdminController struct {
	withdrawals *services.WithdrawalService
	disburser   *services.DisbursementService
	recon       *services.ReconciliationService
	queue       services.WithdrawalQueue
	chain       services.ChainClient
	redis       *redis.Client
}

// NewAdminController creates a new admin controller
func NewAdminController(
	withdrawals *services.WithdrawalService,
	disburser *services.DisbursementService,
	recon *services.ReconciliationService,
	queue services.WithdrawalQueue,
	chain services.ChainClient,
	redisClient *redis.Client,
) *AdminController {
	return &AdminController{
		withdrawals: withdrawals,
		disburser:   disburser,
		recon:       recon,
		queue:       queue,
		chain:       chain,
		redis:       redisClient,
	}
}

// ListWithdrawals returns withdrawals filtered by status (default pending)
func (ac *AdminController) ListWithdrawals(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := c.QueryParam("status")
	if status == "" {
		status = models.WithdrawalStatusPending
	}

	withdrawals, err := ac.queue.ListByStatus(ctx, status, 500)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to list withdrawals",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawals retrieved successfully",
		Data:    withdrawals,
	})
}

// ApproveWithdrawal promotes an awaiting_approval withdrawal into the queue
func (ac *AdminController) ApproveWithdrawal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid withdrawal ID",
		})
	}

	w, err := ac.withdrawals.Approve(ctx, id, adminObjectID(c))
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			return c.JSON(http.StatusConflict, models.Response{
				Status:  http.StatusConflict,
				Message: "Withdrawal is not awaiting approval",
			})
		}
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to approve withdrawal",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawal approved",
		Data:    w,
	})
}

// RejectWithdrawal declines an awaiting_approval withdrawal and refunds it
func (ac *AdminController) RejectWithdrawal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid withdrawal ID",
		})
	}

	var req models.RejectWithdrawalRequest
	if err := c.Bind(&req); err != nil || req.Reason == "" {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Rejection reason is required",
		})
	}

	w, err := ac.withdrawals.Reject(ctx, id, adminObjectID(c), req.Reason)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			return c.JSON(http.StatusConflict, models.Response{
				Status:  http.StatusConflict,
				Message: "Withdrawal is not awaiting approval",
			})
		}
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to reject withdrawal",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawal rejected and refunded",
		Data:    w,
	})
}

// CancelWithdrawal cancels any unclaimed withdrawal on the user's behalf
func (ac *AdminController) CancelWithdrawal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid withdrawal ID",
		})
	}

	w, err := ac.withdrawals.Cancel(ctx, id, primitive.NilObjectID)
	if err != nil {
		return c.JSON(http.StatusConflict, models.Response{
			Status:  http.StatusConflict,
			Message: "Withdrawal can no longer be cancelled",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawal cancelled and refunded",
		Data:    w,
	})
}

// ProcessQueue runs one disbursement pass and reports the outcome
func (ac *AdminController) ProcessQueue(c echo.Context) error {
	// Transfers plus confirmation polling can legitimately take a while
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := ac.disburser.ProcessQueue(ctx)
	if err != nil {
		log.Printf("Processing pass failed: %v", err)
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Processing pass failed",
			Data:    result,
		})
	}

	ac.invalidateStatsCache()
	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Processing pass complete",
		Data:    result,
	})
}

// ResetStuck reclaims processing records with expired locks
func (ac *AdminController) ResetStuck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := ac.withdrawals.ResetStuckWithdrawals(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to reset stuck withdrawals",
		})
	}

	ac.invalidateStatsCache()
	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Stuck withdrawals reset",
		Data:    map[string]int{"reclaimed": count},
	})
}

// CleanupLocks clears orphaned lock fields on terminal records
func (ac *AdminController) CleanupLocks(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := ac.withdrawals.CleanupStaleLocks(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to clean up stale locks",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Stale locks cleaned",
		Data:    map[string]int64{"cleaned": count},
	})
}

// Reconcile syncs completed payouts into the ledger and repairs missed refunds
func (ac *AdminController) Reconcile(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	synced, err := ac.recon.SyncCompleted(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Ledger sync failed",
		})
	}
	repaired, err := ac.recon.RepairMissedRefunds(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Refund repair failed",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Reconciliation complete",
		Data:    map[string]int{"ledgerRowsSynced": synced, "refundsRepaired": repaired},
	})
}

// GetQueueStats returns per-status counts plus the custodial balance,
// cached briefly in Redis
func (ac *AdminController) GetQueueStats(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if ac.redis != nil {
		if cached, err := ac.redis.Get(ctx, queueStatsCacheKey).Result(); err == nil {
			var stats models.QueueStats
			if json.Unmarshal([]byte(cached), &stats) == nil {
				return c.JSON(http.StatusOK, models.Response{
					Status:  http.StatusOK,
					Message: "Queue stats (cached)",
					Data:    stats,
				})
			}
		}
	}

	stats, err := ac.queue.QueueStats(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to compute queue stats",
		})
	}

	balance, err := ac.chain.CustodialBalance(ctx)
	if err != nil {
		// Stats are still useful without the balance
		log.Printf("Failed to fetch custodial balance for stats: %v", err)
	} else {
		stats.CustodialBalance = balance
	}

	if ac.redis != nil {
		if payload, err := json.Marshal(stats); err == nil {
			ac.redis.Set(ctx, queueStatsCacheKey, payload, 10*time.Second)
		}
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Queue stats",
		Data:    stats,
	})
}

func (ac *AdminController) invalidateStatsCache() {
	if ac.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ac.redis.Del(ctx, queueStatsCacheKey)
}

// adminObjectID resolves the acting admin's id from the JWT claims
func adminObjectID(c echo.Context) primitive.ObjectID {
	claims := middleware.GetUserFromToken(c)
	if claims == nil {
		return primitive.NilObjectID
	}
	id, err := primitive.ObjectIDFromHex(claims.UserID)
	if err != nil {
		return primitive.NilObjectID
	}
	return id
}
