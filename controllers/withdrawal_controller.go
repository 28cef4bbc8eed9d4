package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/solgems/gemspay_backend/middleware"
	"github.com/solgems/gemspay_backend/models"
	"github.com/solgems/gemspay_backend/services"
)

// WithdrawalController handles the user-facing withdrawal endpoints
type WithdrawalController struct {
	withdrawals *services.WithdrawalService
	price       *services.PriceService
}

// NewWithdrawalController creates a new withdrawal controller
func NewWithdrawalController(withdrawals *services.WithdrawalService, price *services.PriceService) *WithdrawalController {
	return &WithdrawalController{withdrawals: withdrawals, price: price}
}

// RequestWithdrawal creates a new withdrawal request for the logged-in user
func (wc *WithdrawalController) RequestWithdrawal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	var req models.WithdrawalRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "gemsAmount and walletAddress are required",
		})
	}

	w, err := wc.withdrawals.RequestWithdrawal(ctx, userID, &req)
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, models.Response{
				Status:  http.StatusBadRequest,
				Message: verr.Reason,
			})
		}
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to create withdrawal",
		})
	}

	return c.JSON(http.StatusCreated, models.Response{
		Status:  http.StatusCreated,
		Message: "Withdrawal queued",
		Data:    w,
	})
}

// GetQuote previews the fee and SOL payout for a gems amount
func (wc *WithdrawalController) GetQuote(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gems, err := strconv.ParseInt(c.QueryParam("gems"), 10, 64)
	if err != nil || gems <= 0 {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "gems query parameter must be a positive integer",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Quote computed",
		Data:    wc.price.Quote(ctx, gems),
	})
}

// GetMyWithdrawals returns the logged-in user's withdrawal history
func (wc *WithdrawalController) GetMyWithdrawals(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	history, err := wc.withdrawals.History(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to retrieve withdrawals",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawals retrieved successfully",
		Data:    history,
	})
}

// GetWithdrawalStatus returns one withdrawal with its live queue position
func (wc *WithdrawalController) GetWithdrawalStatus(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid withdrawal ID",
		})
	}

	status, err := wc.withdrawals.Status(ctx, id, userID)
	if err != nil {
		var verr *services.ValidationError
		if err == mongo.ErrNoDocuments || errors.As(err, &verr) {
			return c.JSON(http.StatusNotFound, models.Response{
				Status:  http.StatusNotFound,
				Message: "Withdrawal not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, models.Response{
			Status:  http.StatusInternalServerError,
			Message: "Failed to retrieve withdrawal",
		})
	}

	return c.JSON(http.StatusOK, models.Response{
		Status:  http.StatusOK,
		Message: "Withdrawal retrieved successfully",
		Data:    status,
	})
}

// CancelWithdrawal cancels the user's own unclaimed withdrawal and refunds it
func (wc *WithdrawalController) CancelWithdrawal(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID, err := requireUserID(c)
	if err != nil {
		return err
	}

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.Response{
			Status:  http.StatusBadRequest,
			Message: "Invalid withdrawal ID",
		})
	}

	w, err := wc.withdrawals.Cancel(ctx, id, userID)
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

// requireUserID pulls the authenticated user's ObjectID out of the JWT
// claims. The returned error must be non-nil on failure so callers stop
// before touching business logic; echo's error handler writes the 401.
func requireUserID(c echo.Context) (primitive.ObjectID, error) {
	idStr, err := middleware.ExtractUserID(c)
	if err != nil {
		return primitive.NilObjectID, echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
	}
	id, err := primitive.ObjectIDFromHex(idStr)
	if err != nil {
		return primitive.NilObjectID, echo.NewHTTPError(http.StatusUnauthorized, "Invalid user ID in token")
	}
	return id, nil
}
