package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/solgems/gemspay_backend/controllers"
	"github.com/solgems/gemspay_backend/middleware"
)

// RegisterWithdrawalRoutes sets up the user-facing withdrawal routes
func RegisterWithdrawalRoutes(e *echo.Echo, withdrawalController *controllers.WithdrawalController) {
	r := e.Group("/api/withdrawals")
	r.Use(middleware.JWTMiddleware())

	r.POST("", withdrawalController.RequestWithdrawal)
	r.GET("/quote", withdrawalController.GetQuote)
	r.GET("", withdrawalController.GetMyWithdrawals)
	r.GET("/:id", withdrawalController.GetWithdrawalStatus)
	r.POST("/:id/cancel", withdrawalController.CancelWithdrawal)
}
