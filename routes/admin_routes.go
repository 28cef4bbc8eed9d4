package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/solgems/gemspay_backend/controllers"
	"github.com/solgems/gemspay_backend/middleware"
)

// RegisterAdminRoutes sets up the queue management and scheduler routes
func RegisterAdminRoutes(e *echo.Echo, adminController *controllers.AdminController) {
	// Protected routes (require admin authentication)
	admin := e.Group("/api/admin")
	admin.Use(middleware.JWTMiddleware())
	admin.Use(middleware.RequireAdmin())

	admin.GET("/withdrawals", adminController.ListWithdrawals)
	admin.POST("/withdrawals/:id/approve", adminController.ApproveWithdrawal)
	admin.POST("/withdrawals/:id/reject", adminController.RejectWithdrawal)
	admin.POST("/withdrawals/:id/cancel", adminController.CancelWithdrawal)
	admin.GET("/queue/stats", adminController.GetQueueStats)
	admin.POST("/queue/process", adminController.ProcessQueue)
	admin.POST("/queue/reset-stuck", adminController.ResetStuck)
	admin.POST("/queue/cleanup-locks", adminController.CleanupLocks)
	admin.POST("/queue/reconcile", adminController.Reconcile)

	// Scheduler endpoints, protected by the shared cron secret instead of JWT
	cron := e.Group("/api/cron")
	cron.Use(middleware.CronAuth())

	cron.POST("/process", adminController.ProcessQueue)
	cron.POST("/recover", adminController.ResetStuck)
	cron.POST("/reconcile", adminController.Reconcile)
}
