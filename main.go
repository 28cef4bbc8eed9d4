package main

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/solgems/gemspay_backend/config"
	"github.com/solgems/gemspay_backend/controllers"
	"github.com/solgems/gemspay_backend/middleware"
	"github.com/solgems/gemspay_backend/repositories"
	"github.com/solgems/gemspay_backend/routes"
	"github.com/solgems/gemspay_backend/services"
)

// CustomValidator is a custom validator for Echo
type CustomValidator struct {
	validator *validator.Validate
}

// Validate validates the request body
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func main() {
	// Load .env file
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: .env file not found")
	}

	// Connect to Redis (used for queue stats caching and the rate override)
	redisClient := config.ConnectRedis()

	// Connect to database
	client := config.ConnectDB()

	// Load the payout wallet and RPC endpoint
	solanaCfg := config.LoadSolanaConfig()

	// Create a new Echo instance
	e := echo.New()

	// Initialize custom validator
	customValidator := &CustomValidator{validator: validator.New()}
	e.Validator = customValidator

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter()

	// Middleware
	e.Use(echoMiddleware.Logger())
	e.Use(echoMiddleware.Recover())
	e.Use(middleware.GlobalCORS())
	e.Use(echoMiddleware.Secure())
	e.Use(rateLimiter.RateLimit())
	e.Use(middleware.SecurityHeadersWithConfig(middleware.DefaultSecurityConfig()))

	e.Match([]string{"GET", "HEAD"}, "/", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "OK",
			"message": "GemsPay Backend is running",
			"version": "1.0",
		})
	})

	e.Match([]string{"GET", "HEAD"}, "/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":   "healthy",
			"database": "connected",
		})
	})

	e.Use(httpsRedirect())

	// Initialize repositories
	withdrawalRepo := repositories.NewWithdrawalRepository(client)
	userRepo := repositories.NewUserRepository(client)

	// Initialize services
	ledgerService := services.NewLedgerService(client)
	priceService := services.NewPriceService(redisClient)
	solanaService := services.NewSolanaService(solanaCfg)
	withdrawalService := services.NewWithdrawalService(withdrawalRepo, userRepo, ledgerService, priceService)
	disbursementService := services.NewDisbursementService(withdrawalRepo, solanaService, ledgerService, solanaCfg.FeeBufferLamports)
	reconciliationService := services.NewReconciliationService(client, withdrawalRepo, ledgerService)

	// Initialize controllers
	authController := controllers.NewAuthController(client)
	withdrawalController := controllers.NewWithdrawalController(withdrawalService, priceService)
	adminController := controllers.NewAdminController(
		withdrawalService,
		disbursementService,
		reconciliationService,
		withdrawalRepo,
		solanaService,
		redisClient,
	)

	// Register routes
	routes.RegisterAuthRoutes(e, authController)
	routes.RegisterWithdrawalRoutes(e, withdrawalController)
	routes.RegisterAdminRoutes(e, adminController)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	e.Logger.Fatal(e.Start(":" + port))
}

func httpsRedirect() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-Forwarded-Proto") == "http" {
				return c.Redirect(301, "https://"+c.Request().Host+c.Request().RequestURI)
			}
			return next(c)
		}
	}
}
