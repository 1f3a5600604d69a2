package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/database"
	"github.com/meref/backend/internal/handlers"
	"github.com/meref/backend/internal/keystore"
	mW "github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
	"github.com/meref/backend/internal/services"
	"github.com/spf13/viper"
)

// @title MEREF Platform API
// @version 1.0
// @description Microfinance intermediary platform for SFD operations
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("keystore.master_key", "KEYSTORE_MASTER_KEY")
	viper.BindEnv("keystore.salt", "KEYSTORE_SALT")
	viper.BindEnv("keystore.path", "KEYSTORE_PATH")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	keys, err := keystore.Init(keystore.Config{
		MasterKey: viper.GetString("keystore.master_key"),
		StorePath: viper.GetString("keystore.path"),
		Salt:      []byte(viper.GetString("keystore.salt")),
	})
	if err != nil {
		log.Fatalf("Failed to initialize keystore: %v", err)
	}

	auditLogger := audit.NewLogger(db)

	// Core mutation engine and the services built on it
	mutator := services.NewBalanceMutator(db, auditLogger)
	transactionService := services.NewTransactionService(db, mutator)
	depositManager, _ := transactionService.Manager(models.TxDeposit)
	withdrawalManager, _ := transactionService.Manager(models.TxWithdrawal)
	repaymentManager, _ := transactionService.Manager(models.TxLoanRepayment)

	cashierService := services.NewCashierService(db, redisClient, keys, mutator, auditLogger)
	cashierHandler := handlers.NewCashierHandler(cashierService)
	vaultService := services.NewVaultService(db, mutator, auditLogger)
	settlementService := services.NewSettlementService(redisClient)
	syncService := services.NewSyncService(db, mutator, settlementService, auditLogger)
	loanService := services.NewLoanService(db, mutator, repaymentManager, auditLogger)
	clientService := services.NewClientService(db, auditLogger)
	subsidyService := services.NewSubsidyService(db, auditLogger)
	sfdService := services.NewSfdService(db)
	authService := services.NewAuthService(db, redisClient, auditLogger)
	momoService := services.NewMobileMoneyService(db, redisClient, depositManager, withdrawalManager)
	momoHandler := handlers.NewMobileMoneyHandler(momoService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Static servers: receipts and SFD logos
	r.Handle("/static/receipts/*", http.StripPrefix("/static/receipts/",
		mW.ReceiptFileServer("./static/receipts")))
	r.Handle("/static/sfd-logos/*", http.StripPrefix("/static/sfd-logos/",
		http.FileServer(http.Dir("./static/sfd-logos"))))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Get("/sfds", sfdService.GetAllSfds)
		r.Get("/sfds/{sfdId}", sfdService.GetSfd)
		r.Post("/mobile-money/redeem", momoHandler.RedeemCode)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)
			r.Post("/auth/2fa/enable", authService.EnableTwoFactor)
			r.Post("/auth/2fa/verify", authService.VerifyTwoFactor)

			// Ledger
			r.Post("/transactions", transactionService.ProcessTransaction)
			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/recent", transactionService.GetRecentTransactions)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)
			r.Get("/accounts/balance", transactionService.AccountBalanceEnquiry)

			// Adhesion
			r.Post("/clients", clientService.CreateAdhesion)
			r.Get("/clients/{clientId}", clientService.GetClient)

			// Loans
			r.Post("/loans", loanService.Apply)
			r.Get("/loans", loanService.ListLoans)
			r.Get("/loans/{loanId}", loanService.GetLoan)
			r.Post("/loans/{loanId}/repay", loanService.Repay)

			// Vaults
			r.Post("/vaults", vaultService.CreateVault)
			r.Get("/vaults", vaultService.ListVaults)
			r.Post("/vaults/withdraw", vaultService.Withdraw)

			// Mobile money
			r.Post("/mobile-money/generate", momoHandler.GenerateCode)
			r.Get("/mobile-money/codes", momoHandler.ListCodes)

			// Cashier stations
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRoles(models.RoleCashier, models.RoleSfdAdmin, models.RoleAdmin))
				r.Post("/cashier/scan", cashierHandler.ProcessScan)
			})
			r.Post("/cashier/qr", cashierHandler.IssueQR)

			// SFD administration
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRoles(models.RoleSfdAdmin, models.RoleAdmin))
				r.Get("/clients", clientService.ListClients)
				r.Post("/clients/{clientId}/validate", clientService.Validate)
				r.Post("/clients/{clientId}/reject", clientService.Reject)
				r.Post("/clients/{clientId}/suspend", clientService.Suspend)
				r.Post("/clients/{clientId}/reactivate", clientService.Reactivate)
				r.Post("/loans/{loanId}/review", loanService.Review)
				r.Post("/loans/{loanId}/disburse", loanService.Disburse)
				r.Post("/subsidies", subsidyService.Create)
				r.Get("/subsidies", subsidyService.List)
			})

			// MEREF administration
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRoles(models.RoleAdmin))
				r.Post("/admin/users", authService.Register)
				r.Post("/sfds", sfdService.RegisterSfd)
				r.Post("/subsidies/{requestId}/review", subsidyService.Review)
				r.Post("/admin/sync/run", syncService.RunSync)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
