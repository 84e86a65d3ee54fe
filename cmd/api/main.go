package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/background"
	"github.com/qbh/portal/internal/config"
	"github.com/qbh/portal/internal/database"
	"github.com/qbh/portal/internal/handlers"
	middlewareCustom "github.com/qbh/portal/internal/middleware"
	"github.com/qbh/portal/internal/models"
	"github.com/qbh/portal/internal/repositories"
	"github.com/qbh/portal/internal/routes"
	"github.com/qbh/portal/internal/services"
	pkgauth "github.com/qbh/portal/pkg/auth"
	"github.com/qbh/portal/pkg/fieldcrypt"
	pkghttp "github.com/qbh/portal/pkg/http"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

// stores holds the backends shared between instances when Redis is
// configured, and process-local ones otherwise.
type stores struct {
	secrets  auth.SecretStore
	sessions auth.SessionStore
	blocks   middlewareCustom.BlockStore
	cleanup  []background.CleanupTask
	redis    *redis.Client
}

func run(logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Env))

	ctx := context.Background()

	// Initialize database
	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.Pool, logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	st, err := newStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.redis != nil {
		defer st.redis.Close()
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	recordRepo := repositories.NewMedicalRecordRepository(db)

	// Audit trail; every other component records through it
	auditService := services.NewAuditService(auditRepo, userRepo, logger, services.AuditConfig{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
	})
	auditService.Start()

	// Secrets, tokens and sessions
	secretManager, err := auth.NewSecretManager(ctx, st.secrets, cfg.Auth.JWTSecret, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize signing secrets: %w", err)
	}
	tokenManager := auth.NewTokenManager(secretManager, auth.TokenConfig{
		WebExpiry:    cfg.Auth.TokenExpiry,
		MobileExpiry: cfg.Auth.MobileTokenExpiry,
		ResetExpiry:  cfg.Auth.ResetTokenExpiry,
	})
	cookies := auth.NewCookieConfig(cfg.Server.CookieDomain, cfg.IsProduction())
	sessionManager, err := auth.NewSessionManager(st.sessions, auth.SessionConfig{
		Secret: cfg.Session.Secret,
		TTL:    cfg.Session.TTL,
		Cookie: cookies,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}

	cipher, err := fieldcrypt.NewCipherFromKeyMaterial(cfg.Auth.EncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize field encryption: %w", err)
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize services
	lockoutService := services.NewLockoutService(userRepo, auditService, logger)
	mfaService := services.NewMFAService(userRepo, auth.NewTOTPManager(cfg.Auth.TOTPIssuer), cipher, auditService, logger)
	authService := services.NewAuthService(userRepo, tokenManager, lockoutService, mfaService, notifier, auditService, logger)
	deviceService := services.NewDeviceTrustService(userRepo, tokenManager, notifier, auditService, logger)
	userService := services.NewUserService(userRepo, auditService, logger)
	recordService := services.NewMedicalRecordService(recordRepo, userRepo, cipher, auditService, logger)
	adminService := services.NewAdminService(services.AdminServiceConfig{
		Users:       userRepo,
		Stats:       userRepo,
		Audit:       auditRepo,
		Lockout:     lockoutService,
		MFA:         mfaService,
		Devices:     deviceService,
		Secrets:     secretManager,
		SecretGrace: cfg.Auth.SecretGracePeriod(),
		Recorder:    auditService,
		Logger:      logger,
	})

	// Bootstrap first admin user if configured
	bootstrapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := ensureAdminUser(bootstrapCtx, userRepo, cfg.Bootstrap, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize cleanup manager
	tasks := append([]background.CleanupTask{{
		Name: "expired signing secrets",
		Run:  secretManager.PruneExpired,
	}}, st.cleanup...)
	if days := cfg.Audit.RetentionDays; days > 0 {
		tasks = append(tasks, background.CleanupTask{
			Name: "audit retention",
			Run: func(ctx context.Context) (int64, error) {
				return auditService.PurgeOlderThan(ctx, days)
			},
		})
	}
	cleanupManager := background.NewCleanupManager(logger, cfg.Auth.CleanupInterval, tasks...)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.RealClientIP(pkghttp.NewIPResolver(cfg.Server.TrustedProxies)))
	router.Use(auth.CaptureRequestInfo)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Production: cfg.IsProduction()}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Handlers{
		Auth:           handlers.NewAuthHandler(authService, sessionManager, tokenManager.WebExpiry(), logger),
		MFA:            handlers.NewMFAHandler(mfaService, sessionManager, logger),
		Mobile:         handlers.NewMobileHandler(authService, deviceService, userRepo),
		Users:          handlers.NewUserHandler(userService),
		Admin:          handlers.NewAdminHandler(adminService, auditService),
		MedicalRecords: handlers.NewMedicalRecordHandler(recordService),
		System:         handlers.NewSystemHandler(db, cookies, logger),
	}, routes.Security{
		Sessions:      sessionManager,
		Authenticator: auth.NewAuthenticator(sessionManager, tokenManager, userRepo, logger),
		RateLimiter:   middlewareCustom.NewRateLimiter(st.blocks, auditService, logger),
		Recorder:      auditService,
		Responder:     handlers.NewErrorResponder(auditService, logger, cfg.IsProduction()),
		Logger:        logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", slog.Any("error", err))
	}

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Drain queued audit events after the last request has finished
	if err := auditService.Close(shutdownCtx); err != nil {
		logger.Error("audit queue did not drain", slog.Any("error", err))
	}

	logger.Info("server stopped gracefully")
	return nil
}

func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Redis.URL != "" {
		client, err := database.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis for secrets, sessions and rate limits")
		return &stores{
			secrets:  auth.NewRedisSecretStore(client),
			sessions: auth.NewRedisSessionStore(client),
			blocks:   middlewareCustom.NewRedisBlockStore(client),
			redis:    client,
		}, nil
	}

	if cfg.IsProduction() {
		logger.Warn("REDIS_URL not set, secrets, sessions and rate limits are local to this instance")
	}
	sessions := auth.NewMemorySessionStore()
	blocks := middlewareCustom.NewMemoryBlockStore()
	return &stores{
		secrets:  auth.NewMemorySecretStore(),
		sessions: sessions,
		blocks:   blocks,
		cleanup: []background.CleanupTask{
			{Name: "expired sessions", Run: sessions.Cleanup},
			{Name: "elapsed rate limit blocks", Run: blocks.Cleanup},
		},
	}, nil
}

func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.Notifier, error) {
	if !cfg.Email.Enabled() {
		logger.Info("SES not configured, notifications are written to the log")
		return services.NewLogNotifier(logger, cfg.Env), nil
	}

	notifier, err := services.NewSESNotifier(ctx, cfg.Email.Region, cfg.Email.FromAddress, cfg.Auth.PasswordResetURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize email service: %w", err)
	}
	return notifier, nil
}

// AdminCreator is the user store used to bootstrap the first administrator
type AdminCreator interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// ensureAdminUser creates the first superadmin if ADMIN_EMAIL and
// ADMIN_PASSWORD are set and no account with that email exists.
func ensureAdminUser(ctx context.Context, users AdminCreator, cfg config.BootstrapConfig, logger *slog.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || cfg.AdminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	// Check if admin already exists
	_, err := users.GetByEmail(ctx, email)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(cfg.AdminPassword); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hashedPassword,
		Role:         models.RoleAdmin,
		IsSuperadmin: true,
		Metadata:     models.UserMetadata{FirstName: "Admin"},
	})
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
