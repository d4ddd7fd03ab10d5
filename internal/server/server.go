// Package server contains the HTTP handlers and routes of the allocation portal API.
package server

import (
	"context"
	"strings"
	"time"

	_ "coldfront/docs" // swagger docs
	"coldfront/internal/bootstrap"
	"coldfront/internal/cache"
	"coldfront/internal/config"
	"coldfront/internal/featureflags"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/repository"
	"coldfront/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	runtime        *bootstrap.Runtime
	promMiddleware *fiberprometheus.FiberPrometheus
	featureFlags   *featureflags.Flags

	userRepo       repository.UserRepository
	requestRepo    repository.RequestRepository
	projectRepo    repository.ProjectRepository
	allocationRepo repository.AllocationRepository

	authService          *service.AuthService
	userService          *service.UserService
	savioService         *service.SavioService
	vectorService        *service.VectorService
	renewalService       *service.RenewalService
	additionService      *service.AdditionService
	secureDirService     *service.SecureDirService
	deactivationService  *service.DeactivationService
	deletionService      *service.DeletionService
	identityService      *service.IdentityService
	membershipService    *service.MembershipService
	clusterAccessService *service.ClusterAccessService
}

// NewServer initializes the runtime and creates a server on top of it.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{ApplySchema: true, EnsureDefaults: true})
	if err != nil {
		return nil, err
	}
	s := NewServerWithDeps(cfg, rt.Deps(), rt.Redis)
	s.runtime = rt
	return s, nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Tests use it with an in-memory database and no Redis.
func NewServerWithDeps(cfg *config.Config, deps service.Deps, redisClient *redis.Client) *Server {
	deps.Config = cfg
	middleware.InitMiddleware(cfg)
	middleware.SetRevocationCheck(cache.IsTokenRevoked)

	// LoadConfig has already rejected malformed FEATURE_FLAGS.
	flags, _ := featureflags.Parse(cfg.FeatureFlags)
	userRepo := repository.NewUserRepository(deps.DB)
	return &Server{
		config:         cfg,
		db:             deps.DB,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("coldfront-api"),
		featureFlags:   flags,

		userRepo:       userRepo,
		requestRepo:    repository.NewRequestRepository(deps.DB),
		projectRepo:    repository.NewProjectRepository(deps.DB),
		allocationRepo: repository.NewAllocationRepository(deps.DB),

		authService:          service.NewAuthService(userRepo, cfg),
		userService:          service.NewUserService(userRepo),
		savioService:         service.NewSavioService(deps),
		vectorService:        service.NewVectorService(deps),
		renewalService:       service.NewRenewalService(deps),
		additionService:      service.NewAdditionService(deps),
		secureDirService:     service.NewSecureDirService(deps),
		deactivationService:  service.NewDeactivationService(deps),
		deletionService:      service.NewDeletionService(deps),
		identityService:      service.NewIdentityService(deps),
		membershipService:    service.NewMembershipService(deps),
		clusterAccessService: service.NewClusterAccessService(deps),
	}
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	app.Use(middleware.TracingMiddleware())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	// Prometheus Metrics
	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		ExposeHeaders:    middleware.TraceIDHeader + ", " + fiber.HeaderRetryAfter,
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Per-IP budget on everything but preflights and health checks.
	perMinute := s.config.APIRateLimit
	if perMinute <= 0 {
		perMinute = 100
	}
	app.Use(limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || strings.HasPrefix(c.Path(), "/health") || c.Path() == "/metrics"
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	api := app.Group("/api")
	limits := middleware.NewLimiter(s.redis, s.config.Env)
	api.Post("/api_token_auth", limits.Handler(middleware.TokenAuthLimit), s.ObtainToken)

	protected := api.Group("", middleware.AuthRequired, s.LoadUser())
	protected.Post("/api_token_auth/revoke", s.RevokeToken)
	protected.Get("/feature_flags", s.GetFeatureFlags)

	users := protected.Group("/users")
	users.Get("/", s.ListUsers)
	users.Get("/:id", s.GetUser)

	// Any user may request a linking email for themselves; registered ahead
	// of the staff-only group so its middleware does not apply.
	protected.Post("/identity_linking_requests",
		s.WorkflowEnabled(featureflags.IdentityLinking), s.CreateIdentityLinkingRequest)

	identity := protected.Group("/identity_linking_requests",
		s.WorkflowEnabled(featureflags.IdentityLinking), s.SuperuserOrStaff())
	identity.Get("/", s.ListIdentityLinkingRequests)
	identity.Get("/:id", s.GetIdentityLinkingRequest)
	identity.Patch("/:id", s.UpdateIdentityLinkingRequest)

	deactivations := protected.Group("/account_deactivation_requests",
		s.WorkflowEnabled(featureflags.AccountDeactivation), s.SuperuserOrStaff())
	deactivations.Get("/", s.ListDeactivationRequests)
	deactivations.Post("/", s.CreateDeactivationRequest)
	deactivations.Get("/:id", s.GetDeactivationRequest)
	deactivations.Patch("/:id", s.UpdateDeactivationRequest)

	access := protected.Group("/cluster_access_requests", s.StaffRequired())
	access.Get("/", s.ListClusterAccessRequests)
	access.Get("/:id", s.GetClusterAccessRequest)
	access.Post("/:id/processing", s.ProcessClusterAccessRequest)
	access.Post("/:id/complete", s.CompleteClusterAccessRequest)
	access.Post("/:id/deny", s.DenyClusterAccessRequest)

	removals := protected.Group("/project_user_removal_requests")
	removals.Post("/", s.CreateRemovalRequest)
	removals.Get("/", s.SuperuserOrStaff(), s.ListRemovalRequests)
	removals.Get("/:id", s.SuperuserOrStaff(), s.GetRemovalRequest)
	removals.Patch("/:id", s.SuperuserOrStaff(), s.UpdateRemovalRequest)

	savio := protected.Group("/savio_project_requests", s.WorkflowEnabled(featureflags.SavioProjectRequests))
	savio.Get("/", s.ListSavioRequests)
	savio.Post("/", s.CreateSavioRequest)
	savio.Get("/:id", s.GetSavioRequest)
	savio.Post("/:id/eligibility", s.StaffRequired(), s.ReviewSavioEligibility)
	savio.Post("/:id/readiness", s.StaffRequired(), s.ReviewSavioReadiness)
	savio.Post("/:id/allocation_dates", s.StaffRequired(), s.ReviewSavioAllocationDates)
	savio.Post("/:id/memorandum_signed", s.StaffRequired(), s.ReviewSavioMemorandum)
	savio.Post("/:id/setup", s.StaffRequired(), s.ReviewSavioSetup)
	savio.Post("/:id/deny", s.StaffRequired(), s.DenySavioRequest)
	savio.Post("/:id/undeny", s.StaffRequired(), s.UndenySavioRequest)
	savio.Post("/:id/approve", s.StaffRequired(), s.ApproveSavioRequest)

	vector := protected.Group("/vector_project_requests", s.WorkflowEnabled(featureflags.VectorProjectRequests))
	vector.Get("/", s.ListVectorRequests)
	vector.Post("/", s.CreateVectorRequest)
	vector.Get("/:id", s.GetVectorRequest)
	vector.Post("/:id/eligibility", s.StaffRequired(), s.ReviewVectorEligibility)
	vector.Post("/:id/setup", s.StaffRequired(), s.ReviewVectorSetup)
	vector.Post("/:id/deny", s.StaffRequired(), s.DenyVectorRequest)
	vector.Post("/:id/undeny", s.StaffRequired(), s.UndenyVectorRequest)
	vector.Post("/:id/approve", s.StaffRequired(), s.ApproveVectorRequest)

	renewals := protected.Group("/allocation_renewal_requests", s.WorkflowEnabled(featureflags.AllocationRenewalRequests))
	renewals.Get("/", s.ListRenewalRequests)
	renewals.Post("/", s.CreateRenewalRequest)
	renewals.Get("/pi_status", s.GetRenewalStatus)
	renewals.Get("/:id", s.GetRenewalRequest)
	renewals.Post("/:id/eligibility", s.StaffRequired(), s.ReviewRenewalEligibility)
	renewals.Post("/:id/deny", s.StaffRequired(), s.DenyRenewalRequest)
	renewals.Post("/:id/approve", s.StaffRequired(), s.ApproveRenewalRequest)
	renewals.Post("/:id/process", s.StaffRequired(), s.ProcessRenewalRequest)

	additions := protected.Group("/allocation_addition_requests", s.WorkflowEnabled(featureflags.AllocationAdditionRequests))
	additions.Get("/", s.ListAdditionRequests)
	additions.Post("/", s.CreateAdditionRequest)
	additions.Get("/:id", s.GetAdditionRequest)
	additions.Post("/:id/memorandum_signed", s.StaffRequired(), s.ReviewAdditionMemorandum)
	additions.Post("/:id/deny", s.StaffRequired(), s.DenyAdditionRequest)
	additions.Post("/:id/process", s.StaffRequired(), s.ProcessAdditionRequest)

	// Define the manage_users routes BEFORE the generic /:id routes
	secureDirs := protected.Group("/secure_dir_requests", s.WorkflowEnabled(featureflags.SecureDirRequests))
	secureDirs.Get("/manage_users", s.ListSecureDirUserRequests)
	secureDirs.Post("/manage_users", s.CreateSecureDirUserRequests)
	secureDirs.Get("/manage_users/:id", s.GetSecureDirUserRequest)
	secureDirs.Patch("/manage_users/:id", s.StaffRequired(), s.UpdateSecureDirUserRequest)
	secureDirs.Post("/manage_users/:id/deny", s.StaffRequired(), s.DenySecureDirUserRequest)
	secureDirs.Get("/", s.ListSecureDirRequests)
	secureDirs.Post("/", s.CreateSecureDirRequest)
	secureDirs.Get("/:id", s.GetSecureDirRequest)
	secureDirs.Post("/:id/rdm_consultation", s.StaffRequired(), s.ReviewSecureDirRDM)
	secureDirs.Post("/:id/mou", s.StaffRequired(), s.ReviewSecureDirMOU)
	secureDirs.Post("/:id/setup", s.StaffRequired(), s.ReviewSecureDirSetup)
	secureDirs.Post("/:id/deny", s.StaffRequired(), s.DenySecureDirRequest)
	secureDirs.Post("/:id/approve", s.StaffRequired(), s.ApproveSecureDirRequest)

	deletions := protected.Group("/account_deletion_requests", s.WorkflowEnabled(featureflags.AccountDeletion))
	deletions.Get("/", s.ListDeletionRequests)
	deletions.Post("/", s.CreateDeletionRequest)
	deletions.Get("/:id", s.GetDeletionRequest)
	deletions.Post("/:id/project_removal", s.StaffRequired(), s.ConfirmDeletionProjectRemoval)
	deletions.Post("/:id/data_deletion", s.StaffRequired(), s.UpdateDeletionDataDeletion)
	deletions.Post("/:id/complete", s.StaffRequired(), s.CompleteDeletionRequest)
	deletions.Post("/:id/cancel", s.StaffRequired(), s.CancelDeletionRequest)

	projects := protected.Group("/projects")
	projects.Get("/", s.ListProjects)
	projects.Get("/:id", s.GetProject)

	periods := protected.Group("/allocation_periods")
	periods.Get("/current", s.CurrentAllocationPeriods)
	periods.Get("/:id", s.GetAllocationPeriod)
	protected.Get("/resources", s.GetResource)

	joins := protected.Group("/projects/:id/join_requests", s.WorkflowEnabled(featureflags.ProjectJoinRequests))
	joins.Get("/", s.ListJoinRequests)
	joins.Post("/", limits.Handler(middleware.JoinRequestLimit), s.CreateJoinRequest)
	joins.Post("/:userId/review", s.ReviewJoinRequest)
}

// LivenessCheck handles liveness check requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness check requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	// Redis only backs caching, locks and the activity feed.
	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	} else if redisStatus != "healthy" {
		overallStatus = "degraded"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// App builds the Fiber app with middleware and routes installed.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "ColdFront API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", "error", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start starts the server
func (s *Server) Start() error {
	s.app = s.App()
	middleware.Logger.Info("server starting", "port", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", "error", err)
		}
	}

	if s.runtime != nil {
		if err := s.runtime.Close(); err != nil {
			middleware.Logger.Error("error closing runtime", "error", err)
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
