package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maumercado/credqueue/internal/api/handlers"
	apiMiddleware "github.com/maumercado/credqueue/internal/api/middleware"
	"github.com/maumercado/credqueue/internal/api/websocket"
	"github.com/maumercado/credqueue/internal/config"
	"github.com/maumercado/credqueue/internal/coordinator"
	"github.com/maumercado/credqueue/internal/events"
	"github.com/maumercado/credqueue/internal/oauth"
	"github.com/maumercado/credqueue/internal/queue"
)

// coordinatorInvalidateRPS caps how often the dependency-invalidation
// endpoint can be called; it is the only admin route with a rate limit.
// Invalidating is rare and disruptive enough to warrant a ceiling.
const coordinatorInvalidateRPS = 1

// Server represents the HTTP server
type Server struct {
	router       *chi.Mux
	queue        *queue.RedisQueue
	dlq          *queue.DLQ
	config       *config.Config
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	publisher    *events.RedisPubSub
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, q *queue.RedisQueue, dlq *queue.DLQ, publisher *events.RedisPubSub) *Server {
	wsHub := websocket.NewHub(publisher)

	// Create schedule task function
	scheduleTask := queue.ScheduleTaskFunc(q.Client())

	s := &Server{
		router:       chi.NewRouter(),
		queue:        q,
		dlq:          dlq,
		config:       cfg,
		taskHandler:  handlers.NewTaskHandler(q, scheduleTask, cfg.Queue.MaxQueueSize),
		adminHandler: handlers.NewAdminHandler(q, dlq).WithHub(wsHub),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		publisher:    publisher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// WithCredentials attaches the token coordinator to the admin handler so
// GET /admin/coordinator and POST /admin/coordinator/invalidate become
// available.
func (s *Server) WithCredentials(c *coordinator.Coordinator[oauth.Token, map[string]interface{}]) *Server {
	s.adminHandler.WithCredentials(c)
	return s
}

// authConfig adapts the service's flat Auth configuration to the shape
// apiMiddleware.Auth expects.
func (s *Server) authConfig() *apiMiddleware.AuthConfig {
	keys := make(map[string]bool, len(s.config.Auth.APIKeys))
	for _, k := range s.config.Auth.APIKeys {
		keys[k] = true
	}
	return &apiMiddleware.AuthConfig{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		APIKeys:   keys,
	}
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(apiMiddleware.RequestLogger())

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Content type for API routes
		r.Use(middleware.AllowContentType("application/json"))

		// Rate limiting for API routes
		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
			r.Get("/", s.taskHandler.List)
		})
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		// Worker management
		r.Get("/workers", s.adminHandler.ListWorkers)
		r.Get("/workers/{workerID}", s.adminHandler.GetWorker)
		r.Post("/workers/{workerID}/pause", s.adminHandler.PauseWorker)
		r.Post("/workers/{workerID}/resume", s.adminHandler.ResumeWorker)

		// Queue management
		r.Get("/queues", s.adminHandler.GetQueues)
		r.Delete("/queues/{priority}", s.adminHandler.PurgeQueue)

		// Task management
		r.Post("/tasks/{taskID}/retry", s.adminHandler.RetryTask)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/retry", s.adminHandler.RetryDLQ)
		r.Delete("/dlq", s.adminHandler.ClearDLQ)

		// Credential coordinator introspection
		r.Get("/coordinator", s.adminHandler.GetCoordinator)

		// Invalidating the shared dependency forces every credentialed
		// handler through a refresh; require an authenticated admin
		// caller and cap its request rate, rather than leaving it open
		// and unlimited like the other admin routes.
		r.With(
			apiMiddleware.Auth(s.authConfig()),
			apiMiddleware.RequireRole("admin"),
			apiMiddleware.RateLimit(coordinatorInvalidateRPS),
		).Post("/coordinator/invalidate", s.adminHandler.InvalidateCoordinator)
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}
