// Package devapi is a local implementation of the Memorio auth endpoints,
// used to run the session agent end to end without the production backend.
package devapi

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/memorio/session-agent/internal/authapi"
	"github.com/memorio/session-agent/internal/requestid"
)

// CookieName is the session cookie set by login and refresh.
const CookieName = "memorio_session"

// Config holds the development API settings.
type Config struct {
	ListenAddr   string
	SigningKey   []byte
	SessionTTL   time.Duration
	RefreshRPS   float64
	RefreshBurst int
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Server is the development API Fiber application.
type Server struct {
	app      *fiber.App
	config   Config
	issuer   *issuer
	sessions *sessionRegistry
	limiter  *subjectLimiter
	logger   zerolog.Logger
}

// NewServer creates and configures the development API.
func NewServer(cfg Config, logger zerolog.Logger) (*Server, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("devapi: signing key is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 1
	}

	s := &Server{
		config:   cfg,
		issuer:   newIssuer(cfg.SigningKey, cfg.SessionTTL, cfg.Clock),
		sessions: newSessionRegistry(cfg.Clock),
		limiter:  newSubjectLimiter(cfg.RefreshRPS, cfg.RefreshBurst, cfg.Clock),
		logger:   logger.With().Str("component", "devapi").Logger(),
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.Context())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if c.Path() == "/healthz" {
			return err
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Interface("request_id", c.Locals("request_id")).
			Msg("devapi request")
		return err
	})
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.app.Post(authapi.PathLogin, s.login)
	s.app.Post(authapi.PathRefresh, s.requireSession, s.refresh)
	s.app.Get(authapi.PathCheck, s.requireSession, s.check)
	s.app.Post(authapi.PathLogout, s.logout)

	api := s.app.Group("/api", s.requireSession)
	api.Get("/profile", s.profile)
}

// Start listens on the configured address. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3000"
	}
	s.logger.Info().Str("addr", addr).Msg("development API starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("development API shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	s.logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("unhandled error")

	detail := err.Error()
	if code == fiber.StatusInternalServerError {
		detail = "An internal error occurred"
	}
	return problemResponse(c, code, "internal_error", "Internal Server Error", detail)
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
