package devapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "session_claims"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type expiryResponse struct {
	ExpiresAt int64 `json:"expiresAt"`
}

type profileResponse struct {
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// login handles POST /auth/login. Any non-empty credentials are accepted.
func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_credentials", "Bad Request", "Username and password are required")
	}
	return s.startSession(c, req.Username)
}

// refresh handles POST /auth/refresh. The presented token is rotated.
func (s *Server) refresh(c *fiber.Ctx) error {
	claims := sessionClaims(c)
	if !s.limiter.allow(claims.Subject) {
		s.logger.Warn().Str("subject", claims.Subject).Msg("refresh rate limited")
		return problemResponse(c, fiber.StatusTooManyRequests,
			"rate_limit_exceeded", "Too Many Requests", "Refresh rate limit exceeded")
	}
	s.sessions.revoke(claims)
	return s.startSession(c, claims.Subject)
}

// check handles GET /auth/check.
func (s *Server) check(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusOK)
}

// logout handles POST /auth/logout. It succeeds without a valid session.
func (s *Server) logout(c *fiber.Ctx) error {
	if claims, err := s.issuer.parse(c.Cookies(CookieName)); err == nil {
		s.sessions.revoke(claims)
		s.logger.Info().Str("subject", claims.Subject).Msg("session ended")
	}
	c.ClearCookie(CookieName)
	return c.SendStatus(fiber.StatusNoContent)
}

// profile handles GET /api/profile.
func (s *Server) profile(c *fiber.Ctx) error {
	claims := sessionClaims(c)
	return c.JSON(profileResponse{
		Username:  claims.Subject,
		SessionID: claims.ID,
		ExpiresAt: claims.ExpiresAt.Time.UnixMilli(),
	})
}

// requireSession rejects requests without a valid, unrevoked session cookie.
func (s *Server) requireSession(c *fiber.Ctx) error {
	raw := c.Cookies(CookieName)
	if raw == "" {
		return problemResponse(c, fiber.StatusUnauthorized,
			"missing_session", "Unauthorized", "Session cookie is required")
	}
	claims, err := s.issuer.parse(raw)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", c.Path()).Msg("rejected session token")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_session", "Unauthorized", "Session is invalid or expired")
	}
	if s.sessions.isRevoked(claims.ID) {
		return problemResponse(c, fiber.StatusUnauthorized,
			"revoked_session", "Unauthorized", "Session has ended")
	}
	c.Locals(claimsKey, claims)
	return c.Next()
}

func (s *Server) startSession(c *fiber.Ctx, subject string) error {
	token, claims, err := s.issuer.issue(subject)
	if err != nil {
		return err
	}
	c.Cookie(&fiber.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  claims.ExpiresAt.Time,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.JSON(expiryResponse{ExpiresAt: claims.ExpiresAt.Time.UnixMilli()})
}

func sessionClaims(c *fiber.Ctx) *jwt.RegisteredClaims {
	claims, _ := c.Locals(claimsKey).(*jwt.RegisteredClaims)
	return claims
}
