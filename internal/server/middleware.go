package server

import (
	"crypto/subtle"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// authMiddleware checks the control token on protected routes. Websocket
// clients that cannot set headers may pass it as ?token=.
func (s *FiberServer) authMiddleware(c *fiber.Ctx) error {
	expected := s.cfg.Control.Token
	if expected == "" {
		return c.Next()
	}

	token := c.Query("token")
	if token == "" {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header required",
			})
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token",
		})
	}
	return c.Next()
}

func (s *FiberServer) rateLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        s.cfg.Security.RateLimit,
		Expiration: s.cfg.Security.RateWindow.Duration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // limit by IP address
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests",
			})
		},
	})
}

// localOrigin matches pages served by a dev server on this machine.
var localOrigin = regexp.MustCompile(`^http://localhost(:[0-9]+)?$`)

func isLocalOrigin(origin string) bool {
	return localOrigin.MatchString(origin)
}
