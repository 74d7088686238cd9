package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets the response headers for a JSON/SSE API that serves
// no HTML of its own.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		csp := "default-src 'none'; " +
			"connect-src 'self' " + buildConnectSrc(cfg.AllowedOrigins) + "; " +
			"frame-ancestors 'none'; " +
			"base-uri 'self'"
		c.Set("Content-Security-Policy", csp)

		// Grading results are learner data; keep intermediaries from caching
		// them. The event stream sets its own cache headers.
		if strings.HasPrefix(c.Path(), "/api/") && !strings.Contains(c.Path(), "/events") {
			c.Set("Cache-Control", "no-store")
		}

		return c.Next()
	}
}

func buildConnectSrc(origins []string) string {
	if len(origins) == 0 {
		return ""
	}

	connectSrc := ""
	for _, origin := range origins {
		connectSrc += origin + " "
	}
	return strings.TrimSpace(connectSrc)
}
