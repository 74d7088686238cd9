package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	subjectPattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
	injectionPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|\x00)`)
)

type Config struct {
	MaxPages            int
	MaxURLLength        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware validates submission and session payloads before they reach the
// handlers: subject format, page count, and that every page reference is an
// http(s) URL. Provider selection is never influenced by request content, so
// nothing here needs to reach deeper than shape checks.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 20
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = 2048
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == "POST" || c.Method() == "PUT" {
			contentType := c.Get("Content-Type")
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
		}

		path := c.Path()

		if c.Method() == "POST" && strings.Contains(path, "/api/v1/submissions") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			subject, ok := req["subject"].(string)
			if !ok || subject == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Subject is required and must be a string",
				})
			}
			if !subjectPattern.MatchString(subject) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid subject format",
				})
			}

			pages, ok := req["page_urls"].([]interface{})
			if !ok || len(pages) == 0 {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "At least one page URL is required",
				})
			}
			if len(pages) > cfg.MaxPages {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Too many pages in one submission",
				})
			}

			for _, p := range pages {
				pageURL, ok := p.(string)
				if !ok || pageURL == "" || len(pageURL) > cfg.MaxURLLength {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Page URLs must be non-empty strings",
					})
				}
				if !isValidPageURL(pageURL) {
					cfg.Logger.Warn("Rejected page URL",
						zap.String("ip", c.IP()),
						zap.String("url", pageURL),
					)
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Invalid page URL",
					})
				}
			}
		}

		if c.Method() == "POST" && strings.Contains(path, "/api/v1/sessions") {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			jobID, ok := req["job_id"].(string)
			if !ok || jobID == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Job id is required and must be a string",
				})
			}

			if learnerID, ok := req["learner_id"].(string); ok && containsInjection(learnerID) {
				cfg.Logger.Warn("Rejected learner id",
					zap.String("ip", c.IP()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid learner id",
				})
			}
		}

		return c.Next()
	}
}

func containsInjection(input string) bool {
	return injectionPattern.MatchString(input)
}

func isValidPageURL(urlStr string) bool {
	if containsInjection(urlStr) {
		return false
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}
