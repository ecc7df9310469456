package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/usercontext"
)

// UserLookup resolves API key hashes to users.
type UserLookup interface {
	GetByAPIKeyHash(hash string) (*models.User, error)
	TouchAPIKeyUsage(userID uint, at time.Time) error
}

// APIKeyConfig wires the identity middleware.
type APIKeyConfig struct {
	Users UserLookup
	// AdminKeyHash is a bcrypt hash; a matching key yields the AdminPrincipal.
	AdminKeyHash string
}

// APIKeyAuthMiddleware authenticates requests carrying an API key header and
// stores the resulting Principal on the request.
func APIKeyAuthMiddleware(cfg APIKeyConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		user, err := cfg.Users.GetByAPIKeyHash(models.HashAPIKey(apiKey))
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Errorf("api key lookup failed: %v", err)
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "API key verification failed"})
			}
			if isAdminKey(cfg.AdminKeyHash, apiKey) {
				usercontext.SetPrincipal(c, usercontext.AdminPrincipal{Name: "admin"})
				return c.Next()
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		if !user.IsActive() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
		}

		// Refresh last-used timestamp best-effort.
		if err := cfg.Users.TouchAPIKeyUsage(user.ID, time.Now()); err != nil {
			log.Warnf("failed to update api key usage timestamp for user %d: %v", user.ID, err)
		}

		if user.Role == models.ROLE_ADMIN {
			usercontext.SetPrincipal(c, usercontext.AdminPrincipal{Name: user.Name})
			return c.Next()
		}
		usercontext.SetPrincipal(c, usercontext.RegularUser{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.Name,
		})
		return c.Next()
	}
}

func isAdminKey(hash, apiKey string) bool {
	if strings.TrimSpace(hash) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
