package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"recovery-engine/services"

	"github.com/gofiber/fiber/v2"
)

func newSecuredApp() *fiber.App {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user_id": c.Locals("user_id")})
	})
	admin := app.Group("/admin", RequireRole("admin"))
	admin.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestUserContextRequiresUserHeader(t *testing.T) {
	app := newSecuredApp()

	req := httptest.NewRequest("GET", "/me", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-ID", "user-1")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRequireRoleChecksGatewayRoles(t *testing.T) {
	app := newSecuredApp()

	req := httptest.NewRequest("GET", "/admin/ping", nil)
	req.Header.Set("X-User-ID", "user-1")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status without role = %d, want 403", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/admin/ping", nil)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-User-Roles", "support, admin")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status with role = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware())
	app.Patch("/checkin", RateLimit(services.NewMemoryLimiter(), "checkin", 2, time.Hour), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("PATCH", "/checkin", nil)
		req.Header.Set("X-User-ID", "user-1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test returned error: %v", err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request #%d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	req := httptest.NewRequest("PATCH", "/checkin", nil)
	req.Header.Set("X-User-ID", "user-1")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header on denial")
	}

	// Another user is untouched by the first user's counter.
	req = httptest.NewRequest("PATCH", "/checkin", nil)
	req.Header.Set("X-User-ID", "user-2")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second user status = %d, want 200", resp.StatusCode)
	}
}
