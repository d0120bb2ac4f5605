package handlers

import (
	"errors"
	"time"

	"recovery-engine/middleware"
	"recovery-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupNoContactRoutes(app *fiber.App, noContactService *services.NoContactService, limiter services.Limiter) {
	group := app.Group("/no-contact", middleware.UserContextMiddleware())

	group.Patch("/checkin",
		middleware.RateLimit(limiter, "checkin", 5, time.Minute),
		func(c *fiber.Ctx) error {
			userID := c.Locals("user_id").(string)

			result, err := noContactService.DailyCheckin(userID)
			if errors.Is(err, services.ErrShieldActive) {
				// Benign conflict: the streak is already counted for this window.
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error": "already checked in — shield still active",
				})
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "check-in failed",
					"cause": err.Error(),
				})
			}

			return c.JSON(fiber.Map{
				"success":           true,
				"xpEarned":          result.XPEarned,
				"bytesEarned":       result.BytesEarned,
				"streak":            result.Streak,
				"shield_expires_at": result.ShieldExpires,
			})
		})

	group.Get("/status", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		status, err := noContactService.EnsureStatus(userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load status",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"state":             status.State,
			"streak":            status.StreakCount,
			"shield_expires_at": status.ShieldExpires,
			"last_checkin_at":   status.LastCheckinAt,
		})
	})
}
