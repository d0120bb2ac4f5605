package handlers

import (
	"errors"
	"time"

	"recovery-engine/middleware"
	"recovery-engine/models"
	"recovery-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQuotaRoutes(app *fiber.App, quotaService *services.QuotaService, limiter services.Limiter) {
	group := app.Group("/ai-therapy", middleware.UserContextMiddleware())

	group.Get("/quota", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		snapshot, err := quotaService.Snapshot(userID, models.FeatureAITherapy)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load quota",
				"cause": err.Error(),
			})
		}
		return c.JSON(snapshot)
	})

	// Called by the AI companion backend per message.
	group.Post("/consume",
		middleware.RateLimit(limiter, "ai_consume", 30, time.Minute),
		func(c *fiber.Ctx) error {
			userID := c.Locals("user_id").(string)

			var req struct {
				Amount int64 `json:"amount"`
			}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid JSON",
					"cause": err.Error(),
				})
			}
			if req.Amount == 0 {
				req.Amount = 1
			}

			decision, err := quotaService.Consume(userID, models.FeatureAITherapy, req.Amount)
			if errors.Is(err, services.ErrInvalidAmount) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "amount must be positive",
				})
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "quota check failed",
					"cause": err.Error(),
				})
			}
			return c.JSON(decision)
		})

	group.Post("/purchase",
		middleware.RateLimit(limiter, "ai_purchase", 5, time.Minute),
		func(c *fiber.Ctx) error {
			userID := c.Locals("user_id").(string)

			var req struct {
				Amount       int64 `json:"amount"`
				DurationDays int   `json:"durationDays"`
			}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid JSON",
					"cause": err.Error(),
				})
			}
			if req.DurationDays == 0 {
				req.DurationDays = 30
			}

			topUp, err := quotaService.Purchase(userID, models.FeatureAITherapy, req.Amount, req.DurationDays)
			switch {
			case errors.Is(err, services.ErrInvalidAmount):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "amount must be positive",
				})
			case errors.Is(err, services.ErrInsufficientBytes):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "insufficient byte balance",
				})
			case err != nil:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "purchase failed",
					"cause": err.Error(),
				})
			}

			return c.Status(fiber.StatusCreated).JSON(topUp)
		})

	group.Post("/redeem",
		middleware.RateLimit(limiter, "ai_redeem", 5, time.Minute),
		func(c *fiber.Ctx) error {
			userID := c.Locals("user_id").(string)

			var req struct {
				Amount       int64 `json:"amount"`
				DurationDays int   `json:"durationDays"`
			}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid JSON",
					"cause": err.Error(),
				})
			}
			if req.DurationDays == 0 {
				req.DurationDays = 30
			}

			topUp, err := quotaService.Grant(userID, models.FeatureAITherapy, req.Amount, req.DurationDays, "redeem")
			if errors.Is(err, services.ErrInvalidAmount) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "amount must be positive",
				})
			}
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "redeem failed",
					"cause": err.Error(),
				})
			}

			return c.Status(fiber.StatusCreated).JSON(topUp)
		})
}
