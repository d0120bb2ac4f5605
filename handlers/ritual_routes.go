package handlers

import (
	"errors"

	"recovery-engine/middleware"
	"recovery-engine/models"
	"recovery-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupRitualRoutes(app *fiber.App, ritualService *services.RitualService) {
	group := app.Group("/rituals", middleware.UserContextMiddleware())

	group.Get("/today", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		assignment, err := ritualService.GetTodayRitual(userID)
		if errors.Is(err, services.ErrPoolExhausted) {
			// Terminal daily state, not a failure.
			return c.JSON(fiber.Map{
				"done":    true,
				"message": "all rituals done for today",
			})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load today's ritual",
				"cause": err.Error(),
			})
		}

		return c.JSON(assignmentResponse(ritualService, assignment))
	})

	group.Post("/today", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		assignment, err := ritualService.RerollRitual(userID)
		var cooldown *services.RerollCooldownError
		switch {
		case errors.As(err, &cooldown):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":           "RerollOnCooldown",
				"hours_remaining": cooldown.Remaining.Hours(),
			})
		case errors.Is(err, services.ErrAlreadyCompleted):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "today's ritual is already completed",
			})
		case errors.Is(err, services.ErrPoolExhausted):
			return c.JSON(fiber.Map{
				"done":    true,
				"message": "all rituals done for today",
			})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "reroll failed",
				"cause": err.Error(),
			})
		}

		return c.JSON(assignmentResponse(ritualService, assignment))
	})

	group.Post("/complete", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			RitualID   string                  `json:"ritualId" validate:"required,uuid"`
			Difficulty models.RitualDifficulty `json:"difficulty"`
			Notes      string                  `json:"notes"`
			Mood       string                  `json:"mood"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		if req.RitualID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "ritualId is required",
			})
		}

		result, err := ritualService.CompleteRitual(userID, req.RitualID, req.Difficulty, req.Notes, req.Mood)
		switch {
		case errors.Is(err, services.ErrAlreadyCompleted):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "ritual already completed today",
			})
		case errors.Is(err, services.ErrRitualNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "ritual not found",
			})
		case errors.Is(err, services.ErrNoAssignment):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "ritual is not assigned for today",
			})
		case errors.Is(err, services.ErrInvalidDifficulty):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "difficulty does not match the assigned ritual",
			})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "completion failed",
				"cause": err.Error(),
			})
		}

		milestones := result.Milestones
		if milestones == nil {
			milestones = []services.MilestoneResult{}
		}
		return c.JSON(fiber.Map{
			"success":    true,
			"rewards":    result.Rewards,
			"streak":     result.Streak,
			"milestones": milestones,
		})
	})
}

func assignmentResponse(ritualService *services.RitualService, assignment *models.RitualAssignment) fiber.Map {
	resp := fiber.Map{
		"id":        assignment.ID,
		"day":       assignment.Day,
		"completed": assignment.CompletedAt != nil,
		"rerolled":  assignment.Rerolled,
	}
	if r := assignment.Ritual; r != nil {
		resp["ritual"] = fiber.Map{
			"id":               r.ID,
			"key":              r.Key,
			"title":            r.Title,
			"description":      r.Description,
			"description_html": ritualService.DescriptionHTML(r),
			"category":         r.Category,
			"difficulty":       r.Difficulty,
		}
		resp["reward_preview"] = fiber.Map{
			"xp":    r.BaseXP,
			"bytes": r.BaseBytes,
		}
	}
	return resp
}
