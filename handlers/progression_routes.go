package handlers

import (
	"fmt"
	"strconv"

	"recovery-engine/middleware"
	"recovery-engine/models"
	"recovery-engine/services"
	"recovery-engine/utils"

	"github.com/gofiber/fiber/v2"
)

func SetupProgressionRoutes(app *fiber.App, progressionService *services.ProgressionService, badgeService *services.BadgeService, noContactService *services.NoContactService) {
	group := app.Group("/user", middleware.UserContextMiddleware())

	group.Get("/progress", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		prog, err := progressionService.EnsureProgressRecord(userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load progress",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"id":                    prog.ID,
			"tier":                  prog.Tier,
			"xp":                    prog.TotalXP,
			"level":                 prog.Level,
			"bytes":                 prog.BytesBalance,
			"ritual_streak":         prog.RitualStreak,
			"longest_ritual_streak": prog.LongestRitualStreak,
			"no_contact_streak":     prog.NoContactStreak,
			"total_rituals":         prog.TotalRituals,
			"total_checkins":        prog.TotalCheckins,
			"last_level_up_at":      prog.LastLevelUpAt,
		})
	})

	group.Get("/progress/history", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		page, _ := strconv.Atoi(c.Query("page", "1"))
		size, _ := strconv.Atoi(c.Query("size", "20"))

		entries, total, err := progressionService.History(userID, page, size)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to get history",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"entries":     entries,
			"page":        page,
			"size":        size,
			"total_items": total,
		})
	})

	group.Get("/progress/badges", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		badges, err := badgeService.ListUserBadges(userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to get badges",
				"cause": err.Error(),
			})
		}
		if badges == nil {
			badges = []services.UserBadgeView{}
		}
		return c.JSON(badges)
	})

	// Admin endpoints
	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	adminGroup.Post("/xp/grant", func(c *fiber.Ctx) error {
		var req struct {
			UserID string `json:"user_id" validate:"required,uuid"`
			XP     int64  `json:"xp" validate:"required,min=1"`
			Reason string `json:"reason" validate:"max=255"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
		if req.UserID == "" || req.XP < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "user_id and a positive xp are required",
			})
		}
		if req.Reason == "" {
			req.Reason = "admin_grant"
		}

		prog, err := progressionService.GrantXP(req.UserID, req.XP, req.Reason)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "XP award failed",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"message": "XP granted successfully",
			"user_id": req.UserID,
			"xp":      req.XP,
			"level":   prog.Level,
		})
	})

	adminGroup.Post("/no-contact/reset", func(c *fiber.Ctx) error {
		var req struct {
			UserID string `json:"user_id" validate:"required,uuid"`
		}
		if err := c.BodyParser(&req); err != nil || req.UserID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "user_id is required",
			})
		}

		transition, err := noContactService.Reset(req.UserID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "reset failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"message":    "streak reset",
			"transition": transition,
		})
	})

	adminGroup.Post("/badges/:code/icon", func(c *fiber.Ctx) error {
		code := c.Params("code")

		fileHeader, err := c.FormFile("icon")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "icon file is required",
			})
		}

		var badge models.BadgeType
		if err := badgeService.DB.Where("code = ?", code).First(&badge).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "badge not found",
			})
		}

		url, err := utils.UploadBadgeIcon(fileHeader, fmt.Sprintf("badges/%s%s", badge.ID, utils.FileExt(fileHeader.Filename)))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "icon upload failed",
				"cause": err.Error(),
			})
		}

		if err := badgeService.DB.Model(&badge).Update("icon_url", url).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to save icon URL",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"code":     code,
			"icon_url": url,
		})
	})
}
