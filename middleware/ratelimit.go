package middleware

import (
	"strconv"
	"time"

	"recovery-engine/logger"
	"recovery-engine/services"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RateLimit gates a route group on a fixed-window counter keyed by
// action:userID. A denial maps to 429 with Retry-After. The limiter fails
// open: a store error must not take the product down with it.
func RateLimit(limiter services.Limiter, action string, max int64, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		if userID == "" {
			userID = c.IP()
		}

		decision, err := limiter.Allow(action+":"+userID, max, window)
		if err != nil {
			logger.Error("rate limiter unavailable", zap.String("action", action), zap.Error(err))
			return c.Next()
		}
		if !decision.OK {
			c.Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": decision.RetryAfterSeconds,
			})
		}
		return c.Next()
	}
}
