package trapgate

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ClientIP resolves the originating address the way proxies present it.
func ClientIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

// RequestFromCtx normalizes a fiber request into the pipeline's input
// shape. Query parameters keep the order the client sent them.
func RequestFromCtx(c *fiber.Ctx) *Request {
	req := &Request{
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		SourceAddress: ClientIP(c),
		UserAgent:     c.Get("User-Agent"),
		Endpoint:      c.Path(),
		Headers:       make(map[string]string),
		Body:          string(c.Body()),
		SessionID:     sessionID(c),
	}
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		req.QueryParams = append(req.QueryParams, QueryParam{Key: string(key), Value: string(value)})
	})
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Headers[strings.ToLower(string(key))] = string(value)
	})
	return req
}

func sessionID(c *fiber.Ctx) string {
	if sid := c.Cookies("session_id"); sid != "" {
		return sid
	}
	return c.Get("X-Session-ID")
}

// Middleware classifies every request through the orchestrator and acts on
// the verdict: allow forwards to the origin, countermeasures serves the
// deceptive payload as a normal success, block returns a generic denial.
func Middleware(o *Orchestrator, limiter *TokenBucketRateLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := RequestFromCtx(c)
		verdict := o.Process(req)

		if verdict.FailClosed {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "temporarily unavailable",
			})
		}

		if limiter != nil && hasRateLimit(verdict.RiskAssessment.Actions) {
			aggressive := hasAction(verdict.RiskAssessment.Actions, "aggressive_rate_limit")
			if !limiter.Allow(FingerprintRequest(req).Hex(), aggressive) {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "rate limit exceeded",
				})
			}
		}

		switch verdict.Action {
		case ActionCountermeasures:
			// Indistinguishable from a normal success response.
			body, err := verdict.DeceptivePayload.Serialize()
			if err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "temporarily unavailable",
				})
			}
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(fiber.StatusOK).Send(body)
		case ActionBlock:
			// Generic denial; nothing about defense state leaks.
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "forbidden",
			})
		default:
			return c.Next()
		}
	}
}

func hasAction(actions []string, name string) bool {
	for _, a := range actions {
		if a == name {
			return true
		}
	}
	return false
}

func hasRateLimit(actions []string) bool {
	return hasAction(actions, "rate_limit") || hasAction(actions, "aggressive_rate_limit")
}
