package threatguard

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ClientID resolves the client identifier, honoring proxy headers the way
// upstream load balancers set them.
func (e *Engine) ClientID(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := c.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	return c.IP()
}

// Handler returns the per-request middleware: bypass check, block-registry
// check, classification, history record, then mitigation. The throttle
// delay suspends only the current request's goroutine; other requests keep
// being served.
func (e *Engine) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := e.ClientID(c)
		profile := newRequestProfile(clientID, clientID, e.trust.IdentityHeader(), c.Request())

		decision := e.Decide(profile)
		switch decision.Action {
		case ActionBlock:
			return e.deny(c, decision)
		case ActionThrottle:
			timer := time.NewTimer(e.cfg.Blocking.ThrottleDelay.Std())
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-c.Context().Done():
				// The connection is gone or the server is shutting
				// down; nobody is left to answer, so skip the handler
				// chain entirely.
				return nil
			}
			c.Set("X-Threat-Score", strconv.Itoa(decision.Request.Score))
			return c.Next()
		case ActionChallenge:
			// Soft signal only: no actual challenge is issued.
			c.Set("X-Security-Challenge", "suggested")
			c.Set("X-Threat-Score", strconv.Itoa(decision.Request.Score))
			c.Set("X-Threat-Level", string(decision.Request.Level))
			return c.Next()
		default:
			return c.Next()
		}
	}
}

func (e *Engine) deny(c *fiber.Ctx, d Decision) error {
	message := d.Block.Reason
	if message == "" {
		message = "request blocked"
	}
	body := fiber.Map{
		"error":   "forbidden",
		"message": message,
	}
	if d.PreBlocked {
		body["blockedUntil"] = d.Block.ExpiresAt.Format(time.RFC3339)
	} else {
		body["threatLevel"] = d.Request.Level
		body["score"] = d.Request.Score
	}
	return c.Status(fiber.StatusForbidden).JSON(body)
}

// RegisterAdminRoutes mounts the administrative surface on router. The
// engine trusts that only authorized callers reach these operations;
// authentication belongs to the host application.
func (e *Engine) RegisterAdminRoutes(router fiber.Router) {
	router.Get("/analytics", e.handleAnalytics)
	router.Get("/blocked-ips", e.handleBlockedIPs)
	router.Post("/block-ip", e.handleBlockIP)
	router.Post("/unblock-ip", e.handleUnblockIP)
	router.Post("/clear-blocked-ips", e.handleClearBlockedIPs)
	router.Get("/dashboard", e.handleDashboard)
	router.Get("/health", e.handleHealth)
	router.Get("/metrics", e.handleMetrics)
}

func (e *Engine) success(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{
		"status":    "success",
		"data":      data,
		"timestamp": e.clock.Now().Format(time.RFC3339),
	})
}

func (e *Engine) fail(c *fiber.Ctx, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": verr.Error(),
		})
	}
	var nerr *NotFoundError
	if errors.As(err, &nerr) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":  "error",
			"message": nerr.Error(),
		})
	}
	e.logger.Error().Err(err).Str("path", c.Path()).Msg("admin operation failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"status":  "error",
		"message": "internal error",
	})
}

func (e *Engine) handleAnalytics(c *fiber.Ctx) error {
	snap := e.Snapshot()
	return e.success(c, fiber.Map{
		"snapshot":       snap,
		"blockRate":      rate(snap.BlockedRequests, snap.TotalRequests),
		"suspiciousRate": rate(snap.SuspiciousRequests, snap.TotalRequests),
	})
}

func (e *Engine) handleBlockedIPs(c *fiber.Ctx) error {
	entries := e.blocks.List()
	ips := make([]string, 0, len(entries))
	for _, entry := range entries {
		ips = append(ips, entry.ClientID)
	}
	return e.success(c, fiber.Map{
		"blockedIPs": ips,
		"entries":    entries,
		"count":      len(entries),
	})
}

type blockIPRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (e *Engine) handleBlockIP(c *fiber.Ctx) error {
	var req blockIPRequest
	if err := c.BodyParser(&req); err != nil {
		return e.fail(c, newValidationError("body", "invalid JSON payload"))
	}
	if req.IP == "" {
		return e.fail(c, newValidationError("ip", "ip is required"))
	}
	if net.ParseIP(req.IP) == nil {
		return e.fail(c, newValidationError("ip", "invalid IP address: %s", req.IP))
	}
	entry := e.BlockClient(req.IP, req.Reason)
	return e.success(c, fiber.Map{
		"blocked":   true,
		"ip":        entry.ClientID,
		"reason":    entry.Reason,
		"expiresAt": entry.ExpiresAt.Format(time.RFC3339),
	})
}

type unblockIPRequest struct {
	IP string `json:"ip"`
}

func (e *Engine) handleUnblockIP(c *fiber.Ctx) error {
	var req unblockIPRequest
	if err := c.BodyParser(&req); err != nil {
		return e.fail(c, newValidationError("body", "invalid JSON payload"))
	}
	if req.IP == "" {
		return e.fail(c, newValidationError("ip", "ip is required"))
	}
	// Idempotent: unblocking an unknown IP is not an error.
	removed := e.UnblockClient(req.IP)
	return e.success(c, fiber.Map{
		"ip":      req.IP,
		"removed": removed,
	})
}

func (e *Engine) handleClearBlockedIPs(c *fiber.Ctx) error {
	cleared := e.ClearBlocks()
	return e.success(c, fiber.Map{"cleared": cleared})
}

func (e *Engine) handleDashboard(c *fiber.Ctx) error {
	return e.success(c, e.Dashboard())
}

func (e *Engine) handleHealth(c *fiber.Ctx) error {
	return e.success(c, e.Health())
}

func (e *Engine) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(e.metrics.ExportPrometheus())
}
