package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/scheduler"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"status": "error", "message": message})
}

func (s *Server) handleHealthz(c *fiber.Ctx) error {
	return c.SendString("ok")
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "success", "data": s.health.Snapshot()})
}

// handleDecisions lists decisions for ?zone=&item= since ?since=, which
// accepts RFC3339 or YYYY-MM-DD and defaults to all history
func (s *Server) handleDecisions(c *fiber.Ctx) error {
	zone, item := c.Query("zone"), c.Query("item")
	if zone == "" || item == "" {
		return errorResponse(c, fiber.StatusBadRequest, "zone and item query parameters are required")
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		var err error
		since, err = parseSince(raw)
		if err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "since must be RFC3339 or YYYY-MM-DD")
		}
	}

	key := types.Key{ZoneID: zone, ItemID: item}
	decisions, err := s.audit.DecisionsSince(c.UserContext(), key, since)
	if err != nil {
		klog.ErrorS(err, "Failed to query decisions", "key", key)
		return errorResponse(c, fiber.StatusInternalServerError, "failed to query decisions")
	}
	if decisions == nil {
		decisions = []types.RestockDecision{}
	}
	return c.JSON(fiber.Map{"status": "success", "data": fiber.Map{"decisions": decisions}})
}

// handleForecast returns the latest forecast for a key together with the
// latest decision and evaluation, when present
func (s *Server) handleForecast(c *fiber.Ctx) error {
	key := types.Key{ZoneID: c.Params("zone"), ItemID: c.Params("item")}
	ctx := c.UserContext()

	fc, err := s.audit.LatestForecast(ctx, key)
	if err != nil {
		klog.ErrorS(err, "Failed to query forecast", "key", key)
		return errorResponse(c, fiber.StatusInternalServerError, "failed to query forecast")
	}
	if fc == nil {
		return errorResponse(c, fiber.StatusNotFound, "no forecast for "+key.String())
	}

	d, err := s.audit.LatestDecision(ctx, key)
	if err != nil {
		klog.ErrorS(err, "Failed to query decision", "key", key)
		return errorResponse(c, fiber.StatusInternalServerError, "failed to query decision")
	}
	ev, err := s.audit.LatestEvaluation(ctx, key)
	if err != nil {
		klog.ErrorS(err, "Failed to query evaluation", "key", key)
		return errorResponse(c, fiber.StatusInternalServerError, "failed to query evaluation")
	}

	return c.JSON(fiber.Map{"status": "success", "data": fiber.Map{
		"forecast":   fc,
		"decision":   d,
		"evaluation": ev,
	}})
}

// handleTriggerCycle runs a cycle and waits for it to finish
func (s *Server) handleTriggerCycle(c *fiber.Ctx) error {
	if s.trigger == nil {
		return errorResponse(c, fiber.StatusNotImplemented, "manual cycles are disabled")
	}

	summary, err := s.trigger.Tick(s.cycleCtx)
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		return errorResponse(c, fiber.StatusConflict, err.Error())
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": err.Error(),
			"data":    summary,
		})
	}
	return c.JSON(fiber.Map{"status": "success", "data": summary})
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return types.ParseDay(raw)
}
