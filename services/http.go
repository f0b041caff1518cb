package services

import (
	"errors"
	"log"
	"strconv"

	"duel-settlement-engine/models"

	"github.com/gofiber/fiber/v2"
)

// Fiber handlers for the duel engine. The wallet identity is set by
// WalletContextMiddleware from the gateway headers; handlers translate typed
// engine errors into HTTP statuses and never leak internals.

func httpError(c *fiber.Ctx, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Msg})
	case errors.Is(err, ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	case errors.Is(err, ErrFull), errors.Is(err, ErrSelfJoin),
		errors.Is(err, ErrImmutable), errors.Is(err, ErrTooLate),
		errors.Is(err, ErrNotInSession):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient funds for entry fee"})
	default:
		log.Printf("❌ [HTTP] Internal error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

func wallet(c *fiber.Ctx) string {
	w, _ := c.Locals("wallet").(string)
	return w
}

// CreateSessionHandler handles POST /duels.
func (s *DuelService) CreateSessionHandler(c *fiber.Ctx) error {
	var req struct {
		EntryFee int64  `json:"entry_fee"`
		Mode     string `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Mode == "" {
		req.Mode = models.ModePublic
	}

	sess, err := s.CreateSession(c.Context(), wallet(c), req.EntryFee, req.Mode)
	if err != nil {
		return httpError(c, err)
	}

	resp := fiber.Map{
		"session_id": sess.ID,
		"entry_fee":  sess.EntryFee,
		"mode":       sess.Mode,
		"seed_hash":  sess.SeedHash,
	}
	if sess.InviteCode != "" {
		resp["invite_code"] = sess.InviteCode
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// ListSessionsHandler handles GET /duels — the public lobby.
func (s *DuelService) ListSessionsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions": s.ListOpenSessions(),
	})
}

// JoinSessionHandler handles POST /duels/join.
func (s *DuelService) JoinSessionHandler(c *fiber.Ctx) error {
	var req struct {
		SessionID  string `json:"session_id"`
		InviteCode string `json:"invite_code"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	idOrCode := req.SessionID
	if idOrCode == "" {
		idOrCode = req.InviteCode
	}
	if idOrCode == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id or invite_code is required"})
	}

	sess, err := s.JoinSession(c.Context(), wallet(c), idOrCode)
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"opponent":   sess.Player1,
		"entry_fee":  sess.EntryFee,
		"deadline":   sess.Deadline,
		"seed_hash":  sess.SeedHash,
	})
}

// SubmitPickHandler handles POST /duels/:id/pick.
func (s *DuelService) SubmitPickHandler(c *fiber.Ctx) error {
	var req struct {
		Number int `json:"number"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	if err := s.SubmitPick(c.Context(), wallet(c), c.Params("id"), req.Number); err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{"accepted": true})
}

// SessionStatusHandler handles GET /duels/:id.
func (s *DuelService) SessionStatusHandler(c *fiber.Ctx) error {
	status, err := s.SessionStatus(c.Params("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(status)
}

// FairnessHandler handles GET /duels/:id/fairness — the randomness
// commitment before settlement, the full reveal after.
func (s *DuelService) FairnessHandler(c *fiber.Ctx) error {
	proof, err := s.Fairness(c.Params("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(proof)
}

// RecentSettlementsHandler handles GET /admin/settlements for dispute work.
func (s *DuelService) RecentSettlementsHandler(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	records, err := s.RecentSettlements(limit)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(fiber.Map{
		"settlements": records,
		"count":       len(records),
	})
}
