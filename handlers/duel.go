// handlers/duel_routes.go
package handlers

import (
	"errors"
	"io"
	"time"

	"duel-arena-system/middleware"
	"duel-arena-system/services"

	"github.com/gofiber/fiber/v2"
)

const maxScreenshotBytes = 10 << 20 // 10 MiB

// DuelHandler exposes the duel lifecycle and verification pipeline over HTTP.
type DuelHandler struct {
	duels        *services.DuelService
	verification *services.VerificationService
	arbitrator   *services.ArbitratorService
}

func NewDuelHandler(duels *services.DuelService, verification *services.VerificationService, arbitrator *services.ArbitratorService) *DuelHandler {
	return &DuelHandler{duels: duels, verification: verification, arbitrator: arbitrator}
}

func SetupDuelRoutes(app *fiber.App, h *DuelHandler) {
	// 🔐 All duel routes require user context from the Gateway
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Post("/duels", h.CreateDuel)
	secured.Get("/duels", h.ListDuels)
	secured.Get("/duels/:id", h.GetDuel)

	secured.Post("/duels/:id/accept", h.Accept)
	secured.Post("/duels/:id/decline", h.Decline)
	secured.Post("/duels/:id/cancel", h.Cancel)
	secured.Post("/duels/:id/start", h.Start)
	secured.Post("/duels/:id/end", h.End)
	secured.Post("/duels/:id/dispute", h.Dispute)
	secured.Post("/duels/:id/confirm", h.Confirm)

	secured.Post("/duels/:id/submissions", h.SubmitScreenshot)
	secured.Get("/duels/:id/submissions", h.ListSubmissions)
	secured.Get("/duels/:id/submissions/:submission_id/image", h.SubmissionImage)
}

func (h *DuelHandler) CreateDuel(c *fiber.Ctx) error {
	var in services.CreateDuelInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	in.ChallengerID = callerID(c)

	duel, err := h.duels.CreateDuel(c.Context(), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(duel)
}

func (h *DuelHandler) ListDuels(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	size := c.QueryInt("size", 20)

	duels, total, err := h.duels.ListByUser(c.Context(), callerID(c), page, size)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"duels": duels,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

func (h *DuelHandler) GetDuel(c *fiber.Ctx) error {
	duel, err := h.duels.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	resp := fiber.Map{"duel": duel}
	if out := duel.Outcome(); out != nil {
		resp["outcome"] = out
	}
	return c.JSON(resp)
}

func (h *DuelHandler) Accept(c *fiber.Ctx) error {
	duel, err := h.duels.Accept(c.Context(), c.Params("id"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) Decline(c *fiber.Ctx) error {
	duel, err := h.duels.Decline(c.Context(), c.Params("id"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) Cancel(c *fiber.Ctx) error {
	duel, err := h.duels.Cancel(c.Context(), c.Params("id"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) Start(c *fiber.Ctx) error {
	duel, err := h.duels.Start(c.Context(), c.Params("id"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) End(c *fiber.Ctx) error {
	duel, err := h.duels.End(c.Context(), c.Params("id"), callerID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) Dispute(c *fiber.Ctx) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	dispute, err := h.duels.ReportDispute(c.Context(), c.Params("id"), callerID(c), body.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dispute)
}

func (h *DuelHandler) Confirm(c *fiber.Ctx) error {
	if err := h.arbitrator.ConfirmResult(c.Context(), c.Params("id"), callerID(c)); err != nil {
		return respondError(c, err)
	}
	duel, err := h.duels.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(duel)
}

func (h *DuelHandler) SubmitScreenshot(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("screenshot")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "screenshot file is required"})
	}
	if fileHeader.Size > maxScreenshotBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "screenshot exceeds 10MB limit"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "could not read screenshot"})
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "could not read screenshot"})
	}

	sub, err := h.verification.ProcessScreenshot(c.Context(), c.Params("id"), callerID(c), data)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (h *DuelHandler) ListSubmissions(c *fiber.Ctx) error {
	duel, err := h.duels.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if !duel.HasParticipant(callerID(c)) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only participants may view submissions"})
	}

	subs, err := h.duels.Submissions(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"submissions": subs})
}

func (h *DuelHandler) SubmissionImage(c *fiber.Ctx) error {
	duel, err := h.duels.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if !duel.HasParticipant(callerID(c)) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only participants may view evidence"})
	}

	url, err := h.verification.SubmissionImageURL(c.Context(), c.Params("id"), c.Params("submission_id"), 15*time.Minute)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"url": url, "expires_in_seconds": 900})
}

func callerID(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

// respondError maps service error codes onto HTTP statuses. The code and
// recovery hint travel to the client unchanged.
func respondError(c *fiber.Ctx, err error) error {
	code := services.CodeOf(err)
	status := fiber.StatusInternalServerError

	switch code {
	case services.ErrCodeNotFound, services.ErrCodeConfigNotFound:
		status = fiber.StatusNotFound
	case services.ErrCodeUnsupportedGame:
		status = fiber.StatusBadRequest
	case services.ErrCodeInvalidDuelAction, services.ErrCodeUserAlreadyInDuel:
		status = fiber.StatusConflict
	case services.ErrCodeInvalidImageData,
		services.ErrCodePreprocessingFailed,
		services.ErrCodeNoTextFound,
		services.ErrCodeInvalidScoreRange,
		services.ErrCodeLowConfidence,
		services.ErrCodeInvalidScoreData,
		services.ErrCodeIncompleteMatch,
		services.ErrCodeUnreasonableScores,
		services.ErrCodeInvalidGameMode,
		services.ErrCodeNoEliminations:
		status = fiber.StatusUnprocessableEntity
	case services.ErrCodeProcessingTimeout:
		status = fiber.StatusGatewayTimeout
	case services.ErrCodeDatabaseUnavailable, services.ErrCodeNetworkError:
		status = fiber.StatusServiceUnavailable
	}

	resp := fiber.Map{"error": err.Error(), "code": code}
	var de *services.DuelError
	if errors.As(err, &de) {
		resp["error"] = de.Message
		if de.Hint != "" {
			resp["hint"] = de.Hint
		}
	}
	return c.Status(status).JSON(resp)
}
