// handlers/gameconfig_routes.go
package handlers

import (
	"duel-arena-system/middleware"
	"duel-arena-system/models"
	"duel-arena-system/services"

	"github.com/gofiber/fiber/v2"
)

// GameConfigHandler exposes the verification rule registry.
type GameConfigHandler struct {
	configs *services.GameConfigService
}

func NewGameConfigHandler(configs *services.GameConfigService) *GameConfigHandler {
	return &GameConfigHandler{configs: configs}
}

func SetupGameConfigRoutes(app *fiber.App, h *GameConfigHandler) {
	// 🔓 Discovery route — no user context needed
	app.Get("/games/supported", h.SupportedGames)

	// 🔐 Admin routes — configuration reads expose region coordinates,
	// writes change verification rules for every future duel
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireAdmin())
	admin.Get("/configurations/:game_type/:game_mode", h.GetConfiguration)
	admin.Put("/configurations/:game_type/:game_mode", h.UpdateConfiguration)
}

func (h *GameConfigHandler) SupportedGames(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"games": h.configs.SupportedGames()})
}

func (h *GameConfigHandler) GetConfiguration(c *fiber.Ctx) error {
	cfg, err := h.configs.GetConfiguration(c.Context(), c.Params("game_type"), c.Params("game_mode"))
	if err != nil {
		return respondError(c, err)
	}
	ocr, err := cfg.OCRSettings()
	if err != nil {
		return respondError(c, err)
	}
	validation, err := cfg.Validation()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"game_type":        cfg.GameType,
		"game_mode":        cfg.GameMode,
		"version":          cfg.Version,
		"ocr_settings":     ocr,
		"score_validation": validation,
		"updated_at":       cfg.UpdatedAt,
	})
}

func (h *GameConfigHandler) UpdateConfiguration(c *fiber.Ctx) error {
	var body struct {
		OCRSettings     models.OCRSettings     `json:"ocr_settings"`
		ScoreValidation models.ScoreValidation `json:"score_validation"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	cfg, err := h.configs.UpdateConfiguration(c.Context(), c.Params("game_type"), c.Params("game_mode"), body.OCRSettings, body.ScoreValidation)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"game_type": cfg.GameType,
		"game_mode": cfg.GameMode,
		"version":   cfg.Version,
	})
}
