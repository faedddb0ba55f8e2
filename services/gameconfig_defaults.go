package services

import (
	"duel-arena-system/models"

	"github.com/google/uuid"
)

const defaultConfidenceThreshold = 0.95

var defaultPreprocessing = []string{
	StepContrast, StepDenoise, StepNormalize, StepSharpen, StepBrighten,
}

// standardScoreRegions covers the common two-column scoreboard layout.
func standardScoreRegions(pattern string) []models.OCRRegion {
	return []models.OCRRegion{
		{Name: "challenger_score", Rect: models.Rect{X: 0.30, Y: 0.02, W: 0.12, H: 0.10}, Format: models.RegionFormatNumber, Pattern: pattern},
		{Name: "opponent_score", Rect: models.Rect{X: 0.58, Y: 0.02, W: 0.12, H: 0.10}, Format: models.RegionFormatNumber, Pattern: pattern},
	}
}

func mustConfig(gameType, gameMode string, ocr models.OCRSettings, v models.ScoreValidation) models.GameConfiguration {
	cfg := models.GameConfiguration{
		ID:       uuid.NewString(),
		GameType: gameType,
		GameMode: gameMode,
		Version:  1,
	}
	// Static settings marshal cleanly; a failure here is a programming error.
	if err := cfg.SetOCRSettings(ocr); err != nil {
		panic(err)
	}
	if err := cfg.SetValidation(v); err != nil {
		panic(err)
	}
	return cfg
}

func intPtr(n int64) *int64 { return &n }

// builtinConfigurations are the seed rule sets: one per supported score
// format. They double as the registry's fallback when the store is down.
func builtinConfigurations() []models.GameConfiguration {
	base := models.OCRSettings{
		ConfidenceThreshold: defaultConfidenceThreshold,
		Preprocessing:       defaultPreprocessing,
		TargetWidth:         1280,
		TargetHeight:        720,
		Regions:             standardScoreRegions(`\d{1,2}`),
	}

	valorant := base
	cs2 := base

	rocketLeague := base
	rocketLeague.Regions = standardScoreRegions(`\d{1,3}`)

	sf6 := base
	sf6.Regions = standardScoreRegions(`[0-3]`)

	fortnite := base
	fortnite.Regions = standardScoreRegions(`\d{1,2}`)

	speedClimb := base
	speedClimb.Regions = standardScoreRegions(`\d{1,6}`)

	// Tetris renders scores in a stylized font OCR reads less reliably.
	// Reads between this threshold and the arbitrator floor persist and
	// route to mutual confirmation rather than being rejected outright.
	tetris := base
	tetris.ConfidenceThreshold = 0.90
	tetris.Regions = standardScoreRegions(`\d{1,7}`)

	return []models.GameConfiguration{
		mustConfig("Valorant", "Competitive", valorant, models.ScoreValidation{
			MinScore: 0, MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13,
		}),
		mustConfig("CS2", "Competitive", cs2, models.ScoreValidation{
			MinScore: 0, MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13,
		}),
		mustConfig("RocketLeague", "Standard", rocketLeague, models.ScoreValidation{
			MinScore: 0, MaxScore: 50, ExpectedScoreFormat: models.FormatPointsBased, AllowedScoreDifference: intPtr(20),
		}),
		mustConfig("StreetFighter6", "Ranked", sf6, models.ScoreValidation{
			MinScore: 0, MaxScore: 3, ExpectedScoreFormat: models.FormatBestOfSeries, SeriesLength: 3,
		}),
		mustConfig("Fortnite", "Solo", fortnite, models.ScoreValidation{
			MinScore: 0, MaxScore: 30, ExpectedScoreFormat: models.FormatElimination,
		}),
		mustConfig("SpeedClimb", "TimeAttack", speedClimb, models.ScoreValidation{
			MinScore: 0, MaxScore: 600000, ExpectedScoreFormat: models.FormatTimeBased, TimeBasedScoring: true,
		}),
		mustConfig("Tetris", "Marathon", tetris, models.ScoreValidation{
			MinScore: 0, MaxScore: 9999999, ExpectedScoreFormat: models.FormatSurvival,
		}),
	}
}

func builtinConfiguration(gameType, gameMode string) (*models.GameConfiguration, bool) {
	for _, cfg := range builtinConfigurations() {
		if cfg.GameType == gameType && cfg.GameMode == gameMode {
			c := cfg
			return &c, true
		}
	}
	return nil, false
}
