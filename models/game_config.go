package models

import (
	"encoding/json"
	"time"
)

type ScoreFormat string

const (
	FormatFirstToScore ScoreFormat = "first_to_score"
	FormatBestOfSeries ScoreFormat = "best_of_series"
	FormatPointsBased  ScoreFormat = "points_based"
	FormatTimeBased    ScoreFormat = "time_based"
	FormatElimination  ScoreFormat = "elimination"
	FormatSurvival     ScoreFormat = "survival"
)

// Region text formats — drive the recognizer mode (number = accuracy mode
// without language correction, text = accuracy mode with correction).
const (
	RegionFormatNumber = "number"
	RegionFormatText   = "text"
)

// Rect is a rectangle normalized to [0,1] of the source image.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// OCRRegion names a scoreboard area to crop and recognize. Score regions are
// named "<participant>_score" (see ParticipantForRegion).
type OCRRegion struct {
	Name    string `json:"name"`
	Rect    Rect   `json:"rect"`
	Format  string `json:"format"`  // number | text
	Pattern string `json:"pattern"` // regex applied to clean the extracted text
}

// OCRSettings govern preprocessing and region extraction for one (game, mode).
type OCRSettings struct {
	Regions             []OCRRegion `json:"regions"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	Preprocessing       []string    `json:"preprocessing"`
	TargetWidth         int         `json:"target_width"`
	TargetHeight        int         `json:"target_height"`
	GameArea            *Rect       `json:"game_area,omitempty"` // crop target for crop_game_area
}

// ScoreValidation is the per-format numeric rule set.
type ScoreValidation struct {
	MinScore               int64       `json:"min_score"`
	MaxScore               int64       `json:"max_score"`
	ExpectedScoreFormat    ScoreFormat `json:"expected_score_format"`
	TargetScore            int64       `json:"target_score,omitempty"`   // first_to_score
	SeriesLength           int64       `json:"series_length,omitempty"`  // best_of_series
	AllowedScoreDifference *int64      `json:"allowed_score_difference,omitempty"`
	TimeBasedScoring       bool        `json:"time_based_scoring"`
}

// GameConfiguration is the versioned rule set keyed by (gameType, gameMode).
// Version increments on every update; submissions record the version they
// were validated against, so historical verification rules stay auditable.
type GameConfiguration struct {
	ID       string `json:"id" gorm:"primaryKey"`
	GameType string `json:"game_type" gorm:"not null;uniqueIndex:idx_game_type_mode"`
	GameMode string `json:"game_mode" gorm:"not null;uniqueIndex:idx_game_type_mode"`
	Version  int    `json:"version" gorm:"not null;default:1"`

	OCRSettingsJSON string `json:"-" gorm:"type:jsonb;column:ocr_settings"`
	ValidationJSON  string `json:"-" gorm:"type:jsonb;column:score_validation"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (GameConfiguration) TableName() string { return "game_configurations" }

// ConfigKey is the registry cache key for a (gameType, gameMode) pair.
func ConfigKey(gameType, gameMode string) string { return gameType + "_" + gameMode }

func (c *GameConfiguration) Key() string { return ConfigKey(c.GameType, c.GameMode) }

func (c *GameConfiguration) OCRSettings() (*OCRSettings, error) {
	var s OCRSettings
	if err := json.Unmarshal([]byte(c.OCRSettingsJSON), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GameConfiguration) SetOCRSettings(s OCRSettings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	c.OCRSettingsJSON = string(raw)
	return nil
}

func (c *GameConfiguration) Validation() (*ScoreValidation, error) {
	var v ScoreValidation
	if err := json.Unmarshal([]byte(c.ValidationJSON), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *GameConfiguration) SetValidation(v ScoreValidation) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.ValidationJSON = string(raw)
	return nil
}
