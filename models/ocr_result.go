package models

import (
	"encoding/json"
)

// Participant keys used in OCRResult.Scores and region names.
const (
	ParticipantChallenger = "challenger"
	ParticipantOpponent   = "opponent"
)

// RegionResult is the raw extraction from a single configured OCR region.
type RegionResult struct {
	Name        string  `json:"name"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Coordinates Rect    `json:"coordinates"`
}

// OCRResult is the structured, validated extraction from one screenshot.
type OCRResult struct {
	Scores           map[string]int64 `json:"scores"`
	PlayerIDs        []string         `json:"player_ids"`
	Confidence       float64          `json:"confidence"`
	Regions          []RegionResult   `json:"regions"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
}

// AggregateConfidence is the arithmetic mean over per-region confidences.
// An empty region set yields 0.
func AggregateConfidence(regions []RegionResult) float64 {
	if len(regions) == 0 {
		return 0
	}
	var sum float64
	for _, r := range regions {
		sum += r.Confidence
	}
	return sum / float64(len(regions))
}

func MarshalOCRResult(r *OCRResult) ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalOCRResult(data []byte) (*OCRResult, error) {
	var r OCRResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
