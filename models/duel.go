package models

import (
	"time"
)

type DuelStatus string

const (
	DuelStatusProposed   DuelStatus = "proposed"
	DuelStatusAccepted   DuelStatus = "accepted"
	DuelStatusInProgress DuelStatus = "in_progress"
	DuelStatusEnded      DuelStatus = "ended"
	DuelStatusCompleted  DuelStatus = "completed"
	DuelStatusDeclined   DuelStatus = "declined"
	DuelStatusCancelled  DuelStatus = "cancelled"
	DuelStatusExpired    DuelStatus = "expired"
)

// Terminal reports whether no further lifecycle transition may apply.
func (s DuelStatus) Terminal() bool {
	switch s {
	case DuelStatusCompleted, DuelStatusDeclined, DuelStatusCancelled, DuelStatusExpired:
		return true
	}
	return false
}

type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationSubmitted VerificationStatus = "submitted"
	VerificationVerified  VerificationStatus = "verified"
	VerificationDisputed  VerificationStatus = "disputed"
	VerificationForfeited VerificationStatus = "forfeited"
)

type VerificationMethod string

const (
	MethodOCR    VerificationMethod = "ocr"
	MethodMutual VerificationMethod = "mutual"
)

type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputePending  DisputeStatus = "pending"
	DisputeResolved DisputeStatus = "resolved"
)

// Duel is a proposed-and-tracked 1v1 match between two identities.
// Challenger and opponent IDs come from the profile service and are never equal.
type Duel struct {
	ID           string `json:"id" gorm:"primaryKey"`
	ChallengerID string `json:"challenger_id" gorm:"index;not null"`
	OpponentID   string `json:"opponent_id" gorm:"index;not null"`
	GameType     string `json:"game_type" gorm:"not null"`
	GameMode     string `json:"game_mode" gorm:"not null"`

	Status             DuelStatus         `json:"status" gorm:"type:varchar(16);default:'proposed';index"`
	VerificationStatus VerificationStatus `json:"verification_status" gorm:"type:varchar(16);default:'pending'"`
	VerificationMethod VerificationMethod `json:"verification_method,omitempty" gorm:"type:varchar(16)"`
	DisputeStatus      DisputeStatus      `json:"dispute_status" gorm:"type:varchar(16);default:'none'"`

	// Outcome fields — only meaningful once Status == completed (see Outcome()).
	WinnerID        *string `json:"winner_id,omitempty"`
	LoserID         *string `json:"loser_id,omitempty"`
	ChallengerScore *int64  `json:"challenger_score,omitempty"`
	OpponentScore   *int64  `json:"opponent_score,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Duel) TableName() string { return "duels" }

// HasParticipant reports whether userID is one of the two parties.
func (d *Duel) HasParticipant(userID string) bool {
	return userID != "" && (d.ChallengerID == userID || d.OpponentID == userID)
}

// OpponentOf returns the other party, or "" if userID is not a participant.
func (d *Duel) OpponentOf(userID string) string {
	switch userID {
	case d.ChallengerID:
		return d.OpponentID
	case d.OpponentID:
		return d.ChallengerID
	}
	return ""
}

// Outcome is the decided result of a completed duel. A non-completed duel has
// no outcome — callers get nil instead of stale nullable columns.
type Outcome struct {
	WinnerID        string             `json:"winner_id"`
	LoserID         string             `json:"loser_id"`
	WinnerScore     int64              `json:"winner_score"`
	LoserScore      int64              `json:"loser_score"`
	ChallengerScore int64              `json:"challenger_score"`
	OpponentScore   int64              `json:"opponent_score"`
	Method          VerificationMethod `json:"method"`
}

// Outcome returns the decided result, or nil while the duel is not completed
// or was forfeited without a winner.
func (d *Duel) Outcome() *Outcome {
	if d.Status != DuelStatusCompleted || d.WinnerID == nil || d.LoserID == nil {
		return nil
	}
	out := &Outcome{
		WinnerID: *d.WinnerID,
		LoserID:  *d.LoserID,
		Method:   d.VerificationMethod,
	}
	if d.ChallengerScore != nil {
		out.ChallengerScore = *d.ChallengerScore
	}
	if d.OpponentScore != nil {
		out.OpponentScore = *d.OpponentScore
	}
	if out.WinnerID == d.ChallengerID {
		out.WinnerScore, out.LoserScore = out.ChallengerScore, out.OpponentScore
	} else {
		out.WinnerScore, out.LoserScore = out.OpponentScore, out.ChallengerScore
	}
	return out
}

// DuelSubmission is one player's screenshot-derived evidence for a duel.
// At most one active (non-superseded) submission per (duel, user); a
// re-submission supersedes the prior row but keeps it for audit.
type DuelSubmission struct {
	ID     string `json:"id" gorm:"primaryKey"`
	DuelID string `json:"duel_id" gorm:"index;not null"`
	UserID string `json:"user_id" gorm:"index;not null"`

	// StoragePath is the object key in R2 — never a public URL. Viewers
	// request a short-lived signed URL instead.
	StoragePath string `json:"storage_path" gorm:"not null"`

	OCRResultJSON string  `json:"-" gorm:"type:jsonb;column:ocr_result"`
	Confidence    float64 `json:"confidence"`

	// ConfigVersion records the rule-set version the submission was
	// validated against, for auditability.
	ConfigVersion int  `json:"game_configuration_version" gorm:"not null"`
	Superseded    bool `json:"superseded" gorm:"default:false;index"`
	Confirmed     bool `json:"confirmed" gorm:"default:false"`

	SubmittedAt time.Time `json:"submitted_at" gorm:"autoCreateTime"`
}

func (DuelSubmission) TableName() string { return "duel_submissions" }

// OCRResult returns the structured extraction stored on the submission.
func (s *DuelSubmission) OCRResult() (*OCRResult, error) {
	return UnmarshalOCRResult([]byte(s.OCRResultJSON))
}

// DuelDispute records a dispute raised by a participant mid-lifecycle.
type DuelDispute struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	DuelID     string     `json:"duel_id" gorm:"index;not null"`
	ReportedBy string     `json:"reported_by" gorm:"not null"`
	Reason     string     `json:"reason" gorm:"type:text"`
	Status     string     `json:"status" gorm:"type:varchar(16);default:'pending'"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (DuelDispute) TableName() string { return "duel_disputes" }
