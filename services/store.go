package services

import (
	"context"
	"time"

	"duel-arena-system/models"
)

// Transition is a typed lifecycle step for the duel state machine. Each
// transition carries its guard (From) and the exact columns it mutates, so
// the guard logic and the fields written can never drift apart.
type Transition interface {
	From() models.DuelStatus
	To() models.DuelStatus
	Updates() map[string]interface{}
}

type AcceptTransition struct{ AcceptedAt time.Time }

func (t AcceptTransition) From() models.DuelStatus { return models.DuelStatusProposed }
func (t AcceptTransition) To() models.DuelStatus   { return models.DuelStatusAccepted }
func (t AcceptTransition) Updates() map[string]interface{} {
	return map[string]interface{}{"status": t.To(), "accepted_at": &t.AcceptedAt}
}

type DeclineTransition struct{}

func (t DeclineTransition) From() models.DuelStatus { return models.DuelStatusProposed }
func (t DeclineTransition) To() models.DuelStatus   { return models.DuelStatusDeclined }
func (t DeclineTransition) Updates() map[string]interface{} {
	return map[string]interface{}{"status": t.To()}
}

type CancelTransition struct{}

func (t CancelTransition) From() models.DuelStatus { return models.DuelStatusProposed }
func (t CancelTransition) To() models.DuelStatus   { return models.DuelStatusCancelled }
func (t CancelTransition) Updates() map[string]interface{} {
	return map[string]interface{}{"status": t.To()}
}

type ExpireTransition struct{}

func (t ExpireTransition) From() models.DuelStatus { return models.DuelStatusProposed }
func (t ExpireTransition) To() models.DuelStatus   { return models.DuelStatusExpired }
func (t ExpireTransition) Updates() map[string]interface{} {
	return map[string]interface{}{"status": t.To()}
}

type StartTransition struct{ StartedAt time.Time }

func (t StartTransition) From() models.DuelStatus { return models.DuelStatusAccepted }
func (t StartTransition) To() models.DuelStatus   { return models.DuelStatusInProgress }
func (t StartTransition) Updates() map[string]interface{} {
	return map[string]interface{}{"status": t.To(), "started_at": &t.StartedAt}
}

type EndTransition struct{ EndedAt time.Time }

func (t EndTransition) From() models.DuelStatus { return models.DuelStatusInProgress }
func (t EndTransition) To() models.DuelStatus   { return models.DuelStatusEnded }
func (t EndTransition) Updates() map[string]interface{} {
	return map[string]interface{}{
		"status":              t.To(),
		"ended_at":            &t.EndedAt,
		"verification_status": models.VerificationPending,
	}
}

// StatsResult reports the outcome of a finalize attempt. AlreadyFinalized is
// true when the duel left the Ended state before this attempt — the caller
// must treat that as a harmless no-op, never as an error.
type StatsResult struct {
	AlreadyFinalized bool
	Winner           *models.PlayerProfile
	Loser            *models.PlayerProfile
	WinnerLeveledUp  bool
	LoserLeveledUp   bool
}

// DuelStore is the persistence boundary for duels and submissions. The gorm
// implementation lives in store_gorm.go; tests use an in-memory fake.
type DuelStore interface {
	// CreateDuel inserts the duel after an availability check performed
	// atomically with the insert: neither party may already hold a duel in
	// Accepted or InProgress. Returns USER_ALREADY_IN_DUEL otherwise.
	CreateDuel(ctx context.Context, duel *models.Duel) error

	GetDuel(ctx context.Context, id string) (*models.Duel, error)
	ListDuelsByUser(ctx context.Context, userID string, page, size int) ([]models.Duel, int64, error)

	// ApplyTransition performs an update-with-match on (id, tr.From()).
	// A guard mismatch — wrong current status — yields INVALID_DUEL_ACTION
	// without touching the row, even if messages arrive out of order.
	ApplyTransition(ctx context.Context, duelID string, tr Transition) (*models.Duel, error)

	// SaveSubmission supersedes any prior active submission for the same
	// (duel, user) in the same transaction, then inserts sub.
	SaveSubmission(ctx context.Context, sub *models.DuelSubmission) error
	ActiveSubmissions(ctx context.Context, duelID string) ([]models.DuelSubmission, error)
	GetSubmission(ctx context.Context, duelID, submissionID string) (*models.DuelSubmission, error)

	// FinalizeVerified completes an Ended duel with the decided outcome and
	// applies statistics for both players — all in a single transaction so a
	// partial failure can never leave the duel Completed with stats askew.
	// Exactly one invocation wins; the rest see AlreadyFinalized.
	FinalizeVerified(ctx context.Context, duelID string, out models.Outcome) (*StatsResult, error)

	// ForceForfeit completes an Ended duel with no outcome
	// (verificationStatus=forfeited). Returns false when the duel already
	// left the Ended state.
	ForceForfeit(ctx context.Context, duelID string) (bool, error)

	// SetMutualPending flags an Ended duel for mutual confirmation.
	SetMutualPending(ctx context.Context, duelID string) error

	// MarkConfirmed records userID's manual confirmation on the opponent's
	// active submission and returns how many active submissions are now
	// confirmed.
	MarkConfirmed(ctx context.Context, duelID, userID string) (int, error)

	// CreateDispute inserts the dispute and flags the duel's disputeStatus
	// Pending in one transaction; a dispute on an Ended duel additionally
	// marks its verification Disputed. The lifecycle status is left
	// untouched.
	CreateDispute(ctx context.Context, dispute *models.DuelDispute) error

	// DuelsWithPendingDeadlines lists duels whose deadline timers must be
	// re-armed after a restart: Proposed (expiry) and Ended (verification).
	DuelsWithPendingDeadlines(ctx context.Context) ([]models.Duel, error)
}

// ConfigStore is the persistence boundary for game configurations.
type ConfigStore interface {
	GetByKey(ctx context.Context, gameType, gameMode string) (*models.GameConfiguration, error)
	// Create inserts a new configuration at version 1.
	Create(ctx context.Context, cfg *models.GameConfiguration) error
	// UpdateCAS writes cfg only if the stored version still equals
	// expectedVersion, bumping to cfg.Version. Returns false on a lost race.
	UpdateCAS(ctx context.Context, cfg *models.GameConfiguration, expectedVersion int) (bool, error)
	// Seed inserts the given configurations where the (game, mode) key is
	// not present yet; existing rows are left alone.
	Seed(ctx context.Context, defaults []models.GameConfiguration) error
}

// ErrNotFound is returned by stores for missing rows.
var ErrNotFound = newError(ErrCodeNotFound, "record not found")
