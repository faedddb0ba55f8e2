package services

import (
	"context"
	"time"

	"duel-arena-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	challengeTTL       = 24 * time.Hour
	verificationWindow = 180 * time.Second
	reminderAfter      = 120 * time.Second
)

// DuelService drives the duel lifecycle. All transitions go through the
// store's guarded update-with-match, so a stale or duplicate request can
// never move a duel backwards.
type DuelService struct {
	store      DuelStore
	configs    *GameConfigService
	timers     *DeadlineCoordinator
	dispatcher Dispatcher
	log        *zap.Logger

	challengeTTL time.Duration
	verifyWindow time.Duration
	remindAfter  time.Duration
}

func NewDuelService(store DuelStore, configs *GameConfigService, timers *DeadlineCoordinator, dispatcher Dispatcher, log *zap.Logger) *DuelService {
	return &DuelService{
		store:        store,
		configs:      configs,
		timers:       timers,
		dispatcher:   dispatcher,
		log:          log,
		challengeTTL: challengeTTL,
		verifyWindow: verificationWindow,
		remindAfter:  reminderAfter,
	}
}

type CreateDuelInput struct {
	ChallengerID string `json:"challenger_id"`
	OpponentID   string `json:"opponent_id"`
	GameType     string `json:"game_type"`
	GameMode     string `json:"game_mode"`
}

// CreateDuel proposes a new duel. Both parties must be free of active duels
// and the (game, mode) pair must have a registered configuration.
func (s *DuelService) CreateDuel(ctx context.Context, in CreateDuelInput) (*models.Duel, error) {
	if in.ChallengerID == "" || in.OpponentID == "" || in.ChallengerID == in.OpponentID {
		return nil, errInvalidDuelAction("a duel needs two distinct participants")
	}
	if !s.configs.IsGameSupported(ctx, in.GameType, in.GameMode) {
		return nil, errUnsupportedGame(in.GameType, in.GameMode)
	}

	now := time.Now()
	duel := &models.Duel{
		ID:                 uuid.NewString(),
		ChallengerID:       in.ChallengerID,
		OpponentID:         in.OpponentID,
		GameType:           in.GameType,
		GameMode:           in.GameMode,
		Status:             models.DuelStatusProposed,
		VerificationStatus: models.VerificationPending,
		DisputeStatus:      models.DisputeNone,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.challengeTTL),
	}
	if err := s.store.CreateDuel(ctx, duel); err != nil {
		return nil, err
	}

	s.armExpiry(duel.ID, duel.ExpiresAt)
	s.log.Info("duel_proposed",
		zap.String("duel_id", duel.ID),
		zap.String("challenger_id", duel.ChallengerID),
		zap.String("opponent_id", duel.OpponentID),
		zap.String("game", duel.GameType),
		zap.String("mode", duel.GameMode))
	s.dispatcher.Dispatch(ctx, Event{
		Type:   EventDuelChallengeIssued,
		DuelID: duel.ID,
		UserID: duel.OpponentID,
		Payload: map[string]interface{}{
			"challenger_id": duel.ChallengerID,
			"game_type":     duel.GameType,
			"game_mode":     duel.GameMode,
			"expires_at":    duel.ExpiresAt,
		},
	})
	return duel, nil
}

// Accept moves a proposed duel to accepted. Only the challenged party may accept.
func (s *DuelService) Accept(ctx context.Context, duelID, callerID string) (*models.Duel, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if callerID != duel.OpponentID {
		return nil, errInvalidDuelAction("only the challenged party may accept duel %s", duelID)
	}

	updated, err := s.store.ApplyTransition(ctx, duelID, AcceptTransition{AcceptedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(duelID, TimerExpiry)
	s.dispatcher.Dispatch(ctx, Event{Type: EventDuelAccepted, DuelID: duelID, UserID: duel.ChallengerID})
	return updated, nil
}

// Decline moves a proposed duel to declined. Only the challenged party may decline.
func (s *DuelService) Decline(ctx context.Context, duelID, callerID string) (*models.Duel, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if callerID != duel.OpponentID {
		return nil, errInvalidDuelAction("only the challenged party may decline duel %s", duelID)
	}

	updated, err := s.store.ApplyTransition(ctx, duelID, DeclineTransition{})
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(duelID, TimerExpiry)
	s.dispatcher.Dispatch(ctx, Event{Type: EventDuelDeclined, DuelID: duelID, UserID: duel.ChallengerID})
	return updated, nil
}

// Cancel withdraws a still-proposed challenge. Only the challenger may cancel.
func (s *DuelService) Cancel(ctx context.Context, duelID, callerID string) (*models.Duel, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if callerID != duel.ChallengerID {
		return nil, errInvalidDuelAction("only the challenger may cancel duel %s", duelID)
	}

	updated, err := s.store.ApplyTransition(ctx, duelID, CancelTransition{})
	if err != nil {
		return nil, err
	}
	s.timers.Cancel(duelID, TimerExpiry)
	s.dispatcher.Dispatch(ctx, Event{Type: EventDuelCancelled, DuelID: duelID, UserID: duel.OpponentID})
	return updated, nil
}

// Start moves an accepted duel into play. Either participant may start.
func (s *DuelService) Start(ctx context.Context, duelID, callerID string) (*models.Duel, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.HasParticipant(callerID) {
		return nil, errInvalidDuelAction("user %s is not a participant of duel %s", callerID, duelID)
	}

	updated, err := s.store.ApplyTransition(ctx, duelID, StartTransition{StartedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	s.dispatcher.Dispatch(ctx, Event{Type: EventMatchStarted, DuelID: duelID, UserID: duel.OpponentOf(callerID)})
	return updated, nil
}

// End closes the match and opens the verification window: both parties then
// have the full window to submit evidence, with a reminder partway through.
func (s *DuelService) End(ctx context.Context, duelID, callerID string) (*models.Duel, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.HasParticipant(callerID) {
		return nil, errInvalidDuelAction("user %s is not a participant of duel %s", callerID, duelID)
	}

	endedAt := time.Now()
	updated, err := s.store.ApplyTransition(ctx, duelID, EndTransition{EndedAt: endedAt})
	if err != nil {
		return nil, err
	}
	s.armVerification(updated, endedAt)
	s.log.Info("duel_ended",
		zap.String("duel_id", duelID),
		zap.Time("verification_deadline", endedAt.Add(s.verifyWindow)))
	for _, uid := range []string{updated.ChallengerID, updated.OpponentID} {
		s.dispatcher.Dispatch(ctx, Event{
			Type:   EventMatchEnded,
			DuelID: duelID,
			UserID: uid,
			Payload: map[string]interface{}{
				"verification_deadline": endedAt.Add(s.verifyWindow),
			},
		})
	}
	return updated, nil
}

// ReportDispute records a participant's dispute on any non-terminal duel.
// Deadline timers keep running; a dispute flags the duel for review, it does
// not pause the lifecycle.
func (s *DuelService) ReportDispute(ctx context.Context, duelID, callerID, reason string) (*models.DuelDispute, error) {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.HasParticipant(callerID) {
		return nil, errInvalidDuelAction("user %s is not a participant of duel %s", callerID, duelID)
	}
	if duel.Status.Terminal() {
		return nil, errInvalidDuelAction("duel %s is already %s", duelID, duel.Status)
	}

	dispute := &models.DuelDispute{
		ID:         uuid.NewString(),
		DuelID:     duelID,
		ReportedBy: callerID,
		Reason:     reason,
		Status:     string(models.DisputePending),
	}
	if err := s.store.CreateDispute(ctx, dispute); err != nil {
		return nil, err
	}
	s.log.Warn("duel_disputed",
		zap.String("duel_id", duelID),
		zap.String("reported_by", callerID))
	s.dispatcher.Dispatch(ctx, Event{
		Type:    EventDisputeRaised,
		DuelID:  duelID,
		UserID:  duel.OpponentOf(callerID),
		Payload: map[string]interface{}{"reason": reason},
	})
	return dispute, nil
}

func (s *DuelService) Get(ctx context.Context, duelID string) (*models.Duel, error) {
	return s.store.GetDuel(ctx, duelID)
}

func (s *DuelService) ListByUser(ctx context.Context, userID string, page, size int) ([]models.Duel, int64, error) {
	return s.store.ListDuelsByUser(ctx, userID, page, size)
}

func (s *DuelService) Submissions(ctx context.Context, duelID string) ([]models.DuelSubmission, error) {
	return s.store.ActiveSubmissions(ctx, duelID)
}

// RearmDeadlines restores deadline timers after a restart. Past-due
// deadlines fire immediately through the same guarded transitions, so
// re-arming is idempotent.
func (s *DuelService) RearmDeadlines(ctx context.Context) error {
	duels, err := s.store.DuelsWithPendingDeadlines(ctx)
	if err != nil {
		return err
	}
	for i := range duels {
		d := duels[i]
		switch d.Status {
		case models.DuelStatusProposed:
			s.armExpiry(d.ID, d.ExpiresAt)
		case models.DuelStatusEnded:
			if d.EndedAt != nil {
				s.armVerification(&d, *d.EndedAt)
			}
		}
	}
	if len(duels) > 0 {
		s.log.Info("deadlines_rearmed", zap.Int("count", len(duels)))
	}
	return nil
}

func (s *DuelService) armExpiry(duelID string, at time.Time) {
	_ = s.timers.Schedule(duelID, TimerExpiry, at, func() {
		s.expireDuel(duelID)
	})
}

func (s *DuelService) armVerification(duel *models.Duel, endedAt time.Time) {
	duelID := duel.ID
	challenger, opponent := duel.ChallengerID, duel.OpponentID
	// The reminder fires at most once per duel. Re-arming after the offset
	// has passed (restart, reconcile sweep) skips it instead of replaying
	// it; the guarded verification timer below still covers forfeiture.
	if remindAt := endedAt.Add(s.remindAfter); time.Now().Before(remindAt) {
		_ = s.timers.Schedule(duelID, TimerReminder, remindAt, func() {
			s.sendReminder(duelID, challenger, opponent)
		})
	}
	_ = s.timers.Schedule(duelID, TimerVerification, endedAt.Add(s.verifyWindow), func() {
		s.forfeitIfUnverified(duelID, challenger, opponent)
	})
}

// expireDuel fires when a challenge sat unanswered for the full TTL. A
// guard mismatch means the duel moved on in the meantime; that is fine.
func (s *DuelService) expireDuel(duelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	duel, err := s.store.ApplyTransition(ctx, duelID, ExpireTransition{})
	if err != nil {
		if CodeOf(err) != ErrCodeInvalidDuelAction {
			s.log.Error("duel_expiry_failed", zap.String("duel_id", duelID), zap.Error(err))
		}
		return
	}
	s.log.Info("duel_expired", zap.String("duel_id", duelID))
	for _, uid := range []string{duel.ChallengerID, duel.OpponentID} {
		s.dispatcher.Dispatch(ctx, Event{Type: EventDuelExpired, DuelID: duelID, UserID: uid})
	}
}

func (s *DuelService) sendReminder(duelID, challenger, opponent string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subs, err := s.store.ActiveSubmissions(ctx, duelID)
	if err != nil {
		s.log.Error("reminder_lookup_failed", zap.String("duel_id", duelID), zap.Error(err))
		return
	}
	submitted := make(map[string]bool, len(subs))
	for _, sub := range subs {
		submitted[sub.UserID] = true
	}
	for _, uid := range []string{challenger, opponent} {
		if submitted[uid] {
			continue
		}
		s.dispatcher.Dispatch(ctx, Event{
			Type:    EventVerificationReminder,
			DuelID:  duelID,
			UserID:  uid,
			Payload: map[string]interface{}{"seconds_remaining": int((s.verifyWindow - s.remindAfter).Seconds())},
		})
	}
}

// forfeitIfUnverified fires at the verification deadline. A duel still in
// Ended without two active submissions completes as forfeited with no
// winner and no stat changes.
func (s *DuelService) forfeitIfUnverified(duelID, challenger, opponent string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subs, err := s.store.ActiveSubmissions(ctx, duelID)
	if err != nil {
		s.log.Error("forfeit_lookup_failed", zap.String("duel_id", duelID), zap.Error(err))
		return
	}
	if len(subs) >= 2 {
		// Both parties submitted; the arbitrator owns the outcome from here.
		return
	}

	forfeited, err := s.store.ForceForfeit(ctx, duelID)
	if err != nil {
		s.log.Error("forfeit_failed", zap.String("duel_id", duelID), zap.Error(err))
		return
	}
	if !forfeited {
		return
	}
	s.timers.Cancel(duelID, TimerReminder)
	s.log.Warn("duel_forfeited", zap.String("duel_id", duelID), zap.Int("submissions", len(subs)))
	for _, uid := range []string{challenger, opponent} {
		s.dispatcher.Dispatch(ctx, Event{Type: EventDuelForfeited, DuelID: duelID, UserID: uid})
	}
}
