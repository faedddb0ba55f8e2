package services

import (
	"context"
	"time"

	"duel-arena-system/models"

	"go.uber.org/zap"
)

const arbitratorConfidenceFloor = 0.95

// ArbitratorService decides duel outcomes once evidence is in. Automatic
// verification needs both active submissions at or above the confidence
// floor; anything weaker, and score ties, fall back to mutual confirmation.
type ArbitratorService struct {
	store      DuelStore
	dispatcher Dispatcher
	timers     *DeadlineCoordinator
	log        *zap.Logger
	threshold  float64
}

func NewArbitratorService(store DuelStore, dispatcher Dispatcher, timers *DeadlineCoordinator, log *zap.Logger) *ArbitratorService {
	return &ArbitratorService{
		store:      store,
		dispatcher: dispatcher,
		timers:     timers,
		log:        log,
		threshold:  arbitratorConfidenceFloor,
	}
}

// Evaluate runs after every submission. With fewer than two active
// submissions it is a no-op: the duel keeps waiting for the other party.
func (s *ArbitratorService) Evaluate(ctx context.Context, duelID string) error {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return err
	}
	subs, err := s.store.ActiveSubmissions(ctx, duelID)
	if err != nil {
		return err
	}
	if len(subs) < 2 {
		return nil
	}

	if subs[0].Confidence < s.threshold || subs[1].Confidence < s.threshold {
		return s.requireMutual(ctx, duel, "confidence below automatic floor")
	}

	// Scores of record come from the higher-confidence submission.
	record := subs[0]
	if subs[1].Confidence > record.Confidence {
		record = subs[1]
	}
	extraction, err := record.OCRResult()
	if err != nil {
		return wrapError(ErrCodeInvalidScoreData, err, "stored extraction for duel %s is unreadable", duelID)
	}

	challengerScore := extraction.Scores[models.ParticipantChallenger]
	opponentScore := extraction.Scores[models.ParticipantOpponent]
	if challengerScore == opponentScore {
		return s.requireMutual(ctx, duel, "extracted scores are tied")
	}

	out := models.Outcome{
		ChallengerScore: challengerScore,
		OpponentScore:   opponentScore,
		Method:          models.MethodOCR,
	}
	if challengerScore > opponentScore {
		out.WinnerID, out.LoserID = duel.ChallengerID, duel.OpponentID
		out.WinnerScore, out.LoserScore = challengerScore, opponentScore
	} else {
		out.WinnerID, out.LoserID = duel.OpponentID, duel.ChallengerID
		out.WinnerScore, out.LoserScore = opponentScore, challengerScore
	}
	return s.finalize(ctx, duel, out)
}

// ConfirmResult records callerID's manual approval of the opponent's
// evidence. When both parties have confirmed, the duel completes with the
// higher-confidence submission's scores under the mutual method.
func (s *ArbitratorService) ConfirmResult(ctx context.Context, duelID, callerID string) error {
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return err
	}
	if !duel.HasParticipant(callerID) {
		return errInvalidDuelAction("user %s is not a participant of duel %s", callerID, duelID)
	}
	if duel.Status != models.DuelStatusEnded {
		return errInvalidDuelAction("duel %s is %s, confirmation only applies before completion", duelID, duel.Status)
	}

	confirmed, err := s.store.MarkConfirmed(ctx, duelID, callerID)
	if err != nil {
		return err
	}
	if confirmed < 2 {
		return nil
	}

	subs, err := s.store.ActiveSubmissions(ctx, duelID)
	if err != nil {
		return err
	}
	if len(subs) < 2 {
		return errInvalidDuelAction("duel %s has confirmations without two submissions", duelID)
	}
	record := subs[0]
	if subs[1].Confidence > record.Confidence {
		record = subs[1]
	}
	extraction, err := record.OCRResult()
	if err != nil {
		return wrapError(ErrCodeInvalidScoreData, err, "stored extraction for duel %s is unreadable", duelID)
	}

	challengerScore := extraction.Scores[models.ParticipantChallenger]
	opponentScore := extraction.Scores[models.ParticipantOpponent]
	out := models.Outcome{
		ChallengerScore: challengerScore,
		OpponentScore:   opponentScore,
		Method:          models.MethodMutual,
	}
	// Confirmation means both parties accepted the recorded scoreboard.
	// Tied scores resolve to the challenger.
	if opponentScore > challengerScore {
		out.WinnerID, out.LoserID = duel.OpponentID, duel.ChallengerID
		out.WinnerScore, out.LoserScore = opponentScore, challengerScore
	} else {
		out.WinnerID, out.LoserID = duel.ChallengerID, duel.OpponentID
		out.WinnerScore, out.LoserScore = challengerScore, opponentScore
	}
	return s.finalize(ctx, duel, out)
}

func (s *ArbitratorService) requireMutual(ctx context.Context, duel *models.Duel, reason string) error {
	if err := s.store.SetMutualPending(ctx, duel.ID); err != nil {
		return err
	}
	s.log.Info("mutual_confirmation_required",
		zap.String("duel_id", duel.ID),
		zap.String("reason", reason))
	for _, uid := range []string{duel.ChallengerID, duel.OpponentID} {
		s.dispatcher.Dispatch(ctx, Event{
			Type:   EventVerificationSubmitted,
			DuelID: duel.ID,
			UserID: uid,
			Payload: map[string]interface{}{
				"requires_confirmation": true,
				"reason":                reason,
			},
		})
	}
	return nil
}

// finalize completes the duel and applies stats in one store transaction.
// Losing the finalize race is not an error; the duel was decided elsewhere.
func (s *ArbitratorService) finalize(ctx context.Context, duel *models.Duel, out models.Outcome) error {
	result, err := s.store.FinalizeVerified(ctx, duel.ID, out)
	if err != nil {
		return err
	}
	if result.AlreadyFinalized {
		return nil
	}

	s.timers.CancelAll(duel.ID)
	s.log.Info("duel_completed",
		zap.String("duel_id", duel.ID),
		zap.String("winner_id", out.WinnerID),
		zap.String("method", string(out.Method)),
		zap.Int64("winner_score", out.WinnerScore),
		zap.Int64("loser_score", out.LoserScore))

	if result.WinnerLeveledUp {
		s.dispatcher.Dispatch(ctx, Event{
			Type:    EventLevelUp,
			DuelID:  duel.ID,
			UserID:  out.WinnerID,
			Payload: map[string]interface{}{"level": result.Winner.Level},
		})
	}
	if result.LoserLeveledUp {
		s.dispatcher.Dispatch(ctx, Event{
			Type:    EventLevelUp,
			DuelID:  duel.ID,
			UserID:  out.LoserID,
			Payload: map[string]interface{}{"level": result.Loser.Level},
		})
	}
	return nil
}

// applyWin mutates the winner's stats in place and reports a level-up.
// Winner gains 100 base experience plus twice their score.
func applyWin(p *models.PlayerProfile, score int64) bool {
	p.Wins++
	p.Experience += 100 + 2*score
	return refreshDerivedStats(p)
}

// applyLoss mutates the loser's stats in place and reports a level-up.
// Loser gains 25 base experience plus their score.
func applyLoss(p *models.PlayerProfile, score int64) bool {
	p.Losses++
	p.Experience += 25 + score
	return refreshDerivedStats(p)
}

func refreshDerivedStats(p *models.PlayerProfile) bool {
	if total := p.Wins + p.Losses; total > 0 {
		p.WinRate = float64(p.Wins) / float64(total) * 100
	} else {
		p.WinRate = 0
	}
	next := levelForExperience(p.Experience)
	if next > p.Level {
		p.Level = next
		now := time.Now()
		p.LastLevelUpAt = &now
		return true
	}
	return false
}

// levelForExperience implements the two-slope curve: 100 xp per level up to
// 1000 xp, then 150 xp per level past level 10.
func levelForExperience(xp int64) int {
	if xp < 1000 {
		return int(xp / 100)
	}
	return int(10 + (xp-1000)/150)
}
