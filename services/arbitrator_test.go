package services

import (
	"context"
	"testing"
	"time"

	"duel-arena-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestArbitrator(t *testing.T) (*ArbitratorService, *fakeDuelStore, *recordingDispatcher) {
	t.Helper()
	store := newFakeDuelStore()
	timers, err := NewDeadlineCoordinator(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = timers.Shutdown() })
	dispatcher := &recordingDispatcher{}
	return NewArbitratorService(store, dispatcher, timers, zap.NewNop()), store, dispatcher
}

func endedDuel(t *testing.T, store *fakeDuelStore) *models.Duel {
	t.Helper()
	now := time.Now()
	duel := &models.Duel{
		ID:                 uuid.NewString(),
		ChallengerID:       "alice",
		OpponentID:         "bob",
		GameType:           "Valorant",
		GameMode:           "Competitive",
		Status:             models.DuelStatusEnded,
		VerificationStatus: models.VerificationPending,
		CreatedAt:          now,
		EndedAt:            &now,
		ExpiresAt:          now.Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateDuel(context.Background(), duel))
	return duel
}

func submitEvidence(t *testing.T, store *fakeDuelStore, duelID, userID string, challengerScore, opponentScore int64, confidence float64) {
	t.Helper()
	raw, err := models.MarshalOCRResult(&models.OCRResult{
		Scores: map[string]int64{
			models.ParticipantChallenger: challengerScore,
			models.ParticipantOpponent:   opponentScore,
		},
		Confidence: confidence,
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveSubmission(context.Background(), &models.DuelSubmission{
		ID:            uuid.NewString(),
		DuelID:        duelID,
		UserID:        userID,
		StoragePath:   "duels/test/" + userID + ".png",
		OCRResultJSON: string(raw),
		Confidence:    confidence,
		ConfigVersion: 1,
	}))
}

func TestEvaluateWaitsForSecondSubmission(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 13, 9, 0.99)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)
}

func TestEvaluateCompletesDuelFromHigherConfidenceSubmission(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 13, 9, 0.97)
	submitEvidence(t, store, duel.ID, "bob", 13, 10, 0.99)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	out := reloaded.Outcome()
	require.NotNil(t, out)
	assert.Equal(t, "alice", out.WinnerID)
	assert.Equal(t, "bob", out.LoserID)
	assert.Equal(t, models.MethodOCR, out.Method)
	// Bob's submission carried higher confidence, so its scores are recorded.
	assert.EqualValues(t, 13, out.ChallengerScore)
	assert.EqualValues(t, 10, out.OpponentScore)
	assert.Equal(t, models.VerificationVerified, reloaded.VerificationStatus)
}

func TestEvaluateAppliesStatsExactlyOnce(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 13, 9, 0.99)
	submitEvidence(t, store, duel.ID, "bob", 13, 9, 0.98)

	for i := 0; i < 5; i++ {
		require.NoError(t, arb.Evaluate(ctx, duel.ID))
	}

	winner := store.profiles["alice"]
	loser := store.profiles["bob"]
	require.NotNil(t, winner)
	require.NotNil(t, loser)
	assert.EqualValues(t, 1, winner.Wins)
	assert.EqualValues(t, 0, winner.Losses)
	assert.EqualValues(t, 100+2*13, winner.Experience)
	assert.EqualValues(t, 1, loser.Losses)
	assert.EqualValues(t, 25+9, loser.Experience)
	assert.Equal(t, float64(100), winner.WinRate)
	assert.Equal(t, float64(0), loser.WinRate)
}

func TestEvaluateLowConfidenceFallsBackToMutual(t *testing.T) {
	arb, store, dispatcher := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 13, 9, 0.99)
	submitEvidence(t, store, duel.ID, "bob", 13, 9, 0.9499)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)
	assert.Equal(t, models.VerificationSubmitted, reloaded.VerificationStatus)
	assert.Equal(t, models.MethodMutual, reloaded.VerificationMethod)
	assert.Len(t, dispatcher.byType(EventVerificationSubmitted), 2)
}

func TestEvaluateTiedScoresFallBackToMutual(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 11, 11, 0.99)
	submitEvidence(t, store, duel.ID, "bob", 11, 11, 0.99)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)
	assert.Equal(t, models.VerificationSubmitted, reloaded.VerificationStatus)
}

func TestConfirmResultRequiresBothParties(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 9, 7, 0.90)
	submitEvidence(t, store, duel.ID, "bob", 9, 7, 0.91)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	require.NoError(t, arb.ConfirmResult(ctx, duel.ID, "alice"))
	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)

	require.NoError(t, arb.ConfirmResult(ctx, duel.ID, "bob"))
	reloaded, err = store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	out := reloaded.Outcome()
	require.NotNil(t, out)
	assert.Equal(t, "alice", out.WinnerID)
	assert.Equal(t, models.MethodMutual, out.Method)
}

func TestConfirmResultRejectsNonParticipant(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	duel := endedDuel(t, store)

	err := arb.ConfirmResult(context.Background(), duel.ID, "mallory")
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidDuelAction, CodeOf(err))
}

func TestConfirmResultRejectsCompletedDuel(t *testing.T) {
	arb, store, _ := newTestArbitrator(t)
	ctx := context.Background()
	duel := endedDuel(t, store)

	submitEvidence(t, store, duel.ID, "alice", 13, 7, 0.99)
	submitEvidence(t, store, duel.ID, "bob", 13, 7, 0.98)
	require.NoError(t, arb.Evaluate(ctx, duel.ID))

	err := arb.ConfirmResult(ctx, duel.ID, "alice")
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidDuelAction, CodeOf(err))
}

func TestApplyWinAndLossExperience(t *testing.T) {
	winner := &models.PlayerProfile{ExternalUserID: "w"}
	loser := &models.PlayerProfile{ExternalUserID: "l"}

	leveled := applyWin(winner, 13)
	assert.True(t, leveled)
	assert.EqualValues(t, 126, winner.Experience)
	assert.Equal(t, 1, winner.Level)
	assert.Equal(t, float64(100), winner.WinRate)
	assert.NotNil(t, winner.LastLevelUpAt)

	leveled = applyLoss(loser, 9)
	assert.False(t, leveled)
	assert.EqualValues(t, 34, loser.Experience)
	assert.Equal(t, 0, loser.Level)
	assert.Equal(t, float64(0), loser.WinRate)
	assert.Nil(t, loser.LastLevelUpAt)
}

func TestWinRateAcrossGames(t *testing.T) {
	p := &models.PlayerProfile{ExternalUserID: "p"}
	applyWin(p, 5)
	applyWin(p, 5)
	applyLoss(p, 3)

	assert.EqualValues(t, 2, p.Wins)
	assert.EqualValues(t, 1, p.Losses)
	assert.InDelta(t, 66.666, p.WinRate, 0.001)
}

func TestLevelCurve(t *testing.T) {
	cases := []struct {
		xp    int64
		level int
	}{
		{0, 0},
		{99, 0},
		{100, 1},
		{999, 9},
		{1000, 10},
		{1149, 10},
		{1150, 11},
		{2500, 20},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.level, levelForExperience(tc.xp), "xp=%d", tc.xp)
	}
}
