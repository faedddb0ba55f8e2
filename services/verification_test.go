package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"duel-arena-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryUploader struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext int
	calls    int
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{objects: make(map[string][]byte)}
}

func (u *memoryUploader) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.failNext > 0 {
		u.failNext--
		return errors.New("connection reset")
	}
	u.objects[key] = data
	return nil
}

func (u *memoryUploader) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://storage.test/" + key + "?signed=1", nil
}

type recognized struct {
	text       string
	confidence float64
}

// scriptedRecognizer replays outputs in region order, cycling per screenshot.
type scriptedRecognizer struct {
	mu      sync.Mutex
	outputs []recognized
	idx     int
}

func (r *scriptedRecognizer) Recognize(ctx context.Context, region image.Image, formatHint string) (string, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outputs[r.idx%len(r.outputs)]
	r.idx++
	return out.text, out.confidence, nil
}

func testScreenshot(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 180))
	for y := 0; y < 180; y++ {
		for x := 0; x < 320; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestVerification(t *testing.T, rec TextRecognizer, uploader Uploader) (*VerificationService, *fakeDuelStore) {
	t.Helper()
	store := newFakeDuelStore()
	timers, err := NewDeadlineCoordinator(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = timers.Shutdown() })

	configs := NewGameConfigService(newFakeConfigStore(), zap.NewNop())
	arbitrator := NewArbitratorService(store, &recordingDispatcher{}, timers, zap.NewNop())
	svc := NewVerificationService(configs, store, uploader, rec, arbitrator, zap.NewNop())
	svc.uploadBase = time.Millisecond
	return svc, store
}

func TestProcessScreenshotPersistsSubmission(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.97}}}
	uploader := newMemoryUploader()
	svc, store := newTestVerification(t, rec, uploader)
	ctx := context.Background()
	duel := endedDuel(t, store)

	sub, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)

	assert.Equal(t, duel.ID, sub.DuelID)
	assert.Equal(t, "alice", sub.UserID)
	assert.Equal(t, 1, sub.ConfigVersion)
	assert.InDelta(t, 0.98, sub.Confidence, 0.0001)
	assert.Contains(t, uploader.objects, sub.StoragePath)

	extraction, err := sub.OCRResult()
	require.NoError(t, err)
	assert.EqualValues(t, 13, extraction.Scores[models.ParticipantChallenger])
	assert.EqualValues(t, 9, extraction.Scores[models.ParticipantOpponent])
	assert.Len(t, extraction.Regions, 2)

	// One submission is not enough to decide the duel.
	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)
}

func TestProcessScreenshotFromBothPartiesCompletesDuel(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	ctx := context.Background()
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)
	_, err = svc.ProcessScreenshot(ctx, duel.ID, "bob", testScreenshot(t))
	require.NoError(t, err)

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusCompleted, reloaded.Status)
	out := reloaded.Outcome()
	require.NotNil(t, out)
	assert.Equal(t, "alice", out.WinnerID)
	assert.Equal(t, models.MethodOCR, out.Method)
}

func TestProcessScreenshotRejectsNonParticipant(t *testing.T) {
	svc, store := newTestVerification(t, &scriptedRecognizer{outputs: []recognized{{"1", 1}}}, newMemoryUploader())
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "mallory", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidDuelAction, CodeOf(err))
}

func TestProcessScreenshotRequiresEndedDuel(t *testing.T) {
	svc, store := newTestVerification(t, &scriptedRecognizer{outputs: []recognized{{"1", 1}}}, newMemoryUploader())
	duel := endedDuel(t, store)
	store.mu.Lock()
	store.duels[duel.ID].Status = models.DuelStatusInProgress
	store.mu.Unlock()

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidDuelAction, CodeOf(err))
}

func TestProcessScreenshotRejectsUndecodableImage(t *testing.T) {
	svc, store := newTestVerification(t, &scriptedRecognizer{outputs: []recognized{{"1", 1}}}, newMemoryUploader())
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", []byte("definitely not a png"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidImageData, CodeOf(err))

	var de *DuelError
	require.ErrorAs(t, err, &de)
	assert.NotEmpty(t, de.Hint)
}

func TestProcessScreenshotVanishedConfiguration(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	ctx := context.Background()

	// The rule set for the duel's game is gone from both the store and the
	// built-in defaults.
	now := time.Now()
	duel := &models.Duel{
		ID:                 uuid.NewString(),
		ChallengerID:       "alice",
		OpponentID:         "bob",
		GameType:           "RetiredGame",
		GameMode:           "Classic",
		Status:             models.DuelStatusEnded,
		VerificationStatus: models.VerificationPending,
		CreatedAt:          now,
		EndedAt:            &now,
		ExpiresAt:          now.Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateDuel(ctx, duel))

	_, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigNotFound, CodeOf(err))
}

func TestProcessScreenshotRejectsOutOfRangeScore(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"14", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidScoreRange, CodeOf(err))

	subs, err := store.ActiveSubmissions(context.Background(), duel.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestProcessScreenshotConfidenceBoundary(t *testing.T) {
	uploader := newMemoryUploader()

	// Exactly at the threshold passes.
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.95}, {"9", 0.95}}}
	svc, store := newTestVerification(t, rec, uploader)
	duel := endedDuel(t, store)
	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)

	// A hair below fails.
	rec = &scriptedRecognizer{outputs: []recognized{{"13", 0.9499}, {"9", 0.9499}}}
	svc, store = newTestVerification(t, rec, uploader)
	duel = endedDuel(t, store)
	_, err = svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeLowConfidence, CodeOf(err))
}

func TestLowThresholdGameRoutesToMutualConfirmation(t *testing.T) {
	// Tetris seeds a 0.90 threshold, below the arbitrator floor: reads in
	// between persist but the duel waits on mutual confirmation.
	rec := &scriptedRecognizer{outputs: []recognized{{"150000", 0.92}, {"98000", 0.92}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	ctx := context.Background()

	now := time.Now()
	duel := &models.Duel{
		ID:                 uuid.NewString(),
		ChallengerID:       "alice",
		OpponentID:         "bob",
		GameType:           "Tetris",
		GameMode:           "Marathon",
		Status:             models.DuelStatusEnded,
		VerificationStatus: models.VerificationPending,
		CreatedAt:          now,
		EndedAt:            &now,
		ExpiresAt:          now.Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateDuel(ctx, duel))

	_, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)
	_, err = svc.ProcessScreenshot(ctx, duel.ID, "bob", testScreenshot(t))
	require.NoError(t, err)

	reloaded, err := store.GetDuel(ctx, duel.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DuelStatusEnded, reloaded.Status)
	assert.Equal(t, models.VerificationSubmitted, reloaded.VerificationStatus)
	assert.Equal(t, models.MethodMutual, reloaded.VerificationMethod)
}

func TestProcessScreenshotNoTextFound(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"", 0.99}, {"", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeNoTextFound, CodeOf(err))
}

func TestProcessScreenshotUploadRetriesThenSucceeds(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	uploader := newMemoryUploader()
	uploader.failNext = 2
	svc, store := newTestVerification(t, rec, uploader)
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)
	assert.Equal(t, 3, uploader.calls)
}

func TestProcessScreenshotUploadExhaustsRetries(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	uploader := newMemoryUploader()
	uploader.failNext = 3
	svc, store := newTestVerification(t, rec, uploader)
	duel := endedDuel(t, store)

	_, err := svc.ProcessScreenshot(context.Background(), duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.Equal(t, ErrCodeNetworkError, CodeOf(err))
	assert.Equal(t, 3, uploader.calls)
}

func TestProcessScreenshotCancelledContext(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	duel := endedDuel(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResubmissionSupersedesPriorEvidence(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"11", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	ctx := context.Background()
	duel := endedDuel(t, store)

	first, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)
	second, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)

	active, err := store.ActiveSubmissions(ctx, duel.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	assert.NotEqual(t, first.ID, active[0].ID)

	// The superseded row is retained for audit.
	old, err := store.GetSubmission(ctx, duel.ID, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
}

func TestSubmissionImageURLIsSigned(t *testing.T) {
	rec := &scriptedRecognizer{outputs: []recognized{{"13", 0.99}, {"9", 0.99}}}
	svc, store := newTestVerification(t, rec, newMemoryUploader())
	ctx := context.Background()
	duel := endedDuel(t, store)

	sub, err := svc.ProcessScreenshot(ctx, duel.ID, "alice", testScreenshot(t))
	require.NoError(t, err)

	url, err := svc.SubmissionImageURL(ctx, duel.ID, sub.ID, 15*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, sub.StoragePath)
	assert.Contains(t, url, "signed=1")
}

func TestValidateScoresPerFormat(t *testing.T) {
	scores := func(a, b int64) map[string]int64 {
		return map[string]int64{
			models.ParticipantChallenger: a,
			models.ParticipantOpponent:   b,
		}
	}

	cases := []struct {
		name     string
		scores   map[string]int64
		rules    models.ScoreValidation
		wantCode ErrorCode
	}{
		{
			name:   "first_to_score reached target",
			scores: scores(13, 9),
			rules:  models.ScoreValidation{MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13},
		},
		{
			name:   "first_to_score leader ahead",
			scores: scores(11, 9),
			rules:  models.ScoreValidation{MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13},
		},
		{
			name:     "first_to_score level and short of target",
			scores:   scores(9, 9),
			rules:    models.ScoreValidation{MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13},
			wantCode: ErrCodeIncompleteMatch,
		},
		{
			name:   "best_of_series complete",
			scores: scores(2, 1),
			rules:  models.ScoreValidation{MaxScore: 3, ExpectedScoreFormat: models.FormatBestOfSeries, SeriesLength: 3},
		},
		{
			name:     "best_of_series unfinished",
			scores:   scores(1, 0),
			rules:    models.ScoreValidation{MaxScore: 3, ExpectedScoreFormat: models.FormatBestOfSeries, SeriesLength: 3},
			wantCode: ErrCodeIncompleteMatch,
		},
		{
			name:   "points_based plausible margin",
			scores: scores(30, 12),
			rules:  models.ScoreValidation{MaxScore: 50, ExpectedScoreFormat: models.FormatPointsBased, AllowedScoreDifference: intPtr(20)},
		},
		{
			name:     "points_based blowout",
			scores:   scores(45, 2),
			rules:    models.ScoreValidation{MaxScore: 50, ExpectedScoreFormat: models.FormatPointsBased, AllowedScoreDifference: intPtr(20)},
			wantCode: ErrCodeUnreasonableScores,
		},
		{
			name:   "time_based with time scoring",
			scores: scores(95000, 102000),
			rules:  models.ScoreValidation{MaxScore: 600000, ExpectedScoreFormat: models.FormatTimeBased, TimeBasedScoring: true},
		},
		{
			name:     "time_based misconfigured",
			scores:   scores(95000, 102000),
			rules:    models.ScoreValidation{MaxScore: 600000, ExpectedScoreFormat: models.FormatTimeBased},
			wantCode: ErrCodeInvalidGameMode,
		},
		{
			name:   "elimination with kills",
			scores: scores(7, 0),
			rules:  models.ScoreValidation{MaxScore: 30, ExpectedScoreFormat: models.FormatElimination},
		},
		{
			name:     "elimination scoreless",
			scores:   scores(0, 0),
			rules:    models.ScoreValidation{MaxScore: 30, ExpectedScoreFormat: models.FormatElimination},
			wantCode: ErrCodeNoEliminations,
		},
		{
			name:   "survival any in-range value",
			scores: scores(120389, 98112),
			rules:  models.ScoreValidation{MaxScore: 9999999, ExpectedScoreFormat: models.FormatSurvival},
		},
		{
			name:     "range check precedes format rule",
			scores:   scores(-1, 5),
			rules:    models.ScoreValidation{MaxScore: 13, ExpectedScoreFormat: models.FormatFirstToScore, TargetScore: 13},
			wantCode: ErrCodeInvalidScoreRange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateScores(tc.scores, &tc.rules)
			if tc.wantCode == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.wantCode, CodeOf(err))
			}
		})
	}
}
