package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"time"

	"duel-arena-system/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
)

// Uploader is the object-storage collaborator boundary: content-addressed
// upload plus short-lived signed access. The core never sees permanent
// public URLs.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

const (
	uploadAttempts    = 3
	defaultUploadBase = 2 * time.Second
)

// VerificationService runs the screenshot pipeline: resolve rules, upload
// evidence, preprocess, recognize regions, validate, persist, arbitrate.
// Stages run strictly in order with a cancellation checkpoint between them.
type VerificationService struct {
	configs    *GameConfigService
	store      DuelStore
	storage    Uploader
	recognizer TextRecognizer
	arbitrator *ArbitratorService
	log        *zap.Logger

	uploadBase time.Duration // backoff base, overridable in tests
}

func NewVerificationService(configs *GameConfigService, store DuelStore, storage Uploader, recognizer TextRecognizer, arbitrator *ArbitratorService, log *zap.Logger) *VerificationService {
	return &VerificationService{
		configs:    configs,
		store:      store,
		storage:    storage,
		recognizer: recognizer,
		arbitrator: arbitrator,
		log:        log,
		uploadBase: defaultUploadBase,
	}
}

// ProcessScreenshot is the whole pipeline for one player's evidence. Every
// stage error is terminal for this attempt (only the upload sub-step
// retries); the caller may re-invoke with a new image. A failed run never
// touches the duel's persisted state.
func (s *VerificationService) ProcessScreenshot(ctx context.Context, duelID, userID string, imageData []byte) (*models.DuelSubmission, error) {
	started := time.Now()

	// Stage 1: resolve duel + configuration.
	duel, err := s.store.GetDuel(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.HasParticipant(userID) {
		return nil, errInvalidDuelAction("user %s is not a participant of duel %s", userID, duelID)
	}
	if duel.Status != models.DuelStatusEnded {
		return nil, errInvalidDuelAction("duel %s is %s, screenshots are only accepted after the match ends", duelID, duel.Status)
	}

	cfg, err := s.configs.GetConfiguration(ctx, duel.GameType, duel.GameMode)
	if err != nil {
		// The duel was created against a supported game; a missing rule set
		// at submission time means the configuration went away underneath it.
		if CodeOf(err) == ErrCodeUnsupportedGame {
			return nil, wrapError(ErrCodeConfigNotFound, err,
				"no configuration for %s/%s", duel.GameType, duel.GameMode)
		}
		return nil, err
	}
	settings, err := cfg.OCRSettings()
	if err != nil {
		return nil, verificationError(ErrCodeInvalidScoreData, "corrupt OCR settings for %s/%s", duel.GameType, duel.GameMode)
	}
	validation, err := cfg.Validation()
	if err != nil {
		return nil, verificationError(ErrCodeInvalidScoreData, "corrupt validation rules for %s/%s", duel.GameType, duel.GameMode)
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	// Stage 2: upload raw evidence. 3 attempts, doubling backoff.
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, verificationError(ErrCodeInvalidImageData, "could not decode screenshot: %v", err)
	}
	storagePath := fmt.Sprintf("duels/%s/%s/%s.png",
		slug.Make(duel.GameType+"-"+duel.GameMode), duelID, uuid.NewString())
	if err := s.uploadWithRetry(ctx, storagePath, imageData); err != nil {
		return nil, err
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	// Stage 3: preprocessing.
	processed, err := ApplyPreprocessing(img, settings)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	// Stage 4: region extraction.
	ocrResult, err := s.extractRegions(ctx, processed, settings)
	if err != nil {
		return nil, err
	}
	ocrResult.PlayerIDs = []string{duel.ChallengerID, duel.OpponentID}
	ocrResult.ProcessingTimeMs = time.Since(started).Milliseconds()

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	// Stage 5: validation.
	if err := validateScores(ocrResult.Scores, validation); err != nil {
		return nil, err
	}
	if ocrResult.Confidence < settings.ConfidenceThreshold {
		return nil, errLowConfidence(ocrResult.Confidence, settings.ConfidenceThreshold)
	}

	// Stage 6: persist + arbitrate.
	raw, err := models.MarshalOCRResult(ocrResult)
	if err != nil {
		return nil, verificationError(ErrCodeInvalidScoreData, "could not serialize extraction: %v", err)
	}
	sub := &models.DuelSubmission{
		ID:            uuid.NewString(),
		DuelID:        duelID,
		UserID:        userID,
		StoragePath:   storagePath,
		OCRResultJSON: string(raw),
		Confidence:    ocrResult.Confidence,
		ConfigVersion: cfg.Version,
	}
	if err := s.store.SaveSubmission(ctx, sub); err != nil {
		return nil, wrapError(ErrCodeDatabaseUnavailable, err, "failed to persist submission")
	}

	s.log.Info("screenshot_processed",
		zap.String("duel_id", duelID),
		zap.String("user_id", userID),
		zap.Float64("confidence", ocrResult.Confidence),
		zap.Int64("processing_ms", ocrResult.ProcessingTimeMs))

	if err := s.arbitrator.Evaluate(ctx, duelID); err != nil {
		return nil, err
	}
	return sub, nil
}

// SubmissionImageURL issues a short-lived signed URL for stored evidence.
func (s *VerificationService) SubmissionImageURL(ctx context.Context, duelID, submissionID string, ttl time.Duration) (string, error) {
	sub, err := s.store.GetSubmission(ctx, duelID, submissionID)
	if err != nil {
		return "", err
	}
	return s.storage.SignedURL(ctx, sub.StoragePath, ttl)
}

func (s *VerificationService) uploadWithRetry(ctx context.Context, key string, data []byte) error {
	var lastErr error
	delay := s.uploadBase
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		lastErr = s.storage.Upload(ctx, key, data, "image/png")
		if lastErr == nil {
			return nil
		}
		s.log.Warn("screenshot_upload_retry",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == uploadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return checkpoint(ctx)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return wrapError(ErrCodeNetworkError, lastErr, "screenshot upload failed after %d attempts", uploadAttempts)
}

// extractRegions crops each configured region, recognizes it, and applies
// the region pattern. Aggregate confidence is the mean over regions.
func (s *VerificationService) extractRegions(ctx context.Context, img *image.RGBA, settings *models.OCRSettings) (*models.OCRResult, error) {
	result := &models.OCRResult{Scores: make(map[string]int64)}
	anyText := false

	for _, region := range settings.Regions {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		crop, err := cropRegion(img, region.Rect)
		if err != nil {
			return nil, err
		}
		text, confidence, err := s.recognizer.Recognize(ctx, crop, region.Format)
		if err != nil {
			return nil, wrapError(ErrCodeNetworkError, err, "text recognition failed for region %s", region.Name)
		}
		cleaned, err := cleanText(text, region.Pattern)
		if err != nil {
			return nil, verificationError(ErrCodeInvalidScoreData, "%v", err)
		}
		if cleaned != "" {
			anyText = true
		}
		result.Regions = append(result.Regions, models.RegionResult{
			Name:        region.Name,
			Text:        cleaned,
			Confidence:  confidence,
			Coordinates: region.Rect,
		})

		if participant := ParticipantForRegion(region.Name); participant != "" {
			if cleaned == "" {
				return nil, verificationError(ErrCodeNoTextFound, "no readable score in region %s", region.Name)
			}
			score, err := strconv.ParseInt(cleaned, 10, 64)
			if err != nil {
				return nil, verificationError(ErrCodeInvalidScoreData, "region %s produced non-numeric score %q", region.Name, cleaned)
			}
			result.Scores[participant] = score
		}
	}

	if !anyText {
		return nil, verificationError(ErrCodeNoTextFound, "no text recognized in any configured region")
	}
	if len(result.Scores) < 2 {
		return nil, verificationError(ErrCodeInvalidScoreData, "expected scores for both participants, got %d", len(result.Scores))
	}
	result.Confidence = models.AggregateConfidence(result.Regions)
	return result, nil
}

// validateScores applies the range check and the format-specific rule.
func validateScores(scores map[string]int64, v *models.ScoreValidation) error {
	for participant, score := range scores {
		if score < v.MinScore || score > v.MaxScore {
			return errInvalidScoreRange(participant, score, v.MinScore, v.MaxScore)
		}
	}

	a := scores[models.ParticipantChallenger]
	b := scores[models.ParticipantOpponent]
	hi, lo := a, b
	if b > a {
		hi, lo = b, a
	}

	switch v.ExpectedScoreFormat {
	case models.FormatFirstToScore:
		// Complete when the leader reached the target or is simply ahead.
		if hi < v.TargetScore && hi <= lo {
			return verificationError(ErrCodeIncompleteMatch, "no participant reached %d and scores are level", v.TargetScore)
		}
	case models.FormatBestOfSeries:
		if a+b < v.SeriesLength {
			return verificationError(ErrCodeIncompleteMatch, "series shows %d games, expected at least %d", a+b, v.SeriesLength)
		}
	case models.FormatPointsBased:
		if v.AllowedScoreDifference != nil {
			diff := hi - lo
			if diff > *v.AllowedScoreDifference {
				return verificationError(ErrCodeUnreasonableScores, "score difference %d exceeds allowed %d", diff, *v.AllowedScoreDifference)
			}
		}
	case models.FormatTimeBased:
		if !v.TimeBasedScoring {
			return verificationError(ErrCodeInvalidGameMode, "configuration does not declare time-based scoring")
		}
	case models.FormatElimination:
		if a == 0 && b == 0 {
			return verificationError(ErrCodeNoEliminations, "no eliminations detected for either participant")
		}
	case models.FormatSurvival:
		// Range check above is the whole rule.
	default:
		return verificationError(ErrCodeInvalidGameMode, "unknown score format %q", v.ExpectedScoreFormat)
	}
	return nil
}

// checkpoint is the cooperative cancellation check between pipeline stages.
func checkpoint(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return wrapError(ErrCodeProcessingTimeout, err, "screenshot processing timed out")
	default:
		return err
	}
}
