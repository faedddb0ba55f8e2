package services

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable code surfaced to callers. Codes
// map 1:1 to user-facing behavior and stay separate from diagnostic logging.
type ErrorCode string

const (
	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Configuration errors
	ErrCodeConfigNotFound      ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeUnsupportedGame     ErrorCode = "UNSUPPORTED_GAME"
	ErrCodeDatabaseUnavailable ErrorCode = "DATABASE_UNAVAILABLE"

	// Action-guard errors — never retried automatically
	ErrCodeInvalidDuelAction ErrorCode = "INVALID_DUEL_ACTION"
	ErrCodeUserAlreadyInDuel ErrorCode = "USER_ALREADY_IN_DUEL"

	// Verification errors — surfaced with a recovery hint
	ErrCodeInvalidImageData    ErrorCode = "INVALID_IMAGE_DATA"
	ErrCodePreprocessingFailed ErrorCode = "PREPROCESSING_FAILED"
	ErrCodeNoTextFound         ErrorCode = "NO_TEXT_FOUND"
	ErrCodeInvalidScoreRange   ErrorCode = "INVALID_SCORE_RANGE"
	ErrCodeLowConfidence       ErrorCode = "LOW_CONFIDENCE"
	ErrCodeInvalidScoreData    ErrorCode = "INVALID_SCORE_DATA"
	ErrCodeIncompleteMatch     ErrorCode = "INCOMPLETE_MATCH"
	ErrCodeUnreasonableScores  ErrorCode = "UNREASONABLE_SCORE_DIFFERENCE"
	ErrCodeInvalidGameMode     ErrorCode = "INVALID_GAME_MODE"
	ErrCodeNoEliminations      ErrorCode = "NO_ELIMINATIONS_DETECTED"
	ErrCodeProcessingTimeout   ErrorCode = "PROCESSING_TIMEOUT"
	ErrCodeNetworkError        ErrorCode = "NETWORK_ERROR"
)

const hintRetake = "retake the screenshot and submit again"

// DuelError carries a stable code plus a human-readable message distinct
// from internal diagnostics. Hint, when set, tells the caller how to recover.
type DuelError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
	cause   error
}

func (e *DuelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DuelError) Unwrap() error { return e.cause }

// CodeOf extracts the stable code from err, or "" for untyped errors.
func CodeOf(err error) ErrorCode {
	var de *DuelError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func newError(code ErrorCode, format string, args ...interface{}) *DuelError {
	return &DuelError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...interface{}) *DuelError {
	return &DuelError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func errUnsupportedGame(gameType, gameMode string) *DuelError {
	return newError(ErrCodeUnsupportedGame, "game %q mode %q is not supported", gameType, gameMode)
}

func errInvalidDuelAction(format string, args ...interface{}) *DuelError {
	return newError(ErrCodeInvalidDuelAction, format, args...)
}

func errUserAlreadyInDuel(userID string) *DuelError {
	return newError(ErrCodeUserAlreadyInDuel, "user %s already has an active duel", userID)
}

func errInvalidScoreRange(participant string, score, min, max int64) *DuelError {
	e := newError(ErrCodeInvalidScoreRange, "score %d for %s outside allowed range [%d, %d]", score, participant, min, max)
	e.Hint = hintRetake
	return e
}

func errLowConfidence(actual, required float64) *DuelError {
	e := newError(ErrCodeLowConfidence, "extraction confidence %.4f below required %.2f", actual, required)
	e.Hint = hintRetake
	return e
}

func verificationError(code ErrorCode, format string, args ...interface{}) *DuelError {
	e := newError(code, format, args...)
	e.Hint = hintRetake
	return e
}
