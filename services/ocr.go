package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"duel-arena-system/models"
	"duel-arena-system/utils"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// TextRecognizer is the pluggable text-recognition capability: one cropped
// region in, recognized text plus confidence [0,1] out. The format hint
// selects the recognizer mode — "number" runs accuracy mode without
// language correction, "text" with it.
type TextRecognizer interface {
	Recognize(ctx context.Context, region image.Image, formatHint string) (string, float64, error)
}

// HTTPRecognizer calls the platform OCR service.
type HTTPRecognizer struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Log     *zap.Logger
}

func NewHTTPRecognizer(baseURL, token string, log *zap.Logger) *HTTPRecognizer {
	return &HTTPRecognizer{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.HTTPClient,
		Log:     log,
	}
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, region image.Image, formatHint string) (string, float64, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, region); err != nil {
		return "", 0, fmt.Errorf("failed to encode region: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/recognize?format=%s", r.BaseURL, formatHint)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Service-Token", r.Token)

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("ocr service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		r.Log.Warn("ocr_service_error", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
		return "", 0, fmt.Errorf("ocr service returned status %d", resp.StatusCode)
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("failed to decode ocr response: %w", err)
	}
	return out.Text, out.Confidence, nil
}

var (
	patternMu    sync.Mutex
	patternCache = make(map[string]*regexp.Regexp)
)

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = re
	return re, nil
}

// cleanText normalizes the recognizer output (NFKC folds full-width digits
// the OCR model is fond of) and keeps the first match of the region's
// pattern. An empty result means the region produced nothing usable.
func cleanText(raw, pattern string) (string, error) {
	text := strings.TrimSpace(norm.NFKC.String(raw))
	if pattern == "" {
		return text, nil
	}
	re, err := compiledPattern(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid region pattern %q: %w", pattern, err)
	}
	return re.FindString(text), nil
}

// ParticipantForRegion maps a score region name to its participant key:
// "challenger_score" → "challenger". Non-score regions return "".
func ParticipantForRegion(name string) string {
	participant, ok := strings.CutSuffix(name, "_score")
	if !ok {
		return ""
	}
	switch participant {
	case models.ParticipantChallenger, models.ParticipantOpponent:
		return participant
	}
	return ""
}
