package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"duel-arena-system/utils"

	"go.uber.org/zap"
)

type EventType string

const (
	EventDuelChallengeIssued   EventType = "DuelChallengeIssued"
	EventDuelAccepted          EventType = "DuelAccepted"
	EventDuelDeclined          EventType = "DuelDeclined"
	EventDuelCancelled         EventType = "DuelCancelled"
	EventMatchStarted          EventType = "MatchStarted"
	EventMatchEnded            EventType = "MatchEnded"
	EventVerificationReminder  EventType = "VerificationReminder"
	EventVerificationSubmitted EventType = "VerificationSubmitted"
	EventDuelForfeited         EventType = "DuelForfeited"
	EventDuelExpired           EventType = "DuelExpired"
	EventLevelUp               EventType = "LevelUp"
	EventDisputeRaised         EventType = "DisputeRaised"
)

// Event is the abstract notification emitted on lifecycle changes. Delivery
// mechanics (push, in-app) belong to the notification service.
type Event struct {
	Type    EventType              `json:"type"`
	DuelID  string                 `json:"duel_id,omitempty"`
	UserID  string                 `json:"user_id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Dispatcher delivers events to the notification collaborator. Dispatch is
// fire-and-continue: failures are logged, never propagated into a state
// transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// HTTPDispatcher posts events to the platform notification service.
type HTTPDispatcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Log     *zap.Logger
}

func NewHTTPDispatcher(baseURL, token string, log *zap.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.HTTPClient,
		Log:     log,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.Log.Error("notify_marshal_failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}

	// Detach from the caller's lifetime: a cancelled pipeline must not lose
	// an already-earned notification.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, "POST", d.BaseURL+"/api/v1/internal/notifications", bytes.NewReader(body))
	if err != nil {
		d.Log.Error("notify_request_failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", d.Token)

	resp, err := d.Client.Do(req)
	if err != nil {
		d.Log.Warn("notify_send_failed",
			zap.String("event", string(ev.Type)),
			zap.String("duel_id", ev.DuelID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.Log.Warn("notify_rejected",
			zap.String("event", string(ev.Type)),
			zap.String("duel_id", ev.DuelID),
			zap.Int("status", resp.StatusCode))
	}
}

// NopDispatcher drops all events; used when no notification service is
// configured and in tests.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(ctx context.Context, ev Event) {}
