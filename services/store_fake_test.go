package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"duel-arena-system/models"
)

// fakeDuelStore mirrors the guarded-update semantics of the gorm store in
// memory so the lifecycle and arbitration logic can be tested without a
// database.
type fakeDuelStore struct {
	mu       sync.Mutex
	duels    map[string]*models.Duel
	subs     []*models.DuelSubmission
	profiles map[string]*models.PlayerProfile
	disputes []*models.DuelDispute
}

func newFakeDuelStore() *fakeDuelStore {
	return &fakeDuelStore{
		duels:    make(map[string]*models.Duel),
		profiles: make(map[string]*models.PlayerProfile),
	}
}

func (f *fakeDuelStore) CreateDuel(ctx context.Context, duel *models.Duel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.duels {
		switch d.Status {
		case models.DuelStatusAccepted, models.DuelStatusInProgress:
			if d.HasParticipant(duel.ChallengerID) || d.HasParticipant(duel.OpponentID) {
				return errUserAlreadyInDuel(duel.ChallengerID)
			}
		}
	}
	cp := *duel
	f.duels[duel.ID] = &cp
	return nil
}

func (f *fakeDuelStore) GetDuel(ctx context.Context, id string) (*models.Duel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.duels[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDuelStore) ListDuelsByUser(ctx context.Context, userID string, page, size int) ([]models.Duel, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Duel
	for _, d := range f.duels {
		if d.HasParticipant(userID) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (f *fakeDuelStore) ApplyTransition(ctx context.Context, duelID string, tr Transition) (*models.Duel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.duels[duelID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != tr.From() {
		return nil, errInvalidDuelAction("duel %s is %s, expected %s", duelID, d.Status, tr.From())
	}
	applyDuelUpdates(d, tr.Updates())
	cp := *d
	return &cp, nil
}

func applyDuelUpdates(d *models.Duel, updates map[string]interface{}) {
	for col, val := range updates {
		switch col {
		case "status":
			d.Status = val.(models.DuelStatus)
		case "verification_status":
			d.VerificationStatus = val.(models.VerificationStatus)
		case "accepted_at":
			d.AcceptedAt = val.(*time.Time)
		case "started_at":
			d.StartedAt = val.(*time.Time)
		case "ended_at":
			d.EndedAt = val.(*time.Time)
		}
	}
	d.UpdatedAt = time.Now()
}

func (f *fakeDuelStore) SaveSubmission(ctx context.Context, sub *models.DuelSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.subs {
		if prev.DuelID == sub.DuelID && prev.UserID == sub.UserID {
			prev.Superseded = true
		}
	}
	cp := *sub
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = time.Now()
	}
	f.subs = append(f.subs, &cp)
	return nil
}

func (f *fakeDuelStore) ActiveSubmissions(ctx context.Context, duelID string) ([]models.DuelSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DuelSubmission
	for _, s := range f.subs {
		if s.DuelID == duelID && !s.Superseded {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeDuelStore) GetSubmission(ctx context.Context, duelID, submissionID string) (*models.DuelSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.DuelID == duelID && s.ID == submissionID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeDuelStore) FinalizeVerified(ctx context.Context, duelID string, out models.Outcome) (*StatsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.duels[duelID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != models.DuelStatusEnded {
		return &StatsResult{AlreadyFinalized: true}, nil
	}
	now := time.Now()
	d.Status = models.DuelStatusCompleted
	d.VerificationStatus = models.VerificationVerified
	d.VerificationMethod = out.Method
	d.WinnerID, d.LoserID = &out.WinnerID, &out.LoserID
	d.ChallengerScore, d.OpponentScore = &out.ChallengerScore, &out.OpponentScore
	d.CompletedAt = &now

	winner := f.profile(out.WinnerID)
	loser := f.profile(out.LoserID)
	result := &StatsResult{Winner: winner, Loser: loser}
	result.WinnerLeveledUp = applyWin(winner, out.WinnerScore)
	result.LoserLeveledUp = applyLoss(loser, out.LoserScore)
	return result, nil
}

func (f *fakeDuelStore) profile(userID string) *models.PlayerProfile {
	p, ok := f.profiles[userID]
	if !ok {
		p = &models.PlayerProfile{ID: userID, ExternalUserID: userID}
		f.profiles[userID] = p
	}
	return p
}

func (f *fakeDuelStore) ForceForfeit(ctx context.Context, duelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.duels[duelID]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != models.DuelStatusEnded {
		return false, nil
	}
	now := time.Now()
	d.Status = models.DuelStatusCompleted
	d.VerificationStatus = models.VerificationForfeited
	d.CompletedAt = &now
	return true, nil
}

func (f *fakeDuelStore) SetMutualPending(ctx context.Context, duelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.duels[duelID]
	if !ok {
		return ErrNotFound
	}
	if d.Status == models.DuelStatusEnded {
		d.VerificationStatus = models.VerificationSubmitted
		d.VerificationMethod = models.MethodMutual
	}
	return nil
}

func (f *fakeDuelStore) MarkConfirmed(ctx context.Context, duelID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	confirmed := 0
	for _, s := range f.subs {
		if s.DuelID != duelID || s.Superseded {
			continue
		}
		if s.UserID != userID {
			s.Confirmed = true
		}
		if s.Confirmed {
			confirmed++
		}
	}
	return confirmed, nil
}

func (f *fakeDuelStore) CreateDispute(ctx context.Context, dispute *models.DuelDispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *dispute
	f.disputes = append(f.disputes, &cp)
	if d, ok := f.duels[dispute.DuelID]; ok {
		d.DisputeStatus = models.DisputePending
		if d.Status == models.DuelStatusEnded {
			d.VerificationStatus = models.VerificationDisputed
		}
	}
	return nil
}

func (f *fakeDuelStore) DuelsWithPendingDeadlines(ctx context.Context) ([]models.Duel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Duel
	for _, d := range f.duels {
		if d.Status == models.DuelStatusProposed {
			out = append(out, *d)
			continue
		}
		if d.Status == models.DuelStatusEnded &&
			(d.VerificationStatus == models.VerificationPending ||
				d.VerificationStatus == models.VerificationSubmitted ||
				d.VerificationStatus == models.VerificationDisputed) {
			out = append(out, *d)
		}
	}
	return out, nil
}

// fakeConfigStore is an in-memory ConfigStore with optional failure
// injection for fallback tests.
type fakeConfigStore struct {
	mu       sync.Mutex
	configs  map[string]*models.GameConfiguration
	getCalls int
	failGets bool
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[string]*models.GameConfiguration)}
}

func (f *fakeConfigStore) GetByKey(ctx context.Context, gameType, gameMode string) (*models.GameConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failGets {
		return nil, wrapError(ErrCodeDatabaseUnavailable, context.DeadlineExceeded, "injected failure")
	}
	cfg, ok := f.configs[models.ConfigKey(gameType, gameMode)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (f *fakeConfigStore) Create(ctx context.Context, cfg *models.GameConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cfg
	f.configs[cfg.Key()] = &cp
	return nil
}

func (f *fakeConfigStore) UpdateCAS(ctx context.Context, cfg *models.GameConfiguration, expectedVersion int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.configs[cfg.Key()]
	if !ok || stored.Version != expectedVersion {
		return false, nil
	}
	cp := *cfg
	f.configs[cfg.Key()] = &cp
	return true, nil
}

func (f *fakeConfigStore) Seed(ctx context.Context, defaults []models.GameConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range defaults {
		if _, ok := f.configs[defaults[i].Key()]; !ok {
			cp := defaults[i]
			f.configs[cp.Key()] = &cp
		}
	}
	return nil
}

// recordingDispatcher captures events for assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingDispatcher) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
