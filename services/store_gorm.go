package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"duel-arena-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDuelStore implements DuelStore on Postgres via GORM.
type GormDuelStore struct {
	DB *gorm.DB
}

func NewGormDuelStore(db *gorm.DB) *GormDuelStore {
	return &GormDuelStore{DB: db}
}

var activeDuelStatuses = []models.DuelStatus{models.DuelStatusAccepted, models.DuelStatusInProgress}

func (g *GormDuelStore) CreateDuel(ctx context.Context, duel *models.Duel) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock both profile rows (deterministic order to avoid deadlocks) so
		// two concurrent creations naming the same user serialize here.
		ids := []string{duel.ChallengerID, duel.OpponentID}
		sort.Strings(ids)
		for _, uid := range ids {
			if err := lockProfile(tx, uid); err != nil {
				return err
			}
		}

		var busy int64
		err := tx.Model(&models.Duel{}).
			Where("(challenger_id IN ? OR opponent_id IN ?) AND status IN ?", ids, ids, activeDuelStatuses).
			Count(&busy).Error
		if err != nil {
			return wrapError(ErrCodeDatabaseUnavailable, err, "availability check failed")
		}
		if busy > 0 {
			return errUserAlreadyInDuel(duel.ChallengerID)
		}

		return tx.Create(duel).Error
	})
}

// lockProfile takes a row lock on the user's profile, creating it first when
// missing so there is always a row to serialize on.
func lockProfile(tx *gorm.DB, userID string) error {
	var prof models.PlayerProfile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_user_id = ?", userID).
		First(&prof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		prof = models.PlayerProfile{ExternalUserID: userID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&prof).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_user_id = ?", userID).
			First(&prof).Error
	}
	return err
}

func (g *GormDuelStore) GetDuel(ctx context.Context, id string) (*models.Duel, error) {
	var duel models.Duel
	if err := g.DB.WithContext(ctx).First(&duel, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapError(ErrCodeDatabaseUnavailable, err, "failed to load duel %s", id)
	}
	return &duel, nil
}

func (g *GormDuelStore) ListDuelsByUser(ctx context.Context, userID string, page, size int) ([]models.Duel, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	q := g.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("challenger_id = ? OR opponent_id = ?", userID, userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var duels []models.Duel
	err := q.Order("created_at DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&duels).Error
	return duels, total, err
}

func (g *GormDuelStore) ApplyTransition(ctx context.Context, duelID string, tr Transition) (*models.Duel, error) {
	res := g.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("id = ? AND status = ?", duelID, tr.From()).
		Updates(tr.Updates())
	if res.Error != nil {
		return nil, wrapError(ErrCodeDatabaseUnavailable, res.Error, "transition to %s failed", tr.To())
	}
	if res.RowsAffected == 0 {
		duel, err := g.GetDuel(ctx, duelID)
		if err != nil {
			return nil, err
		}
		return nil, errInvalidDuelAction("duel %s is %s, expected %s", duelID, duel.Status, tr.From())
	}
	return g.GetDuel(ctx, duelID)
}

func (g *GormDuelStore) SaveSubmission(ctx context.Context, sub *models.DuelSubmission) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Supersede, never delete: prior evidence stays for audit.
		err := tx.Model(&models.DuelSubmission{}).
			Where("duel_id = ? AND user_id = ? AND superseded = false", sub.DuelID, sub.UserID).
			Update("superseded", true).Error
		if err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
}

func (g *GormDuelStore) ActiveSubmissions(ctx context.Context, duelID string) ([]models.DuelSubmission, error) {
	var subs []models.DuelSubmission
	err := g.DB.WithContext(ctx).
		Where("duel_id = ? AND superseded = false", duelID).
		Order("submitted_at ASC").
		Find(&subs).Error
	return subs, err
}

func (g *GormDuelStore) GetSubmission(ctx context.Context, duelID, submissionID string) (*models.DuelSubmission, error) {
	var sub models.DuelSubmission
	err := g.DB.WithContext(ctx).
		First(&sub, "id = ? AND duel_id = ?", submissionID, duelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (g *GormDuelStore) FinalizeVerified(ctx context.Context, duelID string, out models.Outcome) (*StatsResult, error) {
	result := &StatsResult{}
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.Duel{}).
			Where("id = ? AND status = ?", duelID, models.DuelStatusEnded).
			Updates(map[string]interface{}{
				"status":              models.DuelStatusCompleted,
				"verification_status": models.VerificationVerified,
				"verification_method": out.Method,
				"winner_id":           out.WinnerID,
				"loser_id":            out.LoserID,
				"challenger_score":    out.ChallengerScore,
				"opponent_score":      out.OpponentScore,
				"completed_at":        &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race (or forfeited) — stats were or will be applied
			// by whoever won it. Nothing to do.
			result.AlreadyFinalized = true
			return nil
		}

		// Stats for both players from one consistent snapshot, rows locked
		// in deterministic order.
		ids := []string{out.WinnerID, out.LoserID}
		sort.Strings(ids)
		profiles := make(map[string]*models.PlayerProfile, 2)
		for _, uid := range ids {
			if err := lockProfile(tx, uid); err != nil {
				return err
			}
			var prof models.PlayerProfile
			if err := tx.Where("external_user_id = ?", uid).First(&prof).Error; err != nil {
				return err
			}
			profiles[uid] = &prof
		}

		winner, loser := profiles[out.WinnerID], profiles[out.LoserID]
		result.WinnerLeveledUp = applyWin(winner, out.WinnerScore)
		result.LoserLeveledUp = applyLoss(loser, out.LoserScore)

		if err := tx.Save(winner).Error; err != nil {
			return err
		}
		if err := tx.Save(loser).Error; err != nil {
			return err
		}
		result.Winner, result.Loser = winner, loser
		return nil
	})
	if err != nil {
		return nil, wrapError(ErrCodeDatabaseUnavailable, err, "finalize failed for duel %s", duelID)
	}
	return result, nil
}

func (g *GormDuelStore) ForceForfeit(ctx context.Context, duelID string) (bool, error) {
	now := time.Now()
	res := g.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("id = ? AND status = ?", duelID, models.DuelStatusEnded).
		Updates(map[string]interface{}{
			"status":              models.DuelStatusCompleted,
			"verification_status": models.VerificationForfeited,
			"completed_at":        &now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *GormDuelStore) SetMutualPending(ctx context.Context, duelID string) error {
	return g.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("id = ? AND status = ?", duelID, models.DuelStatusEnded).
		Updates(map[string]interface{}{
			"verification_status": models.VerificationSubmitted,
			"verification_method": models.MethodMutual,
		}).Error
}

func (g *GormDuelStore) MarkConfirmed(ctx context.Context, duelID, userID string) (int, error) {
	var confirmed int64
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A player confirms the opponent's evidence, not their own.
		err := tx.Model(&models.DuelSubmission{}).
			Where("duel_id = ? AND user_id <> ? AND superseded = false", duelID, userID).
			Update("confirmed", true).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.DuelSubmission{}).
			Where("duel_id = ? AND superseded = false AND confirmed = true", duelID).
			Count(&confirmed).Error
	})
	return int(confirmed), err
}

func (g *GormDuelStore) CreateDispute(ctx context.Context, dispute *models.DuelDispute) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(dispute).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Duel{}).
			Where("id = ?", dispute.DuelID).
			Update("dispute_status", models.DisputePending).Error; err != nil {
			return err
		}
		// A dispute on an ended duel also contests the evidence itself.
		return tx.Model(&models.Duel{}).
			Where("id = ? AND status = ?", dispute.DuelID, models.DuelStatusEnded).
			Update("verification_status", models.VerificationDisputed).Error
	})
}

func (g *GormDuelStore) DuelsWithPendingDeadlines(ctx context.Context) ([]models.Duel, error) {
	var duels []models.Duel
	err := g.DB.WithContext(ctx).
		Where("status = ? OR (status = ? AND verification_status IN ?)",
			models.DuelStatusProposed, models.DuelStatusEnded,
			[]models.VerificationStatus{models.VerificationPending, models.VerificationSubmitted, models.VerificationDisputed}).
		Find(&duels).Error
	return duels, err
}

// GormConfigStore implements ConfigStore on Postgres via GORM.
type GormConfigStore struct {
	DB *gorm.DB
}

func NewGormConfigStore(db *gorm.DB) *GormConfigStore {
	return &GormConfigStore{DB: db}
}

func (g *GormConfigStore) GetByKey(ctx context.Context, gameType, gameMode string) (*models.GameConfiguration, error) {
	var cfg models.GameConfiguration
	err := g.DB.WithContext(ctx).
		First(&cfg, "game_type = ? AND game_mode = ?", gameType, gameMode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapError(ErrCodeDatabaseUnavailable, err, "failed to load configuration %s/%s", gameType, gameMode)
	}
	return &cfg, nil
}

func (g *GormConfigStore) Create(ctx context.Context, cfg *models.GameConfiguration) error {
	return g.DB.WithContext(ctx).Create(cfg).Error
}

func (g *GormConfigStore) UpdateCAS(ctx context.Context, cfg *models.GameConfiguration, expectedVersion int) (bool, error) {
	res := g.DB.WithContext(ctx).Model(&models.GameConfiguration{}).
		Where("game_type = ? AND game_mode = ? AND version = ?", cfg.GameType, cfg.GameMode, expectedVersion).
		Updates(map[string]interface{}{
			"version":          cfg.Version,
			"ocr_settings":     cfg.OCRSettingsJSON,
			"score_validation": cfg.ValidationJSON,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (g *GormConfigStore) Seed(ctx context.Context, defaults []models.GameConfiguration) error {
	for i := range defaults {
		err := g.DB.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&defaults[i]).Error
		if err != nil {
			return err
		}
	}
	return nil
}
