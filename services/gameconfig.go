package services

import (
	"context"
	"errors"
	"sync"

	"duel-arena-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GameConfigService is the game rule registry: (gameType, gameMode) →
// OCR layout + score-validation rules. Lookup order: in-memory cache →
// store → built-in defaults for the seed games. Cache entries are replaced
// wholesale on every successful fetch or update.
type GameConfigService struct {
	store ConfigStore
	log   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.GameConfiguration

	// writeLocks serializes updates per key so two racing updates cannot
	// both skip the version increment.
	writeLocks sync.Map // key → *sync.Mutex
}

func NewGameConfigService(store ConfigStore, log *zap.Logger) *GameConfigService {
	return &GameConfigService{
		store: store,
		log:   log,
		cache: make(map[string]*models.GameConfiguration),
	}
}

func (s *GameConfigService) GetConfiguration(ctx context.Context, gameType, gameMode string) (*models.GameConfiguration, error) {
	key := models.ConfigKey(gameType, gameMode)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cfg, err := s.store.GetByKey(ctx, gameType, gameMode)
	if err == nil {
		s.replaceCacheEntry(key, cfg)
		return cfg, nil
	}

	if errors.Is(err, ErrNotFound) {
		if def, ok := builtinConfiguration(gameType, gameMode); ok {
			s.replaceCacheEntry(key, def)
			return def, nil
		}
		return nil, errUnsupportedGame(gameType, gameMode)
	}

	// Store unreachable: fall back to the built-in defaults for seed games,
	// surface DATABASE_UNAVAILABLE otherwise.
	if def, ok := builtinConfiguration(gameType, gameMode); ok {
		s.log.Warn("config_store_unreachable_using_defaults",
			zap.String("game_type", gameType),
			zap.String("game_mode", gameMode),
			zap.Error(err))
		return def, nil
	}
	return nil, wrapError(ErrCodeDatabaseUnavailable, err, "configuration lookup failed for %s/%s", gameType, gameMode)
}

// IsGameSupported is defined as "GetConfiguration succeeds" and never errors.
func (s *GameConfigService) IsGameSupported(ctx context.Context, gameType, gameMode string) bool {
	_, err := s.GetConfiguration(ctx, gameType, gameMode)
	return err == nil
}

// UpdateConfiguration replaces the rule set for (gameType, gameMode),
// always incrementing the version. Writes for a key are serialized: the
// per-key lock plus a version CAS at the store guarantee no update bypasses
// the increment even across processes.
func (s *GameConfigService) UpdateConfiguration(ctx context.Context, gameType, gameMode string, ocr models.OCRSettings, validation models.ScoreValidation) (*models.GameConfiguration, error) {
	key := models.ConfigKey(gameType, gameMode)
	lockAny, _ := s.writeLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.GetByKey(ctx, gameType, gameMode)
		if errors.Is(err, ErrNotFound) {
			cfg := &models.GameConfiguration{
				ID:       uuid.NewString(),
				GameType: gameType,
				GameMode: gameMode,
				Version:  1,
			}
			if err := cfg.SetOCRSettings(ocr); err != nil {
				return nil, err
			}
			if err := cfg.SetValidation(validation); err != nil {
				return nil, err
			}
			if err := s.store.Create(ctx, cfg); err != nil {
				return nil, wrapError(ErrCodeDatabaseUnavailable, err, "failed to create configuration")
			}
			s.replaceCacheEntry(key, cfg)
			return cfg, nil
		}
		if err != nil {
			return nil, err
		}

		next := &models.GameConfiguration{
			ID:       cur.ID,
			GameType: gameType,
			GameMode: gameMode,
			Version:  cur.Version + 1,
		}
		if err := next.SetOCRSettings(ocr); err != nil {
			return nil, err
		}
		if err := next.SetValidation(validation); err != nil {
			return nil, err
		}

		ok, err := s.store.UpdateCAS(ctx, next, cur.Version)
		if err != nil {
			return nil, wrapError(ErrCodeDatabaseUnavailable, err, "failed to update configuration")
		}
		if ok {
			s.replaceCacheEntry(key, next)
			s.log.Info("game_config_updated",
				zap.String("game_type", gameType),
				zap.String("game_mode", gameMode),
				zap.Int("version", next.Version))
			return next, nil
		}
		// Someone else bumped the version first — reload and retry.
	}
	return nil, newError(ErrCodeDatabaseUnavailable, "configuration update for %s/%s kept losing version races", gameType, gameMode)
}

// SeedDefaults inserts the built-in configurations where missing.
func (s *GameConfigService) SeedDefaults(ctx context.Context) error {
	return s.store.Seed(ctx, builtinConfigurations())
}

// SupportedGames lists the (gameType, gameMode) pairs the registry ships
// defaults for.
func (s *GameConfigService) SupportedGames() []map[string]string {
	defaults := builtinConfigurations()
	out := make([]map[string]string, 0, len(defaults))
	for _, d := range defaults {
		out = append(out, map[string]string{"game_type": d.GameType, "game_mode": d.GameMode})
	}
	return out
}

func (s *GameConfigService) replaceCacheEntry(key string, cfg *models.GameConfiguration) {
	s.mu.Lock()
	s.cache[key] = cfg
	s.mu.Unlock()
}
