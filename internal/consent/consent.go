package consent

import (
	"context"
	stderrors "errors"
	"time"

	"WalkGuard/internal/models"
	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const cacheTTL = 10 * time.Minute

// Grants is a partial update; nil fields keep their stored value
type Grants struct {
	LocationSharing    *bool `json:"location_sharing"`
	MediaCapture       *bool `json:"media_capture"`
	BackgroundLocation *bool `json:"background_location"`
}

// Store reads consent through the cache and writes through to the database
type Store struct {
	db    *gorm.DB
	cache cache.Cache
}

// NewStore builds a Store; c may be nil to disable caching
func NewStore(db *gorm.DB, c cache.Cache) *Store {
	return &Store{db: db, cache: c}
}

func cacheKey(user string) string { return "consent:" + user }

// Get returns the user's grants; a user with no row has granted nothing
func (s *Store) Get(ctx context.Context, user string) (*models.Consent, error) {
	if s.cache != nil {
		var c models.Consent
		if ok, err := cache.GetObject(ctx, s.cache, cacheKey(user), &c); err == nil && ok {
			return &c, nil
		}
	}

	c := models.Consent{UserID: user}
	err := s.db.WithContext(ctx).Where("user_id = ?", user).First(&c).Error
	if err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Unavailable(err, "load consent")
	}
	s.remember(ctx, &c)
	return &c, nil
}

func (s *Store) Upsert(ctx context.Context, user string, g Grants) (*models.Consent, error) {
	var out models.Consent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = models.Consent{UserID: user}
		if err := tx.Where("user_id = ?", user).First(&out).Error; err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if g.LocationSharing != nil {
			out.LocationSharing = *g.LocationSharing
		}
		if g.MediaCapture != nil {
			out.MediaCapture = *g.MediaCapture
		}
		if g.BackgroundLocation != nil {
			out.BackgroundLocation = *g.BackgroundLocation
		}
		out.UpdatedAt = time.Now().UTC()
		return models.UpsertConsent(tx, &out)
	})
	if err != nil {
		return nil, errors.Unavailable(err, "save consent")
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cacheKey(user)); err != nil {
			logger.Warn("consent cache invalidation failed", zap.String("user_id", user), zap.Error(err))
		}
	}
	return &out, nil
}

func (s *Store) remember(ctx context.Context, c *models.Consent) {
	if s.cache == nil {
		return
	}
	if err := cache.SetObject(ctx, s.cache, cacheKey(c.UserID), c, cacheTTL); err != nil {
		logger.Debug("consent cache write failed", zap.String("user_id", c.UserID), zap.Error(err))
	}
}
