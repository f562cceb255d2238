package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a ledger failure with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opLedgerNew      = "quota.ledger.new"
	opResolveQuota   = "quota.resolve_quota"
	opGetOrCreate    = "quota.get_or_create_play_state"
	opAppendWatch    = "quota.append_watch_time"
	opMarkBlocked    = "quota.mark_blocked"
	opSetDuration    = "quota.set_duration"
	opPlatformSeed   = "quota.platform_settings"
	defaultPlatformM = 2.0
	defaultPlatformW = 5
)

// quotaCacheTTL bounds how long one resolution is reused. A resolved quota is
// stable for the life of a playback session, so this only needs to be short
// enough that catalog changes reach the next session.
const quotaCacheTTL = 5 * time.Minute

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LedgerConfig describes the dependencies of the quota ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// DefaultMultiplier seeds the platform settings row when none exists.
	// Zero falls back to the built-in default.
	DefaultMultiplier float64
	// DefaultWatermarkIntervalMins seeds the platform watermark cadence.
	DefaultWatermarkIntervalMins int
}

// cachedQuota is one resolution with its expiry instant.
type cachedQuota struct {
	quota     Quota
	expiresAt time.Time
}

// Ledger is the authoritative server-side accounting of cumulative watch time
// per (video, viewer) pair.
type Ledger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	defaultMultiplier    float64
	defaultWatermarkMins int

	// resolved quotas are read-mostly and stable for the life of a playback
	// session, so one resolution per video is cached with a short TTL.
	quotaCache sync.Map
}

// NewLedger constructs the quota ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	multiplier := cfg.DefaultMultiplier
	if multiplier <= 0 {
		multiplier = defaultPlatformM
	}
	watermarkMins := cfg.DefaultWatermarkIntervalMins
	if watermarkMins <= 0 {
		watermarkMins = defaultPlatformW
	}
	return &Ledger{
		db:                   cfg.Database,
		clock:                clock,
		logger:               logger,
		defaultMultiplier:    multiplier,
		defaultWatermarkMins: watermarkMins,
	}, nil
}

// ResolveQuota walks the multiplier fallback chain for a video: per-video
// override, then the owning organization's default, then the platform-wide
// default. The result is cached per video until the TTL lapses; quotas with
// an unknown duration are never cached, so the first duration report makes
// the budget enforceable on the very next resolution.
func (l *Ledger) ResolveQuota(ctx context.Context, videoID VideoID) (Quota, error) {
	if cached, ok := l.quotaCache.Load(videoID); ok {
		if entry, ok := cached.(cachedQuota); ok && l.clock().Before(entry.expiresAt) {
			return entry.quota, nil
		}
		l.quotaCache.Delete(videoID)
	}

	var video Video
	err := l.db.WithContext(ctx).
		Where("video_id = ?", videoID.String()).
		Take(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quota{}, newServiceError(opResolveQuota, "video_not_found", ErrVideoNotFound)
	}
	if err != nil {
		l.logError(opResolveQuota, "video_select_failed", err, zap.String("video_id", videoID.String()))
		return Quota{}, newServiceError(opResolveQuota, "video_select_failed", err)
	}

	var organization Organization
	err = l.db.WithContext(ctx).
		Where("organization_id = ?", video.OrganizationID).
		Take(&organization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quota{}, newServiceError(opResolveQuota, "organization_not_found", ErrOrganizationNotFound)
	}
	if err != nil {
		l.logError(opResolveQuota, "organization_select_failed", err, zap.String("video_id", videoID.String()))
		return Quota{}, newServiceError(opResolveQuota, "organization_select_failed", err)
	}

	settings, err := l.platformSettings(ctx)
	if err != nil {
		return Quota{}, err
	}

	multiplier := settings.DefaultMaxWatchTimeMultiplier
	if organization.DefaultMaxWatchTimeMultiplier != nil {
		multiplier = *organization.DefaultMaxWatchTimeMultiplier
	}
	if video.MaxWatchTimeMultiplier != nil {
		multiplier = *video.MaxWatchTimeMultiplier
	}

	watermarkInterval := settings.DefaultWatermarkIntervalMins
	if organization.DefaultWatermarkIntervalMins != nil {
		watermarkInterval = *organization.DefaultWatermarkIntervalMins
	}

	quota := Quota{
		DurationSeconds:       video.DurationSeconds,
		EffectiveMultiplier:   multiplier,
		WatermarkIntervalMins: watermarkInterval,
	}
	if quota.DurationSeconds > 0 {
		l.quotaCache.Store(videoID, cachedQuota{quota: quota, expiresAt: l.clock().Add(quotaCacheTTL)})
	}
	return quota, nil
}

// GetOrCreatePlayState returns the accounting row for a pair, creating a
// zeroed row on first view. Idempotent.
func (l *Ledger) GetOrCreatePlayState(ctx context.Context, videoID VideoID, viewerID ViewerID) (PlayState, error) {
	var state PlayState
	err := l.db.WithContext(ctx).
		Where("video_id = ? AND viewer_id = ?", videoID.String(), viewerID.String()).
		Take(&state).Error
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logError(opGetOrCreate, "select_failed", err,
			zap.String("video_id", videoID.String()),
			zap.String("viewer_id", viewerID.String()))
		return PlayState{}, newServiceError(opGetOrCreate, "select_failed", err)
	}

	var exists int64
	if err := l.db.WithContext(ctx).Model(&Video{}).
		Where("video_id = ?", videoID.String()).
		Count(&exists).Error; err != nil {
		l.logError(opGetOrCreate, "video_select_failed", err, zap.String("video_id", videoID.String()))
		return PlayState{}, newServiceError(opGetOrCreate, "video_select_failed", err)
	}
	if exists == 0 {
		return PlayState{}, newServiceError(opGetOrCreate, "video_not_found", ErrVideoNotFound)
	}

	state = PlayState{
		VideoID:          videoID.String(),
		ViewerID:         viewerID.String(),
		Status:           PlayStatusActive,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	// Two tabs may race on first view; the existing row wins.
	err = l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&state).Error
	if err != nil {
		l.logError(opGetOrCreate, "create_failed", err,
			zap.String("video_id", videoID.String()),
			zap.String("viewer_id", viewerID.String()))
		return PlayState{}, newServiceError(opGetOrCreate, "create_failed", err)
	}

	if err := l.db.WithContext(ctx).
		Where("video_id = ? AND viewer_id = ?", videoID.String(), viewerID.String()).
		Take(&state).Error; err != nil {
		return PlayState{}, newServiceError(opGetOrCreate, "reload_failed", err)
	}
	return state, nil
}

// AppendWatchTime adds a positive elapsed delta to the stored accumulator.
// The update is additive so delayed or duplicate flushes from concurrent tabs
// commute; the position field is guarded by the client-monotonic sequence so
// a stale flush cannot roll back a newer resume point.
func (l *Ledger) AppendWatchTime(ctx context.Context, req AppendRequest) (PlayState, error) {
	if req.ElapsedSeconds <= 0 {
		return PlayState{}, newServiceError(opAppendWatch, "invalid_elapsed", ErrInvalidElapsed)
	}

	var updated PlayState
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state PlayState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("video_id = ? AND viewer_id = ?", req.VideoID.String(), req.ViewerID.String()).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAppendWatch, "play_state_not_found", ErrPlayStateNotFound)
		}
		if err != nil {
			l.logError(opAppendWatch, "select_failed", err,
				zap.String("video_id", req.VideoID.String()),
				zap.String("viewer_id", req.ViewerID.String()))
			return newServiceError(opAppendWatch, "select_failed", err)
		}

		now := l.clock().UTC().Unix()
		updates := map[string]interface{}{
			"total_watch_time_s": gorm.Expr("total_watch_time_s + ?", req.ElapsedSeconds),
			"last_watched_at_s":  now,
		}
		if state.SessionStartAtSeconds == nil {
			updates["session_start_at_s"] = now
		}
		if req.PositionSeq >= state.LastPositionSeq {
			updates["last_position_s"] = req.PositionSeconds
			updates["last_position_seq"] = req.PositionSeq
		}

		if err := tx.Model(&PlayState{}).
			Where("video_id = ? AND viewer_id = ?", req.VideoID.String(), req.ViewerID.String()).
			Updates(updates).Error; err != nil {
			l.logError(opAppendWatch, "update_failed", err,
				zap.String("video_id", req.VideoID.String()),
				zap.String("viewer_id", req.ViewerID.String()))
			return newServiceError(opAppendWatch, "update_failed", err)
		}

		return tx.
			Where("video_id = ? AND viewer_id = ?", req.VideoID.String(), req.ViewerID.String()).
			Take(&updated).Error
	})
	if txErr != nil {
		return PlayState{}, txErr
	}
	return updated, nil
}

// MarkBlocked flips a play state to BLOCKED once exhaustion is observed. The
// accumulator is left untouched.
func (l *Ledger) MarkBlocked(ctx context.Context, videoID VideoID, viewerID ViewerID) error {
	result := l.db.WithContext(ctx).Model(&PlayState{}).
		Where("video_id = ? AND viewer_id = ?", videoID.String(), viewerID.String()).
		Update("status", PlayStatusBlocked)
	if result.Error != nil {
		l.logError(opMarkBlocked, "update_failed", result.Error,
			zap.String("video_id", videoID.String()),
			zap.String("viewer_id", viewerID.String()))
		return newServiceError(opMarkBlocked, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkBlocked, "play_state_not_found", ErrPlayStateNotFound)
	}
	return nil
}

// SetDuration records the duration reported by a metadata probe and drops the
// cached quota so the next resolution sees an enforceable budget.
func (l *Ledger) SetDuration(ctx context.Context, videoID VideoID, durationSeconds int64) error {
	if durationSeconds <= 0 {
		return newServiceError(opSetDuration, "invalid_duration", ErrInvalidDuration)
	}
	result := l.db.WithContext(ctx).Model(&Video{}).
		Where("video_id = ?", videoID.String()).
		Updates(map[string]interface{}{
			"duration_s":   durationSeconds,
			"updated_at_s": l.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newServiceError(opSetDuration, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetDuration, "video_not_found", ErrVideoNotFound)
	}
	l.quotaCache.Delete(videoID)
	return nil
}

func (l *Ledger) platformSettings(ctx context.Context) (PlatformSettings, error) {
	var settings PlatformSettings
	err := l.db.WithContext(ctx).
		Where("settings_id = ?", PlatformSettingsID).
		Take(&settings).Error
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		l.logError(opPlatformSeed, "select_failed", err)
		return PlatformSettings{}, newServiceError(opPlatformSeed, "select_failed", err)
	}

	settings = PlatformSettings{
		ID:                            PlatformSettingsID,
		DefaultMaxWatchTimeMultiplier: l.defaultMultiplier,
		DefaultWatermarkIntervalMins:  l.defaultWatermarkMins,
	}
	if err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&settings).Error; err != nil {
		l.logError(opPlatformSeed, "create_failed", err)
		return PlatformSettings{}, newServiceError(opPlatformSeed, "create_failed", err)
	}
	return settings, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("quota ledger error", attrs...)
}
