package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akademo-labs/playguard/internal/viewer"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidAccountID indicates an empty account identifier.
	ErrInvalidAccountID = errors.New("session: invalid account id")
	noOpLogger          = zap.NewNop()
)

const (
	opGuardNew         = "session.guard.new"
	opCheckAndRegister = "session.check_and_register"
	opIsValid          = "session.is_valid"
)

// GuardError wraps a session guard failure with a dotted operation code.
type GuardError struct {
	code string
	err  error
}

func (e *GuardError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *GuardError) Unwrap() error {
	return e.err
}

func (e *GuardError) Code() string {
	return e.code
}

func newGuardError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &GuardError{code: code, err: cause}
}

// GuardConfig describes the dependencies of the session guard.
type GuardConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Guard enforces that a quota-bound account has at most one active device
// session. Privileged roles are never restricted.
type Guard struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewGuard constructs the session guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Database == nil {
		return nil, newGuardError(opGuardNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Guard{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// CheckAndRegister claims the account's single active session for the calling
// device: every other fingerprint's row is deactivated, then the current
// fingerprint is upserted active with a refreshed timestamp. A no-op for
// privileged roles.
func (g *Guard) CheckAndRegister(ctx context.Context, accountID string, role viewer.Role, meta RequestMeta) (CheckResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return CheckResult{}, newGuardError(opCheckAndRegister, "invalid_account", ErrInvalidAccountID)
	}

	device := Fingerprint(meta)
	if role.Privileged() {
		return CheckResult{Valid: true, Fingerprint: device.Fingerprint}, nil
	}

	now := g.clock().UTC().Unix()
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DeviceSession{}).
			Where("account_id = ? AND device_fingerprint <> ? AND is_active = ?", accountID, device.Fingerprint, true).
			Update("is_active", false).Error; err != nil {
			g.logError(opCheckAndRegister, "deactivate_failed", err, zap.String("account_id", accountID))
			return newGuardError(opCheckAndRegister, "deactivate_failed", err)
		}

		sessionID, err := g.idProvider.NewID()
		if err != nil {
			g.logError(opCheckAndRegister, "id_generation_failed", err, zap.String("account_id", accountID))
			return newGuardError(opCheckAndRegister, "id_generation_failed", err)
		}
		row := DeviceSession{
			ID:                  sessionID,
			AccountID:           accountID,
			Fingerprint:         device.Fingerprint,
			UserAgent:           device.UserAgent,
			AddrHash:            device.AddrHash,
			Browser:             device.Browser,
			OS:                  device.OS,
			IsActive:            true,
			LastActiveAtSeconds: now,
			CreatedAtSeconds:    now,
		}
		// An existing (account, fingerprint) row wins; only its activity
		// flags refresh.
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "device_fingerprint"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"is_active":        true,
				"last_active_at_s": now,
			}),
		}).Create(&row).Error; err != nil {
			g.logError(opCheckAndRegister, "upsert_failed", err, zap.String("account_id", accountID))
			return newGuardError(opCheckAndRegister, "upsert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return CheckResult{}, txErr
	}

	return CheckResult{Valid: true, Fingerprint: device.Fingerprint}, nil
}

// IsValid reports whether the calling device still holds the account's active
// session. Read-only: a displaced device learns it has been signed out
// elsewhere but cannot reclaim the session here.
func (g *Guard) IsValid(ctx context.Context, accountID string, role viewer.Role, meta RequestMeta) (CheckResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return CheckResult{}, newGuardError(opIsValid, "invalid_account", ErrInvalidAccountID)
	}

	device := Fingerprint(meta)
	if role.Privileged() {
		return CheckResult{Valid: true, Fingerprint: device.Fingerprint}, nil
	}

	var row DeviceSession
	err := g.db.WithContext(ctx).
		Where("account_id = ? AND device_fingerprint = ?", accountID, device.Fingerprint).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CheckResult{Fingerprint: device.Fingerprint, Message: DisplacedSessionMessage}, nil
	}
	if err != nil {
		g.logError(opIsValid, "select_failed", err, zap.String("account_id", accountID))
		return CheckResult{}, newGuardError(opIsValid, "select_failed", err)
	}
	if !row.IsActive {
		return CheckResult{Fingerprint: device.Fingerprint, Message: DisplacedSessionMessage}, nil
	}
	return CheckResult{Valid: true, Fingerprint: device.Fingerprint}, nil
}

func (g *Guard) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("session guard error", attrs...)
}
