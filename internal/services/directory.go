package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/otpguard/internal/database"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/pkg/crypto"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/logger"
)

// DefaultMaxTrustedDevices bounds how many devices a user may accumulate.
const DefaultMaxTrustedDevices = 20

const usernameAttempts = 4

// ErrUserNotFound is returned when no account matches the lookup.
var ErrUserNotFound = errors.New("directory: user not found")

// LoginStamp captures the context of a completed login.
type LoginStamp struct {
	IP       string
	Location *geo.Location
	At       time.Time
}

// DirectoryOption customises a Directory.
type DirectoryOption func(*Directory)

// WithDirectoryClock overrides the clock used for timestamps.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMaxTrustedDevices caps the trusted device list per user. Zero disables the cap.
func WithMaxTrustedDevices(max int) DirectoryOption {
	return func(d *Directory) {
		if max >= 0 {
			d.maxDevices = max
		}
	}
}

// Directory owns user identity state: lookup, creation, lockout counters,
// MFA enrolment and trusted devices. Every mutation that races with another
// request is a conditional update so the database decides the winner.
type Directory struct {
	db         *gorm.DB
	now        func() time.Time
	maxDevices int
}

// NewDirectory constructs a Directory backed by db.
func NewDirectory(db *gorm.DB, opts ...DirectoryOption) (*Directory, error) {
	if db == nil {
		return nil, errors.New("directory: db is required")
	}
	d := &Directory{db: db, now: time.Now, maxDevices: DefaultMaxTrustedDevices}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// FindByEmail loads a user with role and trusted devices.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := d.db.WithContext(ctx).
		Preload("Role").
		Preload("TrustedDevices").
		Where("email = ?", normaliseEmail(email)).
		Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("directory: find user: %w", err)
	}
	return &user, nil
}

// DefaultRole returns the role assigned to self-registered accounts. A missing
// role is a deployment fault and surfaces as an integrity error.
func (d *Directory) DefaultRole(ctx context.Context) (*models.Role, error) {
	ctx = ensureContext(ctx)

	var role models.Role
	err := d.db.WithContext(ctx).Where("name = ?", database.DefaultRoleName).Take(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrIntegrity.WithInternal(fmt.Errorf("role %q is not seeded", database.DefaultRoleName))
		}
		return nil, fmt.Errorf("directory: load default role: %w", err)
	}
	return &role, nil
}

// CreateUser inserts a new account for email with the given role. When a
// concurrent request created the same account first, that row is returned
// and created is false.
func (d *Directory) CreateUser(ctx context.Context, email string, role *models.Role) (user *models.User, created bool, err error) {
	ctx = ensureContext(ctx)
	email = normaliseEmail(email)
	if email == "" {
		return nil, false, apperrors.NewBadRequest("email is required")
	}
	if role == nil {
		return nil, false, apperrors.ErrIntegrity.WithInternal(errors.New("role is required"))
	}

	base := usernameFromEmail(email)
	for attempt := 0; attempt < usernameAttempts; attempt++ {
		username := base
		if attempt > 0 {
			suffix, err := crypto.GenerateToken(3)
			if err != nil {
				return nil, false, fmt.Errorf("directory: username suffix: %w", err)
			}
			username = base + "-" + strings.ToLower(suffix)
		}

		roleID := role.ID
		candidate := &models.User{
			Username: username,
			Email:    email,
			RoleID:   &roleID,
			IsActive: true,
		}
		candidate.CreatedAt = d.now().UTC()

		err := d.db.WithContext(ctx).Create(candidate).Error
		if err == nil {
			candidate.Role = role
			return candidate, true, nil
		}
		if !isUniqueConstraintError(err) {
			return nil, false, fmt.Errorf("directory: create user: %w", err)
		}

		// Either the email lost a race or the username is taken.
		existing, findErr := d.FindByEmail(ctx, email)
		if findErr == nil {
			return existing, false, nil
		}
		if !errors.Is(findErr, ErrUserNotFound) {
			return nil, false, findErr
		}
	}

	return nil, false, fmt.Errorf("directory: could not allocate username for %s", logger.MaskEmail(email))
}

// ResetAttemptsIfStale zeroes the failure counter when the last failure is
// older than window. The in-memory user is updated to match.
func (d *Directory) ResetAttemptsIfStale(ctx context.Context, user *models.User, window time.Duration) error {
	ctx = ensureContext(ctx)
	if user == nil || user.LoginAttempt == 0 {
		return nil
	}

	now := d.now().UTC()
	if user.LastLoginAttemptAt != nil && now.Sub(*user.LastLoginAttemptAt) < window {
		return nil
	}

	cutoff := now.Add(-window)
	result := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND (last_login_attempt_at IS NULL OR last_login_attempt_at <= ?)", user.ID, cutoff).
		Updates(map[string]any{
			"login_attempt":         0,
			"last_login_attempt_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("directory: reset attempts: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		user.LoginAttempt = 0
		user.LastLoginAttemptAt = nil
	}
	return nil
}

// RecordFailedAttempt atomically increments the failure counter.
func (d *Directory) RecordFailedAttempt(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	err := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"login_attempt":         gorm.Expr("login_attempt + ?", 1),
			"last_login_attempt_at": d.now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("directory: record failed attempt: %w", err)
	}
	return nil
}

// SetMFASecret stores an enrolment secret unless one is already present.
// It reports whether this call wrote the secret.
func (d *Directory) SetMFASecret(ctx context.Context, userID, stored string) (bool, error) {
	ctx = ensureContext(ctx)

	result := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND (mfa_secret IS NULL OR mfa_secret = '')", userID).
		Updates(map[string]any{
			"mfa_secret":      stored,
			"mfa_enabled":     false,
			"mfa_enrolled_at": d.now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("directory: set mfa secret: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetChallenge replaces the user's pending MFA challenge.
func (d *Directory) SetChallenge(ctx context.Context, userID, challengeID string, expiresAt time.Time) error {
	ctx = ensureContext(ctx)

	err := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"mfa_challenge_id":         challengeID,
			"mfa_challenge_expires_at": expiresAt.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("directory: set challenge: %w", err)
	}
	return nil
}

// DropChallenge clears challengeID if it is still the user's pending challenge.
func (d *Directory) DropChallenge(ctx context.Context, userID, challengeID string) error {
	ctx = ensureContext(ctx)

	err := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND mfa_challenge_id = ?", userID, challengeID).
		Updates(map[string]any{
			"mfa_challenge_id":         nil,
			"mfa_challenge_expires_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("directory: drop challenge: %w", err)
	}
	return nil
}

// CompleteMFA consumes the live challenge, enables MFA and stamps the login.
// It returns false when the challenge was already consumed or has expired.
func (d *Directory) CompleteMFA(ctx context.Context, userID, challengeID string, stamp LoginStamp) (bool, error) {
	ctx = ensureContext(ctx)

	updates := loginUpdates(stamp)
	updates["mfa_enabled"] = true
	updates["mfa_challenge_id"] = nil
	updates["mfa_challenge_expires_at"] = nil

	result := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND mfa_challenge_id = ? AND mfa_challenge_expires_at > ?", userID, challengeID, stamp.At.UTC()).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("directory: complete mfa: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordLogin stamps a successful login and clears the failure counter.
func (d *Directory) RecordLogin(ctx context.Context, userID string, stamp LoginStamp) error {
	ctx = ensureContext(ctx)

	err := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(loginUpdates(stamp)).Error
	if err != nil {
		return fmt.Errorf("directory: record login: %w", err)
	}
	return nil
}

func loginUpdates(stamp LoginStamp) map[string]any {
	updates := map[string]any{
		"login_attempt":         0,
		"last_login_attempt_at": nil,
		"last_login_at":         stamp.At.UTC(),
		"last_login_ip":         stamp.IP,
		"last_login_country":    "",
		"last_login_city":       "",
		"last_login_lat":        nil,
		"last_login_lon":        nil,
	}
	if loc := stamp.Location; loc != nil {
		updates["last_login_country"] = loc.Country
		updates["last_login_city"] = loc.City
		updates["last_login_lat"] = loc.Latitude
		updates["last_login_lon"] = loc.Longitude
	}
	return updates
}

// TrustDevice adds deviceID to the user's trusted set. Repeats refresh the
// last-seen time; the oldest devices beyond the cap are evicted.
func (d *Directory) TrustDevice(ctx context.Context, userID, deviceID string) error {
	ctx = ensureContext(ctx)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}

	now := d.now().UTC()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		device := models.TrustedDevice{UserID: userID, DeviceID: deviceID, LastSeenAt: now}
		device.CreatedAt = now
		device.UpdatedAt = now

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
		}).Create(&device).Error; err != nil {
			return fmt.Errorf("directory: trust device: %w", err)
		}

		if d.maxDevices == 0 {
			return nil
		}

		var devices []models.TrustedDevice
		if err := tx.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
			return fmt.Errorf("directory: list devices: %w", err)
		}
		if len(devices) <= d.maxDevices {
			return nil
		}

		sort.SliceStable(devices, func(i, j int) bool {
			return devices[i].CreatedAt.After(devices[j].CreatedAt)
		})
		stale := make([]string, 0, len(devices)-d.maxDevices)
		for _, dev := range devices[d.maxDevices:] {
			stale = append(stale, dev.ID)
		}

		if err := tx.Where("id IN ?", stale).Delete(&models.TrustedDevice{}).Error; err != nil {
			return fmt.Errorf("directory: evict devices: %w", err)
		}
		logger.WithModule("directory").Debug("evicted trusted devices",
			zap.String("user_id", userID),
			zap.Int("count", len(stale)),
		)
		return nil
	})
}

// RoleName returns the user's role name, loading it when not preloaded.
func (d *Directory) RoleName(ctx context.Context, user *models.User) (string, error) {
	if user == nil {
		return "", ErrUserNotFound
	}
	if user.Role != nil {
		return user.Role.Name, nil
	}
	if user.RoleID == nil {
		return "", apperrors.ErrIntegrity.WithInternal(errors.New("user has no role"))
	}

	var role models.Role
	if err := d.db.WithContext(ensureContext(ctx)).Where("id = ?", *user.RoleID).Take(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperrors.ErrIntegrity.WithInternal(err)
		}
		return "", fmt.Errorf("directory: load role: %w", err)
	}
	user.Role = &role
	return role.Name, nil
}
