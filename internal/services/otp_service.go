package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/pkg/crypto"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/logger"
	"github.com/charlesng35/otpguard/pkg/mail"
	"github.com/charlesng35/otpguard/pkg/metrics"
)

const (
	DefaultOTPLength        = 6
	DefaultOTPTTL           = 15 * time.Minute
	DefaultMaxLoginAttempts = 5
	DefaultAttemptWindow    = 15 * time.Minute
)

// OTPConfig tunes passcode issuance and the lockout policy.
type OTPConfig struct {
	Length        int
	TTL           time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
	HashCost      int
	From          string
}

func (c OTPConfig) withDefaults() OTPConfig {
	if c.Length <= 0 {
		c.Length = DefaultOTPLength
	}
	if c.TTL <= 0 {
		c.TTL = DefaultOTPTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxLoginAttempts
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	return c
}

// OTPOption customises an OTPService.
type OTPOption func(*OTPService)

// WithOTPClock overrides the service clock.
func WithOTPClock(now func() time.Time) OTPOption {
	return func(s *OTPService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOTPRandom overrides the entropy source used for passcodes.
func WithOTPRandom(r io.Reader) OTPOption {
	return func(s *OTPService) {
		s.random = r
	}
}

// OTPIssue describes a dispatched passcode.
type OTPIssue struct {
	Token   string
	Created bool
	User    *models.User
}

// OTPService issues and verifies emailed one-time passcodes. Only the bcrypt
// hash of a code is persisted and at most one live code exists per email.
type OTPService struct {
	db     *gorm.DB
	dir    *Directory
	mailer mail.Mailer
	tokens *auth.TokenService
	hasher *crypto.Hasher
	cfg    OTPConfig
	random io.Reader
	now    func() time.Time
}

// NewOTPService wires the passcode flow.
func NewOTPService(db *gorm.DB, dir *Directory, mailer mail.Mailer, tokens *auth.TokenService, cfg OTPConfig, opts ...OTPOption) (*OTPService, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}
	if dir == nil {
		return nil, errors.New("otp service: directory is required")
	}
	if mailer == nil {
		return nil, errors.New("otp service: mailer is required")
	}
	if tokens == nil {
		return nil, errors.New("otp service: token service is required")
	}

	cfg = cfg.withDefaults()
	svc := &OTPService{
		db:     db,
		dir:    dir,
		mailer: mailer,
		tokens: tokens,
		hasher: crypto.NewHasher(cfg.HashCost),
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Config returns the effective configuration.
func (s *OTPService) Config() OTPConfig { return s.cfg }

// Initiate emails a fresh passcode to email, creating the account on first
// contact, and returns an OTP_VERIFY token bound to the address.
func (s *OTPService) Initiate(ctx context.Context, email string) (*OTPIssue, error) {
	ctx = ensureContext(ctx)
	email = normaliseEmail(email)
	if email == "" {
		return nil, apperrors.NewBadRequest("email is required")
	}

	log := logger.WithModule("otp").With(logger.Email(email))
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.TTL)

	var live int64
	if err := s.db.WithContext(ctx).
		Model(&models.OneTimePassword{}).
		Where("email = ? AND created_at > ?", email, cutoff).
		Count(&live).Error; err != nil {
		return nil, fmt.Errorf("otp service: check outstanding: %w", err)
	}
	if live > 0 {
		return nil, apperrors.ErrOTPAlreadyOutstanding
	}

	if err := s.db.WithContext(ctx).
		Where("email = ? AND created_at <= ?", email, cutoff).
		Delete(&models.OneTimePassword{}).Error; err != nil {
		return nil, fmt.Errorf("otp service: clear expired: %w", err)
	}

	user, err := s.dir.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	var role *models.Role
	purpose := mail.PurposeLogin
	if user == nil {
		if role, err = s.dir.DefaultRole(ctx); err != nil {
			return nil, err
		}
		purpose = mail.PurposeRegister
	}

	code, err := crypto.RandomDigits(s.random, s.cfg.Length)
	if err != nil {
		return nil, fmt.Errorf("otp service: generate code: %w", err)
	}
	hash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, fmt.Errorf("otp service: hash code: %w", err)
	}

	record := models.OneTimePassword{Email: email, CodeHash: hash, Purpose: string(purpose)}
	record.CreatedAt = now
	record.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrOTPAlreadyOutstanding
		}
		return nil, fmt.Errorf("otp service: store code: %w", err)
	}

	created := false
	if user == nil {
		user, created, err = s.dir.CreateUser(ctx, email, role)
		if err != nil {
			s.discard(ctx, record.ID)
			return nil, err
		}
	}

	msg, err := mail.OTPMessage(email, purpose, code, s.cfg.TTL)
	if err != nil {
		s.discard(ctx, record.ID)
		s.forget(ctx, user, created)
		return nil, fmt.Errorf("otp service: render message: %w", err)
	}
	msg.From = s.cfg.From

	if err := s.mailer.Send(ctx, msg); err != nil {
		metrics.OTPDispatch.WithLabelValues("failed").Inc()
		log.Warn("otp delivery failed", zap.Error(err))
		s.discard(ctx, record.ID)
		s.forget(ctx, user, created)
		return nil, apperrors.ErrOTPDelivery.WithInternal(err)
	}
	metrics.OTPDispatch.WithLabelValues("sent").Inc()

	token, err := s.tokens.MintOTPVerify(email)
	if err != nil {
		return nil, fmt.Errorf("otp service: mint token: %w", err)
	}

	log.Info("otp dispatched", zap.Bool("new_account", created))
	return &OTPIssue{Token: token, Created: created, User: user}, nil
}

// Verify checks code against the live passcode for email and consumes it.
// Failures count toward the account lockout.
func (s *OTPService) Verify(ctx context.Context, email, code string) (*models.User, error) {
	ctx = ensureContext(ctx)
	email = normaliseEmail(email)

	user, err := s.dir.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperrors.ErrInvalidToken.WithInternal(err)
		}
		return nil, err
	}

	if err := s.dir.ResetAttemptsIfStale(ctx, user, s.cfg.AttemptWindow); err != nil {
		return nil, err
	}
	if user.LoginAttempt >= s.cfg.MaxAttempts {
		metrics.AuthAttempts.WithLabelValues("otp", "locked").Inc()
		return nil, apperrors.ErrAccountLocked
	}

	now := s.now().UTC()
	var record models.OneTimePassword
	err = s.db.WithContext(ctx).
		Where("email = ? AND created_at > ?", email, now.Add(-s.cfg.TTL)).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.fail(ctx, user, apperrors.ErrInvalidOTP)
		}
		return nil, fmt.Errorf("otp service: load code: %w", err)
	}

	if !s.hasher.Compare(record.CodeHash, code) {
		return nil, s.fail(ctx, user, apperrors.ErrInvalidOTP)
	}

	result := s.db.WithContext(ctx).Where("id = ?", record.ID).Delete(&models.OneTimePassword{})
	if result.Error != nil {
		return nil, fmt.Errorf("otp service: consume code: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		// A concurrent request consumed the code first.
		metrics.AuthAttempts.WithLabelValues("otp", "failed").Inc()
		return nil, apperrors.ErrInvalidOTP
	}

	metrics.AuthAttempts.WithLabelValues("otp", "success").Inc()
	return user, nil
}

// PurgeExpired removes passcodes past their TTL.
func (s *OTPService) PurgeExpired(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	cutoff := s.now().UTC().Add(-s.cfg.TTL)
	result := s.db.WithContext(ctx).Where("created_at <= ?", cutoff).Delete(&models.OneTimePassword{})
	if result.Error != nil {
		return 0, fmt.Errorf("otp service: purge expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *OTPService) fail(ctx context.Context, user *models.User, cause *apperrors.AppError) error {
	metrics.AuthAttempts.WithLabelValues("otp", "failed").Inc()
	if err := s.dir.RecordFailedAttempt(ctx, user.ID); err != nil {
		return err
	}
	user.LoginAttempt++
	return cause
}

func (s *OTPService) discard(ctx context.Context, id string) {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.OneTimePassword{}).Error; err != nil {
		logger.WithModule("otp").Warn("discard undelivered otp", zap.Error(err))
	}
}

// forget removes an account created for a passcode that never reached its
// owner. Existing accounts are left alone.
func (s *OTPService) forget(ctx context.Context, user *models.User, created bool) {
	if !created || user == nil {
		return
	}
	if err := s.db.WithContext(ctx).Where("id = ?", user.ID).Delete(&models.User{}).Error; err != nil {
		logger.WithModule("otp").Warn("remove undelivered account", zap.Error(err))
	}
}
