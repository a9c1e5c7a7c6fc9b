package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/otpguard/internal/auth/mfa"
	"github.com/charlesng35/otpguard/internal/cache"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/logger"
	"github.com/charlesng35/otpguard/pkg/metrics"
)

// usedCodeTTL covers the validation window of a code (current step plus one
// step of skew either side).
const usedCodeTTL = 90 * time.Second

// EnrollResult is returned by MFAService.Enroll.
type EnrollResult struct {
	// QRCode is a PNG data URL; empty when Enrolled is true.
	QRCode   string `json:"qrCode,omitempty"`
	Enrolled bool   `json:"enrolled,omitempty"`
	// Started reports that this call generated the secret.
	Started bool `json:"-"`
}

// MFAVerification is the input to MFAService.Verify.
type MFAVerification struct {
	Email       string
	ChallengeID string
	Code        string
	DeviceID    string
	IP          string
	Location    *geo.Location
}

// MFAOption customises an MFAService.
type MFAOption func(*MFAService)

// WithMFAClock overrides the service clock.
func WithMFAClock(now func() time.Time) MFAOption {
	return func(s *MFAService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReplayCache rejects codes that already completed a verification.
func WithReplayCache(store cache.Store) MFAOption {
	return func(s *MFAService) {
		s.used = store
	}
}

// WithMFAMaxAttempts sets how many failed logins an account may hold before
// a wrong code also revokes the pending challenge.
func WithMFAMaxAttempts(n int) MFAOption {
	return func(s *MFAService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// MFAService handles authenticator enrolment and challenge verification.
type MFAService struct {
	dir         *Directory
	totp        *mfa.TOTP
	used        cache.Store
	now         func() time.Time
	maxAttempts int
}

// NewMFAService constructs the service.
func NewMFAService(dir *Directory, totp *mfa.TOTP, opts ...MFAOption) (*MFAService, error) {
	if dir == nil {
		return nil, errors.New("mfa service: directory is required")
	}
	if totp == nil {
		return nil, errors.New("mfa service: totp is required")
	}
	svc := &MFAService{dir: dir, totp: totp, now: time.Now, maxAttempts: DefaultMaxLoginAttempts}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Enroll provisions an authenticator secret for email, or re-renders the
// pending one. Already enabled accounts get Enrolled=true and no secret.
func (s *MFAService) Enroll(ctx context.Context, email string) (*EnrollResult, error) {
	ctx = ensureContext(ctx)

	user, err := s.dir.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperrors.ErrInvalidToken.WithInternal(err)
		}
		return nil, err
	}
	if user.MFAEnabled {
		return &EnrollResult{Enrolled: true}, nil
	}

	if user.MFASecret != "" {
		return s.render(user.MFASecret, user.Email)
	}

	secret, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}

	written, err := s.dir.SetMFASecret(ctx, user.ID, secret.Stored)
	if err != nil {
		return nil, err
	}
	if !written {
		// A concurrent enrolment stored its secret first; show that one.
		current, err := s.dir.FindByEmail(ctx, user.Email)
		if err != nil {
			return nil, err
		}
		if current.MFAEnabled {
			return &EnrollResult{Enrolled: true}, nil
		}
		return s.render(current.MFASecret, current.Email)
	}

	qr, err := s.totp.QRCodeDataURL(secret.Plain, user.Email)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}
	return &EnrollResult{QRCode: qr, Started: true}, nil
}

func (s *MFAService) render(stored, account string) (*EnrollResult, error) {
	plain, err := s.totp.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}
	qr, err := s.totp.QRCodeDataURL(plain, account)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}
	return &EnrollResult{QRCode: qr}, nil
}

// Verify checks a TOTP code against the user's live challenge. On success
// MFA is enabled, the challenge is consumed, the login is stamped and the
// device becomes trusted.
func (s *MFAService) Verify(ctx context.Context, in MFAVerification) (*models.User, error) {
	ctx = ensureContext(ctx)
	now := s.now().UTC()

	user, err := s.dir.FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperrors.ErrInvalidToken.WithInternal(err)
		}
		return nil, err
	}

	if user.MFASecret == "" {
		return nil, apperrors.ErrMFANotConfigured
	}
	if !user.ChallengeMatches(in.ChallengeID, now) {
		metrics.AuthAttempts.WithLabelValues("mfa", "failed").Inc()
		return nil, apperrors.ErrInvalidChallenge
	}

	usedKey := "mfa:used:" + user.ID + ":" + in.Code
	if s.used != nil {
		if _, seen, err := s.used.Get(ctx, usedKey); err != nil {
			return nil, fmt.Errorf("mfa service: replay check: %w", err)
		} else if seen {
			metrics.AuthAttempts.WithLabelValues("mfa", "failed").Inc()
			return nil, apperrors.ErrMFAInvalid
		}
	}

	plain, err := s.totp.Open(user.MFASecret)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}
	valid, err := s.totp.Validate(in.Code, plain)
	if err != nil {
		return nil, fmt.Errorf("mfa service: %w", err)
	}
	if !valid {
		return nil, s.miss(ctx, user, in.ChallengeID)
	}

	stamp := LoginStamp{IP: in.IP, Location: in.Location, At: now}
	won, err := s.dir.CompleteMFA(ctx, user.ID, in.ChallengeID, stamp)
	if err != nil {
		return nil, err
	}
	if !won {
		metrics.AuthAttempts.WithLabelValues("mfa", "failed").Inc()
		return nil, apperrors.ErrInvalidChallenge
	}

	if s.used != nil {
		if err := s.used.Set(ctx, usedKey, []byte{1}, usedCodeTTL); err != nil {
			logger.WithModule("mfa").Warn("record used code", zap.Error(err))
		}
	}

	if in.DeviceID != "" && !slices.Contains(user.DeviceIDs(), in.DeviceID) {
		if err := s.dir.TrustDevice(ctx, user.ID, in.DeviceID); err != nil {
			return nil, err
		}
	}

	user.MFAEnabled = true
	user.MFAChallengeID = nil
	user.MFAChallengeExpiresAt = nil
	user.LoginAttempt = 0
	user.LastLoginAttemptAt = nil
	user.LastLoginAt = &now
	user.LastLoginIP = in.IP

	metrics.AuthAttempts.WithLabelValues("mfa", "success").Inc()
	return user, nil
}

// miss counts a wrong code toward the account's failed logins. Once the
// limit is reached the challenge is revoked and the login must restart.
func (s *MFAService) miss(ctx context.Context, user *models.User, challengeID string) error {
	metrics.AuthAttempts.WithLabelValues("mfa", "failed").Inc()
	if err := s.dir.RecordFailedAttempt(ctx, user.ID); err != nil {
		return err
	}
	user.LoginAttempt++
	if user.LoginAttempt < s.maxAttempts {
		return apperrors.ErrMFAInvalid
	}

	if err := s.dir.DropChallenge(ctx, user.ID, challengeID); err != nil {
		return err
	}
	logger.WithModule("mfa").Warn("mfa challenge revoked after repeated failures", zap.String("user_id", user.ID))
	return apperrors.ErrInvalidChallenge
}
