package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/security"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
	"github.com/charlesng35/otpguard/pkg/logger"
)

const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultGeoTimeout   = 2 * time.Second

	// MFATypeAuthenticator is the only second factor offered.
	MFATypeAuthenticator = "AUTHENTICATOR_APP"

	msgAccountCreated = "Account created. OTP sent to your email."
	msgOTPSent        = "OTP sent to your email."
)

// LoginState is a node of the login state machine.
type LoginState string

const (
	StateOTPSent       LoginState = "OTP_SENT"
	StateMFARequired   LoginState = "MFA_REQUIRED"
	StateSessionIssued LoginState = "SESSION_ISSUED"
	StateLocked        LoginState = "LOCKED"
	StateRejected      LoginState = "REJECTED"
)

// ClientInfo is the request context a login attempt arrives with.
type ClientInfo struct {
	IP        string
	DeviceID  string
	UserAgent string
}

// CreateAuthResult is returned once a passcode has been dispatched.
type CreateAuthResult struct {
	Token   string `json:"token"`
	Message string `json:"message"`
	Created bool   `json:"-"`
}

// LoginResult carries either a SESSION token or an MFA token.
type LoginResult struct {
	Token       string `json:"token"`
	MFARequired bool   `json:"mfaRequired,omitempty"`
	MFAType     string `json:"mfaType,omitempty"`

	State      LoginState           `json:"-"`
	Assessment *security.Assessment `json:"-"`
}

// AuthDeps groups the collaborators of the AuthService.
type AuthDeps struct {
	Directory  *Directory
	OTP        *OTPService
	MFA        *MFAService
	Risk       *security.Engine
	Geo        geo.Resolver
	FraudAudit *FraudAuditService
	Activity   *AuditService
	Tokens     *auth.TokenService
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithAuthClock overrides the orchestrator clock.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithChallengeTTL sets how long an MFA challenge stays valid.
func WithChallengeTTL(ttl time.Duration) AuthOption {
	return func(s *AuthService) {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
	}
}

// WithChallengeIDs replaces the challenge id generator.
func WithChallengeIDs(next func() string) AuthOption {
	return func(s *AuthService) {
		if next != nil {
			s.newChallengeID = next
		}
	}
}

// WithGeoTimeout bounds each geo lookup.
func WithGeoTimeout(timeout time.Duration) AuthOption {
	return func(s *AuthService) {
		if timeout > 0 {
			s.geoTimeout = timeout
		}
	}
}

// AuthService drives the login state machine: OTP issuance and
// verification, risk scoring, MFA step-up and session issuance.
type AuthService struct {
	dir      *Directory
	otp      *OTPService
	mfa      *MFAService
	risk     *security.Engine
	geo      geo.Resolver
	fraud    *FraudAuditService
	activity *AuditService
	tokens   *auth.TokenService

	challengeTTL   time.Duration
	geoTimeout     time.Duration
	newChallengeID func() string
	now            func() time.Time
}

// NewAuthService wires the orchestrator.
func NewAuthService(deps AuthDeps, opts ...AuthOption) (*AuthService, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("auth service: directory is required")
	case deps.OTP == nil:
		return nil, errors.New("auth service: otp service is required")
	case deps.MFA == nil:
		return nil, errors.New("auth service: mfa service is required")
	case deps.FraudAudit == nil:
		return nil, errors.New("auth service: fraud audit service is required")
	case deps.Tokens == nil:
		return nil, errors.New("auth service: token service is required")
	}

	svc := &AuthService{
		dir:            deps.Directory,
		otp:            deps.OTP,
		mfa:            deps.MFA,
		risk:           deps.Risk,
		geo:            deps.Geo,
		fraud:          deps.FraudAudit,
		activity:       deps.Activity,
		tokens:         deps.Tokens,
		challengeTTL:   DefaultChallengeTTL,
		geoTimeout:     DefaultGeoTimeout,
		newChallengeID: uuid.NewString,
		now:            time.Now,
	}
	if svc.risk == nil {
		svc.risk = security.NewEngine()
	}
	if svc.geo == nil {
		svc.geo = geo.NoopResolver{}
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateAuth dispatches a passcode to email and returns an OTP_VERIFY token.
func (s *AuthService) CreateAuth(ctx context.Context, email string, client ClientInfo) (*CreateAuthResult, error) {
	ctx = ensureContext(ctx)

	issue, err := s.otp.Initiate(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			logger.WithModule("auth").Error("otp initiation integrity fault", logger.Email(email), zap.Error(err))
		}
		return nil, err
	}

	action, message := ActionLoginOTPSent, msgOTPSent
	if issue.Created {
		action, message = ActionRegisterOTPSent, msgAccountCreated
	}
	recordAudit(s.activity, ctx, AuditEntry{
		UserID:    userIDOf(issue.User),
		Email:     email,
		Action:    action,
		Result:    ResultSuccess,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
	})

	return &CreateAuthResult{Token: issue.Token, Message: message, Created: issue.Created}, nil
}

// VerifyOTP consumes the passcode and applies the risk policy.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string, client ClientInfo) (*LoginResult, error) {
	ctx = ensureContext(ctx)
	log := logger.WithModule("auth").With(logger.Email(email))

	user, err := s.otp.Verify(ctx, email, code)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAccountLocked):
			recordAudit(s.activity, ctx, AuditEntry{
				Email: email, Action: ActionLoginBlocked, Result: ResultDenied,
				IPAddress: client.IP, UserAgent: client.UserAgent,
				Metadata: map[string]any{"state": StateLocked},
			})
		case errors.Is(err, apperrors.ErrInvalidOTP):
			recordAudit(s.activity, ctx, AuditEntry{
				Email: email, Action: ActionOTPFailed, Result: ResultFailure,
				IPAddress: client.IP, UserAgent: client.UserAgent,
			})
		}
		return nil, err
	}

	if user.LastLoginAt == nil {
		log.Debug("first login, forcing mfa")
		return s.challenge(ctx, user, client)
	}

	location := s.locate(ctx, client.IP)

	assessment := s.risk.Score(subjectOf(user), security.Attempt{
		IP:       client.IP,
		DeviceID: client.DeviceID,
		Location: location,
	})

	if _, err := s.fraud.Record(ctx, FraudAuditEntry{
		UserID:     user.ID,
		IPAddress:  client.IP,
		DeviceID:   client.DeviceID,
		UserAgent:  client.UserAgent,
		Location:   location,
		Assessment: assessment,
	}); err != nil {
		return nil, err
	}

	if assessment.Level == security.LevelCritical {
		log.Warn("login blocked",
			zap.String("user_id", user.ID),
			zap.Int("score", assessment.Score),
			zap.Strings("reasons", assessment.Codes()),
		)
		recordAudit(s.activity, ctx, AuditEntry{
			UserID: &user.ID, Email: user.Email, Action: ActionLoginBlocked, Result: ResultDenied,
			IPAddress: client.IP, UserAgent: client.UserAgent,
			Metadata: map[string]any{"state": StateRejected, "score": assessment.Score, "reasons": assessment.Codes()},
		})
		return nil, apperrors.ErrFraudBlocked
	}

	if assessment.Level == security.LevelLow && user.MFAEnabled {
		if err := s.dir.RecordLogin(ctx, user.ID, LoginStamp{IP: client.IP, Location: location, At: s.now().UTC()}); err != nil {
			return nil, err
		}
		result, err := s.session(ctx, user, client)
		if err != nil {
			return nil, err
		}
		result.Assessment = &assessment
		return result, nil
	}

	result, err := s.challenge(ctx, user, client)
	if err != nil {
		return nil, err
	}
	result.Assessment = &assessment
	return result, nil
}

// MFAEnabled reports whether the account behind email has an active second factor.
func (s *AuthService) MFAEnabled(ctx context.Context, email string) (bool, error) {
	user, err := s.dir.FindByEmail(ensureContext(ctx), email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, apperrors.ErrInvalidToken.WithInternal(err)
		}
		return false, err
	}
	return user.MFAEnabled, nil
}

// EnrollMFA returns the provisioning QR for the caller's authenticator.
func (s *AuthService) EnrollMFA(ctx context.Context, email string, client ClientInfo) (*EnrollResult, error) {
	ctx = ensureContext(ctx)

	result, err := s.mfa.Enroll(ctx, email)
	if err != nil {
		return nil, err
	}
	if result.Started {
		recordAudit(s.activity, ctx, AuditEntry{
			Email: email, Action: ActionMFAEnrollStarted, Result: ResultSuccess,
			IPAddress: client.IP, UserAgent: client.UserAgent,
		})
	}
	return result, nil
}

// VerifyMFA completes the step-up challenge and issues a session.
func (s *AuthService) VerifyMFA(ctx context.Context, email, challengeID, code string, client ClientInfo) (*LoginResult, error) {
	ctx = ensureContext(ctx)

	user, err := s.mfa.Verify(ctx, MFAVerification{
		Email:       email,
		ChallengeID: challengeID,
		Code:        code,
		DeviceID:    client.DeviceID,
		IP:          client.IP,
		Location:    s.locate(ctx, client.IP),
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrMFAInvalid) || errors.Is(err, apperrors.ErrInvalidChallenge) {
			recordAudit(s.activity, ctx, AuditEntry{
				Email: email, Action: ActionMFAFailed, Result: ResultFailure,
				IPAddress: client.IP, UserAgent: client.UserAgent,
			})
		}
		return nil, err
	}

	recordAudit(s.activity, ctx, AuditEntry{
		UserID: &user.ID, Email: user.Email, Action: ActionMFAVerified, Result: ResultSuccess,
		IPAddress: client.IP, UserAgent: client.UserAgent,
	})
	return s.session(ctx, user, client)
}

func (s *AuthService) challenge(ctx context.Context, user *models.User, client ClientInfo) (*LoginResult, error) {
	id := s.newChallengeID()
	expiresAt := s.now().UTC().Add(s.challengeTTL)

	if err := s.dir.SetChallenge(ctx, user.ID, id, expiresAt); err != nil {
		return nil, err
	}
	token, err := s.tokens.MintMFA(user.Email, id)
	if err != nil {
		return nil, fmt.Errorf("auth service: mint mfa token: %w", err)
	}

	recordAudit(s.activity, ctx, AuditEntry{
		UserID: &user.ID, Email: user.Email, Action: ActionMFAChallenge, Result: ResultSuccess,
		IPAddress: client.IP, UserAgent: client.UserAgent,
	})
	return &LoginResult{
		Token:       token,
		MFARequired: true,
		MFAType:     MFATypeAuthenticator,
		State:       StateMFARequired,
	}, nil
}

func (s *AuthService) session(ctx context.Context, user *models.User, client ClientInfo) (*LoginResult, error) {
	role, err := s.dir.RoleName(ctx, user)
	if err != nil {
		if errors.Is(err, apperrors.ErrIntegrity) {
			logger.WithModule("auth").Error("session role lookup failed", zap.String("user_id", user.ID), zap.Error(err))
		}
		return nil, err
	}

	token, err := s.tokens.MintSession(auth.SessionSubject{UserID: user.ID, Email: user.Email, Role: role})
	if err != nil {
		return nil, fmt.Errorf("auth service: mint session: %w", err)
	}

	recordAudit(s.activity, ctx, AuditEntry{
		UserID: &user.ID, Email: user.Email, Action: ActionLoginSuccess, Result: ResultSuccess,
		IPAddress: client.IP, UserAgent: client.UserAgent,
	})
	return &LoginResult{Token: token, State: StateSessionIssued}, nil
}

// locate resolves ip, treating any failure as an unknown location.
func (s *AuthService) locate(ctx context.Context, ip string) *geo.Location {
	if ip == "" {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, s.geoTimeout)
	defer cancel()

	loc, err := s.geo.Resolve(lookupCtx, ip)
	if err != nil {
		logger.WithModule("auth").Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	return loc
}

func subjectOf(user *models.User) security.Subject {
	subject := security.Subject{
		LastLoginIP:    user.LastLoginIP,
		LastLoginAt:    user.LastLoginAt,
		LoginAttempts:  user.LoginAttempt,
		TrustedDevices: user.DeviceIDs(),
	}
	if user.HasLastLocation() {
		subject.LastLocation = &geo.Location{
			Country:   user.LastLoginCountry,
			City:      user.LastLoginCity,
			Latitude:  *user.LastLoginLat,
			Longitude: *user.LastLoginLon,
		}
	}
	return subject
}

func userIDOf(user *models.User) *string {
	if user == nil {
		return nil
	}
	return &user.ID
}
