package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/charlesng35/otpguard/pkg/errors"
)

// TokenType scopes a bearer token to one step of the login flow.
type TokenType string

const (
	TypeOTPVerify TokenType = "OTP_VERIFY"
	TypeMFA       TokenType = "MFA"
	TypeSession   TokenType = "SESSION"
)

const (
	DefaultOTPVerifyTTL = 5 * time.Minute
	DefaultMFATTL       = 5 * time.Minute
	DefaultSessionTTL   = 24 * time.Hour
)

// TokenConfig bundles the configuration required to build a TokenService.
type TokenConfig struct {
	Secret       string
	Issuer       string
	OTPVerifyTTL time.Duration
	MFATTL       time.Duration
	SessionTTL   time.Duration
	Clock        func() time.Time
}

// Claims represents the custom claims embedded in issued tokens. Which of the
// optional fields are populated depends on Type.
type Claims struct {
	Type        TokenType `json:"type"`
	Email       string    `json:"email"`
	ChallengeID string    `json:"challengeId,omitempty"`
	UserID      string    `json:"id,omitempty"`
	Role        string    `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SessionSubject carries the identity baked into a SESSION token.
type SessionSubject struct {
	UserID string
	Email  string
	Role   string
}

// TokenService mints and verifies short-lived HS256 tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttls   map[TokenType]time.Duration
	now    func() time.Time
}

// NewTokenService constructs a TokenService. The signing secret is fixed for
// the lifetime of the service.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token: secret must be provided")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttls: map[TokenType]time.Duration{
			TypeOTPVerify: durationOr(cfg.OTPVerifyTTL, DefaultOTPVerifyTTL),
			TypeMFA:       durationOr(cfg.MFATTL, DefaultMFATTL),
			TypeSession:   durationOr(cfg.SessionTTL, DefaultSessionTTL),
		},
		now: now,
	}, nil
}

// TTL reports the lifetime applied to tokens of the given type.
func (s *TokenService) TTL(t TokenType) time.Duration {
	return s.ttls[t]
}

// MintOTPVerify issues the token a client presents together with the emailed passcode.
func (s *TokenService) MintOTPVerify(email string) (string, error) {
	if email == "" {
		return "", errors.New("token: email is required")
	}
	return s.mint(Claims{Type: TypeOTPVerify, Email: email})
}

// MintMFA issues the step-up token bound to a pending challenge.
func (s *TokenService) MintMFA(email, challengeID string) (string, error) {
	if email == "" || challengeID == "" {
		return "", errors.New("token: email and challenge id are required")
	}
	return s.mint(Claims{Type: TypeMFA, Email: email, ChallengeID: challengeID})
}

// MintSession issues the long-lived session token.
func (s *TokenService) MintSession(subject SessionSubject) (string, error) {
	if subject.UserID == "" {
		return "", errors.New("token: user id is required")
	}
	return s.mint(Claims{
		Type:             TypeSession,
		Email:            subject.Email,
		UserID:           subject.UserID,
		Role:             subject.Role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject.UserID},
	})
}

func (s *TokenService) mint(claims Claims) (string, error) {
	ttl, ok := s.ttls[claims.Type]
	if !ok {
		return "", fmt.Errorf("token: unknown type %q", claims.Type)
	}

	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and checks it carries the expected type. Bad
// signature, structure or expiry yields ErrInvalidToken; a valid token of
// another type yields ErrWrongTokenScope before any other claim is examined.
func (s *TokenService) Verify(tokenString string, expected TokenType) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, apperrors.ErrInvalidToken.WithInternal(errors.New("token: empty"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, apperrors.ErrInvalidToken.WithInternal(fmt.Errorf("token: parse: %w", err))
	}

	if claims.Type != expected {
		return nil, apperrors.ErrWrongTokenScope.WithInternal(
			fmt.Errorf("token: expected %s, got %q", expected, claims.Type))
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, apperrors.ErrInvalidToken.WithInternal(errors.New("token: invalid issuer"))
	}
	if claims.Email == "" {
		return nil, apperrors.ErrInvalidToken.WithInternal(errors.New("token: missing email claim"))
	}
	if expected == TypeMFA && claims.ChallengeID == "" {
		return nil, apperrors.ErrInvalidToken.WithInternal(errors.New("token: missing challenge claim"))
	}

	return &claims, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
