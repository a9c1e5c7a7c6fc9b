package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/auth/mfa"
	"github.com/charlesng35/otpguard/internal/services"
)

// mfaKeyLengths are the AES key sizes accepted for sealing authenticator secrets.
var mfaKeyLengths = map[int]bool{16: true, 24: true, 32: true}

// TokenServiceConfig converts AuthConfig into the parameters expected by the token service.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Secret:       c.Token.Secret,
		Issuer:       c.Token.Issuer,
		OTPVerifyTTL: c.Token.OTPVerifyTTL,
		MFATTL:       c.Token.MFATTL,
		SessionTTL:   c.Token.SessionTTL,
	}
}

// OTPServiceConfig converts the OTP settings; from is the sender address of the passcode email.
func (c AuthConfig) OTPServiceConfig(from string) services.OTPConfig {
	return services.OTPConfig{
		Length:        c.OTP.Digits,
		TTL:           c.OTP.TTL,
		MaxAttempts:   c.OTP.MaxAttempts,
		AttemptWindow: c.OTP.AttemptWindow,
		HashCost:      c.OTP.HashCost,
		From:          from,
	}
}

// TOTPOptions builds the authenticator options. An empty encryption key keeps
// secrets in plain base32.
func (c AuthConfig) TOTPOptions() ([]mfa.Option, error) {
	opts := []mfa.Option{
		mfa.WithIssuer(c.MFA.Issuer),
		mfa.WithQRCodeSize(c.MFA.QRSize),
		mfa.WithSkew(c.MFA.Skew),
	}

	if strings.TrimSpace(c.MFA.EncryptionKey) == "" {
		return opts, nil
	}

	key, err := DecodeKey(c.MFA.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("auth.mfa.encryption_key: %w", err)
	}
	if !mfaKeyLengths[len(key)] {
		return nil, fmt.Errorf("auth.mfa.encryption_key: must decode to 16, 24 or 32 bytes, got %d", len(key))
	}
	return append(opts, mfa.WithEncryptionKey(key)), nil
}

// ChallengeTTL returns the MFA challenge lifetime, defaulting when unset.
func (c AuthConfig) ChallengeTTL() time.Duration {
	if c.MFA.ChallengeTTL <= 0 {
		return services.DefaultChallengeTTL
	}
	return c.MFA.ChallengeTTL
}

// DirectoryOptions converts the trusted-device cap. Zero keeps the default and
// a negative value removes the cap.
func (c AuthConfig) DirectoryOptions() []services.DirectoryOption {
	switch max := c.MFA.MaxTrustedDevices; {
	case max == 0:
		return nil
	case max < 0:
		return []services.DirectoryOption{services.WithMaxTrustedDevices(0)}
	default:
		return []services.DirectoryOption{services.WithMaxTrustedDevices(max)}
	}
}
