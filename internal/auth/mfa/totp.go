package mfa

import (
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"

	"github.com/charlesng35/otpguard/pkg/crypto"
)

const (
	defaultIssuer     = "SecureAuth"
	defaultQRCodeSize = 256
	defaultSkew       = 1
	period            = 30

	sealedPrefix = "enc:"
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Option allows customising the TOTP helper.
type Option func(*TOTP)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(t *TOTP) {
		if strings.TrimSpace(issuer) != "" {
			t.issuer = issuer
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(t *TOTP) {
		if size > 0 {
			t.qrCodeSize = size
		}
	}
}

// WithSkew sets how many 30 second steps either side of now are accepted.
func WithSkew(skew uint) Option {
	return func(t *TOTP) {
		t.skew = skew
	}
}

// WithEncryptionKey enables AES-GCM sealing of secrets at rest.
func WithEncryptionKey(key []byte) Option {
	return func(t *TOTP) {
		if len(key) > 0 {
			t.encryptionKey = key
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(t *TOTP) {
		if clock != nil {
			t.now = clock
		}
	}
}

// TOTP generates authenticator secrets, renders provisioning QR codes and
// validates submitted codes. It holds no per-user state.
type TOTP struct {
	issuer        string
	qrCodeSize    int
	skew          uint
	encryptionKey []byte
	now           func() time.Time
}

// Secret is a freshly generated authenticator secret.
type Secret struct {
	// Plain is the base32 secret shared with the authenticator app.
	Plain string
	// Stored is the form persisted on the user record.
	Stored string
}

// New constructs a TOTP helper.
func New(opts ...Option) *TOTP {
	t := &TOTP{
		issuer:     defaultIssuer,
		qrCodeSize: defaultQRCodeSize,
		skew:       defaultSkew,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issuer returns the issuer encoded in provisioning URIs.
func (t *TOTP) Issuer() string { return t.issuer }

// GenerateSecret provisions a new base32 secret for the account.
func (t *TOTP) GenerateSecret(account string) (*Secret, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, errors.New("totp: account is required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: generate key: %w", err)
	}

	stored, err := t.Seal(key.Secret())
	if err != nil {
		return nil, err
	}

	return &Secret{Plain: key.Secret(), Stored: stored}, nil
}

// Seal converts a plain secret into its persisted form.
func (t *TOTP) Seal(plain string) (string, error) {
	if len(t.encryptionKey) == 0 {
		return plain, nil
	}
	sealed, err := crypto.Encrypt([]byte(plain), t.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("totp: encrypt secret: %w", err)
	}
	return sealedPrefix + sealed, nil
}

// Open recovers the plain secret from its persisted form. Secrets stored
// before encryption was enabled are returned unchanged.
func (t *TOTP) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if len(t.encryptionKey) == 0 {
		return "", errors.New("totp: secret is encrypted but no key is configured")
	}
	plain, err := crypto.Decrypt(strings.TrimPrefix(stored, sealedPrefix), t.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("totp: decrypt secret: %w", err)
	}
	return string(plain), nil
}

// Key rebuilds the provisioning key for an existing plain secret.
func (t *TOTP) Key(plain, account string) (*otp.Key, error) {
	raw, err := secretEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(plain)))
	if err != nil {
		return nil, fmt.Errorf("totp: decode secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: strings.TrimSpace(account),
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("totp: build key: %w", err)
	}
	return key, nil
}

// QRCodeDataURL renders the provisioning URI for plain as a PNG data URL.
func (t *TOTP) QRCodeDataURL(plain, account string) (string, error) {
	key, err := t.Key(plain, account)
	if err != nil {
		return "", err
	}

	png, err := qrcode.Encode(key.String(), qrcode.Medium, t.qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("totp: encode qr: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Validate checks code against plain at the current time, accepting the
// configured number of adjacent steps.
func (t *TOTP) Validate(code, plain string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}

	valid, err := totp.ValidateCustom(code, plain, t.now().UTC(), totp.ValidateOpts{
		Period:    period,
		Skew:      t.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("totp: validate: %w", err)
	}
	return valid, nil
}
