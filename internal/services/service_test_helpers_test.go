package services

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/auth/mfa"
	"github.com/charlesng35/otpguard/internal/cache"
	"github.com/charlesng35/otpguard/internal/database/testutil"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/security"
	"github.com/charlesng35/otpguard/pkg/mail"
)

var codePattern = regexp.MustCompile(`passcode is: (\d+)`)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type authHarness struct {
	db       *gorm.DB
	clock    *testClock
	mailer   *mail.Recorder
	geo      *geo.StaticResolver
	tokens   *auth.TokenService
	totp     *mfa.TOTP
	store    *cache.DatabaseStore
	dir      *Directory
	otp      *OTPService
	mfa      *MFAService
	fraud    *FraudAuditService
	activity *AuditService
	auth     *AuthService
}

func newAuthHarness(t *testing.T, dirOpts ...DirectoryOption) *authHarness {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := newTestClock()
	h := &authHarness{
		db:     db,
		clock:  clock,
		mailer: mail.NewRecorder(),
		geo:    geo.NewStaticResolver(nil),
		totp:   mfa.New(mfa.WithClock(clock.Now)),
		store:  cache.NewDatabaseStore(db, cache.WithClock(clock.Now)),
	}

	var err error
	h.tokens, err = auth.NewTokenService(auth.TokenConfig{Secret: "test-secret", Issuer: "otpguard-test", Clock: clock.Now})
	require.NoError(t, err)

	h.dir, err = NewDirectory(db, append([]DirectoryOption{WithDirectoryClock(clock.Now)}, dirOpts...)...)
	require.NoError(t, err)

	h.otp, err = NewOTPService(db, h.dir, h.mailer, h.tokens,
		OTPConfig{HashCost: 4, From: "no-reply@otpguard.test"},
		WithOTPClock(clock.Now),
	)
	require.NoError(t, err)

	h.mfa, err = NewMFAService(h.dir, h.totp, WithMFAClock(clock.Now), WithReplayCache(h.store))
	require.NoError(t, err)

	h.fraud, err = NewFraudAuditService(db, WithFraudClock(clock.Now))
	require.NoError(t, err)

	h.activity, err = NewAuditService(db, WithAuditClock(clock.Now))
	require.NoError(t, err)

	h.auth, err = NewAuthService(AuthDeps{
		Directory:  h.dir,
		OTP:        h.otp,
		MFA:        h.mfa,
		Risk:       security.NewEngine(security.WithClock(clock.Now)),
		Geo:        h.geo,
		FraudAudit: h.fraud,
		Activity:   h.activity,
		Tokens:     h.tokens,
	}, WithAuthClock(clock.Now))
	require.NoError(t, err)

	return h
}

// lastCode extracts the passcode from the most recent email.
func (h *authHarness) lastCode(t *testing.T) string {
	t.Helper()
	msg, ok := h.mailer.Last()
	require.True(t, ok, "no email recorded")
	match := codePattern.FindStringSubmatch(msg.Body)
	require.Len(t, match, 2, "passcode not found in %q", msg.Body)
	return match[1]
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func (h *authHarness) user(t *testing.T, email string) *models.User {
	t.Helper()
	user, err := h.dir.FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return user
}

// totpCode returns the authenticator code for the user's stored secret at the harness time.
func (h *authHarness) totpCode(t *testing.T, email string) string {
	t.Helper()
	user := h.user(t, email)
	plain, err := h.totp.Open(user.MFASecret)
	require.NoError(t, err)
	code, err := totp.GenerateCode(plain, h.clock.Now())
	require.NoError(t, err)
	return code
}

// otpLogin runs create-auth and verify-otp for email.
func (h *authHarness) otpLogin(t *testing.T, email string, client ClientInfo) (*LoginResult, error) {
	t.Helper()
	ctx := context.Background()
	_, err := h.auth.CreateAuth(ctx, email, client)
	require.NoError(t, err)
	return h.auth.VerifyOTP(ctx, email, h.lastCode(t), client)
}

// completeMFA enrolls when needed and answers the challenge carried by mfaToken.
func (h *authHarness) completeMFA(t *testing.T, email, mfaToken string, client ClientInfo) *LoginResult {
	t.Helper()
	ctx := context.Background()

	claims, err := h.tokens.Verify(mfaToken, auth.TypeMFA)
	require.NoError(t, err)

	_, err = h.auth.EnrollMFA(ctx, email, client)
	require.NoError(t, err)

	result, err := h.auth.VerifyMFA(ctx, email, claims.ChallengeID, h.totpCode(t, email), client)
	require.NoError(t, err)
	require.Equal(t, StateSessionIssued, result.State)
	return result
}

// register walks a new account through first login and MFA enrolment.
func (h *authHarness) register(t *testing.T, email string, client ClientInfo) {
	t.Helper()
	result, err := h.otpLogin(t, email, client)
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	h.completeMFA(t, email, result.Token, client)
	// Move past the replay window of the code just used.
	h.clock.Advance(2 * time.Minute)
}
