package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/otpguard/internal/api"
	"github.com/charlesng35/otpguard/internal/app"
	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/auth/mfa"
	"github.com/charlesng35/otpguard/internal/cache"
	sharedtestutil "github.com/charlesng35/otpguard/internal/database/testutil"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/middleware"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/security"
	"github.com/charlesng35/otpguard/internal/services"
	"github.com/charlesng35/otpguard/pkg/mail"
)

var codePattern = regexp.MustCompile(`passcode is: (\d+)`)

// Clock is a settable time source shared by every wired service.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	Config *app.Config
	Clock  *Clock
	Mailer *mail.Recorder
	Geo    *geo.StaticResolver
	Tokens *iauth.TokenService
	TOTP   *mfa.TOTP
	Fraud  *services.FraudAuditService
	Audit  *services.AuditService
}

// Option adjusts the configuration before the router is built.
type Option func(*app.Config)

// WithRateLimit enables the shared per-IP limiter.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(cfg *app.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Limit = limit
		cfg.RateLimit.Window = window
	}
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
// The clock starts on a Monday afternoon UTC.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())
	clock := &Clock{now: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}

	cfg := &app.Config{
		Auth: app.AuthConfig{
			Token: app.TokenSettings{Secret: "test-suite-super-secret-key-32-bytes!!", Issuer: "test-suite"},
			OTP:   app.OTPSettings{HashCost: 4},
			MFA:   app.MFASettings{Issuer: "SecureAuth"},
		},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	env := &Env{
		T:      t,
		DB:     db,
		Config: cfg,
		Clock:  clock,
		Mailer: mail.NewRecorder(),
		Geo:    geo.NewStaticResolver(nil),
	}

	tokenCfg := cfg.Auth.TokenServiceConfig()
	tokenCfg.Clock = clock.Now
	tokens, err := iauth.NewTokenService(tokenCfg)
	require.NoError(t, err)
	env.Tokens = tokens

	totpOpts, err := cfg.Auth.TOTPOptions()
	require.NoError(t, err)
	env.TOTP = mfa.New(append(totpOpts, mfa.WithClock(clock.Now))...)

	store := cache.NewDatabaseStore(db, cache.WithClock(clock.Now))

	dir, err := services.NewDirectory(db, append(cfg.Auth.DirectoryOptions(), services.WithDirectoryClock(clock.Now))...)
	require.NoError(t, err)

	otpSvc, err := services.NewOTPService(db, dir, env.Mailer, tokens,
		cfg.Auth.OTPServiceConfig("no-reply@otpguard.test"), services.WithOTPClock(clock.Now))
	require.NoError(t, err)

	mfaSvc, err := services.NewMFAService(dir, env.TOTP, services.WithMFAClock(clock.Now), services.WithReplayCache(store))
	require.NoError(t, err)

	env.Fraud, err = services.NewFraudAuditService(db, services.WithFraudClock(clock.Now))
	require.NoError(t, err)
	env.Audit, err = services.NewAuditService(db, services.WithAuditClock(clock.Now))
	require.NoError(t, err)

	authSvc, err := services.NewAuthService(services.AuthDeps{
		Directory:  dir,
		OTP:        otpSvc,
		MFA:        mfaSvc,
		Risk:       security.NewEngine(security.WithClock(clock.Now)),
		Geo:        env.Geo,
		FraudAudit: env.Fraud,
		Activity:   env.Audit,
		Tokens:     tokens,
	}, services.WithAuthClock(clock.Now), services.WithChallengeTTL(cfg.Auth.ChallengeTTL()))
	require.NoError(t, err)

	env.Router, err = api.NewRouter(api.RouterDeps{
		DB:        db,
		Config:    cfg,
		Tokens:    tokens,
		Auth:      authSvc,
		RateStore: middleware.NewDatabaseRateStore(store),
	})
	require.NoError(t, err)

	return env
}

// Client describes the caller headers attached to a request.
type Client struct {
	IP        string
	DeviceID  string
	UserAgent string
}

// Request performs an HTTP request against the router and returns the recorded response.
func (e *Env) Request(method, path, token string, body any, client Client) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.T, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if client.IP != "" {
		req.Header.Set("X-Forwarded-For", client.IP)
	}
	if client.DeviceID != "" {
		req.Header.Set(middleware.HeaderDeviceID, client.DeviceID)
	}
	if client.UserAgent != "" {
		req.Header.Set("User-Agent", client.UserAgent)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Decode unmarshals the recorded JSON body into dest.
func (e *Env) Decode(w *httptest.ResponseRecorder, dest any) {
	e.T.Helper()
	require.NoError(e.T, json.Unmarshal(w.Body.Bytes(), dest), "body: %s", w.Body.String())
}

// LastOTP extracts the passcode from the most recent email sent to email.
func (e *Env) LastOTP(email string) string {
	e.T.Helper()

	messages := e.Mailer.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if len(messages[i].To) == 0 || messages[i].To[0] != email {
			continue
		}
		match := codePattern.FindStringSubmatch(messages[i].Body)
		require.Len(e.T, match, 2, "passcode not found in %q", messages[i].Body)
		return match[1]
	}
	e.T.Fatalf("no email recorded for %s", email)
	return ""
}

// User loads the stored account for email.
func (e *Env) User(email string) *models.User {
	e.T.Helper()
	var user models.User
	require.NoError(e.T, e.DB.Preload("TrustedDevices").Where("email = ?", email).First(&user).Error)
	return &user
}

// TOTPCode computes the authenticator code for email at the current clock.
func (e *Env) TOTPCode(email string) string {
	e.T.Helper()
	plain, err := e.TOTP.Open(e.User(email).MFASecret)
	require.NoError(e.T, err)
	code, err := totp.GenerateCode(plain, e.Clock.Now())
	require.NoError(e.T, err)
	return code
}

// ActivityActions lists the recorded activity log actions for email.
func (e *Env) ActivityActions(email string) []string {
	e.T.Helper()
	var logs []models.AuditLog
	require.NoError(e.T, e.DB.WithContext(context.Background()).
		Where("email = ?", email).Find(&logs).Error)
	actions := make([]string, 0, len(logs))
	for _, log := range logs {
		actions = append(actions, log.Action)
	}
	return actions
}
