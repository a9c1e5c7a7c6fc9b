package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/security"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
)

var homeClient = ClientInfo{IP: "203.0.113.10", DeviceID: "laptop", UserAgent: "test-agent"}

func activityActions(t *testing.T, h *authHarness, email string) []string {
	t.Helper()
	logs, _, err := h.activity.List(context.Background(), AuditListOptions{Filters: AuditFilters{Email: email}, PageSize: 100})
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	return actions
}

func TestCreateAuthMessages(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()

	created, err := h.auth.CreateAuth(ctx, "amy@example.com", homeClient)
	require.NoError(t, err)
	require.True(t, created.Created)
	require.Equal(t, "Account created. OTP sent to your email.", created.Message)

	_, err = h.auth.VerifyOTP(ctx, "amy@example.com", h.lastCode(t), homeClient)
	require.NoError(t, err)

	again, err := h.auth.CreateAuth(ctx, "amy@example.com", homeClient)
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, "OTP sent to your email.", again.Message)

	require.Contains(t, activityActions(t, h, "amy@example.com"), ActionRegisterOTPSent)
	require.Contains(t, activityActions(t, h, "amy@example.com"), ActionLoginOTPSent)
}

func TestVerifyOTPFirstLoginForcesMFA(t *testing.T) {
	h := newAuthHarness(t)
	h.clock.Set(time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC))

	result, err := h.otpLogin(t, "ben@example.com", ClientInfo{IP: "198.51.100.1", DeviceID: "unknown"})
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	require.Equal(t, MFATypeAuthenticator, result.MFAType)
	require.Equal(t, StateMFARequired, result.State)
	require.Nil(t, result.Assessment)

	claims, err := h.tokens.Verify(result.Token, auth.TypeMFA)
	require.NoError(t, err)
	user := h.user(t, "ben@example.com")
	require.True(t, user.ChallengeMatches(claims.ChallengeID, h.clock.Now()))
	require.Equal(t, h.clock.Now().Add(DefaultChallengeTTL), user.MFAChallengeExpiresAt.UTC())

	audits, err := h.fraud.ListForUser(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, audits)
}

func TestVerifyOTPLowRiskWithMFAIssuesSession(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "cat@example.com", homeClient)

	result, err := h.otpLogin(t, "cat@example.com", homeClient)
	require.NoError(t, err)
	require.False(t, result.MFARequired)
	require.Equal(t, StateSessionIssued, result.State)
	require.Equal(t, security.LevelLow, result.Assessment.Level)

	claims, err := h.tokens.Verify(result.Token, auth.TypeSession)
	require.NoError(t, err)
	user := h.user(t, "cat@example.com")
	require.Equal(t, user.ID, claims.UserID)
	require.Equal(t, "user", claims.Role)
	require.Equal(t, h.clock.Now().Add(auth.DefaultSessionTTL).Unix(), claims.ExpiresAt.Unix())
	require.Equal(t, h.clock.Now(), user.LastLoginAt.UTC())

	audits, err := h.fraud.ListForUser(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, string(security.LevelLow), audits[0].RiskLevel)
	require.Contains(t, activityActions(t, h, "cat@example.com"), ActionLoginSuccess)
}

func TestVerifyOTPCriticalRiskIsRejectedAndAudited(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "dan@example.com", homeClient)
	h.clock.Set(time.Date(2024, 6, 4, 2, 30, 0, 0, time.UTC))

	attacker := ClientInfo{IP: "192.0.2.99", DeviceID: "unknown-phone", UserAgent: "curl"}
	_, err := h.otpLogin(t, "dan@example.com", attacker)
	require.ErrorIs(t, err, apperrors.ErrFraudBlocked)

	user := h.user(t, "dan@example.com")
	require.Nil(t, user.MFAChallengeID)
	require.Equal(t, homeClient.IP, user.LastLoginIP)

	audits, err := h.fraud.ListForUser(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, 90, audits[0].RiskScore)
	require.Equal(t, string(security.LevelCritical), audits[0].RiskLevel)
	require.Equal(t, "curl", audits[0].UserAgent)

	var reasons []security.Reason
	require.NoError(t, json.Unmarshal(audits[0].Reasons, &reasons))
	require.Len(t, reasons, 3)
	require.Equal(t, security.ReasonIPChange, reasons[0].Code)

	require.Contains(t, activityActions(t, h, "dan@example.com"), ActionLoginBlocked)
}

func TestVerifyOTPElevatedRiskRequiresMFA(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "eve@example.com", homeClient)

	result, err := h.otpLogin(t, "eve@example.com", ClientInfo{IP: "192.0.2.1", DeviceID: homeClient.DeviceID})
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	require.Equal(t, security.LevelMedium, result.Assessment.Level)
	require.Equal(t, []string{string(security.ReasonIPChange)}, result.Assessment.Codes())

	session := h.completeMFA(t, "eve@example.com", result.Token, ClientInfo{IP: "192.0.2.1", DeviceID: homeClient.DeviceID})
	_, err = h.tokens.Verify(session.Token, auth.TypeSession)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", h.user(t, "eve@example.com").LastLoginIP)
}

func TestVerifyOTPLowRiskWithoutMFARequiresEnrolment(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()

	_, err := h.auth.CreateAuth(ctx, "fay@example.com", homeClient)
	require.NoError(t, err)
	user := h.user(t, "fay@example.com")
	require.NoError(t, h.dir.RecordLogin(ctx, user.ID, LoginStamp{IP: homeClient.IP, At: h.clock.Now()}))
	require.NoError(t, h.dir.TrustDevice(ctx, user.ID, homeClient.DeviceID))

	result, err := h.auth.VerifyOTP(ctx, "fay@example.com", h.lastCode(t), homeClient)
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	require.Equal(t, security.LevelLow, result.Assessment.Level)
}

func TestVerifyOTPImpossibleTravel(t *testing.T) {
	h := newAuthHarness(t)
	h.geo.Set(homeClient.IP, geo.Location{Country: "GB", City: "London", Latitude: 51.5074, Longitude: -0.1278})
	h.geo.Set("192.0.2.50", geo.Location{Country: "ES", City: "Madrid", Latitude: 40.4168, Longitude: -3.7038})
	h.geo.Set("192.0.2.60", geo.Location{Country: "TR", City: "Istanbul", Latitude: 41.0082, Longitude: 28.9784})
	h.register(t, "gus@example.com", homeClient)

	// London to Istanbul is roughly 2500 km, two minutes after the last login.
	_, err := h.otpLogin(t, "gus@example.com", ClientInfo{IP: "192.0.2.60", DeviceID: homeClient.DeviceID})
	require.ErrorIs(t, err, apperrors.ErrFraudBlocked)

	user := h.user(t, "gus@example.com")
	audits, err := h.fraud.ListForUser(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, security.WeightIPChange+security.WeightImpossibleTravel, audits[0].RiskScore)

	var reasons []security.Reason
	require.NoError(t, json.Unmarshal(audits[0].Reasons, &reasons))
	require.Len(t, reasons, 2)
	require.Equal(t, security.ReasonImpossibleTravel, reasons[1].Code)
	require.NotNil(t, reasons[1].Details)
	require.Greater(t, reasons[1].Details.DistanceKm, 2000.0)

	// London to Madrid is roughly 1260 km, three hours later.
	h.clock.Advance(3 * time.Hour)
	result, err := h.otpLogin(t, "gus@example.com", ClientInfo{IP: "192.0.2.50", DeviceID: homeClient.DeviceID})
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	require.Equal(t, security.WeightIPChange, result.Assessment.Score)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (*geo.Location, error) {
	return nil, errors.New("geo offline")
}

func TestVerifyOTPDegradesWhenGeoFails(t *testing.T) {
	h := newAuthHarness(t)
	h.auth.geo = failingResolver{}
	h.register(t, "hal@example.com", homeClient)

	result, err := h.otpLogin(t, "hal@example.com", homeClient)
	require.NoError(t, err)
	require.Equal(t, StateSessionIssued, result.State)
	require.Zero(t, result.Assessment.Score)
}

func TestVerifyOTPLockoutIsRecorded(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()

	_, err := h.auth.CreateAuth(ctx, "ida@example.com", homeClient)
	require.NoError(t, err)
	code := h.lastCode(t)

	for i := 0; i < DefaultMaxLoginAttempts; i++ {
		_, err := h.auth.VerifyOTP(ctx, "ida@example.com", wrongCode(code), homeClient)
		require.ErrorIs(t, err, apperrors.ErrInvalidOTP)
	}
	_, err = h.auth.VerifyOTP(ctx, "ida@example.com", wrongCode(code), homeClient)
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)

	actions := activityActions(t, h, "ida@example.com")
	require.Contains(t, actions, ActionLoginBlocked)
	require.Contains(t, actions, ActionOTPFailed)
}

func TestEnrollAndVerifyMFAFlow(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()

	result, err := h.otpLogin(t, "jan@example.com", homeClient)
	require.NoError(t, err)
	claims, err := h.tokens.Verify(result.Token, auth.TypeMFA)
	require.NoError(t, err)

	enabled, err := h.auth.MFAEnabled(ctx, "jan@example.com")
	require.NoError(t, err)
	require.False(t, enabled)

	first, err := h.auth.EnrollMFA(ctx, "jan@example.com", homeClient)
	require.NoError(t, err)
	second, err := h.auth.EnrollMFA(ctx, "jan@example.com", homeClient)
	require.NoError(t, err)
	require.Equal(t, first.QRCode, second.QRCode)

	_, err = h.auth.VerifyMFA(ctx, "jan@example.com", claims.ChallengeID, "12345", homeClient)
	require.ErrorIs(t, err, apperrors.ErrMFAInvalid)

	session, err := h.auth.VerifyMFA(ctx, "jan@example.com", claims.ChallengeID, h.totpCode(t, "jan@example.com"), homeClient)
	require.NoError(t, err)
	sessionClaims, err := h.tokens.Verify(session.Token, auth.TypeSession)
	require.NoError(t, err)
	require.Equal(t, "jan@example.com", sessionClaims.Email)

	enabled, err = h.auth.MFAEnabled(ctx, "jan@example.com")
	require.NoError(t, err)
	require.True(t, enabled)

	user := h.user(t, "jan@example.com")
	require.Equal(t, []string{homeClient.DeviceID}, user.DeviceIDs())

	actions := activityActions(t, h, "jan@example.com")
	require.Contains(t, actions, ActionMFAEnrollStarted)
	require.Contains(t, actions, ActionMFAVerified)
	require.Contains(t, actions, ActionMFAFailed)

	var enrollLogs int64
	require.NoError(t, h.db.Model(&models.AuditLog{}).Where("action = ?", ActionMFAEnrollStarted).Count(&enrollLogs).Error)
	require.EqualValues(t, 1, enrollLogs)
}

func TestNewAuthServiceValidatesDependencies(t *testing.T) {
	_, err := NewAuthService(AuthDeps{})
	require.Error(t, err)
}
