package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	iauth "github.com/charlesng35/otpguard/internal/auth"
	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/handlers/testutil"
	"github.com/charlesng35/otpguard/internal/models"
	"github.com/charlesng35/otpguard/internal/services"
	"github.com/charlesng35/otpguard/pkg/response"
)

var home = testutil.Client{IP: "203.0.113.10", DeviceID: "laptop", UserAgent: "integration-test"}

type tokenBody struct {
	Token       string `json:"token"`
	Message     string `json:"message"`
	MFARequired bool   `json:"mfaRequired"`
	MFAType     string `json:"mfaType"`
}

type enrollBody struct {
	QRCode   string `json:"qrCode"`
	Enrolled bool   `json:"enrolled"`
}

func createAuth(t *testing.T, env *testutil.Env, email string, client testutil.Client) tokenBody {
	t.Helper()
	w := env.Request(http.MethodPost, "/auth/create-auth", "", map[string]string{"email": email}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body tokenBody
	env.Decode(w, &body)
	return body
}

func verifyOTP(t *testing.T, env *testutil.Env, token, otp string, client testutil.Client) (int, tokenBody) {
	t.Helper()
	w := env.Request(http.MethodPost, "/auth/verify-otp", token, map[string]string{"otp": otp}, client)
	var body tokenBody
	if w.Code == http.StatusOK {
		env.Decode(w, &body)
	}
	return w.Code, body
}

func errorCode(t *testing.T, env *testutil.Env, method, path, token string, body any, client testutil.Client) (int, string) {
	t.Helper()
	w := env.Request(method, path, token, body, client)
	var payload response.ErrorBody
	env.Decode(w, &payload)
	return w.Code, payload.Code
}

// register runs a new account through first login, enrolment and MFA verification.
func register(t *testing.T, env *testutil.Env, email string, client testutil.Client) {
	t.Helper()

	created := createAuth(t, env, email, client)
	status, result := verifyOTP(t, env, created.Token, env.LastOTP(email), client)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.MFARequired)

	w := env.Request(http.MethodPost, "/auth/mfa/enroll", result.Token, nil, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, "/auth/mfa/verify", result.Token, map[string]string{"token": env.TOTPCode(email)}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env.Clock.Advance(2 * time.Minute)
}

func TestCreateAuthRegistersNewAccount(t *testing.T) {
	env := testutil.NewEnv(t)

	body := createAuth(t, env, "new.person@example.com", home)
	require.Equal(t, "Account created. OTP sent to your email.", body.Message)

	claims, err := env.Tokens.Verify(body.Token, iauth.TypeOTPVerify)
	require.NoError(t, err)
	require.Equal(t, "new.person@example.com", claims.Email)

	user := env.User("new.person@example.com")
	require.NotNil(t, user.RoleID)
	var role models.Role
	require.NoError(t, env.DB.First(&role, "id = ?", *user.RoleID).Error)
	require.Equal(t, "user", role.Name)

	msg, ok := env.Mailer.Last()
	require.True(t, ok)
	require.Equal(t, []string{"new.person@example.com"}, msg.To)
	require.Len(t, env.LastOTP("new.person@example.com"), 6)

	require.Equal(t, []string{services.ActionRegisterOTPSent}, env.ActivityActions("new.person@example.com"))
}

func TestCreateAuthRejectsOutstandingCode(t *testing.T) {
	env := testutil.NewEnv(t)
	createAuth(t, env, "again@example.com", home)

	status, code := errorCode(t, env, http.MethodPost, "/auth/create-auth", "", map[string]string{"email": "again@example.com"}, home)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "otp.already_sent", code)

	env.Clock.Advance(16 * time.Minute)
	body := createAuth(t, env, "again@example.com", home)
	require.Equal(t, "OTP sent to your email.", body.Message)
}

func TestCreateAuthValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	status, code := errorCode(t, env, http.MethodPost, "/auth/create-auth", "", map[string]string{"email": "not-an-email"}, home)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "BAD_REQUEST", code)

	status, _ = errorCode(t, env, http.MethodPost, "/auth/create-auth", "", map[string]string{}, home)
	require.Equal(t, http.StatusBadRequest, status)
	require.Empty(t, env.Mailer.Messages())
}

func TestFirstLoginRequiresMFAEnrolment(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "first@example.com"

	created := createAuth(t, env, email, home)
	status, result := verifyOTP(t, env, created.Token, env.LastOTP(email), home)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.MFARequired)
	require.Equal(t, services.MFATypeAuthenticator, result.MFAType)

	claims, err := env.Tokens.Verify(result.Token, iauth.TypeMFA)
	require.NoError(t, err)
	require.NotEmpty(t, claims.ChallengeID)

	w := env.Request(http.MethodPost, "/auth/mfa/enroll", result.Token, nil, home)
	require.Equal(t, http.StatusOK, w.Code)
	var first enrollBody
	env.Decode(w, &first)
	require.Contains(t, first.QRCode, "data:image/png;base64,")
	require.False(t, first.Enrolled)

	// Enrolling again before verification returns the same QR.
	w = env.Request(http.MethodPost, "/auth/mfa/enroll", result.Token, nil, home)
	require.Equal(t, http.StatusOK, w.Code)
	var second enrollBody
	env.Decode(w, &second)
	require.Equal(t, first.QRCode, second.QRCode)

	status, code := errorCode(t, env, http.MethodPost, "/auth/mfa/verify", result.Token, map[string]string{"token": "12345"}, home)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "BAD_REQUEST", code)

	w = env.Request(http.MethodPost, "/auth/mfa/verify", result.Token, map[string]string{"token": env.TOTPCode(email)}, home)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session tokenBody
	env.Decode(w, &session)

	sessionClaims, err := env.Tokens.Verify(session.Token, iauth.TypeSession)
	require.NoError(t, err)
	require.Equal(t, email, sessionClaims.Email)
	require.Equal(t, "user", sessionClaims.Role)
	require.NotEmpty(t, sessionClaims.UserID)

	user := env.User(email)
	require.True(t, user.MFAEnabled)
	require.Equal(t, []string{"laptop"}, user.DeviceIDs())
	require.Equal(t, "203.0.113.10", user.LastLoginIP)

	// Enrolment is closed once the authenticator is active.
	status, code = errorCode(t, env, http.MethodPost, "/auth/mfa/enroll", result.Token, nil, home)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "auth.mfa_already_enabled", code)

	require.ElementsMatch(t, []string{
		services.ActionRegisterOTPSent,
		services.ActionMFAChallenge,
		services.ActionMFAEnrollStarted,
		services.ActionMFAVerified,
		services.ActionLoginSuccess,
	}, env.ActivityActions(email))
}

func TestReturningLowRiskUserGetsSession(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "returning@example.com"
	register(t, env, email, home)

	created := createAuth(t, env, email, home)
	require.Equal(t, "OTP sent to your email.", created.Message)

	status, result := verifyOTP(t, env, created.Token, env.LastOTP(email), home)
	require.Equal(t, http.StatusOK, status)
	require.False(t, result.MFARequired)

	_, err := env.Tokens.Verify(result.Token, iauth.TypeSession)
	require.NoError(t, err)

	records, err := env.Fraud.ListForUser(t.Context(), env.User(email).ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 0, records[0].RiskScore)
}

func TestReturningUserFromNewPlaceMustStepUp(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "traveller@example.com"
	register(t, env, email, home)

	created := createAuth(t, env, email, home)
	cafe := testutil.Client{IP: "198.51.100.20", DeviceID: "laptop", UserAgent: "integration-test"}
	status, result := verifyOTP(t, env, created.Token, env.LastOTP(email), cafe)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.MFARequired)

	w := env.Request(http.MethodPost, "/auth/mfa/verify", result.Token, map[string]string{"token": env.TOTPCode(email)}, cafe)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "198.51.100.20", env.User(email).LastLoginIP)
}

func TestRepeatedWrongCodesLockTheAccount(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "locked@example.com"

	created := createAuth(t, env, email, home)
	wrong := "000000"
	if env.LastOTP(email) == wrong {
		wrong = "111111"
	}

	for i := 0; i < 5; i++ {
		status, code := errorCode(t, env, http.MethodPost, "/auth/verify-otp", created.Token, map[string]string{"otp": wrong}, home)
		require.Equal(t, http.StatusUnauthorized, status)
		require.Equal(t, "otp.invalid", code)
	}

	status, code := errorCode(t, env, http.MethodPost, "/auth/verify-otp", created.Token, map[string]string{"otp": env.LastOTP(email)}, home)
	require.Equal(t, http.StatusLocked, status)
	require.Equal(t, "auth.locked", code)
	require.Contains(t, env.ActivityActions(email), services.ActionLoginBlocked)
}

func TestSuspiciousLoginIsRejectedAndAudited(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "target@example.com"
	register(t, env, email, home)

	// 02:30 UTC the next day, from an unknown address and device.
	env.Clock.Set(time.Date(2024, 6, 4, 2, 30, 0, 0, time.UTC))
	intruder := testutil.Client{IP: "192.0.2.66", DeviceID: "burner", UserAgent: "curl/8"}

	created := createAuth(t, env, email, intruder)
	status, code := errorCode(t, env, http.MethodPost, "/auth/verify-otp", created.Token, map[string]string{"otp": env.LastOTP(email)}, intruder)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "auth.blocked", code)

	user := env.User(email)
	require.Nil(t, user.MFAChallengeID)
	require.Equal(t, "203.0.113.10", user.LastLoginIP)

	records, err := env.Fraud.ListForUser(t.Context(), user.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 90, records[0].RiskScore)
	require.Equal(t, "CRITICAL", records[0].RiskLevel)
	require.Equal(t, "192.0.2.66", records[0].IPAddress)
}

func TestImpossibleTravelTriggersStepUp(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "flyer@example.com"
	env.Geo.Set(home.IP, geo.Location{Country: "FR", City: "Paris", Latitude: 48.8566, Longitude: 2.3522, TimeZone: "Europe/Paris"})
	register(t, env, email, home)

	// One hour later the same address resolves to Madrid, about 1050 km away.
	env.Clock.Advance(time.Hour)
	env.Geo.Set(home.IP, geo.Location{Country: "ES", City: "Madrid", Latitude: 40.4168, Longitude: -3.7038, TimeZone: "Europe/Madrid"})

	created := createAuth(t, env, email, home)
	status, result := verifyOTP(t, env, created.Token, env.LastOTP(email), home)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.MFARequired)

	records, err := env.Fraud.ListForUser(t.Context(), env.User(email).ID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 50, records[0].RiskScore)
	require.Contains(t, string(records[0].Reasons), "IMPOSSIBLE_TRAVEL")
}

func TestTokensAreScopedToTheirStep(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "scoped@example.com"

	created := createAuth(t, env, email, home)

	status, code := errorCode(t, env, http.MethodPost, "/auth/mfa/verify", created.Token, map[string]string{"token": "123456"}, home)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "auth.wrong_token_scope", code)

	status, code = errorCode(t, env, http.MethodPost, "/auth/verify-otp", "", map[string]string{"otp": "123456"}, home)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "auth.invalid_token", code)

	_, result := verifyOTP(t, env, created.Token, env.LastOTP(email), home)
	status, code = errorCode(t, env, http.MethodPost, "/auth/verify-otp", result.Token, map[string]string{"otp": "123456"}, home)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "auth.wrong_token_scope", code)

	env.Clock.Advance(6 * time.Minute)
	status, code = errorCode(t, env, http.MethodPost, "/auth/mfa/enroll", result.Token, nil, home)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "auth.invalid_token", code)
}

func TestUsedOTPCannotBeReplayed(t *testing.T) {
	env := testutil.NewEnv(t)
	email := "once@example.com"

	created := createAuth(t, env, email, home)
	code := env.LastOTP(email)

	status, _ := verifyOTP(t, env, created.Token, code, home)
	require.Equal(t, http.StatusOK, status)

	status, errCode := errorCode(t, env, http.MethodPost, "/auth/verify-otp", created.Token, map[string]string{"otp": code}, home)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "otp.invalid", errCode)
}
