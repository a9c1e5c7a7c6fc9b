package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/otpguard/internal/geo"
	"github.com/charlesng35/otpguard/internal/models"
	apperrors "github.com/charlesng35/otpguard/pkg/errors"
)

func createTestUser(t *testing.T, h *authHarness, email string) *models.User {
	t.Helper()
	ctx := context.Background()
	role, err := h.dir.DefaultRole(ctx)
	require.NoError(t, err)
	user, created, err := h.dir.CreateUser(ctx, email, role)
	require.NoError(t, err)
	require.True(t, created)
	return user
}

func TestDirectoryCreateUserReturnsExistingOnConflict(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	first := createTestUser(t, h, "ivy@example.com")

	role, err := h.dir.DefaultRole(ctx)
	require.NoError(t, err)
	again, created, err := h.dir.CreateUser(ctx, "IVY@example.com", role)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
}

func TestDirectoryCreateUserDisambiguatesUsernames(t *testing.T) {
	h := newAuthHarness(t)
	first := createTestUser(t, h, "jo@one.example")
	second := createTestUser(t, h, "jo@two.example")

	require.Equal(t, "jo", first.Username)
	require.True(t, strings.HasPrefix(second.Username, "jo-"), second.Username)
}

func TestDirectoryFindByEmailNotFound(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.dir.FindByEmail(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestDirectoryAttemptCounter(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	user := createTestUser(t, h, "kim@example.com")

	require.NoError(t, h.dir.RecordFailedAttempt(ctx, user.ID))
	require.NoError(t, h.dir.RecordFailedAttempt(ctx, user.ID))

	loaded := h.user(t, "kim@example.com")
	require.Equal(t, 2, loaded.LoginAttempt)

	h.clock.Advance(DefaultAttemptWindow - time.Second)
	require.NoError(t, h.dir.ResetAttemptsIfStale(ctx, loaded, DefaultAttemptWindow))
	require.Equal(t, 2, loaded.LoginAttempt)

	h.clock.Advance(time.Second)
	require.NoError(t, h.dir.ResetAttemptsIfStale(ctx, loaded, DefaultAttemptWindow))
	require.Zero(t, loaded.LoginAttempt)
	require.Zero(t, h.user(t, "kim@example.com").LoginAttempt)
}

func TestDirectoryCompleteMFAHonoursLatestChallenge(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	user := createTestUser(t, h, "lee@example.com")
	expires := h.clock.Now().Add(DefaultChallengeTTL)

	require.NoError(t, h.dir.SetChallenge(ctx, user.ID, "challenge-a", expires))
	require.NoError(t, h.dir.SetChallenge(ctx, user.ID, "challenge-b", expires))

	stamp := LoginStamp{
		IP:       "203.0.113.7",
		Location: &geo.Location{Country: "GB", City: "London", Latitude: 51.5, Longitude: -0.12},
		At:       h.clock.Now(),
	}

	won, err := h.dir.CompleteMFA(ctx, user.ID, "challenge-a", stamp)
	require.NoError(t, err)
	require.False(t, won)

	won, err = h.dir.CompleteMFA(ctx, user.ID, "challenge-b", stamp)
	require.NoError(t, err)
	require.True(t, won)

	won, err = h.dir.CompleteMFA(ctx, user.ID, "challenge-b", stamp)
	require.NoError(t, err)
	require.False(t, won)

	loaded := h.user(t, "lee@example.com")
	require.True(t, loaded.MFAEnabled)
	require.Nil(t, loaded.MFAChallengeID)
	require.Equal(t, "203.0.113.7", loaded.LastLoginIP)
	require.Equal(t, "London", loaded.LastLoginCity)
	require.True(t, loaded.HasLastLocation())
	require.NotNil(t, loaded.LastLoginAt)
}

func TestDirectoryCompleteMFARejectsExpiredChallenge(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	user := createTestUser(t, h, "max@example.com")

	require.NoError(t, h.dir.SetChallenge(ctx, user.ID, "challenge", h.clock.Now().Add(time.Minute)))
	h.clock.Advance(time.Minute)

	won, err := h.dir.CompleteMFA(ctx, user.ID, "challenge", LoginStamp{At: h.clock.Now()})
	require.NoError(t, err)
	require.False(t, won)
}

func TestDirectorySetMFASecretOnlyOnce(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	user := createTestUser(t, h, "nia@example.com")

	written, err := h.dir.SetMFASecret(ctx, user.ID, "FIRSTSECRET")
	require.NoError(t, err)
	require.True(t, written)

	written, err = h.dir.SetMFASecret(ctx, user.ID, "SECONDSECRET")
	require.NoError(t, err)
	require.False(t, written)

	loaded := h.user(t, "nia@example.com")
	require.Equal(t, "FIRSTSECRET", loaded.MFASecret)
	require.False(t, loaded.MFAEnabled)
	require.NotNil(t, loaded.MFAEnrolledAt)
}

func TestDirectoryTrustDeviceEvictsOldest(t *testing.T) {
	h := newAuthHarness(t, WithMaxTrustedDevices(2))
	ctx := context.Background()
	user := createTestUser(t, h, "oli@example.com")

	for _, id := range []string{"dev-1", "dev-2", "dev-2", "dev-3"} {
		require.NoError(t, h.dir.TrustDevice(ctx, user.ID, id))
		h.clock.Advance(time.Minute)
	}
	require.NoError(t, h.dir.TrustDevice(ctx, user.ID, "  "))

	require.ElementsMatch(t, []string{"dev-2", "dev-3"}, h.user(t, "oli@example.com").DeviceIDs())
}

func TestDirectoryRoleName(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	user := createTestUser(t, h, "pat@example.com")
	user.Role = nil

	name, err := h.dir.RoleName(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "user", name)

	_, err = h.dir.RoleName(ctx, &models.User{})
	require.ErrorIs(t, err, apperrors.ErrIntegrity)
}
