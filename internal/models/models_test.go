package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)

	base2 := BaseModel{ID: "fixed"}
	require.NoError(t, base2.BeforeCreate(nil))
	require.Equal(t, "fixed", base2.ID)
}

func TestEmbeddedModelsUseBaseBeforeCreate(t *testing.T) {
	cases := []struct {
		name  string
		model func() *BaseModel
	}{
		{"user", func() *BaseModel { return &(&User{}).BaseModel }},
		{"role", func() *BaseModel { return &(&Role{}).BaseModel }},
		{"trusted_device", func() *BaseModel { return &(&TrustedDevice{}).BaseModel }},
		{"one_time_password", func() *BaseModel { return &(&OneTimePassword{}).BaseModel }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := tc.model()
			require.NoError(t, model.BeforeCreate(nil))
			require.NotEmpty(t, model.ID)
		})
	}
}

func TestFraudAuditIsAppendOnly(t *testing.T) {
	record := &FraudAudit{}
	require.NoError(t, record.BeforeCreate(nil))
	require.Len(t, record.ID, 26)

	require.ErrorIs(t, record.BeforeUpdate(nil), ErrAppendOnly)
	require.ErrorIs(t, record.BeforeDelete(nil), ErrAppendOnly)
}

func TestFraudAuditIDsSortByCreation(t *testing.T) {
	first := &FraudAudit{}
	require.NoError(t, first.BeforeCreate(nil))
	time.Sleep(2 * time.Millisecond)
	second := &FraudAudit{}
	require.NoError(t, second.BeforeCreate(nil))

	require.Less(t, first.ID, second.ID)
}

func TestUserChallengeMatches(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	id := "challenge-1"
	expires := now.Add(5 * time.Minute)
	user := &User{MFAChallengeID: &id, MFAChallengeExpiresAt: &expires}

	require.True(t, user.ChallengeMatches("challenge-1", now))
	require.False(t, user.ChallengeMatches("challenge-2", now))
	require.False(t, user.ChallengeMatches("", now))
	require.False(t, user.ChallengeMatches("challenge-1", expires))
	require.False(t, (&User{}).ChallengeMatches("challenge-1", now))
}

func TestUserHelpers(t *testing.T) {
	lat, lon := 51.5, -0.12
	user := &User{
		TrustedDevices: []TrustedDevice{{DeviceID: "a"}, {DeviceID: "b"}},
		LastLoginLat:   &lat,
	}
	require.Equal(t, []string{"a", "b"}, user.DeviceIDs())
	require.False(t, user.HasLastLocation())

	user.LastLoginLon = &lon
	require.True(t, user.HasLastLocation())
}
