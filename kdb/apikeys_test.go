package kdb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAndValidateAPIKey(t *testing.T) {
	s := newTestStore(t)

	plain, key, err := s.CreateAPIKey("dashboard", TierStandard, 0, 0, time.Time{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plain, "ko_"))
	require.NotZero(t, key.ID)
	require.Equal(t, TierStandard, key.Tier)

	// Unset limits fall back to the tier defaults.
	require.Equal(t, 1000, key.PerMinute)
	require.Equal(t, 100000, key.PerDay)

	resolved, err := s.ValidateAPIKey(plain)
	require.NoError(t, err)
	require.Equal(t, key.ID, resolved.ID)
	require.Equal(t, "dashboard", resolved.Name)

	_, err = s.ValidateAPIKey("ko_deadbeef")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAPIKeyCustomLimits(t *testing.T) {
	s := newTestStore(t)

	_, key, err := s.CreateAPIKey("partner", TierPremium, 250, 25000, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 250, key.PerMinute)
	require.Equal(t, 25000, key.PerDay)
}

func TestAPIKeyDeactivate(t *testing.T) {
	s := newTestStore(t)

	plain, key, err := s.CreateAPIKey("temp", TierFree, 0, 0, time.Time{})
	require.NoError(t, err)

	require.NoError(t, s.SetAPIKeyActive(key.ID, false))
	_, err = s.ValidateAPIKey(plain)
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.SetAPIKeyActive(key.ID, true))
	_, err = s.ValidateAPIKey(plain)
	require.NoError(t, err)

	require.ErrorIs(t, s.SetAPIKeyActive(99999, false), ErrKeyNotFound)
}

func TestAPIKeyExpiry(t *testing.T) {
	s := newTestStore(t)

	expired, _, err := s.CreateAPIKey("expired", TierFree, 0, 0, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.ValidateAPIKey(expired)
	require.ErrorIs(t, err, ErrKeyNotFound)

	valid, _, err := s.CreateAPIKey("valid", TierFree, 0, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = s.ValidateAPIKey(valid)
	require.NoError(t, err)
}

func TestDeleteAPIKey(t *testing.T) {
	s := newTestStore(t)

	plain, key, err := s.CreateAPIKey("gone", TierFree, 0, 0, time.Time{})
	require.NoError(t, err)
	require.NoError(t, s.DeleteAPIKey(key.ID))

	_, err = s.ValidateAPIKey(plain)
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.ErrorIs(t, s.DeleteAPIKey(key.ID), ErrKeyNotFound)
}

func TestAPIKeyUsage(t *testing.T) {
	s := newTestStore(t)

	_, key, err := s.CreateAPIKey("busy", TierFree, 0, 0, time.Time{})
	require.NoError(t, err)

	today := time.Now().UTC().Format("20060102")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementUsage(key.ID, today))
	}

	usage, err := s.Usage(key.ID, 7)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, today, usage[0].Date)
	require.EqualValues(t, 3, usage[0].Requests)
}

func TestTierLimits(t *testing.T) {
	perMinute, perDay := TierPublic.Limits()
	require.Equal(t, 100, perMinute)
	require.Equal(t, 10000, perDay)

	perMinute, perDay = TierInternal.Limits()
	require.Equal(t, -1, perMinute)
	require.Equal(t, -1, perDay)

	// Unknown tiers get the public ceilings.
	perMinute, _ = Tier("bogus").Limits()
	require.Equal(t, 100, perMinute)
	require.Equal(t, 0, Tier("bogus").Level())

	require.Greater(t, TierInternal.Level(), TierPremium.Level())
	require.Greater(t, TierPremium.Level(), TierPublic.Level())

	_, err := ParseTier("premium")
	require.NoError(t, err)
	_, err = ParseTier("bogus")
	require.Error(t, err)
}
