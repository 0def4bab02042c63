package persist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKODConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()

	var kc KODConfig
	ok, err := kc.Load(dir)
	require.NoError(t, err)
	require.False(t, ok)

	kc.Config = ConfigFields{
		APIAddr:   ":9090",
		Dir:       "/var/lib/koracle",
		DBName:    "oracle.db",
		BackupDir: "backups",
	}
	require.NoError(t, kc.Save(dir))

	var loaded KODConfig
	ok, err = loaded.Load(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, kc, loaded)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("TOKEN_MINT", "So11111111111111111111111111111111111111112")
	t.Setenv("TOKEN_SYMBOL", "KOR")
	t.Setenv("TOKEN_DECIMALS", "6")
	t.Setenv("TOKEN_LAUNCH_TS", "1700000000")
	t.Setenv("OG_EARLY_WINDOW", "3")
	t.Setenv("OG_HOLD_THRESHOLD", "14")
	t.Setenv("MIN_BALANCE", "1000")
	t.Setenv("MIN_USD", "2.5")
	t.Setenv("K_ALERT_THRESHOLD", "60")
	t.Setenv("K_GLOBAL_MIN_BALANCE", "500000")
	t.Setenv("K_GLOBAL_FAIL_CLOSED", "false")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://*.koracle.dev")
	t.Setenv("MINT_SUFFIXES", "pump,bonk")
	t.Setenv("PRODUCTION", "1")
	t.Setenv("PORT", "8888")

	var c Config
	require.NoError(t, c.LoadEnv())
	require.Equal(t, "So11111111111111111111111111111111111111112", c.TokenMint)
	require.Equal(t, "KOR", c.TokenSymbol)
	require.Equal(t, 6, c.TokenDecimals)
	require.EqualValues(t, 1700000000, c.TokenLaunch.Unix())
	require.EqualValues(t, 3*24, c.OGEarlyWindow.Hours())
	require.EqualValues(t, 14*24, c.OGHoldThreshold.Hours())
	require.Equal(t, int64(1000), c.MinBalance.Int64())
	require.Equal(t, 2.5, c.MinUSD)
	require.Equal(t, 60, c.KAlertThreshold)
	require.Equal(t, int64(500000), c.KGlobalMinBalance.Int64())
	require.False(t, c.KGlobalFailClosed)
	require.True(t, c.KGlobalGated)
	require.Equal(t, []string{"https://app.example.com", "https://*.koracle.dev"}, c.CORSOrigins)
	require.Equal(t, []string{"pump", "bonk"}, c.MintSuffixes)
	require.True(t, c.Production)
	require.Equal(t, "8888", c.Port)
}

func TestLoadEnvDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.LoadEnv())
	require.Equal(t, 9, c.TokenDecimals)
	require.True(t, c.TokenLaunch.IsZero())
	require.EqualValues(t, 7*24, c.OGEarlyWindow.Hours())
	require.EqualValues(t, 30*24, c.OGHoldThreshold.Hours())
	require.Equal(t, 1.0, c.MinUSD)
	require.Zero(t, c.KAlertThreshold)
	require.True(t, c.KGlobalGated)
	require.True(t, c.KGlobalFailClosed)
	require.Zero(t, c.MinBalance.Sign())
}

func TestLoadEnvMalformed(t *testing.T) {
	t.Setenv("TOKEN_DECIMALS", "six")
	var c Config
	require.Error(t, c.LoadEnv())
}

func TestValidate(t *testing.T) {
	c := Config{}
	require.Error(t, c.Validate())

	c.TokenMint = "not-a-mint"
	require.Error(t, c.Validate())

	c.TokenMint = "So11111111111111111111111111111111111111112"
	require.NoError(t, c.Validate())

	// Production tightens the requirements.
	c.Production = true
	require.Error(t, c.Validate())
	c.HeliusWebhookSecret = "secret"
	require.Error(t, c.Validate())
	c.AdminKey = "admin"
	require.NoError(t, c.Validate())
}
