package persist

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/koracle-dev/koracle/internal/utils"
	"gopkg.in/yaml.v3"
)

// configFilename is the name of the configuration file.
const configFilename = "kodconfig.yml"

// ConfigFields contains the non-secret settings needed to start kod.
type ConfigFields struct {
	APIAddr   string `yaml:"api"`
	Dir       string `yaml:"dir"`
	DBName    string `yaml:"dbName"`
	BackupDir string `yaml:"backupDir,omitempty"`
}

// KODConfig is the on-disk representation of the configuration.
type KODConfig struct {
	Config ConfigFields `yaml:"config"`
}

// Config contains the complete parsed configuration of the daemon,
// combining the config file with the environment.
type Config struct {
	APIAddr   string
	Dir       string
	DBName    string
	BackupDir string

	// Upstream indexer.
	HeliusAPIKey        string
	HeliusWebhookSecret string

	// Primary token.
	TokenMint     string
	TokenSymbol   string
	TokenDecimals int
	TokenLaunch   time.Time

	// Scoring.
	OGEarlyWindow   time.Duration
	OGHoldThreshold time.Duration
	MinBalance      *big.Int
	MinUSD          float64

	// Ecosystem mints eligible for cross-token scoring.
	MintSuffixes []string

	// KAlertThreshold triggers a threshold_alert event when K crosses
	// it in either direction. Zero disables the alert.
	KAlertThreshold int

	// Gateway.
	Port        string
	CORSOrigins []string
	AdminKey    string
	Production  bool
	Maintenance bool

	// Cross-token score gating.
	KGlobalGated      bool
	KGlobalMinBalance *big.Int
	KGlobalFailClosed bool
}

// Load loads the configuration from disk.
func (kc *KODConfig) Load(dir string) (ok bool, err error) {
	path := filepath.Join(dir, configFilename)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(kc); err != nil {
		return false, err
	}
	return true, nil
}

// Save stores the configuration on disk.
func (kc *KODConfig) Save(dir string) error {
	path := filepath.Join(dir, configFilename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(kc)
}

// LoadEnv populates the environment-derived fields of the Config.
// A .env file in the working directory is honored if present.
func (c *Config) LoadEnv() error {
	godotenv.Load()

	c.HeliusAPIKey = os.Getenv("HELIUS_API_KEY")
	c.HeliusWebhookSecret = os.Getenv("HELIUS_WEBHOOK_SECRET")
	c.TokenMint = os.Getenv("TOKEN_MINT")
	c.TokenSymbol = os.Getenv("TOKEN_SYMBOL")
	c.AdminKey = os.Getenv("ADMIN_KEY")
	c.Production = envBool("PRODUCTION", false)
	c.Maintenance = envBool("MAINTENANCE", false)
	c.KGlobalGated = envBool("K_GLOBAL_GATED", true)
	c.KGlobalFailClosed = envBool("K_GLOBAL_FAIL_CLOSED", true)

	if port := os.Getenv("PORT"); port != "" {
		c.Port = port
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	if suffixes := os.Getenv("MINT_SUFFIXES"); suffixes != "" {
		for _, s := range strings.Split(suffixes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.MintSuffixes = append(c.MintSuffixes, s)
			}
		}
	}

	var err error
	if c.TokenDecimals, err = envInt("TOKEN_DECIMALS", 9); err != nil {
		return err
	}
	launch, err := envInt64("TOKEN_LAUNCH_TS", 0)
	if err != nil {
		return err
	}
	if launch > 0 {
		c.TokenLaunch = time.Unix(launch, 0).UTC()
	}
	windowDays, err := envInt("OG_EARLY_WINDOW", 7)
	if err != nil {
		return err
	}
	c.OGEarlyWindow = time.Duration(windowDays) * 24 * time.Hour
	holdDays, err := envInt("OG_HOLD_THRESHOLD", 30)
	if err != nil {
		return err
	}
	c.OGHoldThreshold = time.Duration(holdDays) * 24 * time.Hour

	if c.MinBalance, err = envAmount("MIN_BALANCE"); err != nil {
		return err
	}
	if c.KGlobalMinBalance, err = envAmount("K_GLOBAL_MIN_BALANCE"); err != nil {
		return err
	}
	if c.MinUSD, err = envFloat("MIN_USD", 1.0); err != nil {
		return err
	}
	if c.KAlertThreshold, err = envInt("K_ALERT_THRESHOLD", 0); err != nil {
		return err
	}

	return nil
}

// Validate fails fast on a configuration the daemon cannot safely
// run with.
func (c *Config) Validate() error {
	if c.TokenMint == "" {
		return errors.New("TOKEN_MINT is not set")
	}
	if !utils.IsValidAddress(c.TokenMint) {
		return fmt.Errorf("TOKEN_MINT %q is not a valid mint address", c.TokenMint)
	}
	if c.Production && c.HeliusWebhookSecret == "" {
		return errors.New("HELIUS_WEBHOOK_SECRET must be set in production")
	}
	if c.Production && c.AdminKey == "" {
		return errors.New("ADMIN_KEY must be set in production")
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envAmount(key string) (*big.Int, error) {
	v := os.Getenv(key)
	if v == "" {
		return new(big.Int), nil
	}
	x, err := utils.ParseAmount(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if x.Sign() < 0 {
		return nil, fmt.Errorf("%s must be non-negative", key)
	}
	return x, nil
}
