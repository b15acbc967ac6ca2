package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for gdelt-mcp.
type Config struct {
	// Identity provider base URL. The key set and trusted issuer are
	// derived from it.
	SupabaseURL string `env:"SUPABASE_URL"`

	// Externally reachable URL of this server, used for protocol metadata.
	ServerURL string `env:"MCP_SERVER_BASE_URL"`

	// Query executor base URL and optional service credential.
	ExecutorURL   string `env:"GDELT_CLOUD_API_URL"`
	ExecutorToken string `env:"GDELT_CLOUD_API_TOKEN"`

	// Expected audience claim of signed tokens.
	JWTAudience string `env:"JWT_AUDIENCE" envDefault:"authenticated"`

	// Plan tiers whose API keys may call the executor.
	APIKeyTiers []string `env:"API_KEY_TIERS" envSeparator:"," envDefault:"pro,enterprise"`

	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8090"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// Empty keeps the environment's default level.
	LogLevel string `env:"LOG_LEVEL"`

	JWKSCacheTTL       time.Duration `env:"JWKS_CACHE_TTL" envDefault:"1h"`
	JWKSMinRefresh     time.Duration `env:"JWKS_MIN_REFRESH_INTERVAL" envDefault:"0s"`
	VerifyTimeout      time.Duration `env:"VERIFY_TIMEOUT" envDefault:"5s"`
	ExecutorTimeout    time.Duration `env:"EXECUTOR_TIMEOUT" envDefault:"30s"`
	BookkeepingTimeout time.Duration `env:"BOOKKEEPING_TIMEOUT" envDefault:"2s"`
	BookkeepingQueue   int           `env:"BOOKKEEPING_QUEUE_SIZE" envDefault:"1024"`

	Store StoreConfig
}

// StoreConfig locates the on-disk databases and the loopback admin
// endpoint that owns the identity store while the server runs. It is
// parsed on its own by the key administration commands, which do not
// need the network settings.
type StoreConfig struct {
	StatePath string `env:"STATE_PATH"`
	UsagePath string `env:"USAGE_DB_PATH"`

	// AdminAddr is where the serving process accepts key administration.
	// It must be a loopback address; "off" disables the endpoint.
	AdminAddr string `env:"ADMIN_ADDR" envDefault:"127.0.0.1:8091"`

	// AdminToken authenticates admin calls. When empty, serve generates
	// one and writes it to AdminTokenPath for the local CLI.
	AdminToken string `env:"ADMIN_TOKEN"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
// Missing or malformed settings fail here rather than on first request.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.Store.resolve(); err != nil {
		return nil, err
	}

	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.ExecutorURL = strings.TrimRight(cfg.ExecutorURL, "/")

	return cfg, nil
}

// LoadStore reads only the storage settings.
func LoadStore() (*StoreConfig, error) {
	_ = godotenv.Load()

	sc := &StoreConfig{}
	if err := env.Parse(sc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := sc.resolve(); err != nil {
		return nil, err
	}

	return sc, nil
}

func (c *Config) validate() error {
	for _, u := range []struct {
		name  string
		value string
	}{
		{"SUPABASE_URL", c.SupabaseURL},
		{"MCP_SERVER_BASE_URL", c.ServerURL},
		{"GDELT_CLOUD_API_URL", c.ExecutorURL},
	} {
		if err := validateURL(u.name, u.value); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.JWTAudience) == "" {
		return fmt.Errorf("JWT_AUDIENCE must not be empty")
	}

	tiers := c.APIKeyTiers[:0]
	for _, t := range c.APIKeyTiers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tiers = append(tiers, t)
		}
	}

	if len(tiers) == 0 {
		return fmt.Errorf("API_KEY_TIERS must name at least one tier")
	}

	c.APIKeyTiers = tiers

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"JWKS_CACHE_TTL", c.JWKSCacheTTL},
		{"VERIFY_TIMEOUT", c.VerifyTimeout},
		{"EXECUTOR_TIMEOUT", c.ExecutorTimeout},
		{"BOOKKEEPING_TIMEOUT", c.BookkeepingTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if c.JWKSMinRefresh < 0 {
		return fmt.Errorf("JWKS_MIN_REFRESH_INTERVAL must not be negative")
	}

	if c.BookkeepingQueue <= 0 {
		return fmt.Errorf("BOOKKEEPING_QUEUE_SIZE must be positive, got %d", c.BookkeepingQueue)
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}

	return nil
}

func (sc *StoreConfig) resolve() error {
	if sc.StatePath == "" || sc.UsagePath == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}

		if sc.StatePath == "" {
			sc.StatePath = filepath.Join(dir, "state.db")
		}

		if sc.UsagePath == "" {
			sc.UsagePath = filepath.Join(dir, "usage.db")
		}
	}

	if strings.EqualFold(strings.TrimSpace(sc.AdminAddr), "off") {
		sc.AdminAddr = ""
	}

	return validateLoopback("ADMIN_ADDR", sc.AdminAddr)
}

// AdminTokenPath is the file the serving process publishes its admin
// token in, next to the identity store.
func (sc *StoreConfig) AdminTokenPath() string {
	return filepath.Join(filepath.Dir(sc.StatePath), "admin.token")
}

// AdminURL is the base URL of the admin endpoint, or empty when disabled.
func (sc *StoreConfig) AdminURL() string {
	if sc.AdminAddr == "" {
		return ""
	}

	return "http://" + sc.AdminAddr
}

func validateLoopback(name, addr string) error {
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s must be host:port: %w", name, err)
	}

	if port == "" {
		return fmt.Errorf("%s must include a port", name)
	}

	if host == "localhost" {
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%s must be a loopback address, got %q", name, host)
	}

	return nil
}

// DefaultDataDir returns ~/.gdelt-mcp.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gdelt-mcp"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Issuer is the trusted iss claim for signed tokens.
func (c *Config) Issuer() string {
	return c.SupabaseURL + "/auth/v1"
}

// JWKSURL is the identity provider's published key endpoint.
func (c *Config) JWKSURL() string {
	return c.SupabaseURL + "/auth/v1/jwks"
}

// TierAllowed reports whether API keys on tier may call the executor.
func (c *Config) TierAllowed(tier string) bool {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for _, t := range c.APIKeyTiers {
		if t == tier {
			return true
		}
	}

	return false
}
