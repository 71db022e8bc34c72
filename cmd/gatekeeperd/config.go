package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/identity/sqlstore"
	"github.com/MrEthical07/gatekeeper/password"
)

// Config is the daemon configuration file. Engine settings sit under
// [engine] and are decoded over gatekeeper.DefaultConfig.
type Config struct {
	Server   ServerConfig      `toml:"server"`
	Log      LogConfig         `toml:"log"`
	Redis    RedisConfig       `toml:"redis"`
	Identity sqlstore.Config   `toml:"identity"`
	Password password.Config   `toml:"password"`
	Engine   gatekeeper.Config `toml:"engine"`

	// Bootstrap seeds one identity at startup when Identifier is set.
	Bootstrap BootstrapConfig `toml:"bootstrap"`

	// Dev allows ephemeral signing keys when none are configured.
	Dev bool `toml:"dev"`
}

type ServerConfig struct {
	Addr                string        `toml:"addr"`
	ReadHeaderTimeout   time.Duration `toml:"read_header_timeout"`
	ReadTimeout         time.Duration `toml:"read_timeout"`
	WriteTimeout        time.Duration `toml:"write_timeout"`
	IdleTimeout         time.Duration `toml:"idle_timeout"`
	ShutdownGracePeriod time.Duration `toml:"shutdown_grace_period"`
	// SecureCookies marks refresh and CSRF cookies Secure. Disable only for
	// plain HTTP on localhost.
	SecureCookies bool `toml:"secure_cookies"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type RedisConfig struct {
	// Addrs lists redis endpoints; "memory" starts an embedded server.
	Addrs      []string `toml:"addrs"`
	Username   string   `toml:"username"`
	Password   string   `toml:"-"`
	DB         int      `toml:"db"`
	MasterName string   `toml:"master_name"`
}

type BootstrapConfig struct {
	UserID     string   `toml:"user_id"`
	TenantID   string   `toml:"tenant_id"`
	Identifier string   `toml:"identifier"`
	Password   string   `toml:"-"`
	Roles      []string `toml:"roles"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeout:   5 * time.Second,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        15 * time.Second,
			IdleTimeout:         60 * time.Second,
			ShutdownGracePeriod: 10 * time.Second,
			SecureCookies:       true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addrs: []string{"localhost:6379"},
		},
		Identity: sqlstore.Config{
			Dialect: sqlstore.SQLite,
			DSN:     "file:gatekeeper.db?_pragma=busy_timeout(5000)",
		},
		Password: password.DefaultConfig(),
		Engine:   gatekeeper.DefaultConfig(),
		Bootstrap: BootstrapConfig{
			TenantID: "default",
			Roles:    []string{"admin"},
		},
	}
}

// loadConfig decodes path over the defaults and applies environment
// overrides. An empty path yields defaults plus environment.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadRatePolicy re-reads only the rate policy section of path.
func loadRatePolicy(path string) (gatekeeper.RatePolicy, error) {
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return gatekeeper.RatePolicy{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Engine.RateLimit, nil
}

// applyEnv reads secrets and deployment overrides. Secrets never come from
// the file.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("GATEKEEPER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("GATEKEEPER_REDIS_ADDRS"); v != "" {
		c.Redis.Addrs = splitList(v)
	}
	c.Redis.Password = getenv("GATEKEEPER_REDIS_PASSWORD")
	if v := getenv("GATEKEEPER_DB_DSN"); v != "" {
		c.Identity.DSN = v
	}
	if v := getenv("GATEKEEPER_DB_DIALECT"); v != "" {
		c.Identity.Dialect = sqlstore.Dialect(v)
	}
	if v := getenv("GATEKEEPER_DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GATEKEEPER_DEV: %w", err)
		}
		c.Dev = dev
	}
	if v := getenv("GATEKEEPER_BOOTSTRAP_IDENTIFIER"); v != "" {
		c.Bootstrap.Identifier = v
	}
	c.Bootstrap.Password = getenv("GATEKEEPER_BOOTSTRAP_PASSWORD")

	priv, err := secret(getenv, "GATEKEEPER_SIGNING_KEY")
	if err != nil {
		return err
	}
	pub, err := secret(getenv, "GATEKEEPER_VERIFY_KEY")
	if err != nil {
		return err
	}
	if len(priv) > 0 {
		c.Engine.Tokens.PrivateKey = priv
	}
	if len(pub) > 0 {
		c.Engine.Tokens.PublicKey = pub
	}
	return nil
}

// ensureKeys fills ephemeral ed25519 keys in dev mode. Tokens signed with
// them die with the process.
func (c *Config) ensureKeys() (bool, error) {
	t := &c.Engine.Tokens
	if len(t.PrivateKey) > 0 {
		return false, nil
	}
	if !c.Dev {
		return false, errors.New("no signing key: set GATEKEEPER_SIGNING_KEY or GATEKEEPER_SIGNING_KEY_FILE")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, err
	}
	t.SigningMethod = "ed25519"
	t.PrivateKey = priv
	t.PublicKey = pub
	return true, nil
}

// secret reads NAME, or the file named by NAME_FILE.
func secret(getenv func(string) string, name string) ([]byte, error) {
	if v := getenv(name); v != "" {
		return []byte(v), nil
	}
	path := getenv(name + "_FILE")
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s_FILE: %w", name, err)
	}
	return b, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
