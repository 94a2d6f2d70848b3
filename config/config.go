// Package config loads the gateway configuration from an optional .env file,
// a YAML file and environment variables, in that order of increasing
// precedence.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/healthmon/authgate/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr      = ":4000"
	DefaultPublicURL       = "http://localhost:4000"
	DefaultBasePath        = "/api/auth"
	DefaultKeyID           = "primary"
	DefaultRedisPrefix     = session.DefaultRedisKeyPrefix
	DefaultProviderTimeout = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second

	StoreCookie = "cookie"
	StoreRedis  = "redis"
)

// DefaultProtected are the dashboard prefixes that require a session.
var DefaultProtected = []string{
	"/user/health",
	"/user/appointments",
	"/user/doctors",
	"/user/hospitals",
	"/doctor/dashboard",
	"/admin/dashboard",
}

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Guard    GuardConfig    `yaml:"guard"`

	// envErrs holds environment values that failed to parse.
	envErrs []error
}

// ServerConfig controls the listener and the guarded upstream.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is the externally visible origin of the gateway.
	PublicURL string `yaml:"public_url"`
	BasePath  string `yaml:"base_path"`
	// UpstreamURL is the dashboard application guarded paths are proxied
	// to. Empty disables proxying.
	UpstreamURL         string        `yaml:"upstream_url"`
	Production          bool          `yaml:"production"`
	TrustForwardedProto bool          `yaml:"trust_forwarded_proto"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig describes the OIDC client registration.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// LogoutURL overrides the provider's end_session_endpoint.
	LogoutURL          string        `yaml:"logout_url"`
	PostLogoutRedirect string        `yaml:"post_logout_redirect"`
	Timeout            time.Duration `yaml:"timeout"`
	SkipIssuerCheck    bool          `yaml:"skip_issuer_check"`
}

// SessionConfig selects and configures the session store.
type SessionConfig struct {
	Store        string `yaml:"store"`
	CookieName   string `yaml:"cookie_name"`
	CookieDomain string `yaml:"cookie_domain"`
	// KeyID names the key in Keys used to seal new cookies. The others
	// are accepted when opening, for rotation.
	KeyID       string            `yaml:"key_id"`
	Keys        map[string]string `yaml:"keys"`
	IdentityTTL time.Duration     `yaml:"identity_ttl"`
	FlightTTL   time.Duration     `yaml:"flight_ttl"`
	Redis       RedisConfig       `yaml:"redis"`
}

// RedisConfig configures the Redis session store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// GuardConfig lists the path prefixes the Route Guard protects. Public
// prefixes carve exceptions out of longer protected ones.
type GuardConfig struct {
	Protected []string `yaml:"protected"`
	Public    []string `yaml:"public"`
}

// Load reads .env from the working directory when present, then the YAML
// file at path (optional) and the environment overrides, and validates the
// result.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, &cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(name string) error {
	err := godotenv.Load(name)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", name, err)
}

// decode uses strict unmarshaling to detect unknown fields.
func decode(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			PublicURL:       DefaultPublicURL,
			BasePath:        DefaultBasePath,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Provider: ProviderConfig{
			Scopes:  []string{"openid", "email", "profile"},
			Timeout: DefaultProviderTimeout,
		},
		Session: SessionConfig{
			Store:       StoreCookie,
			CookieName:  session.DefaultCookieName,
			KeyID:       DefaultKeyID,
			IdentityTTL: session.DefaultIdentityTTL,
			FlightTTL:   session.DefaultFlightTTL,
			Redis:       RedisConfig{Prefix: DefaultRedisPrefix},
		},
		Guard: GuardConfig{
			Protected: append([]string(nil), DefaultProtected...),
		},
	}
}

type override struct {
	key   string
	apply func(cfg *Config, v string)
}

// envOverrides are applied in order, so the AUTHGATE_* names win over the
// deployment names shared with the dashboard.
var envOverrides = []override{
	{"NEXTAUTH_URL", func(c *Config, v string) { c.Server.PublicURL = v }},
	{"COGNITO_ISSUER", func(c *Config, v string) { c.Provider.Issuer = v }},
	{"COGNITO_CLIENT_ID", func(c *Config, v string) { c.Provider.ClientID = v }},
	{"COGNITO_CLIENT_SECRET", func(c *Config, v string) { c.Provider.ClientSecret = v }},

	{"AUTHGATE_LISTEN_ADDR", func(c *Config, v string) { c.Server.ListenAddr = v }},
	{"AUTHGATE_PUBLIC_URL", func(c *Config, v string) { c.Server.PublicURL = v }},
	{"AUTHGATE_BASE_PATH", func(c *Config, v string) { c.Server.BasePath = v }},
	{"AUTHGATE_UPSTREAM_URL", func(c *Config, v string) { c.Server.UpstreamURL = v }},
	{"AUTHGATE_PRODUCTION", func(c *Config, v string) { c.envBool("AUTHGATE_PRODUCTION", v, &c.Server.Production) }},
	{"AUTHGATE_ISSUER", func(c *Config, v string) { c.Provider.Issuer = v }},
	{"AUTHGATE_CLIENT_ID", func(c *Config, v string) { c.Provider.ClientID = v }},
	{"AUTHGATE_CLIENT_SECRET", func(c *Config, v string) { c.Provider.ClientSecret = v }},
	{"AUTHGATE_REDIRECT_URL", func(c *Config, v string) { c.Provider.RedirectURL = v }},
	{"AUTHGATE_LOGOUT_URL", func(c *Config, v string) { c.Provider.LogoutURL = v }},
	{"AUTHGATE_PROVIDER_TIMEOUT", func(c *Config, v string) { c.envDuration("AUTHGATE_PROVIDER_TIMEOUT", v, &c.Provider.Timeout) }},
	{"AUTHGATE_SESSION_STORE", func(c *Config, v string) { c.Session.Store = v }},
	{"AUTHGATE_SESSION_KEY", func(c *Config, v string) {
		if c.Session.Keys == nil {
			c.Session.Keys = make(map[string]string)
		}
		c.Session.Keys[c.Session.KeyID] = v
	}},
	{"AUTHGATE_REDIS_ADDR", func(c *Config, v string) { c.Session.Redis.Addr = v }},
	{"AUTHGATE_REDIS_PASSWORD", func(c *Config, v string) { c.Session.Redis.Password = v }},
	{"AUTHGATE_PROTECTED_PREFIXES", func(c *Config, v string) { c.Guard.Protected = splitAndTrim(v) }},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.key); ok {
			o.apply(cfg, v)
		}
	}
}

// applyDerived fills the values that default from others.
func (c *Config) applyDerived() {
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	if c.Provider.RedirectURL == "" {
		c.Provider.RedirectURL = c.Server.PublicURL + c.Server.BasePath + "/callback"
	}
	if c.Provider.PostLogoutRedirect == "" {
		c.Provider.PostLogoutRedirect = c.Server.PublicURL + "/"
	}
}

func (c *Config) envDuration(key, val string, dst *time.Duration) {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (c *Config) envBool(key, val string, dst *bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for values the gateway cannot start
// with.
func (c Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.ListenAddr == "" {
		add("server.listen_addr is required")
	}
	if err := checkURL(c.Server.PublicURL); err != nil {
		add("server.public_url: %w", err)
	} else if c.Server.Production && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		add("server.public_url must use https in production, got: %s", c.Server.PublicURL)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") || c.Server.BasePath == "/" {
		add("server.base_path must be an absolute path below /, got: %q", c.Server.BasePath)
	}
	if c.Server.UpstreamURL != "" {
		if err := checkURL(c.Server.UpstreamURL); err != nil {
			add("server.upstream_url: %w", err)
		}
	}

	if err := checkURL(c.Provider.Issuer); err != nil {
		add("provider.issuer: %w", err)
	}
	if c.Provider.ClientID == "" {
		add("provider.client_id is required")
	}
	if err := checkURL(c.Provider.RedirectURL); err != nil {
		add("provider.redirect_url: %w", err)
	}
	if c.Provider.LogoutURL != "" {
		if err := checkURL(c.Provider.LogoutURL); err != nil {
			add("provider.logout_url: %w", err)
		}
	}
	if c.Provider.Timeout <= 0 {
		add("provider.timeout must be positive")
	}

	switch c.Session.Store {
	case StoreCookie:
	case StoreRedis:
		if c.Session.Redis.Addr == "" {
			add("session.redis.addr is required for the redis store")
		}
	default:
		add("session.store must be %q or %q, got: %q", StoreCookie, StoreRedis, c.Session.Store)
	}
	if c.Session.CookieName == "" {
		add("session.cookie_name is required")
	}
	if _, err := c.SessionKeys(); err != nil {
		add("session.keys: %w", err)
	}
	if c.Session.IdentityTTL <= 0 || c.Session.FlightTTL <= 0 {
		add("session.identity_ttl and session.flight_ttl must be positive")
	} else if c.Session.FlightTTL > c.Session.IdentityTTL {
		add("session.flight_ttl must not exceed session.identity_ttl")
	}

	for i, p := range append(append([]string(nil), c.Guard.Protected...), c.Guard.Public...) {
		if !strings.HasPrefix(p, "/") {
			add("guard prefix %d must start with /, got: %q", i, p)
		}
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL, got: %s", raw)
	}
	return nil
}

// SessionKeys decodes the base64 session keys. The key named by KeyID must
// be present.
func (c Config) SessionKeys() (map[string][]byte, error) {
	if len(c.Session.Keys) == 0 {
		return nil, errors.New("at least one key is required (set AUTHGATE_SESSION_KEY)")
	}
	if _, ok := c.Session.Keys[c.Session.KeyID]; !ok {
		return nil, fmt.Errorf("no key for key_id %q", c.Session.KeyID)
	}
	keys := make(map[string][]byte, len(c.Session.Keys))
	for id, enc := range c.Session.Keys {
		k, err := decodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		keys[id] = k
	}
	return keys, nil
}

func decodeKey(enc string) ([]byte, error) {
	enc = strings.TrimSpace(enc)
	k, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		if k, err = base64.RawURLEncoding.DecodeString(enc); err != nil {
			return nil, errors.New("not valid base64")
		}
	}
	if len(k) != session.KeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", session.KeySize, len(k))
	}
	return k, nil
}

// GenerateKey returns a random session key in the encoding Load accepts.
func GenerateKey() (string, error) {
	k := make([]byte, session.KeySize)
	if _, err := rand.Read(k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}
