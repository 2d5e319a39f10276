package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Actors         ActorsConfig         `yaml:"actors"`
	LLM            LLMConfig            `yaml:"llm"`
	Selection      SelectionConfig      `yaml:"selection"`
	Blueprint      BlueprintConfig      `yaml:"blueprint"`
	Sandbox        SandboxConfig        `yaml:"sandbox"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ModelOverrides ModelOverridesConfig `yaml:"model_overrides"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Includes       []string             `yaml:"includes,omitempty"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // WebSocket origin patterns; empty = same host only
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// PublicScheme overrides the scheme used in returned websocket/status URLs.
	PublicScheme string `yaml:"public_scheme,omitempty"`
	// TrustedProxies are peers whose X-Forwarded-For is believed by the IP rate limiter.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or "" (anonymous only)
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps a bearer token to a user.
type TokenConfig struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

// ActorsConfig holds actor platform settings.
type ActorsConfig struct {
	Namespace     string        `yaml:"namespace"`
	StorePath     string        `yaml:"store_path"` // sqlite path; "" = in-memory store
	InboxSize     int           `yaml:"inbox_size"`
	RPCTimeout    time.Duration `yaml:"rpc_timeout"`
	InitTimeout   time.Duration `yaml:"init_timeout"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"` // cron expression
}

// FailoverConfig holds LLM failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// SelectionConfig holds template selection settings.
type SelectionConfig struct {
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BlueprintConfig holds blueprint generation settings.
type BlueprintConfig struct {
	Enabled   bool          `yaml:"enabled"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SandboxConfig holds sandbox/build service settings.
type SandboxConfig struct {
	Backend      string        `yaml:"backend"` // "http" or "local"
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
	TemplatesDir string        `yaml:"templates_dir"` // local backend only
	SessionsDir  string        `yaml:"sessions_dir"`  // local backend only
	PreviewBase  string        `yaml:"preview_base"`  // local backend only
}

// RateLimitConfig holds per-user and per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// AppCreationPerHour bounds how many agents one authenticated user may start.
	AppCreationPerHour int `yaml:"app_creation_per_hour"`
	AppCreationBurst   int `yaml:"app_creation_burst"`

	HTTPRequestsPerSecond float64       `yaml:"http_requests_per_second"`
	HTTPBurst             int           `yaml:"http_burst"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval"`
	MaxAge                time.Duration `yaml:"max_age"`
}

// ModelOverridesConfig holds static model-configuration overrides keyed by action.
type ModelOverridesConfig struct {
	Defaults map[domain.AgentAction]domain.ModelConfig            `yaml:"defaults,omitempty"`
	Users    map[string]map[domain.AgentAction]domain.ModelConfig `yaml:"users,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.forgeline/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".forgeline", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8787",
			ShutdownTimeout: 10 * time.Second,
		},
		Actors: ActorsConfig{
			Namespace:     "CodeGenAgent",
			StorePath:     filepath.Join(dataDir, "actors.db"),
			InboxSize:     64,
			RPCTimeout:    30 * time.Second,
			InitTimeout:   10 * time.Minute,
			IdleTTL:       30 * time.Minute,
			SweepSchedule: "@every 5m",
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Selection: SelectionConfig{
			MaxTokens: 2000,
			Timeout:   60 * time.Second,
		},
		Blueprint: BlueprintConfig{
			Enabled:   true,
			MaxTokens: 8000,
			Timeout:   5 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Backend:      "local",
			Timeout:      30 * time.Second,
			RetryMax:     3,
			RetryWaitMin: 500 * time.Millisecond,
			RetryWaitMax: 5 * time.Second,
			TemplatesDir: "./templates",
			SessionsDir:  filepath.Join(dataDir, "sessions"),
		},
		RateLimit: RateLimitConfig{
			Enabled:               true,
			AppCreationPerHour:    20,
			AppCreationBurst:      5,
			HTTPRequestsPerSecond: 10,
			HTTPBurst:             20,
			CleanupInterval:       time.Minute,
			MaxAge:                10 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("FORGELINE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps FORGELINE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGELINE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FORGELINE_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("FORGELINE_SERVER_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = splitAndTrim(v, ",")
	}
	if v := os.Getenv("FORGELINE_ACTORS_STORE_PATH"); v != "" {
		cfg.Actors.StorePath = v
	}
	if v := os.Getenv("FORGELINE_ACTORS_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Actors.IdleTTL = d
		}
	}
	if v := os.Getenv("FORGELINE_ACTORS_INIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Actors.InitTimeout = d
		}
	}
	if v := os.Getenv("FORGELINE_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("FORGELINE_SELECTION_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Selection.MaxTokens = n
		}
	}
	if v := os.Getenv("FORGELINE_BLUEPRINT_ENABLED"); v != "" {
		cfg.Blueprint.Enabled = v == "true"
	}
	if v := os.Getenv("FORGELINE_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("FORGELINE_SANDBOX_BASE_URL"); v != "" {
		cfg.Sandbox.BaseURL = v
	}
	if v := os.Getenv("FORGELINE_SANDBOX_API_KEY"); v != "" {
		cfg.Sandbox.APIKey = v
	}
	if v := os.Getenv("FORGELINE_SANDBOX_TEMPLATES_DIR"); v != "" {
		cfg.Sandbox.TemplatesDir = v
	}
	if v := os.Getenv("FORGELINE_RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("FORGELINE_RATE_LIMIT_APP_CREATION_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.AppCreationPerHour = n
		}
	}
	if v := os.Getenv("FORGELINE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FORGELINE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FORGELINE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FORGELINE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Per-provider API key overrides: FORGELINE_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("FORGELINE_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	if strings.HasPrefix(cfg.Sandbox.APIKey, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Sandbox.APIKey, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("sandbox api_key: %w", err)
		}
		cfg.Sandbox.APIKey = decrypted
	}

	for i := range cfg.Auth.Tokens {
		tok := cfg.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("auth token %s: %w", cfg.Auth.Tokens[i].Name, err)
			}
			cfg.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	payload, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := payload[:nonceSize], payload[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
