// Package config loads gateway configuration. An optional YAML file
// (GATEWAY_CONFIG path) provides defaults; environment variables override
// every field. Validation runs at boot and missing backend credentials are
// fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults applied when neither YAML nor env provides a value.
const (
	DefaultPort            = "8080"
	DefaultOpenclawTimeout = 90 * time.Second
	DefaultTier2Timeout    = 60 * time.Second
	DefaultWorkers         = 32
)

// Config is the process-wide gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Moa      MoaConfig       `yaml:"moa"`
	Openclaw OpenclawConfig  `yaml:"openclaw"`
	Rate     RateConfig      `yaml:"ratelimit"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Admin    AdminConfig     `yaml:"admin"`
	Redis    RedisConfig     `yaml:"redis"`
	Audit    AuditConfig     `yaml:"audit"`
	Store    StoreConfig     `yaml:"store"`
	Channels ChannelSettings `yaml:"channels"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// MoaConfig is the Tier-2 backend: the signed REST chat endpoint.
type MoaConfig struct {
	APIURL    string `yaml:"api_url"`
	APISecret string `yaml:"api_secret"`
}

// OpenclawConfig is the Tier-1 agent endpoint reached over a duplex stream.
type OpenclawConfig struct {
	GatewayURL   string `yaml:"gateway_url"`
	GatewayToken string `yaml:"gateway_token"`
	TimeoutMs    int    `yaml:"timeout_ms"`
}

// Timeout returns the overall Tier-1 deadline.
func (o OpenclawConfig) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return DefaultOpenclawTimeout
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

type RateConfig struct {
	PerMinute        int `yaml:"per_minute"`
	MaxStrikes       int `yaml:"max_strikes"`
	StrikeCooldownMs int `yaml:"strike_cooldown_ms"`
}

// StrikeCooldown returns the first-strike block duration.
func (r RateConfig) StrikeCooldown() time.Duration {
	if r.StrikeCooldownMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(r.StrikeCooldownMs) * time.Millisecond
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// AdminConfig guards the admin surface. Token is compared in constant time;
// TokenHash, when set, is a bcrypt hash checked instead of the plain token.
type AdminConfig struct {
	Token     string `yaml:"token"`
	TokenHash string `yaml:"token_hash"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig enables Pub/Sub export of security events when both fields
// are set.
type AuditConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type StoreConfig struct {
	// Backend selects the store implementation: supabase, postgres, memory.
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

// ChannelSettings is the raw credential map handed to adapters. Keys are the
// env-style names each adapter declares (TELEGRAM_BOT_TOKEN, ...).
type ChannelSettings map[string]string

// Get returns the value for key, empty when absent.
func (cs ChannelSettings) Get(key string) string { return cs[key] }

// channelKeys enumerates every credential key an adapter may consume. The
// loader copies these from the environment into ChannelSettings so adapters
// never read os.Getenv themselves.
var channelKeys = []string{
	"MATTERMOST_URL", "MATTERMOST_BOT_TOKEN", "MATTERMOST_OUTGOING_TOKEN",
	"GOOGLE_CHAT_SERVICE_ACCOUNT", "GOOGLE_CHAT_AUDIENCE",
	"ZALO_OA_SECRET", "ZALO_ACCESS_TOKEN",
	"SLACK_BOT_TOKEN", "SLACK_SIGNING_SECRET",
	"LINE_CHANNEL_SECRET", "LINE_CHANNEL_TOKEN",
	"KAKAO_SKILL_ENABLED",
	"WHATSAPP_TOKEN", "WHATSAPP_PHONE_ID", "WHATSAPP_VERIFY_TOKEN", "WHATSAPP_APP_SECRET",
	"MATRIX_HOMESERVER", "MATRIX_ACCESS_TOKEN", "MATRIX_USER_ID",
	"TELEGRAM_BOT_TOKEN",
	"SIGNAL_CLI_URL", "SIGNAL_PHONE_NUMBER",
	"DISCORD_BOT_TOKEN",
	"WEBCHAT_ENABLED",
}

// Load builds the configuration: YAML file first (when GATEWAY_CONFIG names
// one), then env overrides, then defaults.
func Load() (*Config, error) {
	cfg := &Config{Channels: make(ChannelSettings)}

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if cfg.Channels == nil {
		cfg.Channels = make(ChannelSettings)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.Server.Host, "HOST")
	envStr(&cfg.Server.Port, "PORT")
	envStr(&cfg.Moa.APIURL, "MOA_API_URL")
	envStr(&cfg.Moa.APISecret, "MOA_API_SECRET")
	envStr(&cfg.Openclaw.GatewayURL, "OPENCLAW_GATEWAY_URL")
	envStr(&cfg.Openclaw.GatewayToken, "OPENCLAW_GATEWAY_TOKEN")
	envInt(&cfg.Openclaw.TimeoutMs, "OPENCLAW_TIMEOUT_MS")
	envInt(&cfg.Rate.PerMinute, "RATE_LIMIT_PER_MINUTE")
	envInt(&cfg.Rate.MaxStrikes, "RATE_LIMIT_MAX_STRIKES")
	envInt(&cfg.Rate.StrikeCooldownMs, "RATE_LIMIT_STRIKE_COOLDOWN_MS")
	envInt(&cfg.Pipeline.Workers, "PIPELINE_WORKERS")
	envStr(&cfg.Admin.Token, "ADMIN_TOKEN")
	envStr(&cfg.Admin.TokenHash, "ADMIN_TOKEN_HASH")
	envStr(&cfg.Redis.Addr, "REDIS_ADDR")
	envStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	envInt(&cfg.Redis.DB, "REDIS_DB")
	envStr(&cfg.Audit.Project, "GOOGLE_CLOUD_PROJECT")
	envStr(&cfg.Audit.Topic, "AUDIT_PUBSUB_TOPIC")
	envStr(&cfg.Store.Backend, "STORE_BACKEND")
	envStr(&cfg.Store.DatabaseURL, "DATABASE_URL")
	envStr(&cfg.Store.SupabaseURL, "SUPABASE_URL")
	envStr(&cfg.Store.SupabaseKey, "SUPABASE_SERVICE_KEY")

	for _, key := range channelKeys {
		if v := os.Getenv(key); v != "" {
			cfg.Channels[key] = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = DefaultWorkers
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
}

// Validate enforces the boot-fatal requirements: the Tier-2 backend must be
// reachable and signable.
func (c *Config) Validate() error {
	var missing []string
	if c.Moa.APIURL == "" {
		missing = append(missing, "MOA_API_URL")
	}
	if c.Moa.APISecret == "" {
		missing = append(missing, "MOA_API_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
