package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/relay/auth"
)

type Config struct {
	Addr string

	// Static bearer tokens, parsed from RELAY_API_TOKENS as
	// token:user_id:tier entries. Deployments with an external auth service
	// replace the verifier instead of populating this.
	APITokens map[string]auth.Identity

	// Storage.
	DatabaseURL        string
	RedisURL           string
	QuotaFailOpen      bool
	PaidCentsPerMinute int

	// Upstream provider credentials. An empty key leaves the provider
	// unconfigured and the fallback resolver routes around it.
	OpenAIKey     string
	GeminiKey     string
	ElevenLabsKey string

	// Session behavior.
	UpstreamConnectTimeout  time.Duration
	MaxSessionDuration      time.Duration
	MaxSessionsPerPrincipal int
	MaxMessageBytes         int64
	PingInterval            time.Duration
	WriteTimeout            time.Duration
	OutboundQueueSize       int

	// Origins allowed to open browser sessions; empty allows all (native
	// clients send no Origin header).
	AllowedOrigins map[string]struct{}

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	var env envReader
	cfg := Config{
		Addr:                    envOr("RELAY_ADDR", ":8080"),
		APITokens:               make(map[string]auth.Identity),
		DatabaseURL:             strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL")),
		RedisURL:                strings.TrimSpace(os.Getenv("RELAY_REDIS_URL")),
		QuotaFailOpen:           env.boolOr("RELAY_QUOTA_FAIL_OPEN", true),
		PaidCentsPerMinute:      env.intOr("RELAY_PAID_CENTS_PER_MINUTE", 10),
		OpenAIKey:               strings.TrimSpace(os.Getenv("RELAY_OPENAI_API_KEY")),
		GeminiKey:               strings.TrimSpace(os.Getenv("RELAY_GEMINI_API_KEY")),
		ElevenLabsKey:           strings.TrimSpace(os.Getenv("RELAY_ELEVENLABS_API_KEY")),
		UpstreamConnectTimeout:  env.durationOr("RELAY_UPSTREAM_CONNECT_TIMEOUT", 15*time.Second),
		MaxSessionDuration:      env.durationOr("RELAY_MAX_SESSION_DURATION", 2*time.Hour),
		MaxSessionsPerPrincipal: env.intOr("RELAY_MAX_SESSIONS_PER_PRINCIPAL", 2),
		MaxMessageBytes:         env.int64Or("RELAY_MAX_MESSAGE_BYTES", 1<<20),
		PingInterval:            env.durationOr("RELAY_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:            env.durationOr("RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		OutboundQueueSize:       env.intOr("RELAY_OUTBOUND_QUEUE_SIZE", 128),
		AllowedOrigins:          make(map[string]struct{}),
		ReadHeaderTimeout:       env.durationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     env.durationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}
	if env.err != nil {
		return Config{}, env.err
	}

	for _, entry := range splitCSV(os.Getenv("RELAY_API_TOKENS")) {
		token, identity, err := parseTokenEntry(entry)
		if err != nil {
			return Config{}, err
		}
		cfg.APITokens[token] = identity
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.PaidCentsPerMinute < 0 {
		return Config{}, fmt.Errorf("RELAY_PAID_CENTS_PER_MINUTE must be >= 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxSessionsPerPrincipal <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_SESSIONS_PER_PRINCIPAL must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if len(cfg.APITokens) == 0 {
		return Config{}, fmt.Errorf("RELAY_API_TOKENS must be set")
	}

	return cfg, nil
}

// Credentials returns the provider registry credentials.
func (c Config) Credentials() providers.Credentials {
	return providers.Credentials{
		OpenAIKey:     c.OpenAIKey,
		GeminiKey:     c.GeminiKey,
		ElevenLabsKey: c.ElevenLabsKey,
	}
}

func parseTokenEntry(entry string) (string, auth.Identity, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 {
		return "", auth.Identity{}, fmt.Errorf("RELAY_API_TOKENS entries must be token:user_id:tier, got %q", entry)
	}
	token := strings.TrimSpace(parts[0])
	userID := strings.TrimSpace(parts[1])
	tier := providers.Tier(strings.ToLower(strings.TrimSpace(parts[2])))
	if token == "" || userID == "" {
		return "", auth.Identity{}, fmt.Errorf("RELAY_API_TOKENS entry has empty token or user_id: %q", entry)
	}
	switch tier {
	case providers.TierFree, providers.TierStandard, providers.TierPremium:
	default:
		return "", auth.Identity{}, fmt.Errorf("RELAY_API_TOKENS entry has unknown tier %q", tier)
	}
	return token, auth.Identity{UserID: userID, Tier: tier}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// envReader parses typed environment variables and keeps the first failure.
// A set variable that does not parse is a configuration error, not a silent
// fall-back to the default.
type envReader struct {
	err error
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *envReader) intOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Errorf("%s must be an integer, got %q", key, raw))
		return def
	}
	return n
}

func (e *envReader) int64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(fmt.Errorf("%s must be an integer, got %q", key, raw))
		return def
	}
	return n
}

func (e *envReader) boolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		e.fail(fmt.Errorf("%s must be a boolean, got %q", key, raw))
		return def
	}
}

func (e *envReader) durationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(fmt.Errorf("%s must be a duration like 30s or 2h, got %q", key, raw))
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
