package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the kennisgevingen process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Feed     FeedConfig
	Intake   IntakeConfig
	Matcher  MatcherConfig
	Delivery DeliveryConfig
	Audit    AuditConfig
	Authz    AuthzConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// FeedConfig describes the upstream mutation feed (Kafka).
// The feed is optional: HTTP intake works without it.
type FeedConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type IntakeConfig struct {
	// QueueSize bounds the in-process event queue per matcher shard.
	QueueSize int
	// DedupTTL is how long seen event ids are remembered.
	DedupTTL time.Duration
	// EnqueueTimeout is how long HTTP intake waits for queue space
	// before answering busy. The Kafka feed blocks instead.
	EnqueueTimeout time.Duration
}

type MatcherConfig struct {
	// Workers is both the matcher pool size and the queue shard count;
	// one worker owns one shard so per-person order is preserved.
	Workers int
}

type DeliveryConfig struct {
	Workers      int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryWindow  time.Duration
	PollInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	// TargetInflight caps concurrent deliveries per subscription target.
	// 0 disables the cap.
	TargetInflight int
}

type AuditConfig struct {
	BufferSize    int
	FlushInterval time.Duration
}

// AuthzConfig feeds the register-side disclosure checks.
type AuthzConfig struct {
	// OwnerScopes are the owner scopes this deployment is allowed to
	// disclose person data for. Defaults to the volgindicaties scope.
	OwnerScopes []string
	// RestrictedPersons lists person refs under verstrekkingsbeperking.
	// Matches against these persons are always suppressed.
	RestrictedPersons []string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Feed.Enabled = parseBool(os.Getenv("FEED_ENABLED"))
	c.Feed.Brokers = splitList(os.Getenv("FEED_BROKERS"))
	c.Feed.Topic = strings.TrimSpace(os.Getenv("FEED_TOPIC"))
	c.Feed.GroupID = strings.TrimSpace(os.Getenv("FEED_GROUP_ID"))

	{
		n, err := optInt("INTAKE_QUEUE_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Intake.QueueSize = n
	}
	c.Intake.DedupTTL = mustDuration("INTAKE_DEDUP_TTL")
	c.Intake.EnqueueTimeout = mustDuration("INTAKE_ENQUEUE_TIMEOUT")

	{
		n, err := optInt("MATCHER_WORKERS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Matcher.Workers = n
	}

	{
		n, err := optInt("DELIVERY_WORKERS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Delivery.Workers = n
	}
	c.Delivery.Timeout = mustDuration("DELIVERY_TIMEOUT")
	{
		n, err := optInt("DELIVERY_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Delivery.MaxAttempts = n
	}
	c.Delivery.RetryBase = mustDuration("DELIVERY_RETRY_BASE")
	c.Delivery.RetryCap = mustDuration("DELIVERY_RETRY_CAP")
	c.Delivery.RetryWindow = mustDuration("DELIVERY_RETRY_WINDOW")
	c.Delivery.PollInterval = mustDuration("DELIVERY_POLL_INTERVAL")
	c.Delivery.ClaimTTL = mustDuration("DELIVERY_CLAIM_TTL")
	{
		n, err := optInt("DELIVERY_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Delivery.BatchSize = n
	}
	{
		n, err := optInt("DELIVERY_TARGET_INFLIGHT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Delivery.TargetInflight = n
	}

	{
		n, err := optInt("AUDIT_BUFFER_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Audit.BufferSize = n
	}
	c.Audit.FlushInterval = mustDuration("AUDIT_FLUSH_INTERVAL")

	c.Authz.OwnerScopes = splitList(os.Getenv("AUTHZ_OWNER_SCOPES"))
	c.Authz.RestrictedPersons = splitList(os.Getenv("AUTHZ_RESTRICTED_PERSONS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and applies defaults for optional ones.
// Pointer receiver so defaults stick on the loaded config.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Feed.Enabled {
		if len(c.Feed.Brokers) == 0 {
			errs = append(errs, errors.New("FEED_BROKERS is required when FEED_ENABLED"))
		}
		if c.Feed.Topic == "" {
			errs = append(errs, errors.New("FEED_TOPIC is required when FEED_ENABLED"))
		}
		if c.Feed.GroupID == "" {
			errs = append(errs, errors.New("FEED_GROUP_ID is required when FEED_ENABLED"))
		}
	}

	if c.Intake.QueueSize <= 0 {
		c.Intake.QueueSize = 1024
	}
	if c.Intake.DedupTTL <= 0 {
		// Seen-event horizon; upstream replays older than this are re-accepted.
		c.Intake.DedupTTL = 48 * time.Hour
	}
	if c.Intake.EnqueueTimeout <= 0 {
		c.Intake.EnqueueTimeout = 2 * time.Second
	}

	if c.Matcher.Workers <= 0 {
		c.Matcher.Workers = 4
	}

	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = 8
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = 10 * time.Second
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 6
	}
	if c.Delivery.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at most 10, got %d", c.Delivery.MaxAttempts))
	}
	if c.Delivery.RetryBase <= 0 {
		c.Delivery.RetryBase = time.Second
	}
	if c.Delivery.RetryCap <= 0 {
		c.Delivery.RetryCap = 5 * time.Minute
	}
	if c.Delivery.RetryCap < c.Delivery.RetryBase {
		errs = append(errs, errors.New("DELIVERY_RETRY_CAP must be at least DELIVERY_RETRY_BASE"))
	}
	if c.Delivery.RetryWindow <= 0 {
		c.Delivery.RetryWindow = 48 * time.Hour
	}
	if c.Delivery.PollInterval <= 0 {
		c.Delivery.PollInterval = time.Second
	}
	if c.Delivery.ClaimTTL <= 0 {
		// Stale delivering rows older than this are swept back to pending.
		c.Delivery.ClaimTTL = 5 * time.Minute
	}
	if c.Delivery.BatchSize <= 0 {
		c.Delivery.BatchSize = 50
	}
	if c.Delivery.TargetInflight < 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_TARGET_INFLIGHT must be >= 0, got %d", c.Delivery.TargetInflight))
	}

	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 4096
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = time.Second
	}

	if len(c.Authz.OwnerScopes) == 0 {
		c.Authz.OwnerScopes = []string{"benk-brp-volgindicaties-api"}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optInt is mustInt for optional keys: empty is fine (0, defaulted later),
// junk is still an error.
func optInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
