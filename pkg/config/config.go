package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/angelmondragon/resourcerent/pkg/tron"
)

type Config struct {
	App         AppConfig
	DB          DBConfig
	Redis       RedisConfig
	Ledger      LedgerConfig
	Monitor     MonitorConfig
	Matching    MatchingConfig
	Lock        LockConfig
	Dedup       DedupConfig
	Delegation  DelegationConfig
	Usage       UsageConfig
	Fee         FeeConfig
	Fulfillment FulfillmentConfig
	Keys        KeysConfig
	GCP         GCPConfig
	PubSub      PubSubConfig
	Ops         OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct-level constraints and cross-field rules that
// envconfig cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Monitor.Targets(); err != nil {
		return err
	}
	endpoints, err := c.Ledger.EndpointMap()
	if err != nil {
		return err
	}
	if _, err := c.Ledger.TokenContractMap(); err != nil {
		return err
	}
	targets, _ := c.Monitor.Targets()
	for _, target := range targets {
		if _, ok := endpoints[target.Network]; !ok {
			return fmt.Errorf("no ledger endpoint configured for network %q", target.Network)
		}
	}
	if _, err := c.Fee.ParseTimeOfDay(); err != nil {
		return err
	}
	if _, err := c.Fee.Location(); err != nil {
		return err
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"RESOURCERENT_APP_ENV" required:"true" validate:"required"`
	LogLevel     string `envconfig:"RESOURCERENT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RESOURCERENT_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"RESOURCERENT_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"RESOURCERENT_DB_DSN"`

	LegacyHost     string `envconfig:"RESOURCERENT_DB_HOST"`
	LegacyPort     int    `envconfig:"RESOURCERENT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RESOURCERENT_DB_USER"`
	LegacyPassword string `envconfig:"RESOURCERENT_DB_PASSWORD"`
	LegacyName     string `envconfig:"RESOURCERENT_DB_NAME"`
	LegacySSLMode  string `envconfig:"RESOURCERENT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RESOURCERENT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RESOURCERENT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RESOURCERENT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RESOURCERENT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RESOURCERENT_REDIS_URL"`
	Address      string        `envconfig:"RESOURCERENT_REDIS_ADDR"`
	Password     string        `envconfig:"RESOURCERENT_REDIS_PASSWORD"`
	DB           int           `envconfig:"RESOURCERENT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RESOURCERENT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RESOURCERENT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RESOURCERENT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RESOURCERENT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RESOURCERENT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// LedgerConfig points the engine at the ledger HTTP APIs, one base URL per network.
type LedgerConfig struct {
	Endpoints      []string      `envconfig:"RESOURCERENT_LEDGER_ENDPOINTS" required:"true" validate:"required,min=1"`
	TokenContracts []string      `envconfig:"RESOURCERENT_LEDGER_TOKEN_CONTRACTS"`
	APIKey         string        `envconfig:"RESOURCERENT_LEDGER_API_KEY"`
	RequestsPerSec float64       `envconfig:"RESOURCERENT_LEDGER_RPS" default:"10" validate:"gt=0"`
	Burst          int           `envconfig:"RESOURCERENT_LEDGER_BURST" default:"5" validate:"gte=1"`
	Timeout        time.Duration `envconfig:"RESOURCERENT_LEDGER_TIMEOUT" default:"10s"`
	FetchLimit     int           `envconfig:"RESOURCERENT_LEDGER_FETCH_LIMIT" default:"20" validate:"gte=1,lte=200"`
}

// EndpointMap parses "network=url" entries. URLs contain colons, hence '='.
func (l LedgerConfig) EndpointMap() (map[string]string, error) {
	return parsePairs(EnvLedgerEndpoints, l.Endpoints)
}

// TokenContractMap parses "network=contract" entries.
func (l LedgerConfig) TokenContractMap() (map[string]string, error) {
	return parsePairs(EnvLedgerTokens, l.TokenContracts)
}

func parsePairs(envName string, raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%s entry %q must be network=value", envName, item)
		}
		out[key] = value
	}
	return out, nil
}

type MonitorConfig struct {
	Addresses    []string      `envconfig:"RESOURCERENT_MONITOR_ADDRESSES" required:"true" validate:"required,min=1"`
	PollInterval time.Duration `envconfig:"RESOURCERENT_MONITOR_POLL_INTERVAL" default:"5s" validate:"gt=0"`
	Window       time.Duration `envconfig:"RESOURCERENT_MONITOR_WINDOW" default:"60s" validate:"gt=0"`
	Concurrency  int           `envconfig:"RESOURCERENT_MONITOR_CONCURRENCY" default:"5" validate:"gte=1"`
}

// MonitoredTarget is one (network, address) pair the poller watches.
type MonitoredTarget struct {
	Network string
	Address string
}

// Targets parses the "network:address" list. Addresses may be given as hex
// and are normalized to base58check, the form transfers are compared in.
func (m MonitorConfig) Targets() ([]MonitoredTarget, error) {
	targets := make([]MonitoredTarget, 0, len(m.Addresses))
	seen := map[string]struct{}{}
	for _, raw := range m.Addresses {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		network, address, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(network) == "" || strings.TrimSpace(address) == "" {
			return nil, fmt.Errorf("monitored address %q must be network:address", raw)
		}
		normalized, err := tron.ToBase58(address)
		if err != nil {
			return nil, fmt.Errorf("monitored address %q: %w", raw, err)
		}
		target := MonitoredTarget{Network: strings.TrimSpace(network), Address: normalized}
		key := target.Network + ":" + target.Address
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%s requires at least one network:address", EnvMonitorAddresses)
	}
	return targets, nil
}

type MatchingConfig struct {
	RecencyWindow time.Duration `envconfig:"RESOURCERENT_MATCH_RECENCY_WINDOW" default:"2h" validate:"gt=0"`
	Epsilon       string        `envconfig:"RESOURCERENT_MATCH_EPSILON" default:"0.000001"`
}

type LockConfig struct {
	TTL time.Duration `envconfig:"RESOURCERENT_LOCK_TTL" default:"30s" validate:"gt=0"`
}

type DedupConfig struct {
	Retention time.Duration `envconfig:"RESOURCERENT_DEDUP_RETENTION" default:"24h" validate:"gt=0"`
}

type DelegationConfig struct {
	LockPeriod      time.Duration `envconfig:"RESOURCERENT_DELEGATION_LOCK_PERIOD" default:"1h"`
	MaxAttempts     uint64        `envconfig:"RESOURCERENT_DELEGATION_MAX_ATTEMPTS" default:"3" validate:"gte=1"`
	// ConfirmAttempts bounds re-broadcasts of one signed grant whose response was lost.
	ConfirmAttempts uint64        `envconfig:"RESOURCERENT_DELEGATION_CONFIRM_ATTEMPTS" default:"5" validate:"gte=1"`
	BaseBackoff     time.Duration `envconfig:"RESOURCERENT_DELEGATION_BASE_BACKOFF" default:"500ms"`
	MaxBackoff      time.Duration `envconfig:"RESOURCERENT_DELEGATION_MAX_BACKOFF" default:"5s"`
	BatchSize       int           `envconfig:"RESOURCERENT_DELEGATION_BATCH_SIZE" default:"10" validate:"gte=1"`
	BatchPause      time.Duration `envconfig:"RESOURCERENT_DELEGATION_BATCH_PAUSE" default:"1s"`
	Concurrency     int           `envconfig:"RESOURCERENT_DELEGATION_CONCURRENCY" default:"5" validate:"gte=1"`
	DiagTimeout     time.Duration `envconfig:"RESOURCERENT_DELEGATION_DIAG_TIMEOUT" default:"3s"`
	UnitCooldown    time.Duration `envconfig:"RESOURCERENT_DELEGATION_UNIT_COOLDOWN" default:"30s"`
}

type UsageConfig struct {
	Interval      time.Duration `envconfig:"RESOURCERENT_USAGE_INTERVAL" default:"30s" validate:"gt=0"`
	DropThreshold int64         `envconfig:"RESOURCERENT_USAGE_DROP_THRESHOLD" default:"20000" validate:"gt=0"`
	UnitEnergy    int64         `envconfig:"RESOURCERENT_USAGE_UNIT_ENERGY" default:"65000" validate:"gt=0"`
	BatchSize     int           `envconfig:"RESOURCERENT_USAGE_BATCH_SIZE" default:"20" validate:"gte=1"`
	BatchPause    time.Duration `envconfig:"RESOURCERENT_USAGE_BATCH_PAUSE" default:"500ms"`
}

type FeeConfig struct {
	TimeOfDay     string        `envconfig:"RESOURCERENT_FEE_TIME_OF_DAY" default:"03:00"`
	Tolerance     time.Duration `envconfig:"RESOURCERENT_FEE_TOLERANCE" default:"5m"`
	Timezone      string        `envconfig:"RESOURCERENT_FEE_TIMEZONE" default:"UTC"`
	DailyFeeUnits int           `envconfig:"RESOURCERENT_FEE_DAILY_UNITS" default:"1" validate:"gte=1"`
	Inactivity    time.Duration `envconfig:"RESOURCERENT_FEE_INACTIVITY" default:"24h" validate:"gt=0"`
	CheckInterval time.Duration `envconfig:"RESOURCERENT_FEE_CHECK_INTERVAL" default:"1m" validate:"gt=0"`
	BatchSize     int           `envconfig:"RESOURCERENT_FEE_BATCH_SIZE" default:"50" validate:"gte=1"`
	BatchPause    time.Duration `envconfig:"RESOURCERENT_FEE_BATCH_PAUSE" default:"200ms"`
}

// ParseTimeOfDay returns the configured HH:MM as an offset from midnight.
func (f FeeConfig) ParseTimeOfDay() (time.Duration, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(f.TimeOfDay))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", EnvFeeTimeOfDay, f.TimeOfDay, err)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

// Location resolves the fee timezone.
func (f FeeConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(f.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", EnvFeeTimezone, f.Timezone, err)
	}
	return loc, nil
}

type FulfillmentConfig struct {
	RetryInterval  time.Duration `envconfig:"RESOURCERENT_FULFILLMENT_RETRY_INTERVAL" default:"1m" validate:"gt=0"`
	StuckThreshold time.Duration `envconfig:"RESOURCERENT_FULFILLMENT_STUCK_THRESHOLD" default:"10m" validate:"gt=0"`
	TTLInterval    time.Duration `envconfig:"RESOURCERENT_FULFILLMENT_TTL_INTERVAL" default:"1m" validate:"gt=0"`
}

type KeysConfig struct {
	EnvPrefix string `envconfig:"RESOURCERENT_KEYS_ENV_PREFIX" default:"RESOURCERENT_KEY_"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"RESOURCERENT_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"RESOURCERENT_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"RESOURCERENT_PUBSUB_NOTIFICATION_TOPIC"`
	BufferSize        int    `envconfig:"RESOURCERENT_NOTIFICATION_BUFFER" default:"256" validate:"gte=1"`
}

// Enabled reports whether notifications should go to Pub/Sub rather than the log sink.
func (p PubSubConfig) Enabled(gcp GCPConfig) bool {
	return strings.TrimSpace(p.NotificationTopic) != "" && strings.TrimSpace(gcp.ProjectID) != ""
}

type OpsConfig struct {
	ListenAddr string `envconfig:"RESOURCERENT_OPS_ADDR" default:":9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
