package config

// EnvPrefix is handed to envconfig; every field carries its full variable
// name so the prefix only matters for fields without an explicit tag.
const EnvPrefix = "RESOURCERENT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv             = "RESOURCERENT_APP_ENV"
	EnvDBDSN              = "RESOURCERENT_DB_DSN"
	EnvDBHost             = "RESOURCERENT_DB_HOST"
	EnvDBUser             = "RESOURCERENT_DB_USER"
	EnvDBName             = "RESOURCERENT_DB_NAME"
	EnvRedisURL           = "RESOURCERENT_REDIS_URL"
	EnvLedgerEndpoints    = "RESOURCERENT_LEDGER_ENDPOINTS"
	EnvLedgerTokens       = "RESOURCERENT_LEDGER_TOKEN_CONTRACTS"
	EnvMonitorAddresses   = "RESOURCERENT_MONITOR_ADDRESSES"
	EnvMonitorInterval    = "RESOURCERENT_MONITOR_POLL_INTERVAL"
	EnvFeeTimeOfDay       = "RESOURCERENT_FEE_TIME_OF_DAY"
	EnvFeeTimezone        = "RESOURCERENT_FEE_TIMEZONE"
	EnvFeeDailyUnits      = "RESOURCERENT_FEE_DAILY_UNITS"
	EnvPubSubNotification = "RESOURCERENT_PUBSUB_NOTIFICATION_TOPIC"
	EnvGCPProjectID       = "RESOURCERENT_GCP_PROJECT_ID"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
