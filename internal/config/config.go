package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// HTTP query API
	HTTPPort string

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Telemetry provider account
	ProviderBaseURL        string
	ProviderAccount        string
	ProviderPassword       string
	ProviderTimezone       string
	ProviderCallsPerSecond int
	ProviderCallSpacingMS  int
	ProviderMaxRetries     int
	ProviderTokenBufferS   int
	ProviderTokenValidityS int

	// Fetch scheduling. Empty DeviceIDs means discover the account's
	// devices from the provider at startup.
	DeviceIDs        []string
	FetchIntervalS   int
	CycleTimeoutS    int
	MaxDeviceWorkers int

	// Segmentation and ignition resolution
	TripIdleTimeoutS          int
	IgnitionSpeedThresholdKmh float64
	IgnitionConfidenceFloor   float64
	IgnitionStatusMask        int
	SpeedUnitFactor           float64

	// Async dispatch channels (Redis live state and trip events)
	StateChannelSize int
	EventChannelSize int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
}

func Load() *Config {
	return &Config{
		HTTPPort:   getEnv("HTTP_PORT", "8001"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "mymoto_user"),
		DBPassword: getEnv("DB_PASSWORD", "mymoto_password"),
		DBName:     getEnv("DB_NAME", "mymoto_telemetry"),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 15)),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ProviderBaseURL:        getEnv("PROVIDER_BASE_URL", "https://api.gps51.com/webapi"),
		ProviderAccount:        getEnv("PROVIDER_ACCOUNT", ""),
		ProviderPassword:       getEnv("PROVIDER_PASSWORD", ""),
		ProviderTimezone:       getEnv("PROVIDER_TIMEZONE", "Asia/Shanghai"),
		ProviderCallsPerSecond: getEnvInt("PROVIDER_CALLS_PER_SECOND", 3),
		ProviderCallSpacingMS:  getEnvInt("PROVIDER_CALL_SPACING_MS", 350),
		ProviderMaxRetries:     getEnvInt("PROVIDER_MAX_RETRIES", 2),
		ProviderTokenBufferS:   getEnvInt("PROVIDER_TOKEN_BUFFER_S", 3600),
		ProviderTokenValidityS: getEnvInt("PROVIDER_TOKEN_VALIDITY_S", 86400),

		DeviceIDs:        splitList(getEnv("DEVICE_IDS", "")),
		FetchIntervalS:   getEnvInt("FETCH_INTERVAL_S", 30),
		CycleTimeoutS:    getEnvInt("CYCLE_TIMEOUT_S", 60),
		MaxDeviceWorkers: getEnvInt("MAX_DEVICE_WORKERS", 8),

		TripIdleTimeoutS:          getEnvInt("TRIP_IDLE_TIMEOUT_S", 180),
		IgnitionSpeedThresholdKmh: getEnvFloat("IGNITION_SPEED_THRESHOLD_KMH", 5),
		IgnitionConfidenceFloor:   getEnvFloat("IGNITION_CONFIDENCE_FLOOR", 0.5),
		IgnitionStatusMask:        getEnvInt("IGNITION_STATUS_MASK", 0x0F),
		SpeedUnitFactor:           getEnvFloat("SPEED_UNIT_FACTOR", 1),

		StateChannelSize: getEnvInt("STATE_CHANNEL_SIZE", 10000),
		EventChannelSize: getEnvInt("EVENT_CHANNEL_SIZE", 1000),

		AuthCacheTTLSeconds: getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:        splitList(getEnv("VALID_API_KEYS", "")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
