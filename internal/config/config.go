package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL    MySQLConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Archives ArchivesConfig
	Cfbot    CfbotConfig
	AutoMove AutoMoveConfig

	Migrate  bool
	HTTPAddr string
	BaseURL  string

	// Lazy rollover of review cycles on read. Disabled on test systems
	// that load fixed cycle fixtures.
	AutoCreateCycles bool

	NotificationFrom string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// ArchivesConfig holds the mail-archive backend configuration
type ArchivesConfig struct {
	Server     string
	Port       int
	Host       string // Host header to send
	TimeoutSec int
	CacheSec   int // redis cache TTL for lookups, 0 disables
}

// CfbotConfig holds CI webhook configuration
type CfbotConfig struct {
	SharedSecret string
}

// AutoMoveConfig holds the auto-migration policy windows
type AutoMoveConfig struct {
	EmailActivityDays int
	MaxFailingDays    int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_commitfest"),
		},
		Archives: ArchivesConfig{
			Server:     getEnv("ARCHIVES_SERVER", "localhost"),
			Port:       getEnvInt("ARCHIVES_PORT", 443),
			Host:       getEnv("ARCHIVES_HOST", "archives.example.org"),
			TimeoutSec: getEnvInt("ARCHIVES_TIMEOUT_SEC", 10),
			CacheSec:   getEnvInt("ARCHIVES_CACHE_SEC", 60),
		},
		Cfbot: CfbotConfig{
			SharedSecret: getEnv("CFBOT_SECRET", ""),
		},
		AutoMove: AutoMoveConfig{
			EmailActivityDays: getEnvInt("AUTO_MOVE_EMAIL_ACTIVITY_DAYS", 30),
			MaxFailingDays:    getEnvInt("AUTO_MOVE_MAX_FAILING_DAYS", 30),
		},
		Migrate:          getEnv("MIGRATE", "0") == "1",
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		BaseURL:          getEnv("BASE_URL", "https://commitfest.example.org"),
		AutoCreateCycles: getEnv("AUTO_CREATE_CYCLES", "1") == "1",
		NotificationFrom: getEnv("NOTIFICATION_FROM", "noreply@example.org"),
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// LoadFromINI loads configuration from an INI file with environment
// variable override, for the cron binary which runs outside the
// server's .env. Priority: ENV > INI > default.
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := getValue(envKey, iniSection, iniKey, ""); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Archives: ArchivesConfig{
			Server:     getValue("ARCHIVES_SERVER", "archives", "server", "localhost"),
			Port:       getValueInt("ARCHIVES_PORT", "archives", "port", 443),
			Host:       getValue("ARCHIVES_HOST", "archives", "host", "archives.example.org"),
			TimeoutSec: getValueInt("ARCHIVES_TIMEOUT_SEC", "archives", "timeout_sec", 10),
		},
		AutoMove: AutoMoveConfig{
			EmailActivityDays: getValueInt("AUTO_MOVE_EMAIL_ACTIVITY_DAYS", "automove", "email_activity_days", 30),
			MaxFailingDays:    getValueInt("AUTO_MOVE_MAX_FAILING_DAYS", "automove", "max_failing_days", 30),
		},
		BaseURL:          getValue("BASE_URL", "server", "base_url", "https://commitfest.example.org"),
		AutoCreateCycles: getValue("AUTO_CREATE_CYCLES", "server", "auto_create_cycles", "1") == "1",
		NotificationFrom: getValue("NOTIFICATION_FROM", "mail", "notification_from", "noreply@example.org"),
	}

	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}

	return cfg, nil
}
