package config

import (
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	GCS     GCSConfig
	Staging StagingConfig
	Ledger  LedgerConfig
	Server  ServerConfig
	Log     LogConfig
}

type GCSConfig struct {
	KeyPath      string
	Project      string
	Location     string
	StorageClass string
	Endpoint     string
}

type StagingConfig struct {
	TmpDir  string
	Workers int
}

type LedgerConfig struct {
	Enabled       bool
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	TTLSeconds    int
}

type ServerConfig struct {
	Port           string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
}

type LogConfig struct {
	Level string
}

var (
	once     sync.Once
	instance *Config
)

// Load reads the process configuration once; later calls return the same value.
func Load() *Config {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		instance = build(viper.New())
	})

	return instance
}

func build(v *viper.Viper) *Config {
	v.SetDefault("GOOGLE_JSON_KEYPATH", "")
	v.SetDefault("GCS_PROJECT", "piinfrastucture")
	v.SetDefault("GCS_LOCATION", "EU")
	v.SetDefault("GCS_STORAGE_CLASS", "STANDARD")
	v.SetDefault("GCS_ENDPOINT", "https://storage.googleapis.com")
	v.SetDefault("STAGING_TMP_DIR", "")
	v.SetDefault("STAGING_WORKERS", 4)
	v.SetDefault("LEDGER_ENABLED", false)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LEDGER_TTL_SECONDS", 7*24*3600)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 300)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})
	v.SetDefault("LOG_LEVEL", "info")

	// Read from environment variables
	v.AutomaticEnv()

	workers := v.GetInt("STAGING_WORKERS")
	if workers <= 0 {
		workers = 1
	}

	return &Config{
		GCS: GCSConfig{
			KeyPath:      v.GetString("GOOGLE_JSON_KEYPATH"),
			Project:      v.GetString("GCS_PROJECT"),
			Location:     v.GetString("GCS_LOCATION"),
			StorageClass: v.GetString("GCS_STORAGE_CLASS"),
			Endpoint:     v.GetString("GCS_ENDPOINT"),
		},
		Staging: StagingConfig{
			TmpDir:  v.GetString("STAGING_TMP_DIR"),
			Workers: workers,
		},
		Ledger: LedgerConfig{
			Enabled:       v.GetBool("LEDGER_ENABLED"),
			RedisURL:      v.GetString("REDIS_URL"),
			RedisHost:     v.GetString("REDIS_HOST"),
			RedisPort:     v.GetString("REDIS_PORT"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			TTLSeconds:    v.GetInt("LEDGER_TTL_SECONDS"),
		},
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}
}
