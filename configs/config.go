package configs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	utils "livecast/pkg/utils"
)

type Config struct {
	Server struct {
		Port int
		Host string
	}
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
	}
	Redis struct {
		Enabled  bool
		Host     string
		Port     int
		Password string
		DB       int
	}
	RTMP struct {
		Port             int
		App              string
		HandshakeTimeout time.Duration
	}
	Recording struct {
		Dir             string
		StartDelay      time.Duration
		GracefulTimeout time.Duration
		ForcedTimeout   time.Duration
		SettleDelay     time.Duration
		MinFileSize     int64
		UploadTimeout   time.Duration
	}
	Storage struct {
		Driver    string // "local" or "s3"
		LocalPath string
		S3        struct {
			Endpoint        string
			Region          string
			Bucket          string
			AccessKeyID     string
			SecretAccessKey string
			UsePathStyle    bool
		}
	}
	JWT struct {
		Secret string
	}
	FFmpeg struct {
		Path string
	}
	Reactions struct {
		Port              int
		HeartbeatInterval time.Duration
		RatePerSecond     int
		Burst             int
		AllowedOrigins    []string
	}
	Log struct {
		Level string
	}
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	// Server config (status API)
	config.Server.Port = getEnvAsInt("SERVER_PORT", 8000)
	config.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")

	// Database config
	config.Database.Host = getEnv("DB_HOST", "localhost")
	config.Database.Port = getEnvAsInt("DB_PORT", 5432)
	config.Database.User = getEnv("DB_USER", "postgres")
	config.Database.Password = getEnv("DB_PASSWORD", "")
	config.Database.DBName = getEnv("DB_NAME", "livecast")
	config.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	// Redis config
	config.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", false)
	config.Redis.Host = getEnv("REDIS_HOST", "localhost")
	config.Redis.Port = getEnvAsInt("REDIS_PORT", 6379)
	config.Redis.Password = getEnv("REDIS_PASSWORD", "")
	config.Redis.DB = getEnvAsInt("REDIS_DB", 0)

	// RTMP config
	config.RTMP.Port = getEnvAsInt("RTMP_PORT", 1935)
	config.RTMP.App = strings.Trim(getEnv("RTMP_APP", "live"), "/")
	config.RTMP.HandshakeTimeout = getEnvAsDuration("RTMP_HANDSHAKE_TIMEOUT", 10*time.Second)

	// Recording config
	config.Recording.Dir = getEnv("RECORDING_DIR", "./media/recordings")
	config.Recording.StartDelay = getEnvAsDuration("RECORDING_START_DELAY", 3*time.Second)
	config.Recording.GracefulTimeout = getEnvAsDuration("RECORDING_GRACEFUL_TIMEOUT", 2*time.Second)
	config.Recording.ForcedTimeout = getEnvAsDuration("RECORDING_FORCED_TIMEOUT", 2*time.Second)
	config.Recording.SettleDelay = getEnvAsDuration("RECORDING_SETTLE_DELAY", 5*time.Second)
	config.Recording.MinFileSize = int64(getEnvAsInt("RECORDING_MIN_FILE_SIZE", 1024))
	config.Recording.UploadTimeout = getEnvAsDuration("RECORDING_UPLOAD_TIMEOUT", 10*time.Minute)

	// Attachment storage config
	config.Storage.Driver = getEnv("STORAGE_DRIVER", "local")
	config.Storage.LocalPath = getEnv("STORAGE_LOCAL_PATH", "./media/storage")
	config.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", "")
	config.Storage.S3.Region = getEnv("S3_REGION", "us-east-1")
	config.Storage.S3.Bucket = getEnv("S3_BUCKET", "")
	config.Storage.S3.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", "")
	config.Storage.S3.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", "")
	config.Storage.S3.UsePathStyle = getEnvAsBool("S3_USE_PATH_STYLE", false)

	// JWT config
	config.JWT.Secret = getEnv("JWT_SECRET", "")

	// FFmpeg config
	config.FFmpeg.Path = getEnv("FFMPEG_PATH", "/usr/bin/ffmpeg")

	// Reaction hub config
	config.Reactions.Port = getEnvAsInt("REACTIONS_PORT", 8080)
	config.Reactions.HeartbeatInterval = getEnvAsDuration("REACTIONS_HEARTBEAT_INTERVAL", 30*time.Second)
	config.Reactions.RatePerSecond = getEnvAsInt("REACTIONS_RATE_PER_SECOND", 10)
	config.Reactions.Burst = getEnvAsInt("REACTIONS_BURST", 20)
	config.Reactions.AllowedOrigins = utils.SplitString(getEnv("REACTIONS_ALLOWED_ORIGINS", "*"))

	config.Log.Level = getEnv("LOG_LEVEL", "info")

	return config, nil
}

// Validate checks the values the server cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RTMP.Port <= 0 || c.RTMP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid RTMP_PORT %d", c.RTMP.Port))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %d", c.Server.Port))
	}
	if c.RTMP.App == "" {
		errs = append(errs, errors.New("RTMP_APP must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"RECORDING_START_DELAY":      c.Recording.StartDelay,
		"RECORDING_GRACEFUL_TIMEOUT": c.Recording.GracefulTimeout,
		"RECORDING_FORCED_TIMEOUT":   c.Recording.ForcedTimeout,
		"RECORDING_SETTLE_DELAY":     c.Recording.SettleDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when STORAGE_DRIVER=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// ValidateReactions checks the subset used by the reaction hub binary, which
// needs neither a database nor a signing secret.
func (c *Config) ValidateReactions() error {
	if c.Reactions.Port <= 0 || c.Reactions.Port > 65535 {
		return fmt.Errorf("invalid REACTIONS_PORT %d", c.Reactions.Port)
	}
	if c.Reactions.HeartbeatInterval <= 0 {
		return errors.New("REACTIONS_HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

// GetDatabaseURL returns the formatted database connection string
func (c *Config) GetDatabaseURL() string {
	return "user=" + c.Database.User +
		" password=" + c.Database.Password +
		" host=" + c.Database.Host +
		" port=" + strconv.Itoa(c.Database.Port) +
		" dbname=" + c.Database.DBName +
		" sslmode=" + c.Database.SSLMode
}

// GetRedisAddr returns the host:port pair for the Redis client
func (c *Config) GetRedisAddr() string {
	return c.Redis.Host + ":" + strconv.Itoa(c.Redis.Port)
}

// IngestURL is the local RTMP address the capture subprocess pulls from.
func (c *Config) IngestURL(streamKey string) string {
	return fmt.Sprintf("rtmp://127.0.0.1:%d/%s/%s", c.RTMP.Port, c.RTMP.App, streamKey)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
