package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Auth       AuthConfig
	Signaling  SignalingConfig
	Processing ProcessingConfig
	TURN       TURNConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings (job queue + room event fanout).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds credentials and the chunk bucket for the object store.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EndpointURL          string // optional S3-compatible endpoint (R2, MinIO)
	ChunksBucket         string
	PublicURLBase        string // optional public base for final artifacts
	PresignExpireMinutes int
}

// AuthConfig holds guest token signing settings.
type AuthConfig struct {
	GuestTokenSecret      string
	GuestTokenExpireHours int
}

// SignalingConfig holds room and liveness settings.
type SignalingConfig struct {
	RoomCapacity         int // max participants per room
	HeartbeatTimeoutSec  int // silence beyond this marks a connection dead
	HeartbeatIntervalSec int // liveness sweep tick
}

// ProcessingConfig holds media assembly settings.
type ProcessingConfig struct {
	WorkDir           string // scratch dir for downloads and merges; empty = os.TempDir()
	MaxAttempts       int
	RetryBackoffSec   int
	ToolTimeoutSec    int // hard wall-clock limit per ffmpeg/ffprobe invocation
	ToolWarnAfterSec  int // soft threshold; a warning is logged past this
	ToolPath          string
	ProbePath         string
}

// TURNConfig holds TURN server credentials handed to clients.
type TURNConfig struct {
	ServerURL  string
	Username   string
	Credential string
	STUNUrls   []string
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "duocast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "auto"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			EndpointURL:          getEnv("S3_ENDPOINT_URL", ""),
			ChunksBucket:         getEnv("S3_CHUNKS_BUCKET", "duocast-recordings"),
			PublicURLBase:        getEnv("S3_PUBLIC_URL_BASE", ""),
			PresignExpireMinutes: getEnvInt("S3_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Auth: AuthConfig{
			GuestTokenSecret:      getEnv("GUEST_TOKEN_SECRET", "change-me-in-production"),
			GuestTokenExpireHours: getEnvInt("GUEST_TOKEN_EXPIRE_HOURS", 24),
		},
		Signaling: SignalingConfig{
			RoomCapacity:         getEnvInt("ROOM_CAPACITY", 8),
			HeartbeatTimeoutSec:  getEnvInt("HEARTBEAT_TIMEOUT_SEC", 45),
			HeartbeatIntervalSec: getEnvInt("HEARTBEAT_SWEEP_SEC", 30),
		},
		Processing: ProcessingConfig{
			WorkDir:          getEnv("PROCESSING_WORK_DIR", ""),
			MaxAttempts:      getEnvInt("PROCESSING_MAX_ATTEMPTS", 3),
			RetryBackoffSec:  getEnvInt("PROCESSING_RETRY_BACKOFF_SEC", 10),
			ToolTimeoutSec:   getEnvInt("FFMPEG_TIMEOUT_SEC", 600),
			ToolWarnAfterSec: getEnvInt("FFMPEG_WARN_AFTER_SEC", 400),
			ToolPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
			ProbePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		},
		TURN: TURNConfig{
			ServerURL:  getEnv("TURN_SERVER_URL", ""),
			Username:   getEnv("TURN_SERVER_USERNAME", ""),
			Credential: getEnv("TURN_SERVER_CREDENTIAL", ""),
			STUNUrls:   splitTrim(getEnv("WEBRTC_STUN_URLS", "stun:stun.l.google.com:19302"), ","),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
