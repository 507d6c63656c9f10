package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	CONFIG_FILE_PATH  = "./config.yaml"
	DEFAULT_PORT      = 1256
	DEFAULT_PORT_FILE = "port.info"
)

type HeartbeatConfig struct {
	Host     string
	Port     int
	Interval time.Duration
}

type UploadsConfig struct {
	// IdleTimeout purges uploads that saw no request for this long. Zero keeps them forever.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

type Config struct {
	Host              string
	Port              int
	IdleTimeout       time.Duration
	MaxPayload        uint32
	LogLevel          string
	StoragePath       string
	DBPath            string
	ChecksumAlgorithm string
	MiddlewareAddress string
	HealthCheckPort   int
	Uploads           UploadsConfig
	Heartbeat         HeartbeatConfig
}

func (c Config) String() string {
	return fmt.Sprintf(
		"[CONFIG: Host: %s | Port: %d | IdleTimeout: %s | MaxPayload: %d | LogLevel: %s | StoragePath: %s | DBPath: %s | Checksum: %s | UploadIdleTimeout: %s | HealthCheckPort: %d]",
		c.Host,
		c.Port,
		c.IdleTimeout,
		c.MaxPayload,
		c.LogLevel,
		c.StoragePath,
		c.DBPath,
		c.ChecksumAlgorithm,
		c.Uploads.IdleTimeout,
		c.HealthCheckPort,
	)
}

func InitConfig() (*Config, error) {
	return InitConfigFrom(CONFIG_FILE_PATH)
}

// InitConfigFrom loads the configuration from the given yaml file, the
// environment and an optional .env file. A missing file is not an error.
func InitConfigFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = godotenv.Load(".env")
	v.AutomaticEnv()

	v.SetDefault("server.host", "")
	v.SetDefault("server.port_file", DEFAULT_PORT_FILE)
	v.SetDefault("server.idle_timeout", "5m")
	v.SetDefault("server.max_payload", 4096)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.path", "users")
	v.SetDefault("storage.db_path", "server.db")
	v.SetDefault("checksum.algorithm", "crc32")
	v.SetDefault("uploads.idle_timeout", "0s")
	v.SetDefault("uploads.reap_interval", "30s")
	v.SetDefault("health.port", 0)
	v.SetDefault("heartbeat.interval", "5s")

	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	// Bind env vars to config keys
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.port_file", "SERVER_PORT_FILE")
	v.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")
	v.BindEnv("server.max_payload", "SERVER_MAX_PAYLOAD")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("storage.path", "STORAGE_PATH")
	v.BindEnv("storage.db_path", "STORAGE_DB_PATH")
	v.BindEnv("checksum.algorithm", "CHECKSUM_ALGORITHM")
	v.BindEnv("uploads.idle_timeout", "UPLOADS_IDLE_TIMEOUT")
	v.BindEnv("uploads.reap_interval", "UPLOADS_REAP_INTERVAL")
	v.BindEnv("middleware.address", "MIDDLEWARE_ADDRESS")
	v.BindEnv("health.port", "HEALTH_PORT")
	v.BindEnv("heartbeat.host", "HEARTBEAT_HOST")
	v.BindEnv("heartbeat.port", "HEARTBEAT_PORT")
	v.BindEnv("heartbeat.interval", "HEARTBEAT_INTERVAL")

	config := &Config{
		Host:              v.GetString("server.host"),
		Port:              ResolvePort(v.GetString("server.port"), v.GetString("server.port_file")),
		IdleTimeout:       v.GetDuration("server.idle_timeout"),
		MaxPayload:        v.GetUint32("server.max_payload"),
		LogLevel:          v.GetString("log.level"),
		StoragePath:       v.GetString("storage.path"),
		DBPath:            v.GetString("storage.db_path"),
		ChecksumAlgorithm: v.GetString("checksum.algorithm"),
		MiddlewareAddress: v.GetString("middleware.address"),
		HealthCheckPort:   v.GetInt("health.port"),
		Uploads: UploadsConfig{
			IdleTimeout:  v.GetDuration("uploads.idle_timeout"),
			ReapInterval: v.GetDuration("uploads.reap_interval"),
		},
		Heartbeat: HeartbeatConfig{
			Host:     v.GetString("heartbeat.host"),
			Port:     v.GetInt("heartbeat.port"),
			Interval: v.GetDuration("heartbeat.interval"),
		},
	}

	return config, nil
}

// ResolvePort picks the listening port: an explicitly configured port wins,
// then the contents of the port file, then DEFAULT_PORT. Invalid values fall
// through to the next source.
func ResolvePort(configured string, portFile string) int {
	if port, ok := parsePort(configured); ok {
		return port
	}
	if portFile != "" {
		if content, err := os.ReadFile(portFile); err == nil {
			if port, ok := parsePort(string(content)); ok {
				return port
			}
		}
	}
	return DEFAULT_PORT
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
