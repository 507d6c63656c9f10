package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	CONFIG_FILE_PATH      = "./config.yaml"
	DEFAULT_TRANSFER_FILE = "transfer.info"
	DEFAULT_INFO_FILE     = "me.info"
	DEFAULT_KEY_FILE      = "priv.key"
)

var ErrInvalidTransferInfo = errors.New("invalid transfer info")

type Config struct {
	ServerAddress     string
	ConnectionRetries int
	Timeout           time.Duration
	ClientName        string
	FilePath          string
	InfoPath          string
	KeyPath           string
	LogLevel          string
	ChecksumAlgorithm string
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"[CONFIG: ServerAddress: %s | ClientName: %s | FilePath: %s | InfoPath: %s | Checksum: %s | LogLevel: %s]",
		c.ServerAddress,
		c.ClientName,
		c.FilePath,
		c.InfoPath,
		c.ChecksumAlgorithm,
		c.LogLevel,
	)
}

func InitConfig() (*Config, error) {
	return InitConfigFrom(CONFIG_FILE_PATH)
}

// InitConfigFrom reads the yaml file at path, the environment and a .env
// file. Whatever the three leave unset among the server address, the client
// name and the file to upload is taken from the transfer info file.
func InitConfigFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = godotenv.Load(".env")
	v.AutomaticEnv()

	v.SetDefault("server.connection_retries", 3)
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("client.info_path", DEFAULT_INFO_FILE)
	v.SetDefault("client.key_path", DEFAULT_KEY_FILE)
	v.SetDefault("client.transfer_path", DEFAULT_TRANSFER_FILE)
	v.SetDefault("log.level", "info")
	v.SetDefault("checksum.algorithm", "crc32")

	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	v.BindEnv("server.address", "SERVER_ADDRESS")
	v.BindEnv("server.connection_retries", "SERVER_CONNECTION_RETRIES")
	v.BindEnv("server.timeout", "SERVER_TIMEOUT")
	v.BindEnv("client.name", "CLIENT_NAME")
	v.BindEnv("client.file", "CLIENT_FILE")
	v.BindEnv("client.info_path", "CLIENT_INFO_PATH")
	v.BindEnv("client.key_path", "CLIENT_KEY_PATH")
	v.BindEnv("client.transfer_path", "CLIENT_TRANSFER_PATH")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("checksum.algorithm", "CHECKSUM_ALGORITHM")

	config := &Config{
		ServerAddress:     v.GetString("server.address"),
		ConnectionRetries: v.GetInt("server.connection_retries"),
		Timeout:           v.GetDuration("server.timeout"),
		ClientName:        v.GetString("client.name"),
		FilePath:          v.GetString("client.file"),
		InfoPath:          v.GetString("client.info_path"),
		KeyPath:           v.GetString("client.key_path"),
		LogLevel:          v.GetString("log.level"),
		ChecksumAlgorithm: v.GetString("checksum.algorithm"),
	}

	if config.ServerAddress == "" || config.ClientName == "" || config.FilePath == "" {
		if err := config.fillFromTransferInfo(v.GetString("client.transfer_path")); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// TransferInfo is the three line file naming the server, the client and the
// file to send.
type TransferInfo struct {
	ServerAddress string
	ClientName    string
	FilePath      string
}

func ReadTransferInfo(path string) (*TransferInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() && len(lines) < 3 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(lines) < 3 {
		return nil, errors.Wrapf(ErrInvalidTransferInfo, "%s has %d lines", path, len(lines))
	}

	info := &TransferInfo{ServerAddress: lines[0], ClientName: lines[1], FilePath: lines[2]}
	if _, _, err := net.SplitHostPort(info.ServerAddress); err != nil {
		return nil, errors.Wrapf(ErrInvalidTransferInfo, "server address %q", info.ServerAddress)
	}
	if info.ClientName == "" || info.FilePath == "" {
		return nil, errors.Wrapf(ErrInvalidTransferInfo, "%s has empty fields", path)
	}
	return info, nil
}

func (c *Config) fillFromTransferInfo(path string) error {
	info, err := ReadTransferInfo(path)
	if err != nil {
		return err
	}
	if c.ServerAddress == "" {
		c.ServerAddress = info.ServerAddress
	}
	if c.ClientName == "" {
		c.ClientName = info.ClientName
	}
	if c.FilePath == "" {
		c.FilePath = info.FilePath
	}
	return nil
}
