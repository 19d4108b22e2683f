package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials and DSNs usually live outside the config file.
const (
	EnvStorageDSN  = "SPAMGUARD_STORAGE_DSN"
	EnvRedisURL    = "SPAMGUARD_REDIS_URL"
	EnvIPStackKey  = "SPAMGUARD_IPSTACK_KEY"
	EnvIPInfoToken = "SPAMGUARD_IPINFO_TOKEN"
	EnvNonceSecret = "SPAMGUARD_NONCE_SECRET"
	EnvLogLevel    = "SPAMGUARD_LOG_LEVEL"
	EnvKafkaBroker = "SPAMGUARD_KAFKA_BROKERS"
)

// LoadEnvFile loads KEY=value pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overrides config values with SPAMGUARD_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := env(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := env(EnvRedisURL); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := env(EnvIPStackKey); v != "" {
		cfg.Detectors.Geo.IPStackKey = v
	}
	if v := env(EnvIPInfoToken); v != "" {
		cfg.Detectors.Geo.IPInfoToken = v
	}
	if v := env(EnvNonceSecret); v != "" {
		cfg.API.NonceSecret = v
	}
	if v := env(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := env(EnvKafkaBroker); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Ingest.Kafka.Brokers = brokers
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
