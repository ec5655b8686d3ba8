package config

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	sslModeDisable = "disable"
	sslModeRequire = "require"
)

type (
	Config struct {
		Host       string `mapstructure:"HOST"`
		Port       string `mapstructure:"PORT"`
		DBHost     string `mapstructure:"DB_HOST"`
		DBPort     string `mapstructure:"DB_PORT"`
		DBUser     string `mapstructure:"DB_USER"`
		DBPassword string `mapstructure:"DB_PASSWORD"`
		DBName     string `mapstructure:"DB_NAME"`
		DBSSLMode  string `mapstructure:"DB_SSL_MODE"`

		JWTSecret string `mapstructure:"JWT_SECRET"`

		StorageEndpoint  string `mapstructure:"STORAGE_ENDPOINT"`
		StorageAccessKey string `mapstructure:"STORAGE_ACCESS_KEY"`
		StorageSecretKey string `mapstructure:"STORAGE_SECRET_KEY"`
		StorageBucket    string `mapstructure:"STORAGE_BUCKET"`
		StoragePublicURL string `mapstructure:"STORAGE_PUBLIC_URL"`
		StorageUseSSL    bool   `mapstructure:"STORAGE_USE_SSL"`
	}
)

func NewConfig() (*Config, error) {
	viper.SetEnvPrefix("QUILLNOTE")

	viper.SetDefault("HOST", "0.0.0.0")
	viper.SetDefault("PORT", "1323")
	viper.SetDefault("DB_HOST", "0.0.0.0")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "db")
	viper.SetDefault("DB_SSL_MODE", sslModeDisable)
	viper.SetDefault("JWT_SECRET", "secret")
	viper.SetDefault("STORAGE_ENDPOINT", "0.0.0.0:9000")
	viper.SetDefault("STORAGE_ACCESS_KEY", "admin")
	viper.SetDefault("STORAGE_SECRET_KEY", "password")
	viper.SetDefault("STORAGE_BUCKET", "media")
	viper.SetDefault("STORAGE_PUBLIC_URL", "http://0.0.0.0:9000")
	viper.SetDefault("STORAGE_USE_SSL", false)

	envs := []string{
		"HOST", "PORT",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
		"JWT_SECRET",
		"STORAGE_ENDPOINT", "STORAGE_ACCESS_KEY", "STORAGE_SECRET_KEY",
		"STORAGE_BUCKET", "STORAGE_PUBLIC_URL", "STORAGE_USE_SSL",
	}
	for _, key := range envs {
		if err := viper.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	validSSLValues := []string{sslModeDisable, sslModeRequire}
	for _, validValue := range validSSLValues {
		if cfg.DBSSLMode == validValue {
			return nil
		}
	}
	return errors.New(fmt.Sprintf("DB SSL mode is invalid: %s", cfg.DBSSLMode))
}
