// Package config loads server settings from config.yaml with environment
// overrides. A .env file, when present, is folded into the environment first.
package config

import (
	"strings"

	"github.com/tgnichols/schemabase/internal/db"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Config is the full server configuration.
type Config struct {
	Database       db.Config
	Server         ServerConfig
	MigrationsPath string
	LogLevel       string
}

// Load reads configuration from configPath/config.yaml, then applies
// environment overrides (APP_DATABASE_HOST, APP_SERVER_PORT, ...). Missing
// config files are not an error; defaults plus environment apply.
func Load(configPath string) (Config, error) {
	// Best effort: absence of a .env file is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := db.DefaultConfig()
	v.SetDefault("database.host", defaults.Host)
	v.SetDefault("database.port", defaults.Port)
	v.SetDefault("database.user", defaults.User)
	v.SetDefault("database.password", defaults.Password)
	v.SetDefault("database.dbname", defaults.DBName)
	v.SetDefault("database.sslmode", defaults.SSLMode)
	v.SetDefault("database.maxconns", int(defaults.MaxConns))
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, err
		}
	}

	return Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: int32(v.GetInt("database.maxconns")),
		},
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
			RateLimitRPS:   v.GetFloat64("server.rate_limit_rps"),
			RateLimitBurst: v.GetInt("server.rate_limit_burst"),
		},
		MigrationsPath: v.GetString("migrations_path"),
		LogLevel:       v.GetString("log_level"),
	}, nil
}
