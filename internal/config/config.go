// Package config содержит логику чтения конфигурации сервиса ELIN.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultJWTSecret = "dev-only-change-me-please-replace-32+"

// Config содержит параметры конфигурации сервиса ELIN.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	AnswererAddress string        `env:"ANSWERER_ADDRESS"`
	AppEnv          string        `env:"APP_ENV"`
	JWTSecret       string        `env:"JWT_SECRET"`
	CORSOrigins     string        `env:"CORS_ORIGINS"`
	ReserveTimeout  time.Duration `env:"RESERVE_TIMEOUT"`
	JWTExpMinutes   int           `env:"JWT_EXP_MINUTES"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения переменных окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAnswererAddress := cfg.AnswererAddress
	envAppEnv := cfg.AppEnv
	envCORSOrigins := cfg.CORSOrigins

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AnswererAddress, "r", "", "answer generator address")
	flag.StringVar(&cfg.AppEnv, "e", "dev", "application environment (dev|test|prod)")
	flag.StringVar(&cfg.CORSOrigins, "c", "http://localhost:3000", "comma-separated CORS origins")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAnswererAddress != "" {
		cfg.AnswererAddress = envAnswererAddress
	}
	if envAppEnv != "" {
		cfg.AppEnv = envAppEnv
	}
	if envCORSOrigins != "" {
		cfg.CORSOrigins = envCORSOrigins
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "dev"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = defaultJWTSecret
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = 5 * time.Minute
	}
	if cfg.JWTExpMinutes <= 0 {
		cfg.JWTExpMinutes = 60
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate запрещает запуск production-окружения со слабым JWT-секретом.
func (c *Config) validate() error {
	if c.AppEnv != "prod" {
		return nil
	}
	if c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must not use development default when APP_ENV=prod")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters when APP_ENV=prod")
	}
	return nil
}
