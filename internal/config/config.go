// Package config loads runtime configuration from environment variables.
// A .env file, when present, is read first by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dalat-app/rsvp-engine/internal/database"
)

// Config holds the core settings every deployment must provide.
type Config struct {
	Env            string // APP_ENV (dev, test, prod)
	Port           string // APP_PORT
	LogLevel       string // LOG_LEVEL, default info
	DBUser         string
	DBPass         string // may be empty
	DBHost         string
	DBPort         string
	DBName         string
	RunMigrations  bool   // DB_MIGRATE, default true
	JWTSecret      string // signs access tokens
	AccessTTLMin   int    // access token lifetime in minutes
	RefreshTTLDays int    // refresh token lifetime in days
	BcryptCost     int
}

// Load reads the core settings. Every missing or malformed required
// variable is reported in the returned error.
func Load() (Config, error) {
	var errs []error
	must := func(key string) string {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", key))
		}
		return v
	}
	mustInt := func(key string) int {
		s := must(key)
		if s == "" {
			return 0
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid int for %s: %q", key, s))
		}
		return n
	}

	cfg := Config{
		Env:            must("APP_ENV"),
		Port:           must("APP_PORT"),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"),
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		RunMigrations:  envBool("DB_MIGRATE", true),
		JWTSecret:      must("JWT_SECRET"),
		AccessTTLMin:   mustInt("ACCESS_TOKEN_TTL_MIN"),
		RefreshTTLDays: mustInt("REFRESH_TOKEN_TTL_DAYS"),
		BcryptCost:     mustInt("BCRYPT_COST"),
	}
	return cfg, errors.Join(errs...)
}

// DB returns the connection settings for the database package.
func (c Config) DB() database.Settings {
	return database.Settings{User: c.DBUser, Pass: c.DBPass, Host: c.DBHost, Port: c.DBPort, Name: c.DBName}
}
