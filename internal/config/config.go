package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/ehr/phonesync/internal/domain/phone"
)

type Config struct {
	Env                 string `mapstructure:"ENV"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	Port                string `mapstructure:"PORT"`
	PhoneFormat         string `mapstructure:"PHONE_FORMAT"`
	PhoneValidation     string `mapstructure:"PHONE_VALIDATION"`
	NationalIDSystem    string `mapstructure:"NATIONAL_ID_SYSTEM"`
	Timezone            string `mapstructure:"TIMEZONE"`
	ChangesPath         string `mapstructure:"CHANGES_PATH"`
	ChangesSheet        string `mapstructure:"CHANGES_SHEET"`
	RecordsPath         string `mapstructure:"RECORDS_PATH"`
	RecordSource        string `mapstructure:"RECORD_SOURCE"`
	OutputDir           string `mapstructure:"OUTPUT_DIR"`
	OutputRecordsFormat string `mapstructure:"OUTPUT_RECORDS_FORMAT"`
	RejectedXLSX        bool   `mapstructure:"REJECTED_XLSX"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"PHONE_FORMAT", "PHONE_VALIDATION", "NATIONAL_ID_SYSTEM", "TIMEZONE",
	"CHANGES_PATH", "CHANGES_SHEET", "RECORDS_PATH", "RECORD_SOURCE",
	"OUTPUT_DIR", "OUTPUT_RECORDS_FORMAT", "REJECTED_XLSX",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("PHONE_FORMAT", string(phone.International))
	v.SetDefault("PHONE_VALIDATION", "basic")
	v.SetDefault("NATIONAL_ID_SYSTEM", "https://fhir.kemkes.go.id/id/nik")
	v.SetDefault("TIMEZONE", "Asia/Jakarta")
	v.SetDefault("RECORD_SOURCE", "file")
	v.SetDefault("OUTPUT_DIR", "./output")
	v.SetDefault("OUTPUT_RECORDS_FORMAT", "bundle")
	v.SetDefault("REJECTED_XLSX", false)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Format returns the configured output format. Call Validate first.
func (c *Config) Format() phone.Format {
	f, err := phone.ParseFormat(c.PhoneFormat)
	if err != nil {
		return phone.International
	}
	return f
}

// Location loads TIMEZONE, the zone lastUpdated stamps are written in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// UsesPostgres reports whether records are loaded from and saved to the
// database instead of RECORDS_PATH.
func (c *Config) UsesPostgres() bool {
	return c.RecordSource == "postgres"
}

// Validate checks the settings every command depends on. Paths are checked
// by the commands that need them.
func (c *Config) Validate() error {
	if _, err := phone.ParseFormat(c.PhoneFormat); err != nil {
		return fmt.Errorf("PHONE_FORMAT: %w", err)
	}
	if c.PhoneValidation != "basic" && c.PhoneValidation != "numberplan" {
		return fmt.Errorf("PHONE_VALIDATION must be \"basic\" or \"numberplan\", got %q", c.PhoneValidation)
	}
	if c.NationalIDSystem == "" {
		return fmt.Errorf("NATIONAL_ID_SYSTEM is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RecordSource != "file" && c.RecordSource != "postgres" {
		return fmt.Errorf("RECORD_SOURCE must be \"file\" or \"postgres\", got %q", c.RecordSource)
	}
	if c.UsesPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when RECORD_SOURCE is \"postgres\"")
	}
	if c.OutputRecordsFormat != "bundle" && c.OutputRecordsFormat != "ndjson" {
		return fmt.Errorf("OUTPUT_RECORDS_FORMAT must be \"bundle\" or \"ndjson\", got %q", c.OutputRecordsFormat)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// RequireDatabase is checked by the commands that always talk to Postgres.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
