// Package config loads the engine configuration from an optional YAML file,
// a .env file and FISCAL_* environment variables, in increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/util"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var logger = logrus.WithField("component", "config")

type Config struct {
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Authority AuthorityConfig `yaml:"authority"`
	Emission  EmissionConfig  `yaml:"emission"`
	Auth      AuthConfig      `yaml:"auth"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Migrations bool   `yaml:"migrations"`
}

type AuthorityConfig struct {
	Environment    string        `yaml:"environment"`
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Timeout        time.Duration `yaml:"timeout"`
	SimulatedDelay time.Duration `yaml:"simulated_delay"`
	RejectReason   string        `yaml:"reject_reason"`
}

type EmissionConfig struct {
	DefaultSeries  string `yaml:"default_series"`
	ServiceTaxRate string `yaml:"service_tax_rate"`
	AuditAttempts  bool   `yaml:"audit_attempts"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "fiscal.db",
		},
		Authority: AuthorityConfig{
			Environment:    fiscal.Sandbox.Name(),
			Timeout:        30 * time.Second,
			SimulatedDelay: 500 * time.Millisecond,
		},
		Emission: EmissionConfig{
			DefaultSeries:  "1",
			ServiceTaxRate: "0.05",
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Could not read .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database.Driver = util.GetEnv("FISCAL_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = util.GetEnv("FISCAL_DB_DSN", c.Database.DSN)
	c.Authority.BaseURL = util.GetEnv("FISCAL_AUTHORITY_URL", c.Authority.BaseURL)
	c.Authority.Token = util.GetEnv("FISCAL_AUTHORITY_TOKEN", c.Authority.Token)
	c.Auth.JWTSecret = util.GetEnv("FISCAL_JWT_SECRET", c.Auth.JWTSecret)
	c.Listen = util.GetEnv("FISCAL_LISTEN", c.Listen)
	c.Log.Level = util.GetEnv("FISCAL_LOG_LEVEL", c.Log.Level)

	c.Authority.Environment = util.GetEnv("FISCAL_ENV", c.Authority.Environment)
	if v, ok := os.LookupEnv("FISCAL_DB_MIGRATIONS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "FISCAL_DB_MIGRATIONS")
		}
		c.Database.Migrations = b
	}
	if util.DebugEnabled() {
		c.Log.Level = "debug"
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "database.driver must be sqlite or postgres, got "+strconv.Quote(c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Database.Migrations && c.Database.Driver != "postgres" {
		problems = append(problems, "database.migrations requires the postgres driver")
	}
	var env fiscal.Environment
	if err := env.UnmarshalText([]byte(c.Authority.Environment)); err != nil {
		problems = append(problems, "authority.environment: "+err.Error())
	} else if env != fiscal.Sandbox && c.Authority.Token == "" {
		problems = append(problems, "authority.token is required outside the sandbox")
	}
	if c.Authority.Timeout <= 0 {
		problems = append(problems, "authority.timeout must be positive")
	}
	if series := strings.TrimSpace(c.Emission.DefaultSeries); series == "" {
		problems = append(problems, "emission.default_series is required")
	} else if len(series) > model.MaxSeriesLen {
		problems = append(problems, "emission.default_series must have at most 10 characters")
	}
	if rate, err := decimal.NewFromString(c.Emission.ServiceTaxRate); err != nil || rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		problems = append(problems, "emission.service_tax_rate must be a decimal in [0, 1)")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Env returns the parsed authority environment. Call after Validate.
func (c *AuthorityConfig) Env() fiscal.Environment {
	var env fiscal.Environment
	_ = env.UnmarshalText([]byte(c.Environment))
	return env
}

// ServiceTaxRate returns the parsed rate. Call after Validate.
func (c *Config) ServiceTaxRate() decimal.Decimal {
	return decimal.RequireFromString(c.Emission.ServiceTaxRate)
}

// Redacted is a copy safe to show to operators.
func (c *Config) Redacted() Config {
	out := *c
	if out.Authority.Token != "" {
		out.Authority.Token = "***"
	}
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	if out.Database.DSN != "" && out.Database.Driver == "postgres" {
		out.Database.DSN = maskPassword(out.Database.DSN)
	}
	return out
}

// SetupLogging applies the configured level to the standard logrus logger.
func (c *Config) SetupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func maskPassword(dsn string) string {
	if i := strings.Index(dsn, "password="); i >= 0 {
		end := strings.IndexByte(dsn[i:], ' ')
		if end < 0 {
			return dsn[:i] + "password=***"
		}
		return dsn[:i] + "password=***" + dsn[i+end:]
	}
	if at := strings.LastIndexByte(dsn, '@'); at > 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 {
			if colon := strings.IndexByte(dsn[scheme+3:at], ':'); colon >= 0 {
				return dsn[:scheme+3+colon+1] + "***" + dsn[at:]
			}
		}
	}
	return dsn
}
