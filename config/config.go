package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/creasty/defaults"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-playground/validator/v10"
)

// ShutdownPolicy decides what happens when a scope asks for a handle after test
// code shut its engine down explicitly.
type ShutdownPolicy string

const (
	// PolicyFailFast makes the resolution fail with emberkv.ErrResourceShutDown.
	PolicyFailFast ShutdownPolicy = "fail-fast"
	// PolicyRestart starts a fresh engine for the same scope.
	PolicyRestart ShutdownPolicy = "restart"
)

// Config defines the configuration for each embedded engine instance.
type Config struct {
	Version  embeddedpostgres.PostgresVersion `mapstructure:"version" validate:"required"` // e.g., embeddedpostgres.V16
	Host     string                           `mapstructure:"host" default:"localhost" validate:"required"`
	Port     uint32                           `mapstructure:"port" validate:"lte=65535"` // 0 selects a random free port per engine.
	Database string                           `mapstructure:"database" default:"emberkv" validate:"required"`
	Username string                           `mapstructure:"username" default:"emberkv" validate:"required"`
	Password string                           `mapstructure:"password" default:"emberkv" validate:"required"`

	BinariesPath    string        `mapstructure:"binaries_path"`                                    // Optional: existing postgres binaries. Downloaded if empty.
	RuntimeBasePath string        `mapstructure:"runtime_base_path" default:".emberkv" validate:"required"` // Parent of the per-engine runtime directories and the LOG file.
	StartTimeout    time.Duration `mapstructure:"start_timeout" default:"15s" validate:"gt=0"`

	// Logger receives the raw server output. Nil discards it.
	Logger io.Writer `mapstructure:"-"`

	StartupParams map[string]string `mapstructure:"startup_params"` // Extra postgresql.conf parameters.
	DSNParams     map[string]string `mapstructure:"dsn_params"`     // Extra parameters appended to the DSN.

	KeepData       bool           `mapstructure:"keep_data"` // Keep the runtime directory after shutdown.
	ShutdownPolicy ShutdownPolicy `mapstructure:"shutdown_policy" default:"fail-fast" validate:"oneof=fail-fast restart"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the essential fields are set correctly.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config validation failed: %s: %w", strings.Join(msgs, ", "), err)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	var c Config
	defaults.MustSet(&c)
	c.Version = embeddedpostgres.V16
	c.Logger = os.Stderr
	return c
}

// DSN builds a connection string for the configured database.
// The port must already be assigned.
func (c *Config) DSN() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	base := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		host,
		c.Port,
		c.Database,
	)
	if len(c.DSNParams) == 0 {
		return base
	}

	keys := make([]string, 0, len(c.DSNParams))
	for k := range c.DSNParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(c.DSNParams[k])))
	}
	return base + "&" + strings.Join(params, "&")
}
