// Package config loads the directory server configuration from a file, a
// .env file, LDAPSEARCH_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/isometry/ldap-searcher/internal/ldap"
)

// EnvPrefix is prepended to every environment variable, e.g. LDAPSEARCH_HOST.
const EnvPrefix = "LDAPSEARCH"

// Keys lists every configuration key understood by Load.
var Keys = []string{
	"host",
	"domain",
	"port",
	"tls_mode",
	"insecure_skip_verify",
	"ca_cert_file",
	"bind_dn",
	"bind_password",
	"page_size",
	"max_pages",
	"timeout",
}

// FlagName returns the command line flag bound to key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// LoadOptions select the configuration sources. Every field is optional.
type LoadOptions struct {
	// File is a YAML, TOML or JSON configuration file.
	File string
	// EnvFile is loaded into the process environment first. Variables that
	// are already set are not overridden.
	EnvFile string
	// Flags are consulted for keys whose flag was set explicitly.
	Flags *pflag.FlagSet
}

// Load builds a validated server configuration. Precedence from lowest to
// highest: struct defaults, file, environment, flags.
func Load(opts LoadOptions) (*ldap.ServerConfig, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.File, err)
		}
	}

	if opts.Flags != nil {
		for _, key := range Keys {
			// Unchanged flags would shadow file and env values with their defaults.
			flag := opts.Flags.Lookup(FlagName(key))
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
			}
		}
	}

	cfg := ldap.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *ldap.ServerConfig) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fmt.Sprint(fe.Value()))
	case "file":
		return fmt.Sprintf("%s must name an existing file, got %q", fe.Field(), fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
}
