package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// Default tuning values for searches.
const (
	DefaultPageSize = 500
	DefaultMaxPages = 1000
	DefaultTimeout  = 30 * time.Second

	// DefaultValueSeparator joins multi-valued attributes in a record.
	DefaultValueSeparator = ";"

	// DefaultAttributeDelimiter splits a row's raw attribute list.
	DefaultAttributeDelimiter = ","
)

// TLSMode selects how the transport is secured.
type TLSMode string

const (
	TLSModeNone     TLSMode = "none"
	TLSModeLDAPS    TLSMode = "ldaps"
	TLSModeStartTLS TLSMode = "starttls"
)

// ServerConfig holds everything needed to reach and authenticate against one
// directory server.
type ServerConfig struct {
	// Connection settings
	Host    string  `mapstructure:"host" validate:"required_without=Domain"`
	Domain  string  `mapstructure:"domain"` // Domain for SRV discovery when Host is empty
	Port    int     `mapstructure:"port" validate:"min=0,max=65535"`
	TLSMode TLSMode `mapstructure:"tls_mode" default:"starttls" validate:"oneof=none ldaps starttls"`

	// TLS settings
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	CACertFile         string `mapstructure:"ca_cert_file" validate:"omitempty,file"`

	// Authentication settings
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`

	// Search settings
	PageSize uint32        `mapstructure:"page_size" default:"500"`
	MaxPages int           `mapstructure:"max_pages" default:"1000" validate:"min=1"`
	Timeout  time.Duration `mapstructure:"timeout" default:"30s" validate:"gt=0"`
}

// DefaultConfig returns a configuration populated from struct defaults.
func DefaultConfig() *ServerConfig {
	cfg := &ServerConfig{}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static, so this only trips on a programming error.
		panic(fmt.Sprintf("invalid server config defaults: %v", err))
	}
	return cfg
}

// EffectivePort returns the configured port or the standard port for the TLS mode.
func (c *ServerConfig) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.TLSMode == TLSModeLDAPS {
		return 636
	}
	return 389
}

// Credentials returns the bind credentials carried by the configuration.
func (c *ServerConfig) Credentials() Credentials {
	return Credentials{BindDN: c.BindDN, Password: c.BindPassword}
}

// TLSConfigFor builds the TLS client configuration for the given server name.
// It returns nil when the TLS mode is none.
func (c *ServerConfig) TLSConfigFor(serverName string) (*tls.Config, error) {
	if c.TLSMode == TLSModeNone {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in via configuration
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Credentials identify the bind principal. An empty BindDN means anonymous.
type Credentials struct {
	BindDN   string
	Password string
}

// Anonymous reports whether the credentials request an anonymous bind.
func (c Credentials) Anonymous() bool {
	return c.BindDN == ""
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config"
}

// ConnectionState tracks the lifecycle of a Session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateBound
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SearchScope defines LDAP search scope. Values match the protocol encoding.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// ParseSearchScope accepts base, one or sub (and the long forms).
func ParseSearchScope(s string) (SearchScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "baseobject":
		return ScopeBaseObject, nil
	case "one", "onelevel", "singlelevel":
		return ScopeSingleLevel, nil
	case "", "sub", "subtree", "wholesubtree":
		return ScopeWholeSubtree, nil
	default:
		return ScopeWholeSubtree, fmt.Errorf("unknown search scope %q", s)
	}
}
