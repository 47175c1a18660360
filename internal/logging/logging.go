// Package logging installs the root logger and the engine subsystems on a
// context.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/isometry/ldap-searcher/internal/batch"
	"github.com/isometry/ldap-searcher/internal/ldap"
)

// Name is the root logger name.
const Name = "ldap-searcher"

// LevelEnvPrefix prefixes the per-subsystem level overrides.
// Pattern: LDAPSEARCH_LOG_<SUBSYSTEM>
const LevelEnvPrefix = "LDAPSEARCH_LOG"

// Subsystems lists the subsystems registered by NewContext.
var Subsystems = []string{ldap.LogSubsystem, batch.LogSubsystem}

// ParseLevel accepts trace, debug, info, warn, error and off.
func ParseLevel(level string) (hclog.Level, error) {
	l := hclog.LevelFromString(strings.TrimSpace(level))
	if l == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewContext returns ctx carrying a JSON root logger at level, written to
// stderr, and one subsystem per engine component. A subsystem level can be
// raised or lowered with LDAPSEARCH_LOG_<SUBSYSTEM>.
func NewContext(ctx context.Context, level string) (context.Context, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return ctx, err
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(Name),
		tfsdklog.WithLevel(l),
		tfsdklog.WithoutLocation(),
	)

	for _, subsystem := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv(LevelEnvPrefix, subsystem))
	}

	return ctx, nil
}
