// Package cli implements the ldap-searcher command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/pflag"

	"github.com/isometry/ldap-searcher/internal/batch"
	"github.com/isometry/ldap-searcher/internal/config"
	"github.com/isometry/ldap-searcher/internal/csvio"
	"github.com/isometry/ldap-searcher/internal/ldap"
	"github.com/isometry/ldap-searcher/internal/logging"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitRowErrors = 2
)

// DefaultErrorsFile receives the row error CSV unless --errors says otherwise.
const DefaultErrorsFile = "ldap-searcher-errors.csv"

// Options holds the non-server flags.
type Options struct {
	ConfigFile string
	EnvFile    string

	Input  string
	Output string
	Errors string

	Field              string
	Wildcards          bool
	Base               string
	Attributes         string
	AttributeDelimiter string
	Scope              string
	SizeLimit          int

	Separator string
	Delimiter string

	RowsPerSecond float64
	LogLevel      string
}

// Env carries the process streams and any session overrides.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	SessionOptions []ldap.SessionOption
}

// NewFlagSet registers every flag on a new set, binding tool flags to opts.
// Server flags are read back by config.Load.
func NewFlagSet(name string, opts *Options) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false

	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "server configuration file (yaml, toml or json)")
	flags.StringVar(&opts.EnvFile, "env-file", "", "load environment variables from this file first")

	flags.StringVarP(&opts.Input, "input", "i", "-", "input CSV, - for stdin")
	flags.StringVarP(&opts.Output, "output", "o", "-", "result CSV, - for stdout")
	flags.StringVarP(&opts.Errors, "errors", "e", DefaultErrorsFile, "row error CSV, written only when rows fail; - for stderr, which also carries log lines")

	flags.StringVarP(&opts.Field, "field", "f", "", "search this attribute for each input value instead of reading filter rows; values are matched literally")
	flags.BoolVar(&opts.Wildcards, "wildcards", false, "with --field, treat * in values as a substring wildcard")
	flags.StringVarP(&opts.Base, "base", "b", "", "search base for rows without one")
	flags.StringVarP(&opts.Attributes, "attributes", "a", "", "attributes to return for rows without a list")
	flags.StringVar(&opts.AttributeDelimiter, "attribute-delimiter", ldap.DefaultAttributeDelimiter, "delimiter between attribute names")
	flags.StringVar(&opts.Scope, "scope", "sub", "search scope: base, one or sub")
	flags.IntVar(&opts.SizeLimit, "size-limit", 0, "maximum entries per search, 0 for no limit")

	flags.StringVar(&opts.Separator, "separator", ldap.DefaultValueSeparator, "joins multiple values of one attribute")
	flags.StringVarP(&opts.Delimiter, "delimiter", "d", ",", "CSV field delimiter")

	flags.Float64Var(&opts.RowsPerSecond, "rows-per-second", 0, "pace searches, 0 for no pacing")
	flags.StringVar(&opts.LogLevel, "log-level", "warn", "trace, debug, info, warn, error or off")

	// Server settings; defaults live in the configuration layer.
	flags.String(config.FlagName("host"), "", "directory server host")
	flags.String(config.FlagName("domain"), "", "discover servers through DNS SRV records for this domain")
	flags.Int(config.FlagName("port"), 0, "directory server port (default 389, or 636 for ldaps)")
	flags.String(config.FlagName("tls_mode"), "", "none, ldaps or starttls (default starttls)")
	flags.Bool(config.FlagName("insecure_skip_verify"), false, "skip TLS certificate verification")
	flags.String(config.FlagName("ca_cert_file"), "", "PEM file with trusted CA certificates")
	flags.String(config.FlagName("bind_dn"), "", "bind DN, empty for anonymous")
	flags.Uint32(config.FlagName("page_size"), 0, "entries per page, 0 disables paging (default 500)")
	flags.Int(config.FlagName("max_pages"), 0, "page cap per search (default 1000)")
	flags.Duration(config.FlagName("timeout"), 0, "per-operation timeout (default 30s)")

	return flags
}

// Run executes the command and returns the process exit code.
func Run(ctx context.Context, args []string, env Env) int {
	var opts Options
	flags := NewFlagSet("ldap-searcher", &opts)
	flags.SetOutput(env.Stderr)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		return ExitFatal
	}

	code, err := run(ctx, flags, opts, env)
	if err != nil {
		fmt.Fprintf(env.Stderr, "ldap-searcher: %v\n", err)
	}
	return code
}

func run(ctx context.Context, flags *pflag.FlagSet, opts Options, env Env) (int, error) {
	ctx, err := logging.NewContext(ctx, opts.LogLevel)
	if err != nil {
		return ExitFatal, err
	}

	comma, err := delimiterRune(opts.Delimiter)
	if err != nil {
		return ExitFatal, err
	}

	scope, err := ldap.ParseSearchScope(opts.Scope)
	if err != nil {
		return ExitFatal, err
	}

	cfg, err := config.Load(config.LoadOptions{
		File:    opts.ConfigFile,
		EnvFile: opts.EnvFile,
		Flags:   flags,
	})
	if err != nil {
		return ExitFatal, err
	}

	rows, err := readInput(opts, comma, env)
	if err != nil {
		return ExitFatal, err
	}

	session, err := ldap.NewSession(cfg, env.SessionOptions...)
	if err != nil {
		return ExitFatal, err
	}
	defer session.Close()

	builder := ldap.Builder{
		AttributeDelimiter: opts.AttributeDelimiter,
		Scope:              scope,
		SizeLimit:          opts.SizeLimit,
	}
	executor := ldap.NewExecutor(session, ldap.ExecutorOptions{
		PageSize: cfg.PageSize,
		MaxPages: cfg.MaxPages,
	})
	runner := batch.NewRunner(session, builder, executor, ldap.NewNormalizer(opts.Separator), batch.Options{
		RowsPerSecond: opts.RowsPerSecond,
	})

	outcomes, bindErr := runner.Run(ctx, rows)

	writeOpts := csvio.WriteOptions{Comma: comma}
	if err := writeTo(opts.Output, env.Stdout, func(w io.Writer) error {
		return csvio.WriteResults(w, outcomes, writeOpts)
	}); err != nil {
		return ExitFatal, fmt.Errorf("failed to write results: %w", err)
	}

	summary := batch.Summarize(outcomes)
	if summary.HasFailures() {
		if err := writeTo(opts.Errors, env.Stderr, func(w io.Writer) error {
			return csvio.WriteErrors(w, outcomes, writeOpts)
		}); err != nil {
			return ExitFatal, fmt.Errorf("failed to write row errors: %w", err)
		}
	}

	tflog.Info(ctx, "Search finished", map[string]any{
		"rows":      summary.Rows,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"records":   summary.Records,
	})
	fmt.Fprintf(env.Stderr, "rows=%d succeeded=%d failed=%d records=%d\n",
		summary.Rows, summary.Succeeded, summary.Failed, summary.Records)

	switch {
	case bindErr != nil:
		return ExitFatal, bindErr
	case summary.HasFailures():
		return ExitRowErrors, nil
	default:
		return ExitOK, nil
	}
}

// readInput returns the batch rows, either from filter rows or, in field
// mode, one equality search per input value.
func readInput(opts Options, comma rune, env Env) ([]batch.Row, error) {
	in, closeIn, err := openInput(opts.Input, env.Stdin)
	if err != nil {
		return nil, err
	}
	defer closeIn()

	readOpts := csvio.ReadOptions{
		Comma:             comma,
		DefaultBase:       opts.Base,
		DefaultAttributes: opts.Attributes,
	}

	if opts.Field == "" {
		return csvio.ReadRows(in, readOpts)
	}

	if opts.Base == "" {
		return nil, errors.New("--base is required with --field")
	}

	values, err := csvio.ReadValues(in, readOpts)
	if err != nil {
		return nil, err
	}

	return FieldRows(FieldOptions{
		Field:      opts.Field,
		Base:       opts.Base,
		Attributes: opts.Attributes,
		Delimiter:  opts.AttributeDelimiter,
		Wildcards:  opts.Wildcards,
	}, values)
}

// FieldOptions configures FieldRows.
type FieldOptions struct {
	Field      string
	Base       string
	Attributes string
	Delimiter  string
	Wildcards  bool
}

// FieldRows turns search values into equality-filter rows. The searched
// field is listed first among the returned attributes.
func FieldRows(opts FieldOptions, values []csvio.Value) ([]batch.Row, error) {
	delimiter := opts.Delimiter
	if delimiter == "" {
		delimiter = ldap.DefaultAttributeDelimiter
	}
	attrs := opts.Field
	if opts.Attributes != "" {
		attrs = opts.Field + delimiter + opts.Attributes
	}

	filterFor := ldap.ValueFilter
	if opts.Wildcards {
		filterFor = ldap.WildcardFilter
	}

	rows := make([]batch.Row, 0, len(values))
	for _, v := range values {
		filter, err := filterFor(opts.Field, v.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch.Row{
			Index:      v.Index,
			Base:       opts.Base,
			Filter:     filter,
			Attributes: attrs,
		})
	}
	return rows, nil
}

func delimiterRune(s string) (rune, error) {
	if s == "" {
		return ',', nil
	}
	if s == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid CSV delimiter %q", s)
	}
	return r, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func writeTo(path string, std io.Writer, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(std)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
