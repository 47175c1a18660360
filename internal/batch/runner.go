package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/time/rate"

	"github.com/isometry/ldap-searcher/internal/ldap"
)

// LogSubsystem is the tflog subsystem used by the orchestrator.
const LogSubsystem = "batch"

// ErrConnectionUnavailable marks rows that were never attempted because the
// session could not be bound.
var ErrConnectionUnavailable = errors.New("connection unavailable")

// Row holds the raw search parameters of one input row.
type Row struct {
	Index      int
	Base       string
	Filter     string
	Attributes string
}

// Status is the outcome of one row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// RowOutcome is the result of processing one input row.
type RowOutcome struct {
	RowIndex int
	Status   Status
	Columns  []string
	Records  []ldap.ResultRecord
	Err      error
}

// ErrorKind returns the classification of the row failure, or "" on success.
func (o RowOutcome) ErrorKind() ldap.ErrorKind {
	return ldap.KindOf(o.Err)
}

// Message returns the failure detail, or "" on success.
func (o RowOutcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Session is the part of *ldap.Session the runner drives.
type Session interface {
	EnsureBound(ctx context.Context) error
	Reset()
}

// Executor runs one built request to completion.
type Executor interface {
	Execute(ctx context.Context, req *ldap.SearchRequest) ([]*ldap.DirectoryEntry, error)
}

// Options tune a Runner.
type Options struct {
	// RowsPerSecond paces row starts. Set to <=0 to disable.
	RowsPerSecond float64
}

// Runner processes rows sequentially over a single session.
type Runner struct {
	session    Session
	builder    ldap.Builder
	executor   Executor
	normalizer *ldap.Normalizer
	limiter    *rate.Limiter
}

// NewRunner creates a Runner. A nil normalizer uses the default separator.
func NewRunner(session Session, builder ldap.Builder, executor Executor, normalizer *ldap.Normalizer, opts Options) *Runner {
	if normalizer == nil {
		normalizer = ldap.NewNormalizer("")
	}

	var limiter *rate.Limiter
	if opts.RowsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RowsPerSecond), 1)
	}

	return &Runner{
		session:    session,
		builder:    builder,
		executor:   executor,
		normalizer: normalizer,
		limiter:    limiter,
	}
}

// Run processes every row and returns exactly one outcome per row, in input
// order. The returned error is non-nil only when the initial bind fails.
func (r *Runner) Run(ctx context.Context, rows []Row) ([]RowOutcome, error) {
	start := time.Now()
	outcomes := make([]RowOutcome, 0, len(rows))

	tflog.SubsystemInfo(ctx, LogSubsystem, "Starting batch", map[string]any{
		"rows": len(rows),
	})

	if err := r.session.EnsureBound(ctx); err != nil {
		tflog.SubsystemError(ctx, LogSubsystem, "Initial bind failed, no rows will be searched", map[string]any{
			"error":      err.Error(),
			"error_kind": string(ldap.KindOf(err)),
		})
		for _, row := range rows {
			outcomes = append(outcomes, unavailable(row, err))
		}
		return outcomes, err
	}

	var (
		needRebind bool
		lostErr    error
	)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(ctx, LogSubsystem, "Batch cancelled", map[string]any{
				"remaining_rows": len(rows) - i,
			})
			for _, rest := range rows[i:] {
				outcomes = append(outcomes, cancelled(rest, err))
			}
			break
		}

		if lostErr != nil {
			outcomes = append(outcomes, unavailable(row, lostErr))
			continue
		}

		if needRebind {
			needRebind = false
			r.session.Reset()
			if err := r.session.EnsureBound(ctx); err != nil {
				tflog.SubsystemError(ctx, LogSubsystem, "Rebind failed, skipping remaining rows", map[string]any{
					"error":          err.Error(),
					"remaining_rows": len(rows) - i,
				})
				lostErr = err
				outcomes = append(outcomes, unavailable(row, err))
				continue
			}
			tflog.SubsystemInfo(ctx, LogSubsystem, "Session re-established", map[string]any{
				"row_index": row.Index,
			})
		}

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				for _, rest := range rows[i:] {
					outcomes = append(outcomes, cancelled(rest, err))
				}
				break
			}
		}

		outcome := r.runRow(ctx, row)
		outcomes = append(outcomes, outcome)

		if outcome.Err != nil {
			tflog.SubsystemWarn(ctx, LogSubsystem, "Row failed", map[string]any{
				"row_index":  row.Index,
				"error_kind": string(outcome.ErrorKind()),
				"error":      outcome.Message(),
			})
			if ldap.IsConnectionLevel(outcome.Err) {
				needRebind = true
			}
		}
	}

	summary := Summarize(outcomes)
	tflog.SubsystemInfo(ctx, LogSubsystem, "Batch completed", map[string]any{
		"rows":        summary.Rows,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"records":     summary.Records,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return outcomes, nil
}

// runRow builds, executes and normalizes one row. A panic anywhere in the
// pipeline becomes that row's error.
func (r *Runner) runRow(ctx context.Context, row Row) (outcome RowOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = failed(row, &ldap.Error{
				Kind:    ldap.KindInternal,
				Op:      "batch",
				Message: fmt.Sprintf("panic while processing row: %v", p),
			})
		}
	}()

	req, err := r.builder.Build(row.Base, row.Filter, row.Attributes)
	if err != nil {
		return failed(row, err)
	}

	tflog.SubsystemDebug(ctx, LogSubsystem, "Executing row", map[string]any{
		"row_index":  row.Index,
		"base_dn":    req.Base(),
		"filter":     req.Filter(),
		"attributes": req.Attributes(),
	})

	entries, err := r.executor.Execute(ctx, req)
	if err != nil {
		return failed(row, err)
	}

	set := r.normalizer.NormalizeAll(entries, req.Attributes())
	return RowOutcome{
		RowIndex: row.Index,
		Status:   StatusSuccess,
		Columns:  set.Columns,
		Records:  set.Records,
	}
}

func failed(row Row, err error) RowOutcome {
	return RowOutcome{RowIndex: row.Index, Status: StatusError, Err: err}
}

func unavailable(row Row, cause error) RowOutcome {
	return failed(row, fmt.Errorf("%w: %w", ErrConnectionUnavailable, cause))
}

func cancelled(row Row, cause error) RowOutcome {
	return failed(row, &ldap.Error{
		Kind:    ldap.KindCancelled,
		Op:      "batch",
		Message: "row not started, batch cancelled",
		Cause:   cause,
	})
}
