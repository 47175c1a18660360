package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Searcher performs a single protocol search round-trip. *Session
// implements it.
type Searcher interface {
	Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

// ExecutorOptions tune paging.
type ExecutorOptions struct {
	PageSize uint32 // Zero disables the paging control
	MaxPages int    // Safety cap on page round-trips per search
}

// DefaultExecutorOptions returns the default paging options.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		PageSize: DefaultPageSize,
		MaxPages: DefaultMaxPages,
	}
}

// Executor runs SearchRequests to completion, following paging cookies.
type Executor struct {
	searcher Searcher
	opts     ExecutorOptions
}

// NewExecutor creates an Executor. A non-positive MaxPages falls back to
// DefaultMaxPages.
func NewExecutor(searcher Searcher, opts ExecutorOptions) *Executor {
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	return &Executor{
		searcher: searcher,
		opts:     opts,
	}
}

// Execute issues req page by page until the server returns an empty or absent
// cookie, and returns every entry in server order. A response without a
// paging control is treated as the only page.
func (e *Executor) Execute(ctx context.Context, req *SearchRequest) ([]*DirectoryEntry, error) {
	if req == nil {
		return nil, newError(KindValidation, "search", "search request cannot be nil", nil)
	}

	start := time.Now()
	fields := map[string]any{
		"base_dn":    req.Base(),
		"filter":     req.Filter(),
		"scope":      req.Scope().String(),
		"attributes": req.Attributes(),
		"page_size":  e.opts.PageSize,
	}

	tflog.SubsystemDebug(ctx, LogSubsystem, "Starting paged search", fields)

	var pagingControl *ldap.ControlPaging
	var controls []ldap.Control
	if e.opts.PageSize > 0 {
		pagingControl = ldap.NewControlPaging(e.opts.PageSize)
		controls = []ldap.Control{pagingControl}
	}

	var entries []*DirectoryEntry
	pageNum := 0

	for {
		if pageNum >= e.opts.MaxPages {
			err := newError(KindSearch, "search", fmt.Sprintf("paged search exceeded the limit of %d pages", e.opts.MaxPages), nil)
			err.DN = req.Base()
			tflog.SubsystemError(ctx, LogSubsystem, "Paged search exceeded maximum page limit, terminating", map[string]any{
				"base_dn":         req.Base(),
				"filter":          req.Filter(),
				"pages_completed": pageNum,
				"max_pages":       e.opts.MaxPages,
				"entries_found":   len(entries),
			})
			return nil, err
		}

		pageNum++
		pageStart := time.Now()

		result, err := e.searcher.Search(ctx, req.protocolRequest(controls))
		if err != nil {
			searchErr := NewError("search", err)
			LogLDAPError(ctx, "paged_search", searchErr, map[string]any{
				"base_dn":     req.Base(),
				"filter":      req.Filter(),
				"page_number": pageNum,
			})
			return nil, searchErr
		}

		for _, entry := range result.Entries {
			entries = append(entries, NewDirectoryEntry(entry))
		}

		tflog.SubsystemTrace(ctx, LogSubsystem, "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(entries),
			"duration_ms":     time.Since(pageStart).Milliseconds(),
		})

		if pageNum%10 == 0 {
			elapsed := time.Since(start)
			tflog.SubsystemInfo(ctx, LogSubsystem, "Paged search in progress", map[string]any{
				"base_dn":              req.Base(),
				"pages_completed":      pageNum,
				"total_entries":        len(entries),
				"elapsed_seconds":      int(elapsed.Seconds()),
				"average_page_time_ms": elapsed.Milliseconds() / int64(pageNum),
			})
		}

		if pagingControl == nil {
			break
		}

		responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	LogPerformance(ctx, "paged_search", time.Since(start), map[string]any{
		"base_dn":         req.Base(),
		"total_entries":   len(entries),
		"pages_processed": pageNum,
	})

	return entries, nil
}
