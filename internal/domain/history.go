package domain

import "time"

// Pagination bounds enforced on history queries. Limits outside the range are
// rejected at the HTTP boundary and clamped again in the service as a backstop.
const (
	MinPageLimit     = 1
	MaxPageLimit     = 100
	DefaultPageLimit = 20
)

// ClampLimit folds an out-of-range limit back into [MinPageLimit, MaxPageLimit],
// substituting the default for non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// Pagination is the page metadata attached to every history response.
type Pagination struct {
	CurrentPage  int   `json:"currentPage"`
	TotalPages   int   `json:"totalPages"`
	TotalRecords int64 `json:"totalRecords"`
	HasNextPage  bool  `json:"hasNextPage"`
	HasPrevPage  bool  `json:"hasPrevPage"`
	Limit        int   `json:"limit"`
}

// NewPagination derives page metadata from a total count.
func NewPagination(page, limit int, total int64) Pagination {
	if page < 1 {
		page = 1
	}
	limit = ClampLimit(limit)
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return Pagination{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalRecords: total,
		HasNextPage:  page < totalPages,
		HasPrevPage:  page > 1 && total > 0,
		Limit:        limit,
	}
}

// HistoryPage is one page of a document's or schema's audit history, newest
// version first.
type HistoryPage struct {
	Entries    []AuditLogEntry `json:"entries"`
	Pagination Pagination      `json:"pagination"`
}

// Timeframe bounds a stats aggregation window.
type Timeframe string

const (
	TimeframeDay   Timeframe = "24h"
	TimeframeWeek  Timeframe = "7d"
	TimeframeMonth Timeframe = "30d"
	TimeframeAll   Timeframe = "all"
)

// ParseTimeframe validates a timeframe string, defaulting empty to all.
func ParseTimeframe(value string) (Timeframe, error) {
	switch Timeframe(value) {
	case TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeAll:
		return Timeframe(value), nil
	case "":
		return TimeframeAll, nil
	}
	return "", NewValidationError("timeframe", "must be one of 24h, 7d, 30d, all, got %q", value)
}

// Since converts the timeframe into a cutoff instant; nil means unbounded.
func (t Timeframe) Since(now time.Time) *time.Time {
	var cutoff time.Time
	switch t {
	case TimeframeDay:
		cutoff = now.Add(-24 * time.Hour)
	case TimeframeWeek:
		cutoff = now.AddDate(0, 0, -7)
	case TimeframeMonth:
		cutoff = now.AddDate(0, 0, -30)
	default:
		return nil
	}
	return &cutoff
}

// AuditStats aggregates ledger activity for a schema over a timeframe.
type AuditStats struct {
	SchemaName        string              `json:"schemaName"`
	Timeframe         Timeframe           `json:"timeframe"`
	TotalEntries      int64               `json:"totalEntries"`
	DistinctDocuments int64               `json:"distinctDocuments"`
	Operations        map[Operation]int64 `json:"operations"`
}
