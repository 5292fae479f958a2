package domain

import "time"

// FailedItem describes one record that could not be written.
type FailedItem struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// UpdateStats holds the aggregate outcome of a bulk run.
type UpdateStats struct {
	Total   int          `json:"total"`
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []FailedItem `json:"errors"`
	Retries int          `json:"retries"`
}

// FailedRefs returns the set of refs listed in Errors.
func (s *UpdateStats) FailedRefs() map[RecordRef]bool {
	refs := make(map[RecordRef]bool, len(s.Errors))
	for _, e := range s.Errors {
		refs[RecordRef{ID: e.ID, Type: e.Type}] = true
	}
	return refs
}

// WriteResult is the outcome of a single record write.
type WriteResult struct {
	Attempts int
	Message  string
}

// Retries returns the number of attempts beyond the first.
func (w WriteResult) Retries() int {
	if w.Attempts <= 1 {
		return 0
	}
	return w.Attempts - 1
}

// Run kinds recorded in the update log.
const (
	RunSelected    = "selected"
	RunAllModified = "all_modified"
	RunScheduled   = "scheduled"
)

// RunLog is the artifact persisted once per bulk run.
type RunLog struct {
	RunID     string        `json:"run_id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      string        `json:"type"`
	Method    Method        `json:"method"`
	Stats     UpdateStats   `json:"stats"`
	Errors    []FailedItem  `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
}
