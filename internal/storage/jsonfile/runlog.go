package jsonfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

const runLogPrefix = "update_"

// RunLogWriter writes one JSON file per bulk run into a directory.
type RunLogWriter struct {
	dir string
}

func NewRunLogWriter(dir string) *RunLogWriter {
	return &RunLogWriter{dir: dir}
}

// Save writes logs/update_<YYYYmmdd_HHMMSS>_<run id prefix>.json.
func (w *RunLogWriter) Save(_ context.Context, entry domain.RunLog) error {
	id := entry.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s%s_%s.json", runLogPrefix, entry.Timestamp.UTC().Format("20060102_150405"), id)
	if err := WriteJSON(filepath.Join(w.dir, name), entry); err != nil {
		return fmt.Errorf("save run log: %w", err)
	}
	return nil
}

// Recent returns up to limit run logs, newest first.
func (w *RunLogWriter) Recent(_ context.Context, limit int) ([]domain.RunLog, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.RunLog{}, nil
		}
		return nil, fmt.Errorf("read run log directory %s: %w", w.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), runLogPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	logs := make([]domain.RunLog, 0, len(names))
	for _, name := range names {
		var entry domain.RunLog
		if err := ReadJSON(filepath.Join(w.dir, name), &entry); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, nil
}
