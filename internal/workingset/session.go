package workingset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/storage/jsonfile"
)

const SessionFileName = "session.json"

const sessionVersion = "1.0"

type sessionMetadata struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	TotalItems   int       `json:"total_items"`
	ContentTypes []string  `json:"content_types"`
}

type sessionFile struct {
	Metadata sessionMetadata        `json:"metadata"`
	Records  []domain.ContentRecord `json:"records"`
}

// LoadSession reads a session file. A missing file yields an empty set.
func LoadSession(path string) (*Set, error) {
	var sf sessionFile
	if err := jsonfile.ReadJSON(path, &sf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return New(sf.Records), nil
}

// SaveSession writes the whole set atomically.
func SaveSession(path string, s *Set) error {
	var types []string
	seen := make(map[string]bool)
	for _, rec := range s.records {
		if !seen[rec.Type] {
			seen[rec.Type] = true
			types = append(types, rec.Type)
		}
	}

	sf := sessionFile{
		Metadata: sessionMetadata{
			Timestamp:    time.Now().UTC(),
			Version:      sessionVersion,
			TotalItems:   len(s.records),
			ContentTypes: types,
		},
		Records: s.All(),
	}
	if err := jsonfile.WriteJSON(path, sf); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SessionStore resolves scheduled refs against the session file as it is on
// disk at trigger time and writes synced originals back to it.
type SessionStore struct {
	path string
	mu   sync.Mutex
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

func (st *SessionStore) Resolve(_ context.Context, refs []domain.RecordRef) ([]domain.ContentRecord, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	set, err := LoadSession(st.path)
	if err != nil {
		return nil, err
	}
	return set.Resolve(refs), nil
}

func (st *SessionStore) MarkSynced(_ context.Context, records []domain.ContentRecord, stats *domain.UpdateStats) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	set, err := LoadSession(st.path)
	if err != nil {
		return err
	}
	if set.MarkSynced(records, stats) == 0 {
		return nil
	}
	return SaveSession(st.path, set)
}
