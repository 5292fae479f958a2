// Package workingset holds the local copy of content records that the
// user edits before pushing them to WordPress.
package workingset

import (
	"cmp"
	"slices"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/seo"
)

// Edit carries the SEO fields to change. Nil fields are left untouched.
type Edit struct {
	SEOTitle       *string
	SEODescription *string
	TitleH1        *string
}

// Set is not safe for concurrent use. It is owned by one control flow.
type Set struct {
	records []domain.ContentRecord
	index   map[domain.RecordRef]int
	// modified is recomputed after every mutation.
	modified []domain.RecordRef
}

func New(records []domain.ContentRecord) *Set {
	s := &Set{}
	s.Replace(records)
	return s
}

// Replace drops everything and keeps records. Later duplicates of the same
// ref overwrite earlier ones.
func (s *Set) Replace(records []domain.ContentRecord) {
	s.records = make([]domain.ContentRecord, 0, len(records))
	s.index = make(map[domain.RecordRef]int, len(records))
	for _, rec := range records {
		s.put(rec)
	}
	s.refresh()
}

// Upsert adds or replaces records without touching the others.
func (s *Set) Upsert(records ...domain.ContentRecord) {
	for _, rec := range records {
		s.put(rec)
	}
	s.refresh()
}

func (s *Set) put(rec domain.ContentRecord) {
	if i, ok := s.index[rec.Ref()]; ok {
		s.records[i] = rec
		return
	}
	s.index[rec.Ref()] = len(s.records)
	s.records = append(s.records, rec)
}

func (s *Set) Get(ref domain.RecordRef) (domain.ContentRecord, bool) {
	i, ok := s.index[ref]
	if !ok {
		return domain.ContentRecord{}, false
	}
	return s.records[i], true
}

func (s *Set) All() []domain.ContentRecord {
	return slices.Clone(s.records)
}

func (s *Set) Len() int {
	return len(s.records)
}

// Edit applies e to the record and reports whether the record exists.
func (s *Set) Edit(ref domain.RecordRef, e Edit) bool {
	i, ok := s.index[ref]
	if !ok {
		return false
	}
	rec := &s.records[i]
	if e.SEOTitle != nil {
		rec.SEOTitle = *e.SEOTitle
	}
	if e.SEODescription != nil {
		rec.SEODescription = *e.SEODescription
	}
	if e.TitleH1 != nil {
		rec.TitleH1 = *e.TitleH1
	}
	s.refresh()
	return true
}

// Modified returns the records whose current fields differ from their
// originals, ordered by type then id.
func (s *Set) Modified() []domain.ContentRecord {
	out := make([]domain.ContentRecord, 0, len(s.modified))
	for _, ref := range s.modified {
		out = append(out, s.records[s.index[ref]])
	}
	return out
}

func (s *Set) ModifiedCount() int {
	return len(s.modified)
}

// Resolve returns the current records for refs, skipping unknown refs.
func (s *Set) Resolve(refs []domain.RecordRef) []domain.ContentRecord {
	out := make([]domain.ContentRecord, 0, len(refs))
	for _, ref := range refs {
		if rec, ok := s.Get(ref); ok {
			out = append(out, rec)
		}
	}
	return out
}

// MarkSynced copies the written values into the originals of every record
// in records that stats does not list as failed, and returns how many
// records were marked.
//
// Nothing is marked when a systemic failure is reported or when the run did
// not account for every record, since the records that were never attempted
// cannot be told apart from the written ones.
func (s *Set) MarkSynced(records []domain.ContentRecord, stats *domain.UpdateStats) int {
	if stats == nil || stats.Success+stats.Failed < stats.Total {
		return 0
	}
	failed := stats.FailedRefs()
	for ref := range failed {
		if ref.Type == "system" {
			return 0
		}
	}

	marked := 0
	for _, written := range records {
		ref := written.Ref()
		if failed[ref] {
			continue
		}
		i, ok := s.index[ref]
		if !ok {
			continue
		}
		rec := &s.records[i]
		rec.OriginalSEOTitle = written.SEOTitle
		rec.OriginalSEODescription = written.SEODescription
		rec.OriginalTitleH1 = written.TitleH1
		marked++
	}
	s.refresh()
	return marked
}

// Summary counts records per content type. The issue counts use the
// generic length windows since records do not keep their convention.
type Summary struct {
	Total             int
	Modified          int
	ByType            map[string]int
	TitleIssues       int
	DescriptionIssues int
}

func (s *Set) Summary() Summary {
	sum := Summary{Total: len(s.records), Modified: len(s.modified), ByType: make(map[string]int)}
	for _, rec := range s.records {
		sum.ByType[rec.Type]++
		if seo.ClassifyTitle(seo.Generic, rec.SEOTitle) != seo.Good {
			sum.TitleIssues++
		}
		if seo.ClassifyDescription(rec.SEODescription) != seo.Good {
			sum.DescriptionIssues++
		}
	}
	return sum
}

func (s *Set) refresh() {
	s.modified = s.modified[:0]
	for _, rec := range s.records {
		if rec.Modified() {
			s.modified = append(s.modified, rec.Ref())
		}
	}
	slices.SortFunc(s.modified, func(a, b domain.RecordRef) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
