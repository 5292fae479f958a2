package workingset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

var csvColumns = []string{
	"id", "type", "title", "url", "date_modified",
	"original_seo_title", "original_seo_description", "original_title_h1",
	"seo_title", "seo_description", "title_h1",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ExportCSV writes records with a UTF-8 byte order mark and a header row.
func ExportCSV(w io.Writer, records []domain.ContentRecord) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10), r.Type, r.Title, r.URL, r.DateModified,
			r.OriginalSEOTitle, r.OriginalSEODescription, r.OriginalTitleH1,
			r.SEOTitle, r.SEODescription, r.TitleH1,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// ImportResult counts what ImportCSV did.
type ImportResult struct {
	Updated int
	Created int
	Skipped int
}

// ImportCSV merges rows into the set. Rows matching an existing record
// update its SEO fields. Unknown rows become new records when they carry a
// title and url, and are skipped otherwise. The separator is guessed from
// the header line.
func (s *Set) ImportCSV(r io.Reader) (ImportResult, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	first, err := br.Peek(br.Size())
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return ImportResult{}, fmt.Errorf("read csv: %w", err)
	}
	if i := bytes.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}

	cr := csv.NewReader(br)
	cr.Comma = detectSeparator(string(first))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return ImportResult{}, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"id", "type"} {
		if _, ok := col[required]; !ok {
			return ImportResult{}, fmt.Errorf("csv: missing required column %q", required)
		}
	}

	var res ImportResult
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read csv row: %w", err)
		}

		field := func(name string) (string, bool) {
			i, ok := col[name]
			if !ok || i >= len(row) {
				return "", false
			}
			return row[i], true
		}

		idStr, _ := field("id")
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			res.Skipped++
			continue
		}
		typ, _ := field("type")
		ref := domain.RecordRef{ID: id, Type: strings.TrimSpace(typ)}

		if i, ok := s.index[ref]; ok {
			rec := &s.records[i]
			if v, ok := field("seo_title"); ok {
				rec.SEOTitle = v
			}
			if v, ok := field("seo_description"); ok {
				rec.SEODescription = v
			}
			if v, ok := field("title_h1"); ok {
				rec.TitleH1 = v
			}
			res.Updated++
			continue
		}

		title, hasTitle := field("title")
		url, hasURL := field("url")
		if !hasTitle || !hasURL {
			res.Skipped++
			continue
		}
		rec := domain.ContentRecord{ID: id, Type: ref.Type, Title: title, URL: url}
		rec.DateModified, _ = field("date_modified")
		rec.SEOTitle, _ = field("seo_title")
		rec.SEODescription, _ = field("seo_description")
		rec.OriginalSEOTitle, _ = field("original_seo_title")
		rec.OriginalSEODescription, _ = field("original_seo_description")
		rec.TitleH1 = title
		if v, ok := field("title_h1"); ok {
			rec.TitleH1 = v
		}
		rec.OriginalTitleH1 = title
		if v, ok := field("original_title_h1"); ok {
			rec.OriginalTitleH1 = v
		}
		s.put(rec)
		res.Created++
	}

	s.refresh()
	return res, nil
}

func detectSeparator(line string) rune {
	switch {
	case strings.Contains(line, ";"):
		return ';'
	case strings.Contains(line, ","):
		return ','
	case strings.Contains(line, "\t"):
		return '\t'
	default:
		return ','
	}
}
