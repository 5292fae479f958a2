package workingset

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

func ptr(s string) *string { return &s }

func fixture() []domain.ContentRecord {
	return []domain.ContentRecord{
		{ID: 3, Type: "post", Title: "Three", TitleH1: "Three", OriginalTitleH1: "Three"},
		{ID: 1, Type: "post", Title: "One", TitleH1: "One", OriginalTitleH1: "One"},
		{ID: 2, Type: "page", Title: "Two", TitleH1: "Two", OriginalTitleH1: "Two"},
	}
}

func refs(records []domain.ContentRecord) []domain.RecordRef {
	out := make([]domain.RecordRef, 0, len(records))
	for _, r := range records {
		out = append(out, r.Ref())
	}
	return out
}

func TestSet_EditTracksModifiedInStableOrder(t *testing.T) {
	s := New(fixture())
	assert.Empty(t, s.Modified())

	assert.True(t, s.Edit(domain.RecordRef{ID: 3, Type: "post"}, Edit{SEOTitle: ptr("New three")}))
	assert.True(t, s.Edit(domain.RecordRef{ID: 2, Type: "page"}, Edit{SEODescription: ptr("desc")}))
	assert.True(t, s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{TitleH1: ptr("One!")}))
	assert.False(t, s.Edit(domain.RecordRef{ID: 1, Type: "page"}, Edit{SEOTitle: ptr("x")}))

	assert.Equal(t, []domain.RecordRef{
		{ID: 2, Type: "page"},
		{ID: 1, Type: "post"},
		{ID: 3, Type: "post"},
	}, refs(s.Modified()))
}

func TestSet_EditBackToOriginalClearsModified(t *testing.T) {
	s := New(fixture())
	ref := domain.RecordRef{ID: 1, Type: "post"}

	s.Edit(ref, Edit{SEOTitle: ptr("changed")})
	require.Equal(t, 1, s.ModifiedCount())

	s.Edit(ref, Edit{SEOTitle: ptr("")})
	assert.Equal(t, 0, s.ModifiedCount())
}

func TestSet_MarkSyncedIsIdempotent(t *testing.T) {
	s := New(fixture())
	a := domain.RecordRef{ID: 1, Type: "post"}
	b := domain.RecordRef{ID: 2, Type: "page"}
	s.Edit(a, Edit{SEOTitle: ptr("A")})
	s.Edit(b, Edit{SEOTitle: ptr("B")})

	written := s.Modified()
	stats := &domain.UpdateStats{
		Total:   2,
		Success: 1,
		Failed:  1,
		Errors:  []domain.FailedItem{{ID: 2, Type: "page", Error: "boom"}},
	}

	assert.Equal(t, 1, s.MarkSynced(written, stats))
	assert.Equal(t, []domain.RecordRef{b}, refs(s.Modified()))
	got, _ := s.Get(a)
	assert.Equal(t, "A", got.OriginalSEOTitle)

	assert.Equal(t, 1, s.MarkSynced(written, stats))
	assert.Equal(t, []domain.RecordRef{b}, refs(s.Modified()))
}

func TestSet_MarkSyncedSkipsSystemicAndPartialRuns(t *testing.T) {
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{SEOTitle: ptr("A")})
	written := s.Modified()

	systemic := &domain.UpdateStats{
		Total:  1,
		Failed: 1,
		Errors: []domain.FailedItem{{ID: 0, Type: "system", Error: "unreachable"}},
	}
	assert.Equal(t, 0, s.MarkSynced(written, systemic))

	partial := &domain.UpdateStats{Total: 5, Success: 1}
	assert.Equal(t, 0, s.MarkSynced(written, partial))
	assert.Equal(t, 1, s.ModifiedCount())
}

func TestSet_ResolveSkipsMissing(t *testing.T) {
	s := New(fixture())

	got := s.Resolve([]domain.RecordRef{{ID: 2, Type: "page"}, {ID: 9, Type: "post"}, {ID: 1, Type: "post"}})

	assert.Equal(t, []domain.RecordRef{{ID: 2, Type: "page"}, {ID: 1, Type: "post"}}, refs(got))
}

func TestSet_ReplaceDropsPreviousRecords(t *testing.T) {
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{SEOTitle: ptr("A")})

	s.Replace([]domain.ContentRecord{{ID: 7, Type: "product", Title: "Seven"}})

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, s.ModifiedCount())
	_, ok := s.Get(domain.RecordRef{ID: 1, Type: "post"})
	assert.False(t, ok)
}

func TestSet_UpsertKeepsOthers(t *testing.T) {
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{SEOTitle: ptr("A")})

	s.Upsert(
		domain.ContentRecord{ID: 3, Type: "post", Title: "Three again"},
		domain.ContentRecord{ID: 4, Type: "post", Title: "Four"},
	)

	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 1, s.ModifiedCount())
	got, ok := s.Get(domain.RecordRef{ID: 3, Type: "post"})
	require.True(t, ok)
	assert.Equal(t, "Three again", got.Title)
}

func TestSet_Summary(t *testing.T) {
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{
		SEOTitle:       ptr(strings.Repeat("t", 35)),
		SEODescription: ptr(strings.Repeat("d", 130)),
	})
	s.Edit(domain.RecordRef{ID: 2, Type: "page"}, Edit{SEOTitle: ptr(strings.Repeat("t", 61))})

	sum := s.Summary()

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Modified)
	assert.Equal(t, map[string]int{"post": 2, "page": 1}, sum.ByType)
	assert.Equal(t, 2, sum.TitleIssues)
	assert.Equal(t, 2, sum.DescriptionIssues)
}

func TestSession_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", SessionFileName)
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 2, Type: "page"}, Edit{SEOTitle: ptr("Été 2026")})

	require.NoError(t, SaveSession(path, s))
	loaded, err := LoadSession(path)
	require.NoError(t, err)

	assert.Equal(t, s.All(), loaded.All())
	assert.Equal(t, 1, loaded.ModifiedCount())
}

func TestSession_LoadMissing(t *testing.T) {
	s, err := LoadSession(filepath.Join(t.TempDir(), "nope.json"))

	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestSessionStore_ResolveAndMarkSynced(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), SessionFileName)
	s := New(fixture())
	s.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{SEOTitle: ptr("A")})
	require.NoError(t, SaveSession(path, s))

	store := NewSessionStore(path)
	recs, err := store.Resolve(ctx, []domain.RecordRef{{ID: 1, Type: "post"}, {ID: 5, Type: "post"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "A", recs[0].SEOTitle)

	require.NoError(t, store.MarkSynced(ctx, recs, &domain.UpdateStats{Total: 1, Success: 1}))

	reloaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.ModifiedCount())
}

func TestCSV_ExportThenImport(t *testing.T) {
	src := New(fixture())
	src.Edit(domain.RecordRef{ID: 1, Type: "post"}, Edit{SEODescription: ptr(`Quote "this", please`)})

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, src.All()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), utf8BOM))

	dst := New(nil)
	res, err := dst.ImportCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Created: 3}, res)
	assert.Equal(t, src.All(), dst.All())
	assert.Equal(t, 1, dst.ModifiedCount())
}

func TestCSV_ImportSemicolonUpdatesExisting(t *testing.T) {
	s := New(fixture())
	in := strings.Join([]string{
		"id;type;seo_title;seo_description",
		"1;post;Nouveau titre;Une description",
		"abc;post;x;y",
		"9;post;orphan;no title",
	}, "\n")

	res, err := s.ImportCSV(strings.NewReader(in))

	require.NoError(t, err)
	assert.Equal(t, ImportResult{Updated: 1, Skipped: 2}, res)
	got, _ := s.Get(domain.RecordRef{ID: 1, Type: "post"})
	assert.Equal(t, "Nouveau titre", got.SEOTitle)
	assert.Equal(t, "Une description", got.SEODescription)
	assert.Equal(t, "One", got.TitleH1)
	assert.Equal(t, 1, s.ModifiedCount())
}

func TestCSV_ImportTabSeparated(t *testing.T) {
	s := New(nil)
	in := "id\ttype\ttitle\turl\n4\tpage\tAbout\thttps://example.com/about\n"

	res, err := s.ImportCSV(strings.NewReader(in))

	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	got, ok := s.Get(domain.RecordRef{ID: 4, Type: "page"})
	require.True(t, ok)
	assert.Equal(t, "About", got.TitleH1)
	assert.Equal(t, "About", got.OriginalTitleH1)
	assert.False(t, got.Modified())
}

func TestCSV_ImportRequiresIDAndType(t *testing.T) {
	_, err := New(nil).ImportCSV(strings.NewReader("title,url\nx,y\n"))

	assert.ErrorContains(t, err, `"id"`)
}

func TestCSV_ExportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, ExportCSV(f, fixture()))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(bytes.TrimPrefix(data, utf8BOM))), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(csvColumns, ","), lines[0])
}
