package domain

// ContentRecord is one synchronizable item plus its SEO fields.
// The Original* fields hold the last values known to be on the backend.
type ContentRecord struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	DateModified string `json:"date_modified"`

	SEOTitle       string `json:"seo_title"`
	SEODescription string `json:"seo_description"`
	TitleH1        string `json:"title_h1"`

	OriginalSEOTitle       string `json:"original_seo_title"`
	OriginalSEODescription string `json:"original_seo_description"`
	OriginalTitleH1        string `json:"original_title_h1"`
}

// RecordRef identifies a record by its (type, id) pair.
type RecordRef struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (r ContentRecord) Ref() RecordRef {
	return RecordRef{ID: r.ID, Type: r.Type}
}

// Modified reports whether any current field differs from its original.
func (r ContentRecord) Modified() bool {
	return r.SEOTitle != r.OriginalSEOTitle ||
		r.SEODescription != r.OriginalSEODescription ||
		r.TitleH1 != r.OriginalTitleH1
}

// H1Changed reports whether the H1 title must be sent with the next write.
func (r ContentRecord) H1Changed() bool {
	return r.TitleH1 != "" && r.TitleH1 != r.OriginalTitleH1
}

// Synced returns a copy with the originals set to the current values.
func (r ContentRecord) Synced() ContentRecord {
	r.OriginalSEOTitle = r.SEOTitle
	r.OriginalSEODescription = r.SEODescription
	r.OriginalTitleH1 = r.TitleH1
	return r
}

// Method selects the backend a bulk job writes through.
type Method string

const (
	MethodAPI    Method = "api"
	MethodDirect Method = "mysql"
)

func (m Method) Valid() bool {
	return m == MethodAPI || m == MethodDirect
}
