package wordpress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
	"github.com/WizardOfCommits/wp-meta-updater/internal/seo"
)

type rendered struct {
	Rendered string `json:"rendered"`
}

type itemJSON struct {
	ID       int64                      `json:"id"`
	Type     string                     `json:"type"`
	Link     string                     `json:"link"`
	Modified string                     `json:"modified"`
	Title    rendered                   `json:"title"`
	Excerpt  rendered                   `json:"excerpt"`
	Meta     json.RawMessage            `json:"meta"`
	Head     map[string]json.RawMessage `json:"yoast_head_json"`
	Embedded struct {
		FeaturedMedia []struct {
			AltText string `json:"alt_text"`
		} `json:"wp:featuredmedia"`
	} `json:"_embedded"`
}

// Item is one content item as returned by the REST API.
type Item struct {
	ID          int64
	Type        string
	Link        string
	Modified    string
	Title       string
	Excerpt     string
	Root        map[string]string
	Meta        map[string]string
	Head        map[string]string
	FeaturedAlt string
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return err
	}

	*it = Item{
		ID:       raw.ID,
		Type:     raw.Type,
		Link:     raw.Link,
		Modified: raw.Modified,
		Title:    html.UnescapeString(raw.Title.Rendered),
		Excerpt:  raw.Excerpt.Rendered,
	}

	for k, v := range root {
		if !strings.HasPrefix(k, "rank_math_") {
			continue
		}
		if s, ok := scalarString(v); ok {
			if it.Root == nil {
				it.Root = make(map[string]string)
			}
			it.Root[k] = s
		}
	}

	meta, err := decodeMeta(raw.Meta)
	if err != nil {
		return fmt.Errorf("decode meta of item %d: %w", raw.ID, err)
	}
	it.Meta = meta

	if raw.Head != nil {
		it.Head = make(map[string]string, len(raw.Head))
		for k, v := range raw.Head {
			if s, ok := scalarString(v); ok {
				it.Head[k] = s
			}
		}
	}

	if media := raw.Embedded.FeaturedMedia; len(media) > 0 {
		it.FeaturedAlt = media[0].AltText
	}
	return nil
}

// decodeMeta accepts the object form of "meta" as well as the empty
// array WordPress sends when no meta is registered for the type.
func decodeMeta(data json.RawMessage) (map[string]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return map[string]string{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := scalarString(v); ok {
			meta[k] = s
		}
	}
	return meta, nil
}

// scalarString renders a JSON scalar, or the first element of an array
// of scalars, as a string. Objects are skipped.
func scalarString(v json.RawMessage) (string, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return "", false
	}

	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return s, true
	case 'n':
		return "", true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return "", false
		}
		return strconv.FormatBool(b), true
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil || len(items) == 0 {
			return "", false
		}
		return scalarString(items[0])
	case '{':
		return "", false
	default:
		return string(v), true
	}
}

// Payload converts the item for the SEO codec.
func (it Item) Payload() seo.Payload {
	return seo.Payload{
		Title:       it.Title,
		Excerpt:     it.Excerpt,
		Root:        it.Root,
		Meta:        it.Meta,
		Head:        it.Head,
		FeaturedAlt: it.FeaturedAlt,
	}
}

// Record builds a content record whose originals match the backend.
func (it Item) Record() domain.ContentRecord {
	md := seo.Extract(it.Payload())
	rec := domain.ContentRecord{
		ID:             it.ID,
		Type:           it.Type,
		Title:          it.Title,
		URL:            it.Link,
		DateModified:   it.Modified,
		SEOTitle:       md.Title,
		SEODescription: md.Description,
		TitleH1:        it.Title,
	}
	return rec.Synced()
}

// Page is one page of a list request.
type Page struct {
	Items      []Item
	Total      int
	TotalPages int
}

// ContentType is a post type exposed through the REST API.
type ContentType struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	RestBase string `json:"rest_base"`
}

// ConnectionInfo is returned by a successful connection test.
type ConnectionInfo struct {
	SiteName string
	Types    []ContentType
}

type siteJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
}
