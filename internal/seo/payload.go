// Package seo detects which SEO plugin convention populated a content item
// and maps SEO titles and descriptions to and from that convention's keys.
package seo

// Payload is a backend-neutral view of one content item as fetched.
type Payload struct {
	Title   string
	Excerpt string

	// Root holds string fields exposed at the top level of the item,
	// such as those added by the Rank Math REST extension.
	Root map[string]string
	Meta map[string]string

	// Head holds the rich head structure (yoast_head_json); nil when absent.
	Head map[string]string

	FeaturedAlt string
}

func (p Payload) root(key string) (string, bool) {
	v, ok := p.Root[key]
	return v, ok
}

func (p Payload) meta(key string) (string, bool) {
	v, ok := p.Meta[key]
	return v, ok
}

func (p Payload) hasMeta(keys ...string) bool {
	for _, k := range keys {
		if _, ok := p.Meta[k]; ok {
			return true
		}
	}
	return false
}

// firstMeta returns the first non-empty meta value among keys.
func (p Payload) firstMeta(keys ...string) string {
	for _, k := range keys {
		if v := p.Meta[k]; v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
