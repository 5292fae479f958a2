package seo

import (
	"sort"
	"strings"
)

// Convention identifies a plugin's set of SEO metadata keys.
type Convention int

const (
	Generic Convention = iota
	RankMath
	RichHead
	AllInOne
	SeoPress
)

func (c Convention) String() string {
	switch c {
	case RankMath:
		return "rank_math"
	case RichHead:
		return "yoast"
	case AllInOne:
		return "aioseo"
	case SeoPress:
		return "seopress"
	default:
		return "generic"
	}
}

const (
	rankMathTitle              = "rank_math_title"
	rankMathDescription        = "rank_math_description"
	rankMathOGTitle            = "rank_math_og_title"
	rankMathOGDescription      = "rank_math_og_description"
	rankMathTwitterTitle       = "rank_math_twitter_title"
	rankMathTwitterDescription = "rank_math_twitter_description"

	yoastTitle              = "_yoast_wpseo_title"
	yoastDescription        = "_yoast_wpseo_metadesc"
	yoastOGTitle            = "_yoast_wpseo_opengraph-title"
	yoastOGDescription      = "_yoast_wpseo_opengraph-description"
	yoastTwitterTitle       = "_yoast_wpseo_twitter-title"
	yoastTwitterDescription = "_yoast_wpseo_twitter-description"

	aioseoTitle              = "_aioseo_title"
	aioseoDescription        = "_aioseo_description"
	aioseoOGTitle            = "_aioseo_og_title"
	aioseoOGDescription      = "_aioseo_og_description"
	aioseoTwitterTitle       = "_aioseo_twitter_title"
	aioseoTwitterDescription = "_aioseo_twitter_description"

	seopressTitle              = "_seopress_titles_title"
	seopressDescription        = "_seopress_titles_desc"
	seopressFBTitle            = "_seopress_social_fb_title"
	seopressFBDescription      = "_seopress_social_fb_desc"
	seopressTwitterTitle       = "_seopress_social_twitter_title"
	seopressTwitterDescription = "_seopress_social_twitter_desc"

	genericTitle       = "seo_title"
	genericDescription = "seo_description"
)

// Metadata is the normalized SEO pair read from a payload.
type Metadata struct {
	Convention  Convention
	Title       string
	Description string
}

type detector struct {
	convention Convention
	matches    func(Payload) bool
	extract    func(Payload) (title, description string)
}

// detectors are evaluated in order; the first match wins.
var detectors = []detector{
	{convention: RankMath, matches: hasRankMath, extract: extractRankMath},
	{convention: RichHead, matches: hasRichHead, extract: extractRichHead},
	{convention: AllInOne, matches: hasAllInOne, extract: extractAllInOne},
	{convention: SeoPress, matches: hasSeoPress, extract: extractSeoPress},
}

func hasRankMath(p Payload) bool {
	_, title := p.root(rankMathTitle)
	_, desc := p.root(rankMathDescription)
	return title || desc || p.hasMeta(rankMathTitle, rankMathDescription)
}

func extractRankMath(p Payload) (string, string) {
	rootTitle, _ := p.root(rankMathTitle)
	rootDesc, _ := p.root(rankMathDescription)
	title := firstNonEmpty(rootTitle, p.Meta[rankMathTitle])
	desc := firstNonEmpty(rootDesc, p.firstMeta(rankMathDescription, rankMathOGDescription, rankMathTwitterDescription))
	return title, desc
}

func hasRichHead(p Payload) bool {
	return p.Head != nil || p.hasMeta(yoastTitle, yoastDescription)
}

func extractRichHead(p Payload) (string, string) {
	title := firstNonEmpty(p.Head["title"], p.Meta[yoastTitle])
	desc := firstNonEmpty(
		p.Head["description"],
		p.Head["og_description"],
		p.Head["twitter_description"],
		p.Meta[yoastDescription],
	)
	return title, desc
}

func hasAllInOne(p Payload) bool {
	return p.hasMeta(aioseoTitle, aioseoDescription)
}

func extractAllInOne(p Payload) (string, string) {
	return p.Meta[aioseoTitle], p.firstMeta(aioseoDescription, aioseoOGDescription, aioseoTwitterDescription)
}

func hasSeoPress(p Payload) bool {
	return p.hasMeta(seopressTitle, seopressDescription)
}

func extractSeoPress(p Payload) (string, string) {
	return p.Meta[seopressTitle], p.firstMeta(seopressDescription, seopressFBDescription, seopressTwitterDescription)
}

// Detect returns the convention the payload uses, or Generic.
func Detect(p Payload) Convention {
	for _, d := range detectors {
		if d.matches(p) {
			return d.convention
		}
	}
	return Generic
}

// Extract reads the normalized SEO title and description from p.
func Extract(p Payload) Metadata {
	md := Metadata{Convention: Generic}
	for _, d := range detectors {
		if d.matches(p) {
			md.Convention = d.convention
			md.Title, md.Description = d.extract(p)
			break
		}
	}

	if md.Title == "" && md.Description == "" {
		md.Title, md.Description = scanGeneric(p.Meta)
	}
	if md.Description == "" {
		md.Description = StripHTML(p.Excerpt)
	}
	if md.Description == "" {
		md.Description = p.FeaturedAlt
	}
	if md.Title == "" {
		md.Title = p.Title
	}
	return md
}

// scanGeneric picks the first key naming a title and the first naming a
// description. Keys are visited in lexicographic order so the result does
// not depend on how the backend ordered its metadata.
func scanGeneric(meta map[string]string) (title, description string) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lower := strings.ToLower(k)
		if title == "" && (strings.Contains(lower, "title") || strings.Contains(lower, "titre")) {
			title = meta[k]
		}
		if description == "" && strings.Contains(lower, "desc") {
			description = meta[k]
		}
	}
	return title, description
}
