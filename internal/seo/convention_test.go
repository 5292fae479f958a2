package seo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    Convention
	}{
		{
			name:    "rank math at root",
			payload: Payload{Root: map[string]string{"rank_math_title": "RM"}},
			want:    RankMath,
		},
		{
			name:    "rank math in meta wins over rich head",
			payload: Payload{Meta: map[string]string{"rank_math_description": ""}, Head: map[string]string{"title": "Y"}},
			want:    RankMath,
		},
		{
			name:    "rich head structure",
			payload: Payload{Head: map[string]string{}},
			want:    RichHead,
		},
		{
			name:    "yoast meta keys without head",
			payload: Payload{Meta: map[string]string{"_yoast_wpseo_metadesc": "d"}},
			want:    RichHead,
		},
		{
			name:    "all in one",
			payload: Payload{Meta: map[string]string{"_aioseo_title": "A", "_seopress_titles_title": "S"}},
			want:    AllInOne,
		},
		{
			name:    "seopress",
			payload: Payload{Meta: map[string]string{"_seopress_titles_desc": "S"}},
			want:    SeoPress,
		},
		{
			name:    "nothing known",
			payload: Payload{Meta: map[string]string{"custom_title": "C"}},
			want:    Generic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.payload))
		})
	}
}

func TestExtract_RankMathBeatsGenericKey(t *testing.T) {
	p := Payload{
		Title: "Plain",
		Root:  map[string]string{"rank_math_title": "Rank Math Title"},
		Meta:  map[string]string{"title_extra": "Generic Title"},
	}

	md := Extract(p)

	assert.Equal(t, RankMath, md.Convention)
	assert.Equal(t, "Rank Math Title", md.Title)
}

func TestExtract_DescriptionFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{
			name: "rank math og description",
			payload: Payload{Meta: map[string]string{
				"rank_math_title":               "T",
				"rank_math_og_description":      "og",
				"rank_math_twitter_description": "tw",
			}},
			want: "og",
		},
		{
			name:    "rich head twitter",
			payload: Payload{Head: map[string]string{"title": "T", "twitter_description": "tw"}},
			want:    "tw",
		},
		{
			name:    "rich head meta desc",
			payload: Payload{Head: map[string]string{"title": "T"}, Meta: map[string]string{"_yoast_wpseo_metadesc": "meta"}},
			want:    "meta",
		},
		{
			name:    "aioseo twitter",
			payload: Payload{Meta: map[string]string{"_aioseo_title": "T", "_aioseo_twitter_description": "tw"}},
			want:    "tw",
		},
		{
			name:    "seopress facebook",
			payload: Payload{Meta: map[string]string{"_seopress_titles_title": "T", "_seopress_social_fb_desc": "fb"}},
			want:    "fb",
		},
		{
			name:    "excerpt stripped",
			payload: Payload{Excerpt: "<p>An <strong>excerpt</strong> &amp; more</p>\n"},
			want:    "An excerpt & more",
		},
		{
			name:    "featured media alt text",
			payload: Payload{FeaturedAlt: "alt"},
			want:    "alt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.payload).Description)
		})
	}
}

func TestExtract_GenericScanIsLexicographic(t *testing.T) {
	p := Payload{Meta: map[string]string{
		"zz_title":      "last",
		"aa_titre":      "first",
		"m_description": "desc",
	}}

	for i := 0; i < 20; i++ {
		md := Extract(p)
		assert.Equal(t, Generic, md.Convention)
		assert.Equal(t, "first", md.Title)
		assert.Equal(t, "desc", md.Description)
	}
}

func TestExtract_TitleFallsBackToContentTitle(t *testing.T) {
	md := Extract(Payload{Title: "Hello", Meta: map[string]string{"_aioseo_description": "d"}})
	assert.Equal(t, "Hello", md.Title)
	assert.Equal(t, "d", md.Description)
}

func TestPlan(t *testing.T) {
	t.Run("rank math with extension writes root and all meta variants", func(t *testing.T) {
		plan := Plan(Payload{Root: map[string]string{"rank_math_title": ""}}, "T", "D")

		assert.Equal(t, RankMath, plan.Convention)
		assert.Equal(t, map[string]string{"rank_math_title": "T", "rank_math_description": "D"}, plan.Root)
		assert.Len(t, plan.Meta, 6)
		assert.Equal(t, "T", plan.Meta["rank_math_twitter_title"])
		assert.Equal(t, "D", plan.Meta["rank_math_og_description"])
	})

	t.Run("rank math meta only has no root fields", func(t *testing.T) {
		plan := Plan(Payload{Meta: map[string]string{"rank_math_title": "old"}}, "T", "D")
		assert.Nil(t, plan.Root)
		assert.Equal(t, "T", plan.Meta["rank_math_title"])
	})

	t.Run("rich head", func(t *testing.T) {
		plan := Plan(Payload{Head: map[string]string{"title": "x"}}, "T", "D")
		assert.Equal(t, "T", plan.Meta["_yoast_wpseo_title"])
		assert.Equal(t, "D", plan.Meta["_yoast_wpseo_metadesc"])
		assert.Equal(t, "D", plan.Meta["_yoast_wpseo_opengraph-description"])
	})

	t.Run("generic", func(t *testing.T) {
		plan := Plan(Payload{}, "T", "D")
		assert.Equal(t, Generic, plan.Convention)
		assert.Equal(t, map[string]string{"seo_title": "T", "seo_description": "D"}, plan.Meta)
		assert.False(t, plan.Empty())
	})
}

func TestClassify(t *testing.T) {
	title35 := strings.Repeat("a", 35)

	assert.Equal(t, Good, ClassifyTitle(Generic, title35))
	assert.Equal(t, TooShort, ClassifyTitle(RankMath, title35))
	assert.Equal(t, TooLong, ClassifyTitle(Generic, strings.Repeat("é", 61)))
	assert.Equal(t, Good, ClassifyDescription(strings.Repeat("d", 140)))
	assert.Equal(t, TooShort, ClassifyDescription("short"))
	assert.Equal(t, "too_long", ClassifyDescription(strings.Repeat("d", 161)).String())
}
