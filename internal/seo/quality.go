package seo

import "unicode/utf8"

// Quality is an advisory length classification.
type Quality int

const (
	TooShort Quality = iota - 1
	Good
	TooLong
)

func (q Quality) String() string {
	switch q {
	case TooShort:
		return "too_short"
	case TooLong:
		return "too_long"
	default:
		return "good"
	}
}

const (
	titleMin         = 30
	rankMathTitleMin = 40
	titleMax         = 60
	descriptionMin   = 120
	descriptionMax   = 160
)

func classify(s string, lo, hi int) Quality {
	n := utf8.RuneCountInString(s)
	switch {
	case n < lo:
		return TooShort
	case n > hi:
		return TooLong
	default:
		return Good
	}
}

// ClassifyTitle rates an SEO title length; Rank Math expects a longer minimum.
func ClassifyTitle(c Convention, title string) Quality {
	lo := titleMin
	if c == RankMath {
		lo = rankMathTitleMin
	}
	return classify(title, lo, titleMax)
}

func ClassifyDescription(description string) Quality {
	return classify(description, descriptionMin, descriptionMax)
}
