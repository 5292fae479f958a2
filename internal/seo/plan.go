package seo

// WritePlan is the convention-specific field set for one write.
// Root fields go at the top level of the request, Meta under "meta".
type WritePlan struct {
	Convention Convention
	Root       map[string]string
	Meta       map[string]string
}

// Empty reports whether the plan carries no fields.
func (w WritePlan) Empty() bool {
	return len(w.Root) == 0 && len(w.Meta) == 0
}

var metaKeys = map[Convention][]struct{ title, description string }{
	RankMath: {
		{rankMathTitle, rankMathDescription},
		{rankMathOGTitle, rankMathOGDescription},
		{rankMathTwitterTitle, rankMathTwitterDescription},
	},
	RichHead: {
		{yoastTitle, yoastDescription},
		{yoastOGTitle, yoastOGDescription},
		{yoastTwitterTitle, yoastTwitterDescription},
	},
	AllInOne: {
		{aioseoTitle, aioseoDescription},
		{aioseoOGTitle, aioseoOGDescription},
		{aioseoTwitterTitle, aioseoTwitterDescription},
	},
	SeoPress: {
		{seopressTitle, seopressDescription},
		{seopressFBTitle, seopressFBDescription},
		{seopressTwitterTitle, seopressTwitterDescription},
	},
	Generic: {
		{genericTitle, genericDescription},
	},
}

// Plan builds the fields to send for a payload freshly fetched from the
// backend. Detection runs again here; it is never carried over from a read.
func Plan(p Payload, title, description string) WritePlan {
	conv := Detect(p)
	plan := WritePlan{
		Convention: conv,
		Meta:       make(map[string]string),
	}

	for _, pair := range metaKeys[conv] {
		plan.Meta[pair.title] = title
		plan.Meta[pair.description] = description
	}

	if conv == RankMath {
		_, rootTitle := p.root(rankMathTitle)
		_, rootDesc := p.root(rankMathDescription)
		if rootTitle || rootDesc {
			plan.Root = map[string]string{
				rankMathTitle:       title,
				rankMathDescription: description,
			}
		}
	}
	return plan
}
