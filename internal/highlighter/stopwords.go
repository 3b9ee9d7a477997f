package highlighter

// stopwords is a small, fixed English stopword set used to filter n-gram
// candidates. A phrase may contain at most one stopword (§4.4).
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "i": true, "you": true, "we": true,
	"they": true, "not": true, "very": true, "just": true, "really": true,
}

func isStopword(token string) bool {
	return stopwords[token]
}
