package query

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Aman-CERP/amanrag/internal/segment"
)

// DefaultHighPriorityCount is how many leading keywords are high priority.
const DefaultHighPriorityCount = 2

// Keywords is the per-query keyword set.
type Keywords struct {
	// Normalized is the cleaned query text.
	Normalized string

	// All lists unique keywords in query order.
	All []string

	// High holds domain terms and the leading keywords; Low holds the rest.
	// Together they partition All.
	High []string
	Low  []string

	// DomainTerms lists the known compound terms found in the query.
	DomainTerms []string

	// Expanded is Normalized plus synonyms, for the embedding call only.
	Expanded string
}

// Empty reports whether no keywords were extracted.
func (k Keywords) Empty() bool {
	return len(k.All) == 0
}

// IsHigh reports whether kw is a high priority keyword.
func (k Keywords) IsHigh(kw string) bool {
	for _, h := range k.High {
		if h == kw {
			return true
		}
	}
	return false
}

// Extractor derives Keywords from raw query text.
type Extractor struct {
	segmenter    segment.Segmenter
	stopWords    map[string]struct{}
	synonyms     map[string][]string
	domainTerms  []string
	fillers      []string
	highPriority int
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithSegmenter replaces the default segmenter.
func WithSegmenter(s segment.Segmenter) ExtractorOption {
	return func(e *Extractor) {
		if s != nil {
			e.segmenter = s
		}
	}
}

// WithStopWords adds stop words to the defaults.
func WithStopWords(words ...string) ExtractorOption {
	return func(e *Extractor) {
		for _, w := range words {
			e.stopWords[strings.ToLower(w)] = struct{}{}
		}
	}
}

// WithSynonyms adds synonym mappings to the defaults.
func WithSynonyms(synonyms map[string][]string) ExtractorOption {
	return func(e *Extractor) {
		for k, v := range synonyms {
			e.synonyms[k] = append(e.synonyms[k], v...)
		}
	}
}

// WithDomainTerms replaces the domain term list.
func WithDomainTerms(terms ...string) ExtractorOption {
	return func(e *Extractor) {
		e.domainTerms = normalizeAll(terms)
	}
}

// WithGenericFillers replaces the generic filler list.
func WithGenericFillers(words ...string) ExtractorOption {
	return func(e *Extractor) {
		e.fillers = normalizeAll(words)
	}
}

// WithHighPriorityCount sets how many leading keywords are high priority.
func WithHighPriorityCount(n int) ExtractorOption {
	return func(e *Extractor) {
		if n >= 0 {
			e.highPriority = n
		}
	}
}

// NewExtractor creates an extractor with the default tables.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		stopWords:    make(map[string]struct{}, len(DefaultStopWords)),
		synonyms:     make(map[string][]string, len(DefaultSynonyms)),
		domainTerms:  normalizeAll(DefaultDomainTerms),
		fillers:      normalizeAll(DefaultGenericFillers),
		highPriority: DefaultHighPriorityCount,
	}
	for _, w := range DefaultStopWords {
		e.stopWords[w] = struct{}{}
	}
	for k, v := range DefaultSynonyms {
		e.synonyms[k] = append([]string(nil), v...)
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.segmenter == nil {
		e.segmenter = segment.Default()
	}
	return e
}

// DomainTerms returns the configured domain terms (normalized).
func (e *Extractor) DomainTerms() []string {
	return e.domainTerms
}

// GenericFillers returns the configured filler words (normalized).
func (e *Extractor) GenericFillers() []string {
	return e.fillers
}

// Segmenter returns the segmenter used for tokenization.
func (e *Extractor) Segmenter() segment.Segmenter {
	return e.segmenter
}

// Extract normalizes raw and extracts its keyword set. Empty or invalid
// input yields an empty Keywords value rather than an error.
func (e *Extractor) Extract(raw string) Keywords {
	kw := Keywords{
		All:         []string{},
		High:        []string{},
		Low:         []string{},
		DomainTerms: []string{},
	}

	normalized := Normalize(raw)
	if normalized == "" {
		return kw
	}
	kw.Normalized = normalized
	kw.Expanded = normalized

	seen := make(map[string]struct{})
	add := func(word string) bool {
		if _, dup := seen[word]; dup {
			return false
		}
		seen[word] = struct{}{}
		kw.All = append(kw.All, word)
		return true
	}

	lowered := strings.ToLower(normalized)
	domain := make(map[string]struct{})
	for _, term := range e.domainTerms {
		if strings.Contains(lowered, term) {
			kw.DomainTerms = append(kw.DomainTerms, term)
			domain[term] = struct{}{}
		}
	}

	for _, tok := range e.segmenter.Segment(normalized) {
		if !tok.Content() {
			continue
		}
		word := strings.ToLower(tok.Surface)
		if _, stop := e.stopWords[word]; stop || !keywordLike(word) {
			continue
		}
		add(word)
	}
	for _, term := range kw.DomainTerms {
		add(term)
	}

	// Domain terms first, then leading keywords up to the high priority quota.
	quota := e.highPriority
	for _, w := range kw.All {
		if _, ok := domain[w]; ok {
			kw.High = append(kw.High, w)
		}
	}
	for _, w := range kw.All {
		if _, ok := domain[w]; ok {
			continue
		}
		if quota > 0 {
			kw.High = append(kw.High, w)
			quota--
			continue
		}
		kw.Low = append(kw.Low, w)
	}

	kw.Expanded = e.expand(normalized, kw.All)
	return kw
}

// expand appends synonyms of the keywords to the normalized query.
func (e *Extractor) expand(normalized string, keywords []string) string {
	var extra []string
	seen := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		seen[k] = struct{}{}
	}
	for _, k := range keywords {
		for _, syn := range e.synonyms[k] {
			if _, dup := seen[syn]; dup {
				continue
			}
			seen[syn] = struct{}{}
			extra = append(extra, syn)
		}
	}
	if len(extra) == 0 {
		return normalized
	}
	return normalized + " " + strings.Join(extra, " ")
}

// keywordLike rejects punctuation and single non-Han characters.
func keywordLike(word string) bool {
	hasContent := false
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return false
	}
	if utf8.RuneCountInString(word) >= 2 {
		return true
	}
	r, _ := utf8.DecodeRuneInString(word)
	return unicode.Is(unicode.Han, r)
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if n := strings.ToLower(Normalize(w)); n != "" {
			out = append(out, n)
		}
	}
	return out
}
