// Package segment splits query and document text into words.
//
// Japanese text has no word delimiters, so whitespace splitting is useless for
// it. The default segmenter is a morphological analyzer (kagome with the IPA
// dictionary); Basic is a dictionary-free fallback that splits on script changes.
package segment

import (
	"strings"
	"sync"
	"unicode"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Kind classifies a token for keyword extraction.
type Kind int

const (
	// KindOther covers particles, auxiliaries, symbols and whitespace.
	KindOther Kind = iota
	// KindNoun is a content noun (including unknown words and numbers).
	KindNoun
	// KindWord is a content verb or adjective.
	KindWord
)

// Token is one segmented word.
type Token struct {
	Surface string
	Kind    Kind
}

// Content reports whether the token can serve as a keyword.
func (t Token) Content() bool {
	return t.Kind != KindOther
}

// Segmenter splits text into tokens in reading order.
type Segmenter interface {
	Segment(text string) []Token
}

// Kagome segments text with the kagome morphological analyzer.
type Kagome struct {
	t *tokenizer.Tokenizer
}

// NewKagome creates a kagome segmenter backed by the IPA dictionary.
func NewKagome() (*Kagome, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return &Kagome{t: t}, nil
}

var (
	defaultOnce sync.Once
	defaultSeg  Segmenter
)

// Default returns a process-wide segmenter. The IPA dictionary is loaded once;
// if that fails the Basic segmenter is used instead.
func Default() Segmenter {
	defaultOnce.Do(func() {
		k, err := NewKagome()
		if err != nil {
			defaultSeg = Basic{}
			return
		}
		defaultSeg = k
	})
	return defaultSeg
}

// Segment implements Segmenter.
func (k *Kagome) Segment(text string) []Token {
	if strings.TrimSpace(text) == "" {
		return []Token{}
	}

	raw := k.t.Tokenize(text)
	tokens := make([]Token, 0, len(raw))
	for _, tok := range raw {
		surface := strings.TrimSpace(tok.Surface)
		if surface == "" {
			continue
		}
		kind := kindFromPOS(tok.POS())
		if tok.Class == tokenizer.UNKNOWN && kind == KindOther && isWordLike(surface) {
			kind = KindNoun
		}
		tokens = append(tokens, Token{Surface: surface, Kind: kind})
	}
	return tokens
}

// kindFromPOS maps IPA part-of-speech tags to token kinds.
func kindFromPOS(pos []string) Kind {
	if len(pos) == 0 {
		return KindOther
	}
	sub := ""
	if len(pos) > 1 {
		sub = pos[1]
	}

	switch pos[0] {
	case "名詞":
		switch sub {
		case "非自立", "代名詞", "接尾":
			return KindOther
		}
		return KindNoun
	case "動詞", "形容詞":
		if sub == "自立" {
			return KindWord
		}
	}
	return KindOther
}

// Words returns the surfaces of content tokens.
func Words(s Segmenter, text string) []string {
	tokens := s.Segment(text)
	words := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Content() {
			words = append(words, t.Surface)
		}
	}
	return words
}

// Terms returns every word-like surface, function words included, for
// building inverted indexes that queries segmented by Words can hit.
func Terms(s Segmenter, text string) []string {
	tokens := s.Segment(text)
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if isWordLike(t.Surface) {
			terms = append(terms, t.Surface)
		}
	}
	return terms
}

// Basic splits on whitespace, punctuation and script boundaries
// (Han, Hiragana, Katakana, Latin/digits). Hiragana runs are treated as
// function words.
type Basic struct{}

// Segment implements Segmenter.
func (Basic) Segment(text string) []Token {
	tokens := []Token{}
	var cur strings.Builder
	curScript := scriptNone

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		kind := KindNoun
		if curScript == scriptHiragana {
			kind = KindOther
		}
		tokens = append(tokens, Token{Surface: cur.String(), Kind: kind})
		cur.Reset()
	}

	for _, r := range text {
		sc := scriptOf(r)
		if sc == scriptNone {
			flush()
			curScript = scriptNone
			continue
		}
		if sc != curScript {
			flush()
			curScript = sc
		}
		cur.WriteRune(r)
	}
	flush()

	return tokens
}

type script int

const (
	scriptNone script = iota
	scriptHan
	scriptHiragana
	scriptKatakana
	scriptLatin
)

func scriptOf(r rune) script {
	switch {
	case unicode.Is(unicode.Han, r):
		return scriptHan
	case unicode.Is(unicode.Hiragana, r):
		return scriptHiragana
	case unicode.Is(unicode.Katakana, r), r == 'ー':
		return scriptKatakana
	case unicode.IsLetter(r), unicode.IsDigit(r):
		return scriptLatin
	default:
		return scriptNone
	}
}

func isWordLike(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
