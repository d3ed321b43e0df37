package session

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultEndPhrases end a session when a user says them.
var DefaultEndPhrases = []string{
	"that's all for today",
	"end session",
	"goodbye lumi",
	"i'm done for today",
}

const defaultPhoneticThreshold = 0.80

// EndPhraseDetector decides whether a user utterance asks to end the
// session. Phrases match case-insensitively as substrings. With phonetic
// matching enabled, a run of words whose Double Metaphone codes align with a
// phrase word by word and whose Jaro-Winkler similarity to the phrase is
// high enough also matches, which catches transcription slips such as
// "goodbye loomy". It is read-only after construction.
type EndPhraseDetector struct {
	phrases   []string
	tokens    [][]string
	phonetic  bool
	threshold float64
}

// NewEndPhraseDetector returns a detector for phrases. An empty list uses
// [DefaultEndPhrases].
func NewEndPhraseDetector(phrases []string, phonetic bool) *EndPhraseDetector {
	if len(phrases) == 0 {
		phrases = DefaultEndPhrases
	}
	d := &EndPhraseDetector{phonetic: phonetic, threshold: defaultPhoneticThreshold}
	for _, p := range phrases {
		n := normalize(p)
		if n == "" {
			continue
		}
		d.phrases = append(d.phrases, n)
		d.tokens = append(d.tokens, strings.Fields(n))
	}
	return d
}

// Match returns the phrase text contains, if any.
func (d *EndPhraseDetector) Match(text string) (string, bool) {
	n := normalize(text)
	if n == "" {
		return "", false
	}
	for _, p := range d.phrases {
		if strings.Contains(n, p) {
			return p, true
		}
	}
	if !d.phonetic {
		return "", false
	}
	words := strings.Fields(n)
	for i, phrase := range d.tokens {
		for start := 0; start+len(phrase) <= len(words); start++ {
			window := words[start : start+len(phrase)]
			if d.soundsAlike(window, phrase) {
				return d.phrases[i], true
			}
		}
	}
	return "", false
}

func (d *EndPhraseDetector) soundsAlike(window, phrase []string) bool {
	for i := range phrase {
		if window[i] == phrase[i] {
			continue
		}
		if !codesOverlap(window[i], phrase[i]) {
			return false
		}
	}
	return matchr.JaroWinkler(strings.Join(window, " "), strings.Join(phrase, " "), false) >= d.threshold
}

// codesOverlap reports whether two words share a Double Metaphone code.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// normalize lowercases text, unifies apostrophes and turns other
// punctuation into spaces.
func normalize(s string) string {
	s = strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
