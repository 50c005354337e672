package moderation

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/dlclark/regexp2"
	"github.com/samber/lo"
)

type Action string

const (
	Allow  Action = "ALLOW"
	Warn   Action = "WARN"
	Delete Action = "DELETE"
)

const (
	capsThreshold      = 0.7
	minLettersForCaps  = 5
	maxWarnedWords     = 2
	patternMatchBudget = 50 * time.Millisecond
)

// DefaultBannedWords is used when no list is configured.
var DefaultBannedWords = []string{"spam", "scam", "hack", "crack", "illegal", "drugs", "weapons"}

var (
	spamPatterns = []string{
		`(.)\1{20,}`,
		`(?:https?://\S+[\s\S]*?){3,}`,
		`(?:\b(?:buy|sell|discount|offer|free|money|cash|bitcoin|eth|crypto)\b[\s\S]*?){4,}`,
	}
	harmfulPatterns = []string{
		`<script\b`,
		`javascript:`,
		`\bon[a-z]+\s*=\s*["']`,
	}
)

// Verdict is the outcome of a classification.
type Verdict struct {
	Action Action
	Reason string
	// Words lists the banned words found, in order of appearance.
	Words []string
	// Censored is the text with banned words masked, set only when Words is not empty.
	Censored string
	Language string
}

// Moderator classifies message text. It holds no mutable state and is safe for concurrent use.
type Moderator struct {
	matcher     *goahocorasick.Machine
	hasPatterns bool
	spam        []*regexp2.Regexp
	harmful     []*regexp2.Regexp
	maxLength   int
	censorChar  rune
}

// NewModerator builds the Aho-Corasick automaton over the normalized banned words
// and compiles the spam and markup patterns.
func NewModerator(bannedWords []string, maxLength int, censorChar rune) (*Moderator, error) {
	patterns := lo.Uniq(lo.FilterMap(bannedWords, func(w string, _ int) (string, bool) {
		n := string(normalizeRunes([]rune(w)))
		return n, n != ""
	}))

	m := &Moderator{maxLength: maxLength, censorChar: censorChar}
	if len(patterns) > 0 {
		runes := lo.Map(patterns, func(p string, _ int) []rune { return []rune(p) })
		m.matcher = new(goahocorasick.Machine)
		if err := m.matcher.Build(runes); err != nil {
			return nil, fmt.Errorf("building banned word automaton: %w", err)
		}
		m.hasPatterns = true
	}

	var err error
	if m.spam, err = compile(spamPatterns); err != nil {
		return nil, err
	}
	if m.harmful, err = compile(harmfulPatterns); err != nil {
		return nil, err
	}
	return m, nil
}

func compile(patterns []string) ([]*regexp2.Regexp, error) {
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp2.Compile(p, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p, err)
		}
		re.MatchTimeout = patternMatchBudget
		out = append(out, re)
	}
	return out, nil
}

// Classify runs the checks in a fixed order and returns the first verdict that is not ALLOW.
func (m *Moderator) Classify(text string) Verdict {
	v := Verdict{Action: Allow, Language: detectLanguage(text)}

	if strings.TrimSpace(text) == "" {
		v.Action, v.Reason = Delete, "Message is empty"
		return v
	}

	if words, censored := m.bannedWords(text); len(words) > 0 {
		v.Words, v.Censored = words, censored
	}

	// Rejections win over warnings.
	if matchAny(m.harmful, text) {
		v.Action, v.Reason = Delete, "Potentially harmful content detected"
		return v
	}

	if matchAny(m.spam, text) {
		v.Action, v.Reason = Delete, "Detected spam pattern"
		return v
	}

	if len(v.Words) > 0 {
		v.Action = Warn
		if len(v.Words) > maxWarnedWords {
			v.Action = Delete
		}
		v.Reason = fmt.Sprintf("Contains %d banned word(s)", len(v.Words))
		return v
	}

	if shouting(text) {
		v.Action, v.Reason = Warn, "Excessive use of capital letters"
		return v
	}

	if m.maxLength > 0 && utf8.RuneCountInString(text) > m.maxLength {
		v.Action, v.Reason = Warn, fmt.Sprintf("Message too long (max %d characters)", m.maxLength)
		return v
	}
	return v
}

// bannedWords matches whole whitespace-separated words after normalization,
// so "h4ck!" matches "hack" while "hackathon" does not.
func (m *Moderator) bannedWords(text string) ([]string, string) {
	if !m.hasPatterns {
		return nil, ""
	}
	var found []string
	var sb strings.Builder
	sb.Grow(len(text))

	for i, word := range strings.Fields(text) {
		if i > 0 {
			sb.WriteByte(' ')
		}
		norm := normalizeRunes([]rune(strings.TrimFunc(word, unicode.IsPunct)))
		if len(norm) == 0 || !m.exact(norm) {
			sb.WriteString(word)
			continue
		}
		found = append(found, string(norm))
		sb.WriteString(strings.Repeat(string(m.censorChar), utf8.RuneCountInString(word)))
	}
	return found, sb.String()
}

func (m *Moderator) exact(norm []rune) bool {
	for _, term := range m.matcher.MultiPatternSearch(norm, false) {
		if term.Pos == 0 && len(term.Word) == len(norm) {
			return true
		}
	}
	return false
}

func matchAny(patterns []*regexp2.Regexp, text string) bool {
	for _, re := range patterns {
		// A timeout counts as no match; the remaining checks still apply.
		if ok, err := re.MatchString(text); err == nil && ok {
			return true
		}
	}
	return false
}

func shouting(text string) bool {
	var letters, upper int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= minLettersForCaps && float64(upper)/float64(letters) > capsThreshold
}

func detectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if info.Confidence < 0.5 {
		return ""
	}
	return info.Lang.Iso6391()
}

// normalizeRunes applies leet simplification and noise removal to a slice of runes.
func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps common leet characters back to their standard alphabet counterparts.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
