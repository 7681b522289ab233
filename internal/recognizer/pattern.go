package recognizer

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"pii-anonymizer/internal/entity"
)

// Context scoring.
const (
	ContextWindow = 50   // bytes searched on each side of a match
	ContextBoost  = 0.1  // added when a context word is found
	ContextCap    = 0.95 // boosted scores never exceed this
)

// Pattern is one regular expression with the base score its matches get.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
	Score float64
}

// Validator rejects matches that fit the regex but not the format, e.g. a
// card number with a bad checksum.
type Validator func(match string) bool

// PatternRecognizer finds one entity type with a list of regexes, optional
// context words and an optional validator. It holds no mutable state.
type PatternRecognizer struct {
	name     string
	typ      entity.Type
	patterns []Pattern
	context  []string
	validate Validator
}

// NewPatternRecognizer builds a recognizer for typ.
func NewPatternRecognizer(name string, typ entity.Type, patterns []Pattern, contextWords []string, validate Validator) (*PatternRecognizer, error) {
	if typ.IsZero() {
		return nil, fmt.Errorf("pattern recognizer %q: entity type required", name)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("pattern recognizer %q: at least one pattern required", name)
	}
	for _, p := range patterns {
		if p.Regex == nil {
			return nil, fmt.Errorf("pattern recognizer %q: pattern %q has no regex", name, p.Name)
		}
		if p.Score < 0 || p.Score > 1 {
			return nil, fmt.Errorf("pattern recognizer %q: pattern %q score %.2f outside [0,1]", name, p.Name, p.Score)
		}
	}
	words := make([]string, 0, len(contextWords))
	for _, w := range contextWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return &PatternRecognizer{name: name, typ: typ, patterns: patterns, context: words, validate: validate}, nil
}

func (p *PatternRecognizer) Name() string { return p.name }

func (p *PatternRecognizer) SupportedEntities() []entity.Type { return []entity.Type{p.typ} }

// Analyze runs every pattern over text. Matches of different patterns may
// overlap; the resolver reconciles them.
func (p *PatternRecognizer) Analyze(ctx context.Context, text string, entities []entity.Type) ([]entity.Result, error) {
	if !Supports(p, entities) {
		return nil, nil
	}
	var out []entity.Result
	for _, pat := range p.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range pat.Regex.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if start == end {
				continue
			}
			if p.validate != nil && !p.validate(text[start:end]) {
				continue
			}
			score := BoostScore(text, start, end, pat.Score, p.context)
			r, err := entity.NewResult(p.typ, text, start, end, score)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.name, err)
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// BoostScore raises base by ContextBoost, capped at ContextCap, when any of
// words occurs case-insensitively within ContextWindow bytes before start or
// after end. The matched text itself is not searched, so "bob@gmail.com" is
// not boosted by "mail". A base already above the cap is left alone.
func BoostScore(text string, start, end int, base float64, words []string) float64 {
	if len(words) == 0 || base >= ContextCap {
		return base
	}
	before := strings.ToLower(text[max(0, start-ContextWindow):start])
	after := strings.ToLower(text[end:min(len(text), end+ContextWindow)])
	for _, w := range words {
		if strings.Contains(before, w) || strings.Contains(after, w) {
			return min(base+ContextBoost, ContextCap)
		}
	}
	return base
}

// Luhn reports whether the digits in number pass the Luhn checksum.
// Non-digit characters are ignored; fewer than two digits fails.
func Luhn(number string) bool {
	sum, n := 0, 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
		double = !double
	}
	return n >= 2 && sum%10 == 0
}

func digitCount(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

func validCreditCard(s string) bool {
	n := digitCount(s)
	return n >= 13 && n <= 19 && Luhn(s)
}

// validSSN rejects numbers the SSA never issues: area 000, 666 or 9xx,
// group 00 and serial 0000.
func validSSN(s string) bool {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) != 9 {
		return false
	}
	area, group, serial := string(digits[:3]), string(digits[3:5]), string(digits[5:])
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

type builtin struct {
	name     string
	typ      entity.Type
	score    float64
	exprs    []string
	context  []string
	validate Validator
}

var builtins = []builtin{
	{
		name:    "email",
		typ:     entity.EmailAddress,
		score:   0.90,
		exprs:   []string{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`},
		context: []string{"email", "e-mail", "mail", "contact"},
	},
	{
		name:  "phone",
		typ:   entity.PhoneNumber,
		score: 0.85,
		exprs: []string{
			`\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
			`\+\d{1,3}[-.\s]?\(?\d{1,4}\)?(?:[-.\s]?\d{2,4}){2,4}\b`,
		},
		context: []string{"phone", "tel", "mobile", "cell", "call", "fax"},
	},
	{
		name:     "credit_card",
		typ:      entity.CreditCard,
		score:    0.80,
		exprs:    []string{`\b(?:\d[ -]?){12,18}\d\b`},
		context:  []string{"card", "credit", "visa", "mastercard", "amex", "payment"},
		validate: validCreditCard,
	},
	{
		name:     "us_ssn",
		typ:      entity.USSSN,
		score:    0.90,
		exprs:    []string{`\b\d{3}[- ]\d{2}[- ]\d{4}\b`},
		context:  []string{"ssn", "social security"},
		validate: validSSN,
	},
	{
		name:  "ip_address",
		typ:   entity.IPAddress,
		score: 0.85,
		exprs: []string{
			`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`,
			`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`,
		},
		context:  []string{"ip", "address", "server", "host"},
		validate: validIP,
	},
	{
		name:    "url",
		typ:     entity.URL,
		score:   0.90,
		exprs:   []string{`\b(?:https?://|www\.)[^\s<>"']*[^\s<>"'.,;:!?)\]]`},
		context: []string{"url", "website", "link", "site"},
	},
}

// Builtins returns the built-in pattern recognizers, one per structured
// entity type, in a fixed order.
func Builtins() []Recognizer {
	out := make([]Recognizer, 0, len(builtins))
	for _, b := range builtins {
		patterns := make([]Pattern, len(b.exprs))
		for i, expr := range b.exprs {
			patterns[i] = Pattern{Name: fmt.Sprintf("%s_%d", b.name, i), Regex: regexp.MustCompile(expr), Score: b.score}
		}
		r, err := NewPatternRecognizer(b.name, b.typ, patterns, b.context, b.validate)
		if err != nil {
			panic(fmt.Sprintf("builtin recognizer %s: %v", b.name, err))
		}
		out = append(out, r)
	}
	return out
}
