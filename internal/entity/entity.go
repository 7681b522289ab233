// Package entity defines the vocabulary shared by every stage of the PII
// pipeline: the entity types a recognizer can tag and the immutable Result
// value a recognizer emits for each detected span.
//
// Offsets are byte offsets into the Go string that was analyzed. A span is the
// half-open range [Start, End).
package entity

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrInvalidSpan is returned when a Result would violate its offset or score
// invariants.
var ErrInvalidSpan = errors.New("invalid span")

type kind uint8

const (
	kindCustom kind = iota
	kindPerson
	kindEmailAddress
	kindPhoneNumber
	kindCreditCard
	kindUSSSN
	kindIPAddress
	kindURL
	kindOrganization
	kindLocation
	kindDateTime
)

var kindNames = [...]string{
	kindPerson:       "PERSON",
	kindEmailAddress: "EMAIL_ADDRESS",
	kindPhoneNumber:  "PHONE_NUMBER",
	kindCreditCard:   "CREDIT_CARD",
	kindUSSSN:        "US_SSN",
	kindIPAddress:    "IP_ADDRESS",
	kindURL:          "URL",
	kindOrganization: "ORGANIZATION",
	kindLocation:     "LOCATION",
	kindDateTime:     "DATE_TIME",
}

var kindFromName = func() map[string]kind {
	m := make(map[string]kind, len(kindNames))
	for k, name := range kindNames {
		if name != "" {
			m[name] = kind(k)
		}
	}
	return m
}()

// Type is the semantic category of a detected span. It is either one of the
// predefined variants below or a custom variant carrying its own canonical
// name. Type values are comparable and usable as map keys.
type Type struct {
	kind   kind
	custom string
}

// Predefined entity types.
var (
	Person       = Type{kind: kindPerson}
	EmailAddress = Type{kind: kindEmailAddress}
	PhoneNumber  = Type{kind: kindPhoneNumber}
	CreditCard   = Type{kind: kindCreditCard}
	USSSN        = Type{kind: kindUSSSN}
	IPAddress    = Type{kind: kindIPAddress}
	URL          = Type{kind: kindURL}
	Organization = Type{kind: kindOrganization}
	Location     = Type{kind: kindLocation}
	DateTime     = Type{kind: kindDateTime}
)

// Known returns the predefined entity types in declaration order.
func Known() []Type {
	out := make([]Type, 0, len(kindNames)-1)
	for k := kindPerson; int(k) < len(kindNames); k++ {
		out = append(out, Type{kind: k})
	}
	return out
}

var upper = cases.Upper(language.Und)

// canonical normalizes a free-form entity name to the upper-case,
// underscore-separated tag form ("credit card" -> "CREDIT_CARD").
func canonical(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return '_'
		}
		return r
	}, name)
	return upper.String(name)
}

// Parse maps a name to its entity type. Names matching the predefined
// vocabulary (case-insensitively) yield the predefined variant; any other
// non-empty name yields a custom variant. Parse("") returns the zero Type.
func Parse(name string) Type {
	c := canonical(name)
	if c == "" {
		return Type{}
	}
	if k, ok := kindFromName[c]; ok {
		return Type{kind: k}
	}
	return Type{kind: kindCustom, custom: c}
}

// String returns the canonical tag, e.g. "EMAIL_ADDRESS".
func (t Type) String() string {
	if t.kind == kindCustom {
		return t.custom
	}
	return kindNames[t.kind]
}

// IsCustom reports whether t is outside the predefined vocabulary.
func (t Type) IsCustom() bool { return t.kind == kindCustom && t.custom != "" }

// IsZero reports whether t is the zero Type.
func (t Type) IsZero() bool { return t.kind == kindCustom && t.custom == "" }

// MarshalText encodes the type as its canonical tag.
func (t Type) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, errors.New("entity: cannot marshal zero type")
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tag produced by MarshalText (or any name accepted
// by Parse).
func (t *Type) UnmarshalText(data []byte) error {
	parsed := Parse(string(data))
	if parsed.IsZero() {
		return errors.New("entity: empty entity type")
	}
	*t = parsed
	return nil
}

// ParseList parses each name with Parse, skipping empty entries.
func ParseList(names []string) []Type {
	out := make([]Type, 0, len(names))
	for _, n := range names {
		if t := Parse(n); !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// Set is a filter of accepted entity types. The empty set accepts everything.
type Set map[Type]struct{}

// NewSet builds a Set from types.
func NewSet(types ...Type) Set {
	s := make(Set, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

// Allows reports whether t passes the filter.
func (s Set) Allows(t Type) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[t]
	return ok
}

// AllowsAny reports whether at least one of types passes the filter.
func (s Set) AllowsAny(types []Type) bool {
	if len(s) == 0 {
		return true
	}
	for _, t := range types {
		if _, ok := s[t]; ok {
			return true
		}
	}
	return false
}

// Result is one detected entity occurrence. Results are values; nothing in
// the pipeline mutates a Result after NewResult returns it.
type Result struct {
	Type  Type    `json:"entityType"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// NewResult validates the span against text and returns a Result whose Text
// is sliced from text.
func NewResult(t Type, text string, start, end int, score float64) (Result, error) {
	if t.IsZero() {
		return Result{}, fmt.Errorf("%w: missing entity type", ErrInvalidSpan)
	}
	if start < 0 || start >= end || end > len(text) {
		return Result{}, fmt.Errorf("%w: [%d,%d) outside text of length %d", ErrInvalidSpan, start, end, len(text))
	}
	if score < 0 || score > 1 {
		return Result{}, fmt.Errorf("%w: score %.3f outside [0,1]", ErrInvalidSpan, score)
	}
	return Result{Type: t, Start: start, End: end, Score: score, Text: text[start:end]}, nil
}

// Len returns the span length in bytes.
func (r Result) Len() int { return r.End - r.Start }

// Overlaps reports whether r and o share at least one byte. Touching
// boundaries do not overlap.
func (r Result) Overlaps(o Result) bool {
	return r.Start < o.End && r.End > o.Start
}

// String returns a debug representation, e.g. EMAIL_ADDRESS("a@b.io")[7:13]@0.95.
func (r Result) String() string {
	return fmt.Sprintf("%s(%q)[%d:%d]@%.2f", r.Type, r.Text, r.Start, r.End, r.Score)
}
