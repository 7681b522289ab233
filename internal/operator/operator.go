// Package operator turns a detected span into its anonymized replacement.
//
// Operators are built from a Config by New, which validates the
// configuration up front: an unknown operator type or a missing required
// parameter fails at construction, never at apply time.
//
//	op, err := operator.New(operator.Config{Type: operator.Mask, CharsToMask: operator.Int(4), FromEnd: true})
//	masked, err := op.Operate(entity.CreditCard, "4532015112830366")
package operator

import (
	"errors"
	"fmt"
	"strings"

	"pii-anonymizer/internal/entity"
)

// Configuration errors. Every error returned by New wraps ErrConfig.
var (
	ErrConfig          = errors.New("operator configuration error")
	ErrUnknownOperator = fmt.Errorf("%w: unknown operator type", ErrConfig)
	ErrMissingKey      = fmt.Errorf("%w: encryption key required", ErrConfig)
)

// Type names an operator.
type Type string

// Supported operator types.
const (
	Redact  Type = "redact"
	Replace Type = "replace"
	Mask    Type = "mask"
	Hash    Type = "hash"
	Encrypt Type = "encrypt"
)

// Types lists the supported operator types.
func Types() []Type { return []Type{Redact, Replace, Mask, Hash, Encrypt} }

// ParseType normalizes a user-supplied operator name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownOperator, s)
}

// Config selects and parameterizes an operator. Each field only affects the
// operator type noted beside it; the rest are ignored.
type Config struct {
	Type Type `json:"type"`

	NewValue *string `json:"newValue,omitempty"` // redact, replace

	MaskingChar rune `json:"maskingChar,omitempty"` // mask; default '*'
	// CharsToMask is the number of characters to mask. nil masks the whole
	// span; 0 masks nothing.
	CharsToMask *int `json:"charsToMask,omitempty"`
	FromEnd     bool `json:"fromEnd,omitempty"` // mask

	HashAlgorithm string `json:"hashAlgorithm,omitempty"` // hash; default sha256
	HashLength    int    `json:"hashLength,omitempty"`    // hash; 0 keeps the full digest

	Key string `json:"key,omitempty"` // encrypt
}

// Default returns the engine-level default configuration (redact).
func Default() Config { return Config{Type: Redact} }

// String returns a pointer to s, for Config.NewValue.
func String(s string) *string { return &s }

// Int returns a pointer to n, for Config.CharsToMask.
func Int(n int) *int { return &n }

// Operator produces a replacement for one span.
// Implementations are immutable and safe for concurrent use.
type Operator interface {
	Type() Type
	Operate(t entity.Type, text string) (string, error)
}

// New validates cfg and returns the operator it describes.
func New(cfg Config) (Operator, error) {
	typ := cfg.Type
	if typ == "" {
		typ = Redact
	}
	switch typ {
	case Redact:
		return redactor{newValue: cfg.NewValue}, nil
	case Replace:
		return replacer{newValue: cfg.NewValue}, nil
	case Mask:
		return newMasker(cfg)
	case Hash:
		return newHasher(cfg)
	case Encrypt:
		return newEncrypter(cfg)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownOperator, cfg.Type)
}

// Placeholder returns the redaction marker for t, e.g. "<EMAIL_ADDRESS>".
func Placeholder(t entity.Type) string {
	return "<" + t.String() + ">"
}

type redactor struct {
	newValue *string
}

func (redactor) Type() Type { return Redact }

func (r redactor) Operate(t entity.Type, _ string) (string, error) {
	if r.newValue != nil {
		return *r.newValue, nil
	}
	return Placeholder(t), nil
}

type replacer struct {
	newValue *string
}

func (replacer) Type() Type { return Replace }

func (r replacer) Operate(t entity.Type, _ string) (string, error) {
	if r.newValue != nil {
		return *r.newValue, nil
	}
	return Placeholder(t), nil
}

type masker struct {
	char    rune
	count   *int
	fromEnd bool
}

func newMasker(cfg Config) (Operator, error) {
	if cfg.CharsToMask != nil && *cfg.CharsToMask < 0 {
		return nil, fmt.Errorf("%w: charsToMask must be >= 0, got %d", ErrConfig, *cfg.CharsToMask)
	}
	char := cfg.MaskingChar
	if char == 0 {
		char = '*'
	}
	return masker{char: char, count: cfg.CharsToMask, fromEnd: cfg.FromEnd}, nil
}

func (masker) Type() Type { return Mask }

// Operate masks whole characters (runes), never bytes, so multi-byte text
// stays valid UTF-8.
func (m masker) Operate(_ entity.Type, text string) (string, error) {
	runes := []rune(text)
	n := len(runes)
	if m.count != nil && *m.count < n {
		n = *m.count
	}
	from := 0
	if m.fromEnd {
		from = len(runes) - n
	}
	for i := from; i < from+n; i++ {
		runes[i] = m.char
	}
	return string(runes), nil
}
