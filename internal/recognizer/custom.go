package recognizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"pii-anonymizer/internal/entity"
)

// DefaultDenyListScore is used when a definition sets a deny list without a
// score.
const DefaultDenyListScore = 1.0

// DefinitionFile is the top-level layout of a recognizer YAML file.
type DefinitionFile struct {
	Recognizers []Definition `yaml:"recognizers" json:"recognizers"`
}

// Definition describes a user-defined recognizer. A definition with patterns
// compiles to a pattern recognizer; one with a deny list compiles to a
// deny-list recognizer; one with both yields both. A nil DenyListScore means
// DefaultDenyListScore; an explicit 0 is kept.
type Definition struct {
	Name          string          `yaml:"name" json:"name"`
	Entity        string          `yaml:"entity" json:"entity"`
	Patterns      []PatternConfig `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Context       []string        `yaml:"context,omitempty" json:"context,omitempty"`
	DenyList      []string        `yaml:"deny_list,omitempty" json:"deny_list,omitempty"`
	DenyListScore *float64        `yaml:"deny_list_score,omitempty" json:"deny_list_score,omitempty"`
}

// PatternConfig is a single regex within a Definition.
type PatternConfig struct {
	Name  string  `yaml:"name" json:"name"`
	Regex string  `yaml:"regex" json:"regex"`
	Score float64 `yaml:"score" json:"score"`
}

// Validate checks a definition without compiling recognizers from it.
func (d Definition) Validate() error {
	_, err := d.Compile()
	return err
}

// Compile builds the recognizers a definition describes.
func (d Definition) Compile() ([]Recognizer, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, errors.New("recognizer definition: name required")
	}
	typ := entity.Parse(d.Entity)
	if typ.IsZero() {
		return nil, fmt.Errorf("recognizer %q: entity required", name)
	}
	if len(d.Patterns) == 0 && len(d.DenyList) == 0 {
		return nil, fmt.Errorf("recognizer %q: needs patterns or a deny list", name)
	}

	var out []Recognizer
	if len(d.Patterns) > 0 {
		patterns := make([]Pattern, 0, len(d.Patterns))
		for i, pc := range d.Patterns {
			re, err := regexp.Compile(pc.Regex)
			if err != nil {
				return nil, fmt.Errorf("recognizer %q pattern %d: %w", name, i, err)
			}
			pname := pc.Name
			if pname == "" {
				pname = fmt.Sprintf("%s_%d", name, i)
			}
			patterns = append(patterns, Pattern{Name: pname, Regex: re, Score: pc.Score})
		}
		pr, err := NewPatternRecognizer(name, typ, patterns, d.Context, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if len(d.DenyList) > 0 {
		score := DefaultDenyListScore
		if d.DenyListScore != nil {
			score = *d.DenyListScore
		}
		dl, err := NewDenyListRecognizer(name+"_deny_list", typ, d.DenyList, score)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// CompileAll compiles definitions in order. Any invalid definition fails the
// whole set.
func CompileAll(defs []Definition) ([]Recognizer, error) {
	var out []Recognizer
	for _, d := range defs {
		rs, err := d.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}

// ParseDefinitions decodes recognizer YAML.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f DefinitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return f.Recognizers, nil
}

// LoadDefinitions reads recognizer YAML from path. A missing file yields no
// definitions and no error.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseDefinitions(data)
}

// DenyListRecognizer flags exact occurrences of listed terms, ignoring case.
// Terms that start or end with a word character only match on word
// boundaries.
type DenyListRecognizer struct {
	name  string
	typ   entity.Type
	re    *regexp.Regexp
	score float64
}

// NewDenyListRecognizer compiles terms into a single alternation.
func NewDenyListRecognizer(name string, typ entity.Type, terms []string, score float64) (*DenyListRecognizer, error) {
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("deny list %q: score %.2f outside [0,1]", name, score)
	}
	alts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		alt := regexp.QuoteMeta(t)
		if first, _ := utf8.DecodeRuneInString(t); isWord(first) {
			alt = `\b` + alt
		}
		if last, _ := utf8.DecodeLastRuneInString(t); isWord(last) {
			alt += `\b`
		}
		alts = append(alts, alt)
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("deny list %q: no terms", name)
	}
	re, err := regexp.Compile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("deny list %q: %w", name, err)
	}
	return &DenyListRecognizer{name: name, typ: typ, re: re, score: score}, nil
}

// isWord matches RE2's ASCII-only notion of a word character for \b.
func isWord(r rune) bool {
	return r < utf8.RuneSelf && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

func (d *DenyListRecognizer) Name() string { return d.name }

func (d *DenyListRecognizer) SupportedEntities() []entity.Type { return []entity.Type{d.typ} }

func (d *DenyListRecognizer) Analyze(ctx context.Context, text string, entities []entity.Type) ([]entity.Result, error) {
	if !Supports(d, entities) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []entity.Result
	for _, loc := range d.re.FindAllStringIndex(text, -1) {
		r, err := entity.NewResult(d.typ, text, loc[0], loc[1], d.score)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		out = append(out, r)
	}
	return out, nil
}
