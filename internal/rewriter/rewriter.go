// Package rewriter applies operators to resolved spans and produces the
// anonymized text together with an audit list of what was replaced.
package rewriter

import (
	"errors"
	"fmt"
	"strings"

	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/operator"
)

// ErrInvalidSpans is returned when spans are out of bounds, unsorted or
// overlapping.
var ErrInvalidSpans = errors.New("invalid spans")

// Item records one replacement. Start and End are byte offsets into the
// original text; Text is the replacement that was inserted.
type Item struct {
	Start    int           `json:"start"`
	End      int           `json:"end"`
	Type     entity.Type   `json:"entityType"`
	Text     string        `json:"text"`
	Operator operator.Type `json:"operator"`
}

// Result is the anonymized text and its audit items, ordered by Start.
type Result struct {
	Text  string `json:"text"`
	Items []Item `json:"items"`
}

// Span is the position of a replacement in the rewritten text.
type Span struct {
	Start int
	End   int
}

// OutputSpans returns where each item's replacement sits in r.Text, in item
// order.
func (r Result) OutputSpans() []Span {
	spans := make([]Span, len(r.Items))
	delta := 0
	for i, it := range r.Items {
		start := it.Start + delta
		spans[i] = Span{Start: start, End: start + len(it.Text)}
		delta += len(it.Text) - (it.End - it.Start)
	}
	return spans
}

// Picker returns the operator to apply to spans of the given type.
type Picker func(entity.Type) (operator.Operator, error)

// Apply rewrites text, replacing each span with its operator's output.
//
// Every span is validated and every replacement computed before the text is
// touched, so on error no partial output is produced.
func Apply(text string, spans []entity.Result, pick Picker) (Result, error) {
	if text == "" || len(spans) == 0 {
		return Result{Text: text, Items: []Item{}}, nil
	}
	if err := validate(text, spans); err != nil {
		return Result{}, err
	}

	items := make([]Item, len(spans))
	for i, s := range spans {
		op, err := pick(s.Type)
		if err != nil {
			return Result{}, fmt.Errorf("operator for %s: %w", s.Type, err)
		}
		out, err := op.Operate(s.Type, text[s.Start:s.End])
		if err != nil {
			return Result{}, fmt.Errorf("%s on %s [%d:%d]: %w", op.Type(), s.Type, s.Start, s.End, err)
		}
		items[i] = Item{Start: s.Start, End: s.End, Type: s.Type, Text: out, Operator: op.Type()}
	}

	// Splicing back to front keeps earlier offsets valid.
	buf := text
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		buf = buf[:it.Start] + it.Text + buf[it.End:]
	}
	return Result{Text: buf, Items: items}, nil
}

func validate(text string, spans []entity.Result) error {
	prevEnd := 0
	for i, s := range spans {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			return fmt.Errorf("%w: span %d [%d:%d] outside text of length %d", ErrInvalidSpans, i, s.Start, s.End, len(text))
		}
		if s.Start < prevEnd {
			return fmt.Errorf("%w: span %d [%d:%d] overlaps or precedes previous end %d", ErrInvalidSpans, i, s.Start, s.End, prevEnd)
		}
		prevEnd = s.End
	}
	return nil
}

// Fixed returns a Picker that always yields op.
func Fixed(op operator.Operator) Picker {
	return func(entity.Type) (operator.Operator, error) { return op, nil }
}

// String renders the audit list one item per line, for CLI output.
func (r Result) String() string {
	var b strings.Builder
	for _, it := range r.Items {
		fmt.Fprintf(&b, "%-14s [%d:%d] %s -> %q\n", it.Type, it.Start, it.End, it.Operator, it.Text)
	}
	return b.String()
}
