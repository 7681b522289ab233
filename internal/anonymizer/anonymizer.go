// Package anonymizer rewrites analyzed text. Each detected span is replaced
// by the output of the operator configured for its entity type, or the
// default operator when none is configured.
//
// Anonymization is all-or-nothing: every operator is validated and every
// replacement computed before any text is produced.
//
// Deanonymize reverses encrypt replacements using the audit items of a
// previous Anonymize call; other operators are one-way and are left in
// place.
package anonymizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/operator"
	"pii-anonymizer/internal/rewriter"
	"pii-anonymizer/internal/telemetry"
)

var tracer = telemetry.Tracer("pii-anonymizer/internal/anonymizer")

// ErrItemMismatch is returned by Deanonymize when an item does not line up
// with the text it is applied to.
var ErrItemMismatch = errors.New("item does not match text")

// DecryptOperator is the operator name reported on items restored by
// Deanonymize.
const DecryptOperator operator.Type = "decrypt"

// Config holds engine-level settings.
type Config struct {
	// DefaultOperator applies to entity types without their own config.
	// The zero value redacts.
	DefaultOperator operator.Config
}

// Option customizes an Anonymizer.
type Option func(*Anonymizer)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(a *Anonymizer) { a.log = log }
}

// WithMetrics records anonymization counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Anonymizer) { a.metrics = m }
}

// Anonymizer applies operators to analyzer results. It holds no per-call
// state and is safe for concurrent use.
type Anonymizer struct {
	def     operator.Operator
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New validates the default operator and returns an Anonymizer.
func New(cfg Config, opts ...Option) (*Anonymizer, error) {
	def, err := operator.New(cfg.DefaultOperator)
	if err != nil {
		return nil, fmt.Errorf("default operator: %w", err)
	}
	a := &Anonymizer{def: def}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.New("ANONYMIZER", "info")
	}
	if a.metrics == nil {
		a.metrics = &metrics.Metrics{}
	}
	return a, nil
}

// Anonymize replaces every result span in text. perEntity overrides the
// default operator per entity type; every config in it is validated even if
// no result uses it. results may be in any order but must not overlap.
func (a *Anonymizer) Anonymize(ctx context.Context, text string, results []entity.Result, perEntity map[entity.Type]operator.Config) (rewriter.Result, error) {
	_, span := tracer.Start(ctx, "anonymizer.anonymize", trace.WithAttributes(
		attribute.Int("text.bytes", len(text)),
		attribute.Int("spans", len(results)),
	))
	defer span.End()

	res, err := a.anonymize(ctx, text, results, perEntity)
	if err != nil {
		a.metrics.ErrorsAnonymize.Add(1)
		span.SetStatus(codes.Error, err.Error())
		a.log.WithContext(ctx).Warnf("anonymize_failed", "%v", err)
		return rewriter.Result{}, err
	}
	return res, nil
}

func (a *Anonymizer) anonymize(ctx context.Context, text string, results []entity.Result, perEntity map[entity.Type]operator.Config) (rewriter.Result, error) {
	if err := ctx.Err(); err != nil {
		return rewriter.Result{}, err
	}
	start := time.Now()

	ops := make(map[entity.Type]operator.Operator, len(perEntity))
	for t, cfg := range perEntity {
		op, err := operator.New(cfg)
		if err != nil {
			return rewriter.Result{}, fmt.Errorf("operator for %s: %w", t, err)
		}
		ops[t] = op
	}
	pick := func(t entity.Type) (operator.Operator, error) {
		if op, ok := ops[t]; ok {
			return op, nil
		}
		return a.def, nil
	}

	spans := append([]entity.Result(nil), results...)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	res, err := rewriter.Apply(text, spans, pick)
	if err != nil {
		return rewriter.Result{}, err
	}
	a.metrics.RecordAnonymize(time.Since(start), len(res.Items))
	a.log.WithContext(ctx).Debugf("anonymize_done", "%d replacements", len(res.Items))
	return res, nil
}

// Deanonymize restores the values that Anonymize encrypted. text is the
// anonymized text and items the audit items Anonymize returned for it, in
// order. The returned items describe the restored spans: Start and End are
// offsets into text and Text is the recovered value.
func (a *Anonymizer) Deanonymize(text string, items []rewriter.Item, key string) (rewriter.Result, error) {
	if key == "" {
		return rewriter.Result{}, operator.ErrMissingKey
	}
	prev := rewriter.Result{Text: text, Items: items}
	out := prev.OutputSpans()

	var spans []entity.Result
	for i, it := range items {
		s := out[i]
		if s.Start < 0 || s.End > len(text) || text[s.Start:s.End] != it.Text {
			return rewriter.Result{}, fmt.Errorf("%w: item %d (%s) at [%d:%d]", ErrItemMismatch, i, it.Type, s.Start, s.End)
		}
		if it.Operator != operator.Encrypt || s.Start == s.End {
			continue
		}
		spans = append(spans, entity.Result{Type: it.Type, Start: s.Start, End: s.End, Score: 1, Text: it.Text})
	}

	res, err := rewriter.Apply(text, spans, rewriter.Fixed(decrypter{key: key}))
	if err != nil {
		return rewriter.Result{}, err
	}
	a.metrics.RecordDeanonymize(len(res.Items))
	return res, nil
}

type decrypter struct{ key string }

func (decrypter) Type() operator.Type { return DecryptOperator }

func (d decrypter) Operate(_ entity.Type, token string) (string, error) {
	return operator.Decrypt(d.key, token)
}
