// Package analyzer coordinates recognizers over one text: it runs them
// concurrently, drops the ones that fail, applies the score threshold and
// reconciles overlapping candidates into a single ordered result list.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pii-anonymizer/internal/cache"
	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/recognizer"
	"pii-anonymizer/internal/resolver"
	"pii-anonymizer/internal/telemetry"
	"pii-anonymizer/internal/tokenclass"
)

var tracer = telemetry.Tracer("pii-anonymizer/internal/analyzer")

// Config controls which recognizers run and how their output is filtered.
type Config struct {
	UseModelRecognizer bool
	ModelName          string        // model identifier passed to the backend (Ollama model tag)
	ModelBackend       string        // "sidecar" or "ollama"
	ModelEndpoint      string        // base URL of the backend
	InferenceTimeout   time.Duration // per model call; 0 disables
	MinModelScore      float64       // model tokens below this are dropped
	ScoreThreshold     float64       // results below this are dropped before resolution
	CacheSize          int           // memoized model results; 0 disables
	ModelInitAttempts  uint64        // Load retries per initialization
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		UseModelRecognizer: true,
		ModelBackend:       tokenclass.BackendSidecar,
		ModelEndpoint:      "http://localhost:8001",
		InferenceTimeout:   10 * time.Second,
		MinModelScore:      0.5,
		CacheSize:          256,
		ModelInitAttempts:  2,
	}
}

// Option customizes an Analyzer.
type Option func(*options)

type options struct {
	classifier recognizer.TokenClassifier
	extra      []recognizer.Recognizer
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// WithClassifier supplies the token classifier for the model recognizer
// instead of building one from Config.ModelBackend.
func WithClassifier(clf recognizer.TokenClassifier) Option {
	return func(o *options) { o.classifier = clf }
}

// WithRecognizers registers additional recognizers after the built-in ones.
func WithRecognizers(recs ...recognizer.Recognizer) Option {
	return func(o *options) { o.extra = append(o.extra, recs...) }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records analysis counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Analyzer runs a fixed base set of recognizers plus a replaceable set of
// custom ones. It is safe for concurrent use.
type Analyzer struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	model   *recognizer.ModelRecognizer

	base []recognizer.Recognizer
	// Registration order is the index in the slice; custom recognizers
	// come last.
	set atomic.Pointer[[]recognizer.Recognizer]
}

// New builds an Analyzer. Built-in pattern recognizers are registered first,
// then the model recognizer when enabled, then recognizers from
// WithRecognizers.
func New(cfg Config, opts ...Option) (*Analyzer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.New("ANALYZER", "info")
	}
	if o.metrics == nil {
		o.metrics = &metrics.Metrics{}
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return nil, fmt.Errorf("analyzer: score threshold %.2f outside [0,1]", cfg.ScoreThreshold)
	}

	a := &Analyzer{cfg: cfg, log: o.log, metrics: o.metrics}
	a.base = recognizer.Builtins()

	if cfg.UseModelRecognizer {
		clf := o.classifier
		if clf == nil {
			var err error
			clf, err = tokenclass.New(cfg.ModelBackend, cfg.ModelEndpoint, cfg.ModelName, cfg.InferenceTimeout, o.log)
			if err != nil {
				return nil, fmt.Errorf("analyzer: %w", err)
			}
		}
		a.model = recognizer.NewModelRecognizer(clf, recognizer.ModelConfig{
			Timeout:      cfg.InferenceTimeout,
			MinScore:     cfg.MinModelScore,
			CacheSize:    cfg.CacheSize,
			InitAttempts: cfg.ModelInitAttempts,
		}, o.log)
		a.base = append(a.base, a.model)
		a.metrics.ObserveModelCache(a.model.CacheStats)
	}
	a.base = append(a.base, o.extra...)

	set := a.base
	a.set.Store(&set)
	return a, nil
}

// Initialize warms up every recognizer that needs it. Analyze initializes
// lazily, so calling this is optional.
func (a *Analyzer) Initialize(ctx context.Context) error {
	for _, r := range *a.set.Load() {
		in, ok := r.(recognizer.Initializer)
		if !ok {
			continue
		}
		if err := in.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", r.Name(), err)
		}
	}
	return nil
}

// ModelReady reports whether the model recognizer is enabled and loaded.
func (a *Analyzer) ModelReady() bool {
	return a.model != nil && a.model.Ready()
}

// ModelCacheStats reports the model recognizer's memo cache. ok is false
// when the model or its cache is disabled.
func (a *Analyzer) ModelCacheStats() (cache.Stats, bool) {
	if a.model == nil {
		return cache.Stats{}, false
	}
	return a.model.CacheStats()
}

// Recognizers returns the current recognizers in registration order.
func (a *Analyzer) Recognizers() []recognizer.Recognizer {
	return append([]recognizer.Recognizer(nil), *a.set.Load()...)
}

// SetCustomDefinitions compiles defs and replaces the custom recognizers.
// On error the current set is kept.
func (a *Analyzer) SetCustomDefinitions(defs []recognizer.Definition) error {
	custom, err := recognizer.CompileAll(defs)
	if err != nil {
		return err
	}
	set := make([]recognizer.Recognizer, 0, len(a.base)+len(custom))
	set = append(set, a.base...)
	set = append(set, custom...)
	a.set.Store(&set)
	a.log.Infof("custom_recognizers", "%d definitions, %d recognizers", len(defs), len(custom))
	return nil
}

// Analyze detects entities in text. Only the given types are returned, or
// every type when none are given. The results are sorted by Start and do not
// overlap.
//
// A recognizer that errors or panics is logged and left out; Analyze itself
// fails only when ctx is done.
func (a *Analyzer) Analyze(ctx context.Context, text string, entities ...entity.Type) ([]entity.Result, error) {
	ctx, span := tracer.Start(ctx, "analyzer.analyze", trace.WithAttributes(
		attribute.Int("text.bytes", len(text)),
		attribute.Int("entities.requested", len(entities)),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return []entity.Result{}, nil
	}

	start := time.Now()
	log := a.log.WithContext(ctx)
	recs := *a.set.Load()
	found := make([][]entity.Result, len(recs))

	var g errgroup.Group
	for i, r := range recs {
		if !recognizer.Supports(r, entities) {
			continue
		}
		g.Go(func() error {
			found[i] = a.run(ctx, log, r, text, entities)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var candidates []resolver.Candidate
	for order, results := range found {
		for _, res := range results {
			if res.Score < a.cfg.ScoreThreshold {
				continue
			}
			candidates = append(candidates, resolver.Candidate{Result: res, Order: order})
		}
	}
	resolved := resolver.Resolve(candidates, entities)

	elapsed := time.Since(start)
	a.metrics.RecordAnalyze(elapsed, resolved)
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("entities.found", len(resolved)),
	)
	log.Debugf("analyze_done", "%d candidates, %d entities in %s", len(candidates), len(resolved), elapsed)
	return resolved, nil
}

// run calls one recognizer and returns its valid results. Failures are
// logged and yield nil.
func (a *Analyzer) run(ctx context.Context, log *logger.Logger, r recognizer.Recognizer, text string, entities []entity.Type) (out []entity.Result) {
	defer func() {
		if p := recover(); p != nil {
			a.metrics.RecordRecognizerFailure(r.Name())
			log.Warnf("recognizer_failed", "%s panicked: %v", r.Name(), p)
			out = nil
		}
	}()

	results, err := r.Analyze(ctx, text, entities)
	if err != nil {
		if ctx.Err() == nil {
			a.metrics.RecordRecognizerFailure(r.Name())
			log.Warnf("recognizer_failed", "%s: %v", r.Name(), err)
		}
		return nil
	}

	out = make([]entity.Result, 0, len(results))
	for _, res := range results {
		valid, err := entity.NewResult(res.Type, text, res.Start, res.End, res.Score)
		if err != nil {
			log.Warnf("recognizer_result_dropped", "%s: %v", r.Name(), err)
			continue
		}
		out = append(out, valid)
	}
	return out
}
