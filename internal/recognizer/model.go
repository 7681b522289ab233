package recognizer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"pii-anonymizer/internal/cache"
	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/logger"
)

// TokenClassifier is a token-classification service.
//
// Load prepares the backing model and may be called again after a failure.
// Classify returns a lazy sequence of labeled tokens; it must not be called
// before a successful Load.
type TokenClassifier interface {
	Load(ctx context.Context) error
	Classify(ctx context.Context, text string) (iter.Seq[Token], error)
}

// ModelConfig tunes a ModelRecognizer.
type ModelConfig struct {
	Name         string
	Entities     []entity.Type // defaults to PERSON, ORGANIZATION, LOCATION, DATE_TIME
	Timeout      time.Duration // per Classify call; 0 disables
	MinScore     float64       // tokens below this are dropped
	CacheSize    int           // memoized texts; 0 disables
	InitAttempts uint64        // retries after the first Load failure
	InitBackoff  time.Duration // base of the exponential backoff
}

// DefaultModelEntities are the types a general NER model emits.
func DefaultModelEntities() []entity.Type {
	return []entity.Type{entity.Person, entity.Organization, entity.Location, entity.DateTime}
}

// ModelRecognizer turns a TokenClassifier's output into entity results.
//
// The first Analyze initializes the classifier if Initialize was not called.
// Initialization runs at most once at a time and is retried on the next
// call if it fails.
type ModelRecognizer struct {
	clf TokenClassifier
	cfg ModelConfig
	log *logger.Logger

	initMu sync.Mutex
	ready  atomic.Bool

	memo  *cache.S3FIFO[[sha256.Size]byte, []entity.Result]
	group singleflight.Group
}

// NewModelRecognizer wraps clf.
func NewModelRecognizer(clf TokenClassifier, cfg ModelConfig, log *logger.Logger) *ModelRecognizer {
	if cfg.Name == "" {
		cfg.Name = "model"
	}
	if len(cfg.Entities) == 0 {
		cfg.Entities = DefaultModelEntities()
	}
	if cfg.InitBackoff <= 0 {
		cfg.InitBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.New("MODEL", "info")
	}
	m := &ModelRecognizer{clf: clf, cfg: cfg, log: log}
	if cfg.CacheSize > 0 {
		m.memo = cache.New[[sha256.Size]byte, []entity.Result](cfg.CacheSize)
	}
	return m
}

func (m *ModelRecognizer) Name() string { return m.cfg.Name }

func (m *ModelRecognizer) SupportedEntities() []entity.Type { return m.cfg.Entities }

// Ready reports whether the classifier has been loaded.
func (m *ModelRecognizer) Ready() bool { return m.ready.Load() }

// Initialize loads the classifier, retrying with exponential backoff. It is
// a no-op once a load has succeeded. A failure wraps ErrUninitialized.
func (m *ModelRecognizer) Initialize(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.ready.Load() {
		return nil
	}

	start := time.Now()
	backoff := retry.WithMaxRetries(m.cfg.InitAttempts, retry.NewExponential(m.cfg.InitBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.clf.Load(ctx); err != nil {
			m.log.Warnf("model_load_retry", "%s: %v", m.cfg.Name, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUninitialized, m.cfg.Name, err)
	}
	m.ready.Store(true)
	m.log.Infof("model_ready", "%s loaded in %s", m.cfg.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

// CacheStats reports the memo cache counters. ok is false when memoization
// is disabled.
func (m *ModelRecognizer) CacheStats() (stats cache.Stats, ok bool) {
	if m.memo == nil {
		return cache.Stats{}, false
	}
	return m.memo.Stats(), true
}

// Analyze classifies text and merges the token stream into results.
// Results for a text already seen are served from the memo cache, and
// concurrent calls for the same text share one classification.
func (m *ModelRecognizer) Analyze(ctx context.Context, text string, entities []entity.Type) ([]entity.Result, error) {
	if !Supports(m, entities) {
		return nil, nil
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	key := sha256.Sum256([]byte(text))
	if m.memo != nil {
		if cached, ok := m.memo.Get(key); ok {
			return filter(cached, entities), nil
		}
	}

	// The shared call outlives any one caller; each caller still stops
	// waiting when its own context ends.
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(string(key[:]), func() (any, error) {
		results, err := m.classify(detached, text)
		if err != nil {
			return nil, err
		}
		if m.memo != nil {
			m.memo.Set(key, results)
		}
		return results, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		m.log.Debug("model_shared", "joined in-flight classification")
	}
	results, ok := res.Val.([]entity.Result)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", m.cfg.Name, res.Val)
	}
	return filter(results, entities), nil
}

func (m *ModelRecognizer) classify(ctx context.Context, text string) ([]entity.Result, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	tokens, err := m.clf.Classify(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%s: classify: %w", m.cfg.Name, err)
	}
	var ctxErr error
	guarded := func(yield func(Token) bool) {
		for tok := range tokens {
			if ctxErr = ctx.Err(); ctxErr != nil {
				return
			}
			if !yield(tok) {
				return
			}
		}
	}
	results := MergeTokens(text, guarded, m.cfg.MinScore)
	if ctxErr != nil {
		return nil, fmt.Errorf("%s: classify: %w", m.cfg.Name, ctxErr)
	}
	return results, nil
}
