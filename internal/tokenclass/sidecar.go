// Package tokenclass provides HTTP clients for token-classification
// backends used by the model recognizer.
//
// Two backends are supported:
//   - sidecar: a NER service exposing POST /classify that answers with a
//     Hugging Face style token list ({entity|entity_group, start, end, score, word}).
//   - ollama: a local LLM asked to list PII strings verbatim; occurrences
//     are located in the text here, since small models get offsets wrong.
package tokenclass

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/recognizer"
)

// Backend names.
const (
	BackendSidecar = "sidecar"
	BackendOllama  = "ollama"
)

// New returns the classifier for backend.
func New(backend, endpoint, model string, timeout time.Duration, log *logger.Logger) (recognizer.TokenClassifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("tokenclass: %s endpoint required", backend)
	}
	switch strings.ToLower(backend) {
	case "", BackendSidecar:
		return NewSidecar(endpoint, timeout, log), nil
	case BackendOllama:
		if model == "" {
			return nil, fmt.Errorf("tokenclass: ollama model required")
		}
		return NewOllama(endpoint, model, timeout, log), nil
	}
	return nil, fmt.Errorf("tokenclass: unknown backend %q", backend)
}

func newClient(endpoint string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return r == nil || r.Request == nil || r.Request.Context().Err() == nil
		}
		return r != nil && r.StatusCode() >= 500
	})
	return c
}

// Sidecar calls a NER sidecar over HTTP.
type Sidecar struct {
	client *resty.Client
	log    *logger.Logger
}

// NewSidecar creates a client for the sidecar at endpoint
// (e.g. "http://ner:8001").
func NewSidecar(endpoint string, timeout time.Duration, log *logger.Logger) *Sidecar {
	if log == nil {
		log = logger.New("TOKENCLASS", "info")
	}
	return &Sidecar{client: newClient(endpoint, timeout), log: log}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// hfToken is one element of a Hugging Face token-classification response.
// Aggregated pipelines set entity_group, raw ones set entity.
type hfToken struct {
	Entity      string  `json:"entity"`
	EntityGroup string  `json:"entity_group"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
}

func (t hfToken) label() string {
	if t.Entity != "" {
		return t.Entity
	}
	return t.EntityGroup
}

// Load checks that the sidecar is up and its model is loaded.
func (s *Sidecar) Load(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("sidecar health: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sidecar health: status %d", resp.StatusCode())
	}
	s.log.Debugf("sidecar_ready", "health %d", resp.StatusCode())
	return nil
}

// Classify sends text to POST /classify.
func (s *Sidecar) Classify(ctx context.Context, text string) (iter.Seq[recognizer.Token], error) {
	var out []hfToken
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(classifyRequest{Text: text}).
		SetResult(&out).
		Post("/classify")
	if err != nil {
		return nil, fmt.Errorf("sidecar classify: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sidecar classify: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	s.log.Debugf("sidecar_classified", "%d tokens for %d bytes", len(out), len(text))

	tokens := make([]recognizer.Token, len(out))
	for i, t := range out {
		tokens[i] = recognizer.Token{Label: t.label(), Start: t.Start, End: t.End, Score: t.Score, Word: t.Word}
	}
	return slices.Values(tokens), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
