package tokenclass

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/recognizer"
)

const ollamaPrompt = `Analyze the following text for PII (personally identifiable information).
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found, copied verbatim
- "type": one of: PERSON, ORGANIZATION, LOCATION, DATE_TIME
- "confidence": float 0.0-1.0

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"PERSON","confidence":0.95}]`

// Ollama asks a local Ollama model to list PII strings.
type Ollama struct {
	client *resty.Client
	model  string
	log    *logger.Logger
}

// NewOllama creates a client for the Ollama server at endpoint
// (e.g. "http://localhost:11434").
func NewOllama(endpoint, model string, timeout time.Duration, log *logger.Logger) *Ollama {
	if log == nil {
		log = logger.New("TOKENCLASS", "info")
	}
	return &Ollama{client: newClient(endpoint, timeout), model: model, log: log}
}

type ollamaShowRequest struct {
	Model string `json:"model"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Load verifies the model is available on the server.
func (o *Ollama) Load(ctx context.Context) error {
	resp, err := o.client.R().SetContext(ctx).SetBody(ollamaShowRequest{Model: o.model}).Post("/api/show")
	if err != nil {
		return fmt.Errorf("ollama show %s: %w", o.model, err)
	}
	if resp.IsError() {
		return fmt.Errorf("ollama show %s: status %d", o.model, resp.StatusCode())
	}
	return nil
}

// Classify prompts the model and converts its detections into B- tokens at
// every whole-word occurrence in text.
func (o *Ollama) Classify(ctx context.Context, text string) (iter.Seq[recognizer.Token], error) {
	var out ollamaGenerateResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(ollamaGenerateRequest{Model: o.model, Prompt: fmt.Sprintf(ollamaPrompt, text)}).
		SetResult(&out).
		Post("/api/generate")
	if err != nil {
		return nil, fmt.Errorf("ollama generate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	detections, err := parseDetections(out.Response)
	if err != nil {
		return nil, err
	}
	tokens := locate(text, detections)
	o.log.Debugf("ollama_classified", "%d detections, %d occurrences", len(detections), len(tokens))
	return slices.Values(tokens), nil
}

// parseDetections extracts the JSON array from the model's free-text answer.
func parseDetections(answer string) ([]ollamaDetection, error) {
	raw := strings.TrimSpace(answer)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ollama: no JSON array in response")
	}
	var detections []ollamaDetection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("ollama: detection parse error: %w", err)
	}
	return detections, nil
}

// locate finds every whole-word occurrence of each detection and returns
// tokens with code point offsets, ordered by start.
func locate(text string, detections []ollamaDetection) []recognizer.Token {
	var tokens []recognizer.Token
	for _, d := range detections {
		val := strings.TrimSpace(d.Original)
		if val == "" || d.Type == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(text[from:], val)
			if idx < 0 {
				break
			}
			abs := from + idx
			end := abs + len(val)
			from = end
			if insideWord(text, abs, end) {
				continue
			}
			start := utf8.RuneCountInString(text[:abs])
			tokens = append(tokens, recognizer.Token{
				Label: "B-" + strings.ToUpper(d.Type),
				Start: start,
				End:   start + utf8.RuneCountInString(val),
				Score: min(max(d.Confidence, 0), 1),
				Word:  val,
			})
		}
	}
	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].Start < tokens[j].Start })
	// The model sometimes lists a value twice.
	return slices.CompactFunc(tokens, func(a, b recognizer.Token) bool {
		return a.Start == b.Start && a.End == b.End && a.Label == b.Label
	})
}

// insideWord reports whether [start,end) sits inside a longer word.
func insideWord(text string, start, end int) bool {
	if start > 0 {
		if r, _ := utf8.DecodeLastRuneInString(text[:start]); isWordRune(r) {
			return true
		}
	}
	if end < len(text) {
		if r, _ := utf8.DecodeRuneInString(text[end:]); isWordRune(r) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
