package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/cache"
	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/operator"
	"pii-anonymizer/internal/recognizer"
	"pii-anonymizer/internal/registry"
	"pii-anonymizer/internal/rewriter"
)

// DefaultOperatorKey selects the operator for every entity type without its
// own entry in an anonymize request.
const DefaultOperatorKey = "DEFAULT"

type recognizerInfo struct {
	Name     string        `json:"name"`
	Entities []entity.Type `json:"entities"`
}

func (s *Server) activeRecognizers() []recognizerInfo {
	recs := s.analyzer.Recognizers()
	out := make([]recognizerInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, recognizerInfo{Name: r.Name(), Entities: r.SupportedEntities()})
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
		Model  struct {
			Enabled  bool         `json:"enabled"`
			Backend  string       `json:"backend"`
			Endpoint string       `json:"endpoint"`
			Ready    bool         `json:"ready"`
			Cache    *cache.Stats `json:"cache,omitempty"`
		} `json:"model"`
		Recognizers []recognizerInfo `json:"recognizers"`
	}

	resp := response{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Recognizers: s.activeRecognizers(),
	}
	resp.Model.Enabled = s.cfg.Analyzer.UseModel
	resp.Model.Backend = s.cfg.Analyzer.ModelBackend
	resp.Model.Endpoint = s.cfg.Analyzer.ModelEndpoint
	resp.Model.Ready = s.analyzer.ModelReady()
	if st, ok := s.analyzer.ModelCacheStats(); ok {
		resp.Model.Cache = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// --- analyze ---------------------------------------------------------------

type analyzeRequest struct {
	Text     string   `json:"text"`
	Entities []string `json:"entities,omitempty"`
}

type analyzeResponse struct {
	Results []entity.Result `json:"results"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.analyzer.Analyze(r.Context(), req.Text, entity.ParseList(req.Entities)...)
	if err != nil {
		s.fail(w, r, "analyze_failed", err)
		return
	}
	if results == nil {
		results = []entity.Result{}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Results: results})
}

// --- anonymize -------------------------------------------------------------

// operatorRequest is the wire form of operator.Config. MaskingChar is a
// one-character string rather than a code point.
type operatorRequest struct {
	Type          string  `json:"type"`
	NewValue      *string `json:"newValue,omitempty"`
	MaskingChar   string  `json:"maskingChar,omitempty"`
	CharsToMask   *int    `json:"charsToMask,omitempty"`
	FromEnd       bool    `json:"fromEnd,omitempty"`
	HashAlgorithm string  `json:"hashAlgorithm,omitempty"`
	HashLength    int     `json:"hashLength,omitempty"`
	Key           string  `json:"key,omitempty"`
}

// config converts the request, filling an empty encryption key with the
// server's configured key.
func (o operatorRequest) config(defaultKey string) (operator.Config, error) {
	t, err := operator.ParseType(o.Type)
	if err != nil {
		return operator.Config{}, err
	}
	cfg := operator.Config{
		Type:          t,
		NewValue:      o.NewValue,
		CharsToMask:   o.CharsToMask,
		FromEnd:       o.FromEnd,
		HashAlgorithm: o.HashAlgorithm,
		HashLength:    o.HashLength,
		Key:           o.Key,
	}
	if o.MaskingChar != "" {
		if utf8.RuneCountInString(o.MaskingChar) != 1 {
			return operator.Config{}, fmt.Errorf("%w: maskingChar must be a single character, got %q", operator.ErrConfig, o.MaskingChar)
		}
		cfg.MaskingChar, _ = utf8.DecodeRuneInString(o.MaskingChar)
	}
	if cfg.Type == operator.Encrypt && cfg.Key == "" {
		cfg.Key = defaultKey
	}
	return cfg, nil
}

type anonymizeRequest struct {
	Text            string                     `json:"text"`
	Entities        []string                   `json:"entities,omitempty"`
	Operators       map[string]operatorRequest `json:"operators,omitempty"`
	AnalyzerResults []entity.Result            `json:"analyzerResults,omitempty"`
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req anonymizeRequest
	if !s.decode(w, r, &req) {
		return
	}

	ops, err := s.operators(req.Operators)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	var results []entity.Result
	if req.AnalyzerResults != nil {
		results = make([]entity.Result, 0, len(req.AnalyzerResults))
		for _, res := range req.AnalyzerResults {
			checked, err := entity.NewResult(res.Type, req.Text, res.Start, res.End, res.Score)
			if err != nil {
				s.badRequest(w, "invalid analyzer result: "+err.Error())
				return
			}
			results = append(results, checked)
		}
	} else {
		results, err = s.analyzer.Analyze(r.Context(), req.Text, entity.ParseList(req.Entities)...)
		if err != nil {
			s.fail(w, r, "analyze_failed", err)
			return
		}
	}

	res, err := s.anonymizer.Anonymize(r.Context(), req.Text, results, ops.expand(results))
	if err != nil {
		s.fail(w, r, "anonymize_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// requestOperators holds the validated operator entries of a request.
type requestOperators struct {
	perEntity map[entity.Type]operator.Config
	def       *operator.Config
}

// operators converts and validates every entry of a request, DEFAULT
// included, so a bad configuration fails whether or not the text has PII.
func (s *Server) operators(reqs map[string]operatorRequest) (requestOperators, error) {
	var ops requestOperators
	if len(reqs) == 0 {
		return ops, nil
	}
	ops.perEntity = make(map[entity.Type]operator.Config, len(reqs))
	for name, oreq := range reqs {
		cfg, err := oreq.config(s.cfg.Anonymizer.EncryptionKey)
		if err == nil {
			_, err = operator.New(cfg)
		}
		if err != nil {
			return requestOperators{}, fmt.Errorf("operator %s: %w", name, err)
		}
		if strings.EqualFold(name, DefaultOperatorKey) {
			ops.def = &cfg
			continue
		}
		t := entity.Parse(name)
		if t.IsZero() {
			return requestOperators{}, fmt.Errorf("operator key %q is not an entity type", name)
		}
		ops.perEntity[t] = cfg
	}
	return ops, nil
}

// expand returns the per-entity map with DEFAULT applied to every result
// type that has no entry of its own.
func (o requestOperators) expand(results []entity.Result) map[entity.Type]operator.Config {
	if o.def == nil {
		return o.perEntity
	}
	for _, res := range results {
		if _, ok := o.perEntity[res.Type]; !ok {
			o.perEntity[res.Type] = *o.def
		}
	}
	return o.perEntity
}

// --- deanonymize -----------------------------------------------------------

type deanonymizeRequest struct {
	Text  string          `json:"text"`
	Items []rewriter.Item `json:"items"`
	Key   string          `json:"key,omitempty"`
}

func (s *Server) handleDeanonymize(w http.ResponseWriter, r *http.Request) {
	var req deanonymizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	key := req.Key
	if key == "" {
		key = s.cfg.Anonymizer.EncryptionKey
	}
	res, err := s.anonymizer.Deanonymize(req.Text, req.Items, key)
	if err != nil {
		s.fail(w, r, "deanonymize_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- recognizers -----------------------------------------------------------

func (s *Server) handleListRecognizers(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Active      []recognizerInfo        `json:"active"`
		Definitions []recognizer.Definition `json:"definitions"`
	}
	defs, err := s.registry.List()
	if err != nil {
		s.fail(w, r, "registry_list_failed", err)
		return
	}
	if defs == nil {
		defs = []recognizer.Definition{}
	}
	writeJSON(w, http.StatusOK, response{Active: s.activeRecognizers(), Definitions: defs})
}

func (s *Server) handleGetRecognizer(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, "registry_get_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handlePutRecognizer(w http.ResponseWriter, r *http.Request) {
	var def recognizer.Definition
	if !s.decode(w, r, &def) {
		return
	}
	if err := def.Validate(); err != nil {
		s.badRequest(w, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registry.Put(def); err != nil {
		s.fail(w, r, "registry_put_failed", err)
		return
	}
	if err := s.reload(); err != nil {
		s.fail(w, r, "recognizers_reload_failed", err)
		return
	}
	s.log.Infof("recognizer_added", "Stored recognizer %s (%s)", def.Name, def.Entity)
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleDeleteRecognizer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registry.Delete(name); err != nil {
		s.fail(w, r, "registry_delete_failed", err)
		return
	}
	if err := s.reload(); err != nil {
		s.fail(w, r, "recognizers_reload_failed", err)
		return
	}
	s.log.Infof("recognizer_removed", "Removed recognizer %s", name)
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---------------------------------------------------------------

// decode reads a JSON body into v. On failure it writes the error response
// and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.ErrorsRequest.Add(1)
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.metrics.ErrorsRequest.Add(1)
	writeError(w, http.StatusBadRequest, "invalid_request", msg)
}

// fail maps err to a status and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, code := classify(err)
	log := s.log.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Errorf(action, "request_id=%s: %v", middleware.GetReqID(r.Context()), err)
	} else {
		log.Warnf(action, "request_id=%s: %v", middleware.GetReqID(r.Context()), err)
	}
	if status == http.StatusBadRequest {
		s.metrics.ErrorsRequest.Add(1)
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, operator.ErrDecrypt):
		return http.StatusUnprocessableEntity, "decrypt_failed"
	case errors.Is(err, operator.ErrConfig),
		errors.Is(err, rewriter.ErrInvalidSpans),
		errors.Is(err, entity.ErrInvalidSpan),
		errors.Is(err, anonymizer.ErrItemMismatch):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
