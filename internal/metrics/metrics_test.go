package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-anonymizer/internal/cache"
	"pii-anonymizer/internal/entity"
)

func result(t entity.Type) entity.Result {
	return entity.Result{Type: t, Start: 0, End: 1, Score: 1, Text: "x"}
}

func exposition(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()
	assert.False(t, m.startTime.Before(before))
	assert.False(t, m.startTime.After(after))
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	m.RecordAnalyze(time.Millisecond, []entity.Result{result(entity.Person)})
	m.RecordRecognizerFailure("model")
	s := m.Snapshot()
	assert.EqualValues(t, 1, s.Calls.Analyze)
	assert.Empty(t, s.Entities.ByType, "zero value keeps no per-type counts")
	assert.Nil(t, s.ModelCache)
}

func TestZeroValue_HandlerUnavailable(t *testing.T) {
	var m Metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordAnalyze(time.Millisecond, nil)
	m.RecordAnalyze(time.Millisecond, nil)
	m.RecordAnonymize(time.Millisecond, 3)
	m.RecordDeanonymize(2)
	m.RecordRecognizerFailure("model")
	m.RecordRecognizerFailure("model")
	m.ErrorsAnonymize.Add(1)
	m.ErrorsRequest.Add(4)

	s := m.Snapshot()
	assert.Equal(t, CallSnapshot{Analyze: 2, Anonymize: 1, Deanonymize: 1}, s.Calls)
	assert.Equal(t, ErrorSnapshot{Recognizer: 2, Anonymize: 1, Request: 4}, s.Errors)
	assert.EqualValues(t, 3, s.Entities.Replaced)
	assert.EqualValues(t, 2, s.Entities.Restored)
}

func TestDetectedByType(t *testing.T) {
	m := New()
	m.RecordAnalyze(time.Millisecond, []entity.Result{
		result(entity.EmailAddress),
		result(entity.EmailAddress),
		result(entity.USSSN),
		result(entity.Parse("employee_id")),
	})

	s := m.Snapshot()
	assert.EqualValues(t, 4, s.Entities.Detected)
	assert.Equal(t, map[string]int64{"EMAIL_ADDRESS": 2, "US_SSN": 1}, s.Entities.ByType,
		"zero counts and custom types are absent")
}

func TestLatency(t *testing.T) {
	m := New()
	m.RecordAnalyze(100*time.Millisecond, nil)
	m.RecordAnonymize(50*time.Millisecond, 0)
	m.RecordAnonymize(150*time.Millisecond, 0)
	m.RecordAnonymize(100*time.Millisecond, 0)

	s := m.Snapshot()
	assert.EqualValues(t, 1, s.Latency.AnalyzeMs.Count)
	assert.InDelta(t, 100, s.Latency.AnalyzeMs.MinMs, 10)

	ls := s.Latency.AnonymizeMs
	assert.EqualValues(t, 3, ls.Count)
	assert.InDelta(t, 50, ls.MinMs, 10)
	assert.InDelta(t, 150, ls.MaxMs, 10)
	assert.InDelta(t, 100, ls.MeanMs, 10)

	assert.Zero(t, New().Snapshot().Latency)
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	assert.Positive(t, m.Snapshot().UptimeSecs)
}

func TestHandler_ExportsCollectors(t *testing.T) {
	m := New()
	m.RecordAnalyze(time.Millisecond, []entity.Result{result(entity.EmailAddress)})
	m.RecordRecognizerFailure("model")

	body := exposition(t, m)
	for _, want := range []string{
		`pii_calls_total{op="analyze"} 1`,
		`pii_entities_detected_total{type="EMAIL_ADDRESS"} 1`,
		`pii_recognizer_failures_total{recognizer="model"} 1`,
		`pii_operation_duration_seconds_count{op="analyze"} 1`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHandler_CustomTypesShareOneLabel(t *testing.T) {
	m := New()
	m.RecordAnalyze(time.Millisecond, []entity.Result{
		result(entity.Parse("employee_id")),
		result(entity.Parse("ticket")),
		result(entity.Parse("badge")),
		result(entity.Person),
	})

	body := exposition(t, m)
	assert.Contains(t, body, `pii_entities_detected_total{type="CUSTOM"} 3`)
	assert.Contains(t, body, `pii_entities_detected_total{type="PERSON"} 1`)
	assert.NotContains(t, body, "EMPLOYEE_ID")
	assert.NotContains(t, body, "TICKET")
}

func TestModelCacheObserved(t *testing.T) {
	m := New()
	_, ok := m.ModelCacheStats()
	assert.False(t, ok)
	assert.Contains(t, exposition(t, m), "pii_model_cache_hits_total 0")

	st := cache.Stats{Entries: 2, Hits: 5, Misses: 3}
	m.ObserveModelCache(func() (cache.Stats, bool) { return st, true })

	snap := m.Snapshot()
	require.NotNil(t, snap.ModelCache)
	assert.Equal(t, st, *snap.ModelCache)

	body := exposition(t, m)
	assert.Contains(t, body, "pii_model_cache_entries 2")
	assert.Contains(t, body, "pii_model_cache_hits_total 5")
	assert.Contains(t, body, "pii_model_cache_misses_total 3")

	m.ObserveModelCache(func() (cache.Stats, bool) { return cache.Stats{}, false })
	assert.Nil(t, m.Snapshot().ModelCache, "disabled cache is left out")
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, round2(c.input), "round2(%f)", c.input)
	}
}

func TestLatencyStats(t *testing.T) {
	var s latencyStats
	assert.Zero(t, s.snapshot())

	s.record(10)
	s.record(20)
	s.record(15)
	assert.Equal(t, LatencySnapshot{Count: 3, MinMs: 10, MeanMs: 15, MaxMs: 20}, s.snapshot())
}
