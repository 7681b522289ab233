package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// environ returns a fixed environment for LoadWith.
func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func load(t *testing.T, opts Options) *Config {
	t.Helper()
	if opts.Environ == nil {
		opts.Environ = environ()
	}
	cfg, err := LoadWith(opts)
	require.NoError(t, err)
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := load(t, Options{})

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Analyzer.UseModel)
	assert.Equal(t, "sidecar", cfg.Analyzer.ModelBackend)
	assert.Equal(t, 10*time.Second, cfg.Analyzer.InferenceTimeout)
	assert.InDelta(t, 0.5, cfg.Analyzer.MinModelScore, 1e-9)
	assert.Equal(t, "redact", cfg.Anonymizer.DefaultOperator)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Empty(t, cfg.Registry.Path)
}

func TestLoadEnv_ServerPort(t *testing.T) {
	cfg := load(t, Options{Environ: environ("PII_SERVER_PORT=9090")})
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadEnv_MultiWordKeys(t *testing.T) {
	cfg := load(t, Options{Environ: environ(
		"PII_ANALYZER_USE_MODEL=false",
		"PII_ANALYZER_INFERENCE_TIMEOUT=750ms",
		"PII_ANALYZER_SCORE_THRESHOLD=0.4",
		"PII_SERVER_API_KEY=s3cret",
		"PII_LOG_LEVEL=debug",
	)})
	assert.False(t, cfg.Analyzer.UseModel)
	assert.Equal(t, 750*time.Millisecond, cfg.Analyzer.InferenceTimeout)
	assert.InDelta(t, 0.4, cfg.Analyzer.ScoreThreshold, 1e-9)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnv_IgnoresUnprefixed(t *testing.T) {
	cfg := load(t, Options{Environ: environ("SERVER_PORT=1", "PORT=2", "PII_X=3")})
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "pii.yaml", `
server:
  port: 7000
  api_key: from-file
analyzer:
  model_backend: ollama
  model_endpoint: http://ollama:11434
  inference_timeout: 2s
anonymizer:
  default_operator: mask
log:
  level:
`)
	cfg := load(t, Options{File: path})
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress, "unset keys keep defaults")
	assert.Equal(t, "ollama", cfg.Analyzer.ModelBackend)
	assert.Equal(t, 2*time.Second, cfg.Analyzer.InferenceTimeout)
	assert.Equal(t, "mask", cfg.Anonymizer.DefaultOperator)
	assert.Equal(t, "info", cfg.Log.Level, "null values keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "pii.yaml", "server:\n  port: 7000\n")
	cfg := load(t, Options{File: path, Environ: environ("PII_SERVER_PORT=7100")})
	assert.Equal(t, 7100, cfg.Server.Port)
}

func TestMissingFilesAreOptional(t *testing.T) {
	dir := t.TempDir()
	load(t, Options{File: filepath.Join(dir, "none.yaml"), DotEnv: filepath.Join(dir, ".env")})
}

func TestDotEnv(t *testing.T) {
	dotenv := writeFile(t, ".env", "PII_SERVER_PORT=7200\nPII_ANONYMIZER_NEW_VALUE=[gone]\n")
	cfg := load(t, Options{DotEnv: dotenv, Environ: environ("PII_SERVER_PORT=7300")})
	assert.Equal(t, 7300, cfg.Server.Port, "process env wins over .env")
	assert.Equal(t, "[gone]", cfg.Anonymizer.NewValue)
}

func TestValidationErrors(t *testing.T) {
	cases := map[string][]string{
		"port out of range":     {"PII_SERVER_PORT=70000"},
		"bad backend":           {"PII_ANALYZER_MODEL_BACKEND=grpc"},
		"bad endpoint":          {"PII_ANALYZER_MODEL_ENDPOINT=not a url"},
		"missing endpoint":      {"PII_ANALYZER_MODEL_ENDPOINT="},
		"threshold above 1":     {"PII_ANALYZER_SCORE_THRESHOLD=1.5"},
		"unknown operator":      {"PII_ANONYMIZER_DEFAULT_OPERATOR=shred"},
		"encrypt without key":   {"PII_ANONYMIZER_DEFAULT_OPERATOR=encrypt"},
		"bad log level":         {"PII_LOG_LEVEL=verbose"},
		"ollama without model":  {"PII_ANALYZER_MODEL_BACKEND=ollama", "PII_ANALYZER_MODEL_NAME="},
		"bad hash algorithm":    {"PII_ANONYMIZER_HASH_ALGORITHM=md5"},
		"zero body size":        {"PII_SERVER_MAX_BODY_BYTES=0"},
		"negative cache size":   {"PII_ANALYZER_CACHE_SIZE=-1"},
		"unparseable duration":  {"PII_SERVER_READ_TIMEOUT=soon"},
		"unparseable port type": {"PII_SERVER_PORT=eighty"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith(Options{Environ: environ(vars...)})
			assert.Error(t, err, "%v", vars)
		})
	}
}

func TestModelEndpointOptionalWithoutModel(t *testing.T) {
	load(t, Options{Environ: environ("PII_ANALYZER_USE_MODEL=false", "PII_ANALYZER_MODEL_ENDPOINT=")})
}

func TestEncryptWithKey(t *testing.T) {
	cfg := load(t, Options{Environ: environ(
		"PII_ANONYMIZER_DEFAULT_OPERATOR=encrypt",
		"PII_ANONYMIZER_ENCRYPTION_KEY=k",
	)})
	assert.Equal(t, "k", cfg.Anonymizer.EncryptionKey)
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [1, 2")
	_, err := LoadWith(Options{File: path, Environ: environ()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestTransformEnvKey(t *testing.T) {
	cases := map[string]string{
		"PII_SERVER_PORT":            "server.port",
		"PII_ANALYZER_USE_MODEL":     "analyzer.use_model",
		"PII_LOG__LEVEL":             "log.level",
		"PII_TELEMETRY_ENABLED":      "telemetry.enabled",
		"PII_SERVER":                 "",
		"PII_REGISTRY_PATH":          "registry.path",
		"PII_ANONYMIZER_NEW_VALUE":   "anonymizer.new_value",
		"PII_SERVER_MAX_BODY_BYTES":  "server.max_body_bytes",
		"PII_ANALYZER_MODEL_BACKEND": "analyzer.model_backend",
	}
	for in, want := range cases {
		got, _ := transformEnvKey(in, "v")
		assert.Equal(t, want, got, "transformEnvKey(%q)", in)
	}
}
