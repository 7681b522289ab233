package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/operator"
	"pii-anonymizer/internal/rewriter"
)

// run executes the CLI with isolated config sources and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	base := []string{
		"--config", filepath.Join(dir, "none.yaml"),
		"--env-file", filepath.Join(dir, ".env"),
		"--no-model",
	}
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	// Subcommand first so persistent flags parse after it.
	cmd.SetArgs(append(args[:1:1], append(base, args[1:]...)...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 9191
	cfg.Server.APIKey = "s"

	var buf bytes.Buffer
	printBanner(&buf, &cfg)
	out := buf.String()

	for _, want := range []string{"9191", "sidecar @ http://localhost:8001", "redact", "(in memory)", "bearer token"} {
		assert.Contains(t, out, want)
	}
}

func TestPrintBanner_ModelDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Analyzer.UseModel = false
	cfg.Registry.Path = "/var/lib/pii/registry.db"

	var buf bytes.Buffer
	printBanner(&buf, &cfg)
	out := buf.String()

	assert.Contains(t, out, "Model           : disabled")
	assert.Contains(t, out, "/var/lib/pii/registry.db")
}

func TestAnalyzeCommand(t *testing.T) {
	out, err := run(t, "", "analyze", "Email: test@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "EMAIL_ADDRESS\t7-23\t"), out)
	assert.True(t, strings.HasSuffix(out, "\ttest@example.com\n"), out)
}

func TestAnalyzeCommand_JSONFromStdin(t *testing.T) {
	out, err := run(t, "SSN 123-45-6789\n", "analyze", "--json")
	require.NoError(t, err)
	var results []entity.Result
	require.NoError(t, json.Unmarshal([]byte(out), &results), out)
	require.Len(t, results, 1)
	assert.Equal(t, entity.USSSN, results[0].Type)
	assert.Equal(t, "123-45-6789", results[0].Text)
}

func TestAnalyzeCommand_EntityFilter(t *testing.T) {
	out, err := run(t, "", "analyze", "--entities", "IP_ADDRESS", "test@example.com from 192.168.1.20")
	require.NoError(t, err)
	assert.NotContains(t, out, "EMAIL_ADDRESS")
	assert.Contains(t, out, "IP_ADDRESS")
}

func TestAnalyzeCommand_NoInput(t *testing.T) {
	_, err := run(t, "", "analyze")
	assert.Error(t, err)
}

func TestAnonymizeCommand(t *testing.T) {
	out, err := run(t, "", "anonymize", "Email: test@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Email: <EMAIL_ADDRESS>\n", out)
}

func TestAnonymizeCommand_PerEntityOperators(t *testing.T) {
	out, err := run(t, "", "anonymize", "--operators", "US_SSN=hash", "SSN 123-45-6789 for a@b.io")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("123-45-6789"))
	assert.Equal(t, fmt.Sprintf("SSN %s for <EMAIL_ADDRESS>\n", hex.EncodeToString(sum[:])), out)
}

func TestAnonymizeCommand_Errors(t *testing.T) {
	cases := map[string][]string{
		"unknown operator":     {"anonymize", "--operator", "shred", "x"},
		"encrypt without key":  {"anonymize", "--operator", "encrypt", "x"},
		"bad operators entry":  {"anonymize", "--operators", "US_SSN=shred", "x"},
		"bad log level":        {"anonymize", "--log-level", "loud", "x"},
		"unknown flag":         {"anonymize", "--bogus", "x"},
		"deanonymize bad json": {"deanonymize", "--key", "k"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, "not json", args...)
			assert.Error(t, err, "%v", args)
		})
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	const key = "cli-key"
	out, err := run(t, "", "anonymize", "--json", "--key", key, "--operators", "EMAIL_ADDRESS=encrypt", "Mail a@b.io now")
	require.NoError(t, err)
	var anon rewriter.Result
	require.NoError(t, json.Unmarshal([]byte(out), &anon), out)
	require.NotContains(t, anon.Text, "a@b.io", "email not encrypted")

	restored, err := run(t, out, "deanonymize", "--key", key)
	require.NoError(t, err)
	assert.Equal(t, "Mail a@b.io now\n", restored)

	path := filepath.Join(t.TempDir(), "anon.json")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o600))
	restored, err = run(t, "", "deanonymize", "--key", key, "--file", path)
	require.NoError(t, err)
	assert.Equal(t, "Mail a@b.io now\n", restored)

	_, err = run(t, out, "deanonymize", "--key", "wrong")
	assert.Error(t, err)
}

func TestRecognizersFileFromConfig(t *testing.T) {
	dir := t.TempDir()
	recs := filepath.Join(dir, "recognizers.yaml")
	err := os.WriteFile(recs, []byte(`
recognizers:
  - name: employee_id
    entity: EMPLOYEE_ID
    patterns:
      - name: emp
        regex: 'EMP-\d{6}'
        score: 0.7
    context: [employee]
`), 0o600)
	require.NoError(t, err)
	cfgFile := filepath.Join(dir, "pii.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("analyzer:\n  use_model: false\n  recognizers_file: "+recs+"\n"), 0o600))

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(strings.NewReader(""), &stdout, &stderr)
	cmd.SetArgs([]string{"analyze", "--config", cfgFile, "--env-file", filepath.Join(dir, ".env"), "employee EMP-123456 joined"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "EMPLOYEE_ID", "custom recognizer applied")
}

func TestPerEntityOperators(t *testing.T) {
	got, err := perEntityOperators(map[string]string{"us_ssn": "MASK"}, mustDefault(t))
	require.NoError(t, err)
	require.Contains(t, got, entity.USSSN)
	assert.Equal(t, operator.Mask, got[entity.USSSN].Type)
	assert.Equal(t, "sha256", got[entity.USSSN].HashAlgorithm, "inherits the default's parameters")

	got, err = perEntityOperators(nil, mustDefault(t))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func mustDefault(t *testing.T) operator.Config {
	t.Helper()
	cfg := config.Default()
	a := &app{cfg: &cfg}
	c, err := a.defaultOperator("", "")
	require.NoError(t, err)
	return c
}
