package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pii-anonymizer/internal/analyzer"
	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/operator"
	"pii-anonymizer/internal/recognizer"
	"pii-anonymizer/internal/registry"
	"pii-anonymizer/internal/telemetry"
)

const serviceName = "pii-anonymizer"

// app carries state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configFile string
	envFile    string
	logLevel   string
	logFormat  string
	otel       bool
	noModel    bool

	cfg      *config.Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	shutdown func(context.Context) error
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "piianon",
		Short:         "Detect and de-identify PII in free text",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(context.WithoutCancel(cmd.Context()))
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.PersistentFlags()
	f.StringVar(&a.configFile, "config", config.DefaultFile, "YAML config file (optional)")
	f.StringVar(&a.envFile, "env-file", config.DefaultDotEnv, ".env file (optional)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&a.logFormat, "log-format", "", "log format: console or json")
	f.BoolVar(&a.otel, "otel", false, "export trace spans to stderr")
	f.BoolVar(&a.noModel, "no-model", false, "disable the model recognizer")

	root.AddCommand(
		newAnalyzeCmd(a),
		newAnonymizeCmd(a),
		newDeanonymizeCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads configuration, applies flag overrides and starts logging and
// tracing.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadWith(config.Options{File: a.configFile, DotEnv: a.envFile})
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if a.otel {
		cfg.Telemetry.Enabled = true
	}
	if a.noModel {
		cfg.Analyzer.UseModel = false
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger.Configure(cfg.Log.Format, a.stderr)
	shutdown, err := telemetry.Setup(serviceName, version, cfg.Telemetry.Enabled, a.stderr)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	a.cfg = cfg
	a.log = logger.New("MAIN", cfg.Log.Level)
	a.metrics = metrics.New()
	a.shutdown = shutdown
	return nil
}

func (a *app) analyzerConfig() analyzer.Config {
	c := a.cfg.Analyzer
	return analyzer.Config{
		UseModelRecognizer: c.UseModel,
		ModelName:          c.ModelName,
		ModelBackend:       c.ModelBackend,
		ModelEndpoint:      c.ModelEndpoint,
		InferenceTimeout:   c.InferenceTimeout,
		MinModelScore:      c.MinModelScore,
		ScoreThreshold:     c.ScoreThreshold,
		CacheSize:          c.CacheSize,
		ModelInitAttempts:  c.ModelInitAttempts,
	}
}

func (a *app) newAnalyzer() (*analyzer.Analyzer, error) {
	return analyzer.New(a.analyzerConfig(),
		analyzer.WithLogger(logger.New("ANALYZER", a.cfg.Log.Level)),
		analyzer.WithMetrics(a.metrics),
	)
}

// defaultOperator builds the configured default operator. typ and key
// override the configuration when non-empty.
func (a *app) defaultOperator(typ, key string) (operator.Config, error) {
	c := a.cfg.Anonymizer
	if typ == "" {
		typ = c.DefaultOperator
	}
	t, err := operator.ParseType(typ)
	if err != nil {
		return operator.Config{}, err
	}
	oc := operator.Config{Type: t, HashAlgorithm: c.HashAlgorithm, Key: c.EncryptionKey}
	if key != "" {
		oc.Key = key
	}
	if c.NewValue != "" {
		oc.NewValue = operator.String(c.NewValue)
	}
	return oc, nil
}

func (a *app) newAnonymizer(def operator.Config) (*anonymizer.Anonymizer, error) {
	return anonymizer.New(anonymizer.Config{DefaultOperator: def},
		anonymizer.WithLogger(logger.New("ANONYMIZER", a.cfg.Log.Level)),
		anonymizer.WithMetrics(a.metrics),
	)
}

// staticDefinitions loads the recognizers file, if one is configured.
func (a *app) staticDefinitions() ([]recognizer.Definition, error) {
	if a.cfg.Analyzer.RecognizersFile == "" {
		return nil, nil
	}
	defs, err := recognizer.LoadDefinitions(a.cfg.Analyzer.RecognizersFile)
	if err != nil {
		return nil, err
	}
	a.log.Infof("recognizers_loaded", "%d definitions from %s", len(defs), a.cfg.Analyzer.RecognizersFile)
	return defs, nil
}

// applyCustom installs file and registry definitions into az for one-shot
// commands. A registry locked by a running server is skipped with a warning.
func (a *app) applyCustom(az *analyzer.Analyzer) error {
	static, err := a.staticDefinitions()
	if err != nil {
		return err
	}
	store, err := registry.Open(a.cfg.Registry.Path)
	if err != nil {
		a.log.Warnf("registry_unavailable", "%v; using file definitions only", err)
		store = registry.NewMemory()
	}
	defer store.Close() //nolint:errcheck // read-only use

	defs, err := registry.Merge(static, store)
	if err != nil {
		return err
	}
	return az.SetCustomDefinitions(defs)
}

// readText joins args, or reads stdin when there are none.
func (a *app) readText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("no input: pass text as arguments or on stdin")
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}
