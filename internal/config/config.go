// Package config loads and holds all service configuration.
//
// Settings are layered: built-in defaults, then the YAML config file, then
// environment variables (including a .env file). Environment variables use
// the PII_ prefix and map onto keys by section: PII_SERVER_PORT sets
// server.port, PII_ANALYZER_USE_MODEL sets analyzer.use_model. Variables
// already set in the process environment win over the .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "PII_"

// Default file locations.
const (
	DefaultFile   = "pii-anonymizer.yaml"
	DefaultDotEnv = ".env"
)

// Config holds the full configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Analyzer   AnalyzerConfig   `koanf:"analyzer"`
	Anonymizer AnonymizerConfig `koanf:"anonymizer"`
	Registry   RegistryConfig   `koanf:"registry"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	BindAddress  string        `koanf:"bind_address" validate:"required"`
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	APIKey       string        `koanf:"api_key"` // bearer token for /v1; empty disables auth
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
	MaxBodyBytes int64         `koanf:"max_body_bytes" validate:"min=1"`
}

// AnalyzerConfig configures recognition.
type AnalyzerConfig struct {
	UseModel          bool          `koanf:"use_model"`
	ModelBackend      string        `koanf:"model_backend" validate:"oneof=sidecar ollama"`
	ModelEndpoint     string        `koanf:"model_endpoint" validate:"omitempty,url"`
	ModelName         string        `koanf:"model_name"`
	InferenceTimeout  time.Duration `koanf:"inference_timeout" validate:"gte=0"`
	MinModelScore     float64       `koanf:"min_model_score" validate:"gte=0,lte=1"`
	ScoreThreshold    float64       `koanf:"score_threshold" validate:"gte=0,lte=1"`
	CacheSize         int           `koanf:"cache_size" validate:"gte=0"`
	ModelInitAttempts uint64        `koanf:"model_init_attempts"`
	RecognizersFile   string        `koanf:"recognizers_file"` // optional YAML recognizer definitions
}

// AnonymizerConfig configures the default operator.
type AnonymizerConfig struct {
	DefaultOperator string `koanf:"default_operator" validate:"oneof=redact replace mask hash encrypt"`
	NewValue        string `koanf:"new_value"` // replace
	HashAlgorithm   string `koanf:"hash_algorithm" validate:"omitempty,oneof=sha256 sha512 blake2b"`
	EncryptionKey   string `koanf:"encryption_key" validate:"required_if=DefaultOperator encrypt"`
}

// RegistryConfig configures the custom recognizer store.
type RegistryConfig struct {
	Path string `koanf:"path"` // bbolt file; empty keeps definitions in memory
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddress:  "127.0.0.1",
			Port:         8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Analyzer: AnalyzerConfig{
			UseModel:          true,
			ModelBackend:      "sidecar",
			ModelEndpoint:     "http://localhost:8001",
			ModelName:         "qwen2.5:3b",
			InferenceTimeout:  10 * time.Second,
			MinModelScore:     0.5,
			CacheSize:         256,
			ModelInitAttempts: 2,
		},
		Anonymizer: AnonymizerConfig{
			DefaultOperator: "redact",
			HashAlgorithm:   "sha256",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Options locates the configuration sources. Empty paths are skipped.
type Options struct {
	File    string
	DotEnv  string
	Environ func() []string // defaults to os.Environ
}

// Load reads the default file locations and the process environment.
// Missing files are not an error.
func Load() (*Config, error) {
	return LoadWith(Options{File: DefaultFile, DotEnv: DefaultDotEnv})
}

// LoadWith layers defaults, opts.File and the environment, then validates
// the result.
func LoadWith(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if opts.File != "" {
		data, err := loadFile(opts.File)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawMap(data), nil); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", opts.File, err)
		}
	}

	environ, err := mergedEnviron(opts)
	if err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnvKey,
		EnvironFunc:   environ,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Analyzer.UseModel && cfg.Analyzer.ModelEndpoint == "" {
		return errors.New("configuration validation failed: analyzer.model_endpoint required when analyzer.use_model is set")
	}
	if cfg.Analyzer.UseModel && cfg.Analyzer.ModelBackend == "ollama" && cfg.Analyzer.ModelName == "" {
		return errors.New("configuration validation failed: analyzer.model_name required for the ollama backend")
	}
	return nil
}

// loadFile parses a YAML config file. A missing file yields an empty map.
func loadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return filterNil(m), nil
}

// filterNil drops null YAML values so they do not override defaults.
func filterNil(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case nil:
		case map[string]any:
			if f := filterNil(vv); len(f) > 0 {
				out[k] = f
			}
		default:
			out[k] = v
		}
	}
	return out
}

// mergedEnviron returns the process environment followed by .env entries
// that the process environment does not already define.
func mergedEnviron(opts Options) (func() []string, error) {
	base := opts.Environ
	if base == nil {
		base = os.Environ
	}
	if opts.DotEnv == "" {
		return base, nil
	}
	dot, err := godotenv.Read(opts.DotEnv)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", opts.DotEnv, err)
	}
	return func() []string {
		vars := base()
		set := make(map[string]bool, len(vars))
		for _, kv := range vars {
			name, _, _ := strings.Cut(kv, "=")
			set[name] = true
		}
		for name, value := range dot {
			if !set[name] {
				vars = append(vars, name+"="+value)
			}
		}
		return vars
	}, nil
}

// transformEnvKey maps PII_SECTION_FIELD_NAME to section.field_name.
func transformEnvKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' })
	if len(parts) < 2 {
		return "", nil
	}
	return parts[0] + "." + strings.Join(parts[1:], "_"), value
}

// rawMap adapts an already parsed map to koanf.Provider.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) { return r, nil }

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, errors.New("rawMap does not support ReadBytes")
}
