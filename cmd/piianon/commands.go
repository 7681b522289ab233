package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/entity"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/operator"
	"pii-anonymizer/internal/registry"
	"pii-anonymizer/internal/rewriter"
	"pii-anonymizer/internal/server"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		entities []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "analyze [text...]",
		Short: "Print the PII entities found in text",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readText(args)
			if err != nil {
				return err
			}
			az, err := a.newAnalyzer()
			if err != nil {
				return err
			}
			if err := a.applyCustom(az); err != nil {
				return err
			}
			results, err := az.Analyze(cmd.Context(), text, entity.ParseList(entities)...)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, results)
			}
			for _, r := range results {
				fmt.Fprintf(a.stdout, "%s\t%d-%d\t%.2f\t%s\n", r.Type, r.Start, r.End, r.Score, r.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entities", nil, "entity types to look for (default all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newAnonymizeCmd(a *app) *cobra.Command {
	var (
		entities  []string
		operators map[string]string
		opType    string
		key       string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "anonymize [text...]",
		Short: "Rewrite the PII entities found in text",
		Long: "Rewrite the PII entities found in text. The default operator comes from\n" +
			"the configuration or --operator; --operators overrides it per entity type,\n" +
			"e.g. --operators US_SSN=hash,EMAIL_ADDRESS=encrypt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readText(args)
			if err != nil {
				return err
			}
			def, err := a.defaultOperator(opType, key)
			if err != nil {
				return err
			}
			perEntity, err := perEntityOperators(operators, def)
			if err != nil {
				return err
			}
			az, err := a.newAnalyzer()
			if err != nil {
				return err
			}
			if err := a.applyCustom(az); err != nil {
				return err
			}
			an, err := a.newAnonymizer(def)
			if err != nil {
				return err
			}

			results, err := az.Analyze(cmd.Context(), text, entity.ParseList(entities)...)
			if err != nil {
				return err
			}
			res, err := an.Anonymize(cmd.Context(), text, results, perEntity)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, res)
			}
			fmt.Fprintln(a.stdout, res.Text)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&entities, "entities", nil, "entity types to rewrite (default all)")
	f.StringToStringVar(&operators, "operators", nil, "per-entity operator types, TYPE=OPERATOR")
	f.StringVar(&opType, "operator", "", "default operator: redact, replace, mask, hash or encrypt")
	f.StringVar(&key, "key", "", "encryption key (overrides anonymizer.encryption_key)")
	f.BoolVar(&asJSON, "json", false, "print the text and audit items as JSON")
	return cmd
}

// perEntityOperators turns TYPE=OPERATOR pairs into operator configs that
// inherit the default's parameters.
func perEntityOperators(pairs map[string]string, def operator.Config) (map[entity.Type]operator.Config, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[entity.Type]operator.Config, len(pairs))
	for name, op := range pairs {
		t := entity.Parse(name)
		if t.IsZero() {
			return nil, fmt.Errorf("--operators: %q is not an entity type", name)
		}
		typ, err := operator.ParseType(op)
		if err != nil {
			return nil, fmt.Errorf("--operators %s: %w", name, err)
		}
		cfg := def
		cfg.Type = typ
		out[t] = cfg
	}
	return out, nil
}

func newDeanonymizeCmd(a *app) *cobra.Command {
	var (
		key  string
		file string
	)
	cmd := &cobra.Command{
		Use:   "deanonymize",
		Short: "Restore encrypted entities from the JSON output of anonymize --json",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var in io.Reader = a.stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck // read-only
				in = f
			}
			var anon rewriter.Result
			if err := json.NewDecoder(in).Decode(&anon); err != nil {
				return fmt.Errorf("decode anonymize output: %w", err)
			}
			if key == "" {
				key = a.cfg.Anonymizer.EncryptionKey
			}
			an, err := a.newAnonymizer(operator.Default())
			if err != nil {
				return err
			}
			res, err := an.Deanonymize(anon.Text, anon.Items, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, res.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "encryption key (overrides anonymizer.encryption_key)")
	cmd.Flags().StringVar(&file, "file", "", "read input from a file instead of stdin")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printBanner(a.stdout, a.cfg)

			static, err := a.staticDefinitions()
			if err != nil {
				return err
			}
			store, err := registry.Open(a.cfg.Registry.Path)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck // shutdown

			az, err := a.newAnalyzer()
			if err != nil {
				return err
			}
			def, err := a.defaultOperator("", "")
			if err != nil {
				return err
			}
			an, err := a.newAnonymizer(def)
			if err != nil {
				return err
			}
			srv, err := server.New(a.cfg, server.Deps{
				Analyzer:   az,
				Anonymizer: an,
				Registry:   store,
				Static:     static,
				Metrics:    a.metrics,
				Logger:     logger.New("SERVER", a.cfg.Log.Level),
			})
			if err != nil {
				return err
			}

			// Warm the model up front; Analyze retries on demand if this fails.
			go func() {
				if err := az.Initialize(ctx); err != nil {
					a.log.Warnf("model_warmup", "%v", err)
				}
			}()

			return srv.ListenAndServe(ctx)
		},
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	model := "disabled"
	if cfg.Analyzer.UseModel {
		model = fmt.Sprintf("%s @ %s", cfg.Analyzer.ModelBackend, cfg.Analyzer.ModelEndpoint)
	}
	registryPath := cfg.Registry.Path
	if registryPath == "" {
		registryPath = "(in memory)"
	}
	auth := "disabled"
	if cfg.Server.APIKey != "" {
		auth = "bearer token"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          PII Anonymizer  (Go)                        ║
╚══════════════════════════════════════════════════════╝
  Listen          : %s:%d
  Model           : %s
  Default operator: %s
  Registry        : %s
  Auth            : %s

  Try it:
    curl -s http://%s:%d/v1/analyze -d '{"text":"mail jane@corp.io"}'

  Check status:
    curl http://%s:%d/status
`, cfg.Server.BindAddress, cfg.Server.Port,
		model,
		cfg.Anonymizer.DefaultOperator,
		registryPath,
		auth,
		cfg.Server.BindAddress, cfg.Server.Port,
		cfg.Server.BindAddress, cfg.Server.Port)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
