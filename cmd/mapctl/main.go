// Package main provides the mapctl CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nineking424/nificdc-sub004/internal/cli"
	"github.com/nineking424/nificdc-sub004/internal/config"
	"github.com/nineking424/nificdc-sub004/internal/engine"
	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/validation"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitParseError      = 2
	ExitRuntimeError    = 3
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	logFormat string
	logFile   string

	// Run command flags
	inputPath    string
	executorName string
	batchSize    int
	dryRun       bool
	outputPath   string

	// Build information (set via ldflags during build)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitRuntimeError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mapctl",
	Short: "mapctl - Field mapping execution engine",
	Long: `mapctl runs field mappings over JSON data.

It parses and validates mapping documents (JSON/YAML format), checks them
against the embedded schema and their declared source/target schemas, and
executes them over input records through the mapping engine.

Examples:
  # Validate a mapping document
  mapctl validate mapping.json

  # Apply a mapping to records
  mapctl run mapping.yaml --input records.json

  # Preview what would be written without writing it
  mapctl run mapping.json --input records.json --dry-run`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		} else if quiet {
			level = slog.LevelError
		}

		format, ok := parseLogFormat(logFormat)
		if !ok {
			fmt.Fprintf(os.Stderr, "✗ Unknown log format %q (supported: json, human)\n", logFormat)
			os.Exit(ExitRuntimeError)
		}

		if logFile != "" {
			if err := logger.SetLogFile(logFile, level, format); err != nil {
				fmt.Fprintf(os.Stderr, "✗ Failed to open log file: %v\n", err)
				os.Exit(ExitRuntimeError)
			}
			return
		}
		logger.SetLevelAndFormat(level, format)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <mapping-file>",
	Short: "Validate a mapping document",
	Long: `Validate a mapping document against the embedded schema.

Supports both JSON and YAML formats. The format is auto-detected based on
file extension (.json, .yaml, .yml) or content. Documents that declare
source or target schemas are additionally checked field by field: every
referenced source field must exist, every target field must exist, and
every required target column must be produced by a rule or a default value.

Exit codes:
  0 - Mapping is valid
  1 - Validation errors (schema or definition violations)
  2 - Parse errors (invalid JSON/YAML syntax)

Examples:
  mapctl validate mapping.json
  mapctl validate mapping.yaml
  mapctl validate --verbose mapping.json`,
	Args: cobra.ExactArgs(1),
	Run:  runValidate,
}

var runCmd = &cobra.Command{
	Use:   "run <mapping-file>",
	Short: "Run a mapping over input records",
	Long: `Run a mapping over the records in the input file.

The mapping document is first validated against the schema; if validation
fails, nothing is executed. The input file holds a single JSON object or
an array of objects. Transformed records go to --output when given,
otherwise a preview is printed.

Exit codes:
  0 - Mapping executed (per-record failures are reported in the summary)
  1 - Validation errors
  2 - Parse errors
  3 - Runtime errors

Examples:
  mapctl run mapping.json --input records.json
  mapctl run mapping.yaml --input records.json --output mapped.json
  mapctl run mapping.json --input records.json --executor parallel --batch-size 500
  mapctl run --dry-run mapping.json --input records.json`,
	Args: cobra.ExactArgs(1),
	Run:  runMapping,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the embedded mapping document schema",
	Long: `Print the embedded mapping document schema (JSON Schema draft 2020-12).

Pipe it to tooling that validates or autocompletes mapping documents.`,
	Run: runSchema,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version, commit hash, and build date information.",
	Run:   runVersion,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or human")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file (rotated on startup)")

	// Run command flags
	runCmd.Flags().StringVar(&inputPath, "input", "", "Input data file (JSON object or array of objects)")
	runCmd.Flags().StringVar(&executorName, "executor", "", "Executor: sequential, batch, stream, or parallel")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per batch (0 lets the engine decide)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Execute the mapping without writing output")
	runCmd.Flags().StringVar(&outputPath, "output", "", "Write transformed records to this file")
	_ = runCmd.MarkFlagRequired("input")

	// Add commands
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

func runValidate(_ *cobra.Command, args []string) {
	mappingPath := args[0]

	if !quiet {
		fmt.Printf("Validating mapping: %s\n", mappingPath)
	}

	// Parse and validate against the embedded schema
	result := config.ParseMapping(mappingPath)

	if len(result.ParseErrors) > 0 {
		cli.PrintParseErrors(result.ParseErrors, verbose)
		os.Exit(ExitParseError)
	}
	if len(result.ValidationErrors) > 0 {
		cli.PrintValidationErrors(result.ValidationErrors, verbose, quiet)
		os.Exit(ExitValidationError)
	}

	def, err := config.ConvertToMapping(result.Data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Invalid mapping definition: %v\n", err)
		os.Exit(ExitValidationError)
	}

	// Documents that carry schemas get the full definition check.
	if def.SourceSchema != nil || def.TargetSchema != nil {
		checker, err := validation.NewFieldMappingValidator("definition", validation.FieldMappingConfig{Strict: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			os.Exit(ExitRuntimeError)
		}
		res, err := checker.Validate(context.Background(), def)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			os.Exit(ExitRuntimeError)
		}
		cli.PrintDefinitionIssues(res, verbose, quiet)
		if !res.Valid {
			os.Exit(ExitValidationError)
		}
	}

	if !quiet {
		fmt.Printf("✓ Mapping is valid (format: %s)\n", result.Format)
		if verbose {
			cli.PrintMappingSummary(def)
		}
	}

	os.Exit(ExitSuccess)
}

func runMapping(_ *cobra.Command, args []string) {
	mappingPath := args[0]

	if !quiet {
		fmt.Printf("Loading mapping: %s\n", mappingPath)
	}

	result := config.ParseMapping(mappingPath)

	if len(result.ParseErrors) > 0 {
		cli.PrintParseErrors(result.ParseErrors, verbose)
		os.Exit(ExitParseError)
	}
	if len(result.ValidationErrors) > 0 {
		cli.PrintValidationErrors(result.ValidationErrors, verbose, quiet)
		os.Exit(ExitValidationError)
	}

	def, err := config.ConvertToMapping(result.Data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Invalid mapping definition: %v\n", err)
		os.Exit(ExitValidationError)
	}

	if !quiet {
		fmt.Printf("✓ Mapping loaded successfully (format: %s)\n", result.Format)
		if verbose {
			cli.PrintMappingSummary(def)
		}
	}

	data, err := loadInput(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to load input data: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	eng, err := engine.New(engine.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to start engine: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	if !quiet {
		if dryRun {
			fmt.Println("Executing mapping (dry-run mode - output will not be written)...")
		} else {
			fmt.Println("Executing mapping...")
		}
	}

	res, err := eng.ExecuteMapping(context.Background(), def, data, engine.Options{
		Executor:  executorName,
		BatchSize: batchSize,
	})
	shutdownEngine(eng)
	if err != nil {
		var verr *engine.MappingValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "✗ Mapping rejected: %v\n", err)
			os.Exit(ExitValidationError)
		}
		fmt.Fprintf(os.Stderr, "✗ Mapping execution failed: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	sum := buildSummary(def, res, executorName, dryRun)
	cli.PrintRunSummary(sum, cli.OutputOptions{Verbose: verbose, Quiet: quiet, DryRun: dryRun})

	switch {
	case outputPath != "" && dryRun:
		if !quiet {
			fmt.Printf("Would write %d records to %s (dry-run)\n", len(sum.Data), outputPath)
		}
	case outputPath != "":
		if err := writeOutput(outputPath, res.Data); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Failed to write output: %v\n", err)
			os.Exit(ExitRuntimeError)
		}
		if !quiet {
			fmt.Printf("Wrote %d records to %s\n", len(sum.Data), outputPath)
		}
	case !quiet && (dryRun || verbose):
		cli.PrintDataPreview(res.Data, verbose)
	}

	os.Exit(ExitSuccess)
}

func runSchema(_ *cobra.Command, _ []string) {
	os.Stdout.Write(config.GetEmbeddedSchema())
	os.Exit(ExitSuccess)
}

func runVersion(_ *cobra.Command, _ []string) {
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// parseLogFormat maps the --log-format flag onto a logger format.
func parseLogFormat(s string) (logger.OutputFormat, bool) {
	switch s {
	case "", "json":
		return logger.FormatJSON, true
	case "human":
		return logger.FormatHuman, true
	default:
		return logger.FormatJSON, false
	}
}

// loadInput reads the record or record set to map.
func loadInput(path string) (interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	switch data.(type) {
	case map[string]interface{}, []interface{}:
		return data, nil
	default:
		return nil, fmt.Errorf("%s: input must be a JSON object or an array of objects", path)
	}
}

// writeOutput writes the transformed data as indented JSON.
func writeOutput(path string, data interface{}) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// buildSummary assembles the public result envelope for one CLI run.
func buildSummary(def *mapping.Mapping, res *engine.Result, executor string, dryRun bool) *mapping.ExecutionSummary {
	sum := &mapping.ExecutionSummary{
		Success:          res.Success,
		ExecutionID:      res.ExecutionID,
		MappingID:        def.ID,
		MappingVersion:   def.Version,
		Executor:         executor,
		RecordsProcessed: res.Processed,
		RecordsFailed:    res.Failed,
		Errors:           res.Errors,
		ExecutionTime:    res.ExecutionTime,
		DryRun:           dryRun,
	}
	switch data := res.Data.(type) {
	case []map[string]interface{}:
		sum.Data = data
	case map[string]interface{}:
		sum.Data = []map[string]interface{}{data}
	}
	return sum
}

func shutdownEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
}
