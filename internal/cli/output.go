// Package cli provides CLI output formatting and display functions.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// OutputOptions configures CLI output behavior.
type OutputOptions struct {
	Verbose bool
	Quiet   bool
	DryRun  bool
}

// PrintRunSummary displays the outcome of one mapping execution.
func PrintRunSummary(sum *mapping.ExecutionSummary, opts OutputOptions) {
	if sum == nil {
		fmt.Fprintln(os.Stderr, "✗ No execution result available")
		return
	}

	if opts.Quiet {
		return
	}

	if sum.Success {
		fmt.Println("✓ Mapping executed successfully")
	} else {
		fmt.Println("✗ Mapping completed with failures")
	}
	fmt.Printf("  Records processed: %d\n", sum.RecordsProcessed)
	if sum.RecordsFailed > 0 {
		fmt.Printf("  Records failed: %d\n", sum.RecordsFailed)
	}
	if opts.Verbose {
		fmt.Printf("  Duration: %v\n", sum.ExecutionTime)
		fmt.Printf("  Execution: %s\n", sum.ExecutionID)
		if sum.Executor != "" {
			fmt.Printf("  Executor: %s\n", sum.Executor)
		}
	}

	if len(sum.Errors) > 0 {
		PrintRecordErrors(sum.Errors, opts.Verbose)
	}

	if sum.DryRun {
		fmt.Println("  No data was written to the target (dry-run mode)")
	}
}

// PrintRecordErrors prints per-record failures. Compact mode shows the first
// few with truncated messages; verbose mode shows everything.
func PrintRecordErrors(errs []mapping.RecordError, verbose bool) {
	const maxCompact = 5

	fmt.Println("  Record errors:")
	shown := len(errs)
	if !verbose && shown > maxCompact {
		shown = maxCompact
	}
	for _, re := range errs[:shown] {
		msg := re.Message
		if !verbose && len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		if re.Rule != "" {
			fmt.Printf("    record %d, rule %s: %s\n", re.RecordIndex, re.Rule, msg)
		} else {
			fmt.Printf("    record %d: %s\n", re.RecordIndex, msg)
		}
	}
	if shown < len(errs) {
		fmt.Printf("    ... and %d more (use --verbose for all)\n", len(errs)-shown)
	}
}

// PrintDataPreview displays the transformed records as indented JSON.
func PrintDataPreview(data interface{}, verbose bool) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return
	}

	fmt.Println()
	fmt.Println("Transformed records:")
	printBodyPreview(string(raw), verbose)
}

// printBodyPreview displays the formatted JSON body preview.
func printBodyPreview(body string, verbose bool) {
	const maxLinesCompact = 10
	lineCount := countLines(body)

	if verbose || lineCount <= maxLinesCompact {
		printIndentedBody(body, "  ")
		return
	}

	printTruncatedBody(body, "  ", maxLinesCompact)
	fmt.Println("  (truncated, use --verbose for full output)")
}

// printIndentedBody prints the body with indentation.
func printIndentedBody(body string, indent string) {
	lines := splitLines(body)
	for _, line := range lines {
		fmt.Printf("%s%s\n", indent, line)
	}
}

// printTruncatedBody prints the first N lines of the body.
func printTruncatedBody(body string, indent string, maxLines int) {
	lines := splitLines(body)
	for i := 0; i < maxLines && i < len(lines); i++ {
		fmt.Printf("%s%s\n", indent, lines[i])
	}
	if len(lines) > maxLines {
		fmt.Printf("%s... (%d more lines)\n", indent, len(lines)-maxLines)
	}
}

// countLines counts the number of lines in a string.
func countLines(s string) int {
	return strings.Count(s, "\n") + 1
}

// splitLines splits a string into lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// PrintMappingSummary prints mapping identity and shape if available.
func PrintMappingSummary(def *mapping.Mapping) {
	if def == nil {
		return
	}

	name := def.Name
	if name == "" {
		name = def.ID
	}
	fmt.Printf("  Mapping: %s\n", name)
	if def.Version != "" {
		fmt.Printf("  Version: %s\n", def.Version)
	}

	enabled := 0
	for i := range def.Rules {
		if def.Rules[i].IsEnabled() {
			enabled++
		}
	}
	fmt.Printf("  Rules: %d (%d enabled)\n", len(def.Rules), enabled)

	if def.SourceSchema != nil {
		fmt.Printf("  Source schema: %s (%d columns)\n", def.SourceSchema.Name, len(def.SourceSchema.Columns))
	}
	if def.TargetSchema != nil {
		fmt.Printf("  Target schema: %s (%d columns)\n", def.TargetSchema.Name, len(def.TargetSchema.Columns))
	}
}
