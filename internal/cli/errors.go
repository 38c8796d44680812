// Package cli provides CLI output formatting and display functions.
package cli

import (
	"fmt"
	"os"

	"github.com/nineking424/nificdc-sub004/internal/config"
	"github.com/nineking424/nificdc-sub004/internal/validation"
)

// PrintParseErrors prints parse errors to stderr.
func PrintParseErrors(errors []config.ParseError, verbose bool) {
	fmt.Fprintln(os.Stderr, "✗ Parse errors:")
	for _, err := range errors {
		printSingleParseError(err, verbose)
	}
}

// printSingleParseError prints a single parse error with location information.
func printSingleParseError(err config.ParseError, verbose bool) {
	location := formatErrorLocation(err.Path, err.Line, err.Column)

	if location != "" {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", location, err.Message)
	} else {
		fmt.Fprintf(os.Stderr, "  %s\n", err.Message)
	}

	if verbose && err.Type != "" {
		fmt.Fprintf(os.Stderr, "    Type: %s\n", err.Type)
	}
}

// formatErrorLocation formats the error location string (path:line:column).
func formatErrorLocation(path string, line, column int) string {
	if path == "" {
		return ""
	}

	location := path
	if line > 0 {
		location += fmt.Sprintf(":%d", line)
		if column > 0 {
			location += fmt.Sprintf(":%d", column)
		}
	}
	return location
}

// PrintValidationErrors prints schema validation errors to stderr.
func PrintValidationErrors(errors []config.ValidationError, verbose, quiet bool) {
	fmt.Fprintln(os.Stderr, "✗ Validation errors:")
	for _, err := range errors {
		printSingleValidationError(err, verbose)
	}
	printValidationHint(quiet)
}

// printSingleValidationError prints a single validation error.
func printSingleValidationError(err config.ValidationError, verbose bool) {
	path := err.Path
	if path == "" {
		path = "/"
	}

	if verbose {
		printVerboseValidationError(path, err)
	} else {
		printCompactValidationError(path, err.Message)
	}
}

// printVerboseValidationError prints detailed validation error information.
func printVerboseValidationError(path string, err config.ValidationError) {
	fmt.Fprintf(os.Stderr, "  %s:\n", path)
	fmt.Fprintf(os.Stderr, "    Message: %s\n", err.Message)
	if err.Type != "" {
		fmt.Fprintf(os.Stderr, "    Type: %s\n", err.Type)
	}
	if err.Expected != "" {
		fmt.Fprintf(os.Stderr, "    Expected: %s\n", err.Expected)
	}
}

// printCompactValidationError prints a compact validation error message.
func printCompactValidationError(path, message string) {
	shortMsg := message
	if len(shortMsg) > 80 {
		shortMsg = shortMsg[:77] + "..."
	}
	fmt.Fprintf(os.Stderr, "  %s: %s\n", path, shortMsg)
}

// printValidationHint prints a hint about verbose mode.
func printValidationHint(quiet bool) {
	if !quiet {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Hint: Use --verbose for detailed error information")
	}
}

// PrintDefinitionIssues prints the findings of a mapping definition check:
// errors always, warnings unless quiet, suggestions only in verbose mode.
// A result with nothing to report prints nothing.
func PrintDefinitionIssues(res *validation.Result, verbose, quiet bool) {
	if res == nil {
		return
	}

	if len(res.Errors) > 0 {
		fmt.Fprintln(os.Stderr, "✗ Definition errors:")
		for _, issue := range res.Errors {
			printIssue(issue, verbose)
		}
	}

	if !quiet && len(res.Warnings) > 0 {
		fmt.Fprintln(os.Stderr, "! Definition warnings:")
		for _, issue := range res.Warnings {
			printIssue(issue, verbose)
		}
	}

	if verbose && !quiet {
		for _, s := range res.Suggestions {
			fmt.Fprintf(os.Stderr, "  hint: %s\n", s)
		}
	}

	if len(res.Errors) > 0 {
		printValidationHint(quiet)
	}
}

// printIssue prints a single definition finding.
func printIssue(issue validation.Issue, verbose bool) {
	line := issue.Message
	if issue.Field != "" {
		line = issue.Field + ": " + line
	}
	if !verbose && len(line) > 100 {
		line = line[:97] + "..."
	}
	fmt.Fprintf(os.Stderr, "  %s\n", line)
	if verbose && issue.Code != "" {
		fmt.Fprintf(os.Stderr, "    Code: %s\n", issue.Code)
	}
}
