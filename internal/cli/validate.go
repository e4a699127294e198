package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lsm/s3stream/internal/config"
)

const validateUsage = `Usage: s3stream validate [dir]

Validates every connector YAML file in dir (default: $S3STREAM_CONFIG_DIR or /etc/s3stream/connectors).
Duplicate connector names across files are reported as errors.`

// RunValidate validates connector definition files and prints the problems found.
func RunValidate(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Fprintln(stdout, validateUsage)
		return nil
	}

	dir := config.Dir()
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}

	defs, problems, err := config.ParseDir(dir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", dir, err)
	}

	var allErrors []validationError
	for _, p := range problems {
		allErrors = append(allErrors, toValidationErrors(p)...)
	}

	if len(defs) == 0 && len(problems) == 0 {
		fmt.Fprintf(stderr, "warning: no connector files found in %s\n", dir)
	} else {
		fmt.Fprintf(stdout, "Validated %d connector file(s) in %s\n", len(defs)+len(problems), dir)
	}

	if len(allErrors) == 0 {
		fmt.Fprintln(stdout, "All configurations are valid.")
		return nil
	}

	fmt.Fprintf(stderr, "Found %d validation error(s):\n\n", len(allErrors))
	for _, ve := range allErrors {
		fmt.Fprintf(stderr, "  %s\n    field: %s\n    error: %s\n\n", ve.File, ve.Field, ve.Message)
	}

	return fmt.Errorf("%d validation error(s) found", len(allErrors))
}

type validationError struct {
	File    string
	Field   string
	Message string
}

func toValidationErrors(err error) []validationError {
	file := "-"
	var fe *config.FileError
	if errors.As(err, &fe) {
		file = fe.Path
		err = fe.Err
	}

	var out []validationError
	for _, msg := range splitErrors(err) {
		out = append(out, validationError{File: file, Field: inferField(msg), Message: msg})
	}
	return out
}

// splitErrors breaks a joined error into its non-empty lines.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	parts := strings.Split(err.Error(), "\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts a dotted field name from an error message:
// "source.maxFiles must be ..." gives source.maxFiles and
// "kafka: brokers are required" gives kafka.brokers.
func inferField(msg string) string {
	for _, p := range []string{"parse yaml", "read file", "connector "} {
		if strings.HasPrefix(msg, p) {
			return "-"
		}
	}

	section, rest, ok := strings.Cut(msg, ": ")
	if !ok || strings.ContainsAny(section, " \"") {
		return firstWord(msg)
	}
	if f := strings.Fields(rest); len(f) > 1 && predicates[f[1]] {
		return section + "." + f[0]
	}
	return section
}

var predicates = map[string]bool{"is": true, "are": true, "must": true, "may": true, "lists": true}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "-"
	}
	return fields[0]
}
