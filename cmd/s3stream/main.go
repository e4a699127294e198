package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lsm/s3stream/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `s3stream - stream line-delimited S3 objects into Kafka

Usage:
  s3stream <command> [arguments]

Commands:
  run [flags]        Start every connector in the config directory (default)
  validate [dir]     Validate connector configuration files
  version            Print the version

Run 's3stream <command> -h' for help on a specific command.`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return runServer(nil, stderr)
	}

	switch args[0] {
	case "run":
		return runServer(args[1:], stderr)
	case "validate":
		return cli.RunValidate(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, "s3stream", version)
		return nil
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 's3stream help' for usage", args[0])
	}
}
