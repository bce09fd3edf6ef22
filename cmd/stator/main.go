// Command stator is the operations companion for the state machine
// runtime: it renders machine definitions as diagrams, validates
// configuration, creates the database schema, and runs the archival
// sweeper.
package main

import (
	"fmt"
	"io"
	"os"
)

const usageText = `Usage: stator <command> [flags]

Commands:
  diagram   render a machine file as Mermaid or Graphviz
  validate  check machine and runtime configuration files
  migrate   create the event log tables and indices
  sweep     run the archival sweeper

Run "stator <command> -h" for the flags of a command.
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "stator: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usageText)
		return fmt.Errorf("missing command")
	}

	switch args[0] {
	case "diagram":
		return runDiagram(args[1:], stdout)
	case "validate":
		return runValidate(args[1:], stdout)
	case "migrate":
		return runMigrate(args[1:], stdout)
	case "sweep":
		return runSweep(args[1:], stdout)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usageText)
		return nil
	default:
		fmt.Fprint(stdout, usageText)
		return fmt.Errorf("unknown command %q", args[0])
	}
}
