package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/statorio/stator/pkg/machine"
)

// runDiagram renders a machine file. Behavior names are not resolved
// here; diagrams only need the state graph.
func runDiagram(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	file := fs.String("f", "", "machine file (YAML or JSON)")
	format := fs.String("format", "mermaid", "output format: mermaid or dot")
	lint := fs.Bool("lint", false, "report unreachable and dead-end states instead of rendering")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("diagram: -f is required")
	}

	def, err := machine.LoadDefinition(*file, nil, machine.WithoutBehaviorCheck())
	if err != nil {
		return err
	}
	viz := machine.NewVisualizer(def)

	if *lint {
		issues := viz.Lint()
		for _, issue := range issues {
			fmt.Fprintln(stdout, issue)
		}
		if len(issues) > 0 {
			return fmt.Errorf("diagram: %d issue(s) in %s", len(issues), *file)
		}
		fmt.Fprintln(stdout, "no issues")
		return nil
	}

	switch *format {
	case "mermaid":
		fmt.Fprint(stdout, viz.ToMermaid())
	case "dot":
		fmt.Fprint(stdout, viz.ToGraphviz())
	default:
		return fmt.Errorf("diagram: unknown format %q, want mermaid or dot", *format)
	}
	return nil
}
