package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/machine"
)

// runValidate checks configuration before a deploy. Machine files get
// the structural compile only; behavior names resolve against the
// embedding program's registry at runtime.
func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	cfgFile := fs.String("f", "", "runtime config file (YAML or JSON)")
	machineFile := fs.String("m", "", "machine file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cfgFile == "" && *machineFile == "" {
		return fmt.Errorf("validate: nothing to check, pass -f and/or -m")
	}

	if *cfgFile != "" {
		cfg, err := config.Load(*cfgFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: ok (compression level %d, archival ", *cfgFile, cfg.Compression.Level)
		if cfg.Archival.Enabled {
			fmt.Fprintf(stdout, "after %dd inactive", cfg.Archival.DaysInactive)
			if cfg.Archival.ArchiveRetentionDays != nil {
				fmt.Fprintf(stdout, ", retained %dd", *cfg.Archival.ArchiveRetentionDays)
			}
		} else {
			fmt.Fprint(stdout, "disabled")
		}
		fmt.Fprintln(stdout, ")")
	}

	if *machineFile != "" {
		def, err := machine.LoadDefinition(*machineFile, nil, machine.WithoutBehaviorCheck())
		if err != nil {
			return err
		}
		stats := machine.NewVisualizer(def).Stats()
		fmt.Fprintf(stdout, "%s: ok (machine %s, %d states, %d transitions)\n",
			*machineFile, def.ID(), stats["states"], stats["transitions"])
	}
	return nil
}
