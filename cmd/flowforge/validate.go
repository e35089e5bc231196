package main

import (
	"fmt"
	"os"

	"github.com/rhollins/flowforge/internal/attractor/engine"
	"github.com/rhollins/flowforge/internal/attractor/validate"
)

// cmdValidate parses and lints a DOT graph without running it, printing one
// line per diagnostic. Exits 1 if any diagnostic is an error.
func cmdValidate(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	dotSource, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	g, diags, err := engine.Prepare(dotSource)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	hasError := false
	for _, d := range diags {
		fmt.Printf("%s: %s: %s\n", d.Severity, d.Rule, d.Message)
		if d.Severity == validate.SeverityError {
			hasError = true
		}
	}

	if g != nil {
		fmt.Printf("nodes=%d\n", len(g.Nodes))
	}

	if hasError {
		os.Exit(1)
	}
	os.Exit(0)
}
