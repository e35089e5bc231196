package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rhollins/flowforge/internal/attractor/runtime"
)

// cmdStatus prints a one-shot snapshot of a run's checkpoint.json (and
// result.json, once the run has finished) without needing the run's own
// process to still be alive.
func cmdStatus(args []string) {
	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			i++
			dir = requireFlagValue(args, i, "--dir")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if dir == "" {
		dir = "."
	}
	logsRoot := filepath.Join(dir, "logs")

	cp, ok, err := runtime.LoadCheckpoint(filepath.Join(logsRoot, "checkpoint.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no checkpoint found; run has not started or logs-root is wrong")
		os.Exit(1)
	}

	fmt.Printf("current_node=%s\n", cp.CurrentNodeID)
	fmt.Printf("completed_nodes=%d\n", len(cp.CompletedNodes))
	for _, n := range cp.CompletedNodes {
		fmt.Printf("  %s\n", n)
	}
	fmt.Printf("last_checkpoint=%s\n", cp.Timestamp.Format("2006-01-02T15:04:05Z07:00"))

	for node, count := range cp.RetryCounts {
		if count > 0 {
			fmt.Printf("retries[%s]=%d\n", node, count)
		}
	}

	if b, err := os.ReadFile(filepath.Join(logsRoot, "result.json")); err == nil {
		fmt.Printf("result.json:\n%s\n", string(b))
	}
}
