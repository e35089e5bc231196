package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// cmdLogs lists the per-node artifact directories under <dir>/logs, or dumps
// one node's artifacts (its status.json plus any handler-written files) when
// a node id is given.
func cmdLogs(args []string) {
	var dir, node string
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			i++
			dir = requireFlagValue(args, i, "--dir")
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) > 1 {
		usage()
		os.Exit(1)
	}
	if len(positional) == 1 {
		node = positional[0]
	}
	if dir == "" {
		dir = "."
	}
	logsRoot := filepath.Join(dir, "logs")

	if node == "" {
		entries, err := os.ReadDir(logsRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		var nodes []string
		for _, e := range entries {
			if e.IsDir() {
				nodes = append(nodes, e.Name())
			}
		}
		sort.Strings(nodes)
		for _, n := range nodes {
			fmt.Println(n)
		}
		return
	}

	nodeDir := filepath.Join(logsRoot, node)
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(nodeDir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", e.Name(), err)
			continue
		}
		fmt.Printf("--- %s ---\n%s\n", e.Name(), string(b))
	}
}
