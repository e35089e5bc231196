package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rhollins/flowforge/internal/obs"
	"github.com/rhollins/flowforge/internal/server"
)

// cmdWeb starts the HTTP control plane: a dashboard over whatever pipelines
// get POSTed to it, plus the gate-answer endpoint web interviewers block on.
func cmdWeb(args []string) {
	addr := "127.0.0.1:8080"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			i++
			addr = "127.0.0.1:" + requireFlagValue(args, i, "--port")
		case "--addr":
			i++
			addr = requireFlagValue(args, i, "--addr")
		case "--dir":
			i++
			requireFlagValue(args, i, "--dir") // accepted for CLI symmetry; runs carry their own workspace root
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	logger := obs.New(os.Stderr, slog.LevelInfo)
	srv := server.New(server.Config{
		Addr:   addr,
		Logger: logger,
	})

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
