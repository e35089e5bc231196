package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rhollins/flowforge/internal/attractor/engine"
	"github.com/rhollins/flowforge/internal/config"
	"github.com/rhollins/flowforge/internal/obs"
)

func cmdRun(args []string) {
	var dotPath, configPath, dir, runID string

	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = requireFlagValue(args, i, "--config")
		case "--dir":
			i++
			dir = requireFlagValue(args, i, "--dir")
		case "--run-id":
			i++
			runID = requireFlagValue(args, i, "--run-id")
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 1 {
		usage()
		os.Exit(1)
	}
	dotPath = positional[0]
	if dir == "" {
		dir = "."
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := obs.New(os.Stderr, slog.LevelInfo)

	dotSource, err := os.ReadFile(dotPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	logsRoot := filepath.Join(dir, "logs")
	gatesRoot := filepath.Join(dir, "gates")
	if cfg.LogsRoot != "" && cfg.LogsRoot != "./logs" {
		logsRoot = cfg.LogsRoot
	}
	if cfg.GateRoot != "" && cfg.GateRoot != "./gates" {
		gatesRoot = cfg.GateRoot
	}

	runLogger := logger.WithRun(runID)
	res, err := engine.Run(ctx, dotSource, engine.RunOptions{
		WorkspaceRoot: dir,
		RunID:         runID,
		LogsRoot:      logsRoot,
		Interviewer:   &engine.FileInterviewer{GatesRoot: gatesRoot},
		ProgressSink: runLogger.ProgressSink(func(evt map[string]any) {
			nodeID, _ := evt["node_id"].(string)
			event, _ := evt["event"].(string)
			fmt.Fprintf(os.Stderr, "%s: %s\n", nodeID, event)
		}),
	})
	if err != nil {
		runLogger.Error("run failed", slog.String("error", err.Error()))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("logs_root=%s\n", res.LogsRoot)
	fmt.Printf("final_status=%s\n", res.FinalStatus)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	if string(res.FinalStatus) == "success" {
		os.Exit(0)
	}
	os.Exit(1)
}
