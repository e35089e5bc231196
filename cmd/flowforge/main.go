// Command flowforge runs and inspects DOT-graph pipelines: a cooperating
// run/gate/status/logs/web/validate subcommand surface over a single
// run's on-disk working directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Println("flowforge dev")
		os.Exit(0)
	case "run":
		cmdRun(os.Args[2:])
	case "gate":
		cmdGate(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "web":
		cmdWeb(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowforge --version")
	fmt.Fprintln(os.Stderr, "  flowforge run <dotfile> [--config <run.yaml>] [--dir <path>] [--run-id <id>]")
	fmt.Fprintln(os.Stderr, "  flowforge gate show|answer|watch [--dir <path>] [--text <answer>]")
	fmt.Fprintln(os.Stderr, "  flowforge status [--dir <path>]")
	fmt.Fprintln(os.Stderr, "  flowforge logs [<node>] [--dir <path>]")
	fmt.Fprintln(os.Stderr, "  flowforge web [--dir <path>] [--port N]")
	fmt.Fprintln(os.Stderr, "  flowforge validate <dotfile>")
}

// signalCancelContext returns a context canceled on SIGINT/SIGTERM, and a
// cleanup func that must run before the process exits.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func requireFlagValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}
