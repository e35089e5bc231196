package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rhollins/flowforge/internal/attractor/engine"
)

// cmdGate inspects and answers the human-gate sentinel a FileInterviewer
// leaves under <dir>/gates: show prints the open gate's question (if any),
// answer writes an answer.json for the currently pending gate, and watch
// polls until a gate opens then prints it.
func cmdGate(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	var dir, text string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			i++
			dir = requireFlagValue(args, i, "--dir")
		case "--text":
			i++
			text = requireFlagValue(args, i, "--text")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if dir == "" {
		dir = "."
	}
	gatesRoot := filepath.Join(dir, "gates")

	switch sub {
	case "show":
		gateID, q, err := readPendingGate(gatesRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if gateID == "" {
			fmt.Println("no gate pending")
			return
		}
		fmt.Printf("gate_id=%s\n", gateID)
		fmt.Printf("text=%s\n", q.Text)
		fmt.Printf("type=%s\n", q.Type)
		for _, opt := range q.Options {
			fmt.Printf("option: %s -> %s\n", opt.Label, opt.To)
		}
	case "answer":
		if text == "" {
			fmt.Fprintln(os.Stderr, "answer requires --text")
			os.Exit(1)
		}
		gateID, _, err := readPendingGate(gatesRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if gateID == "" {
			fmt.Fprintln(os.Stderr, "no gate pending")
			os.Exit(1)
		}
		ans := engine.Answer{Text: text}
		b, err := json.MarshalIndent(ans, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		answerPath := filepath.Join(gatesRoot, gateID, "answer.json")
		if err := os.WriteFile(answerPath, b, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("answered gate_id=%s\n", gateID)
	case "watch":
		ctx, cleanup := signalCancelContext()
		defer cleanup()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gateID, q, err := readPendingGate(gatesRoot)
				if err != nil {
					continue
				}
				if gateID == "" {
					continue
				}
				fmt.Printf("gate_id=%s\n", gateID)
				fmt.Printf("text=%s\n", q.Text)
				return
			}
		}
	default:
		usage()
		os.Exit(1)
	}
}

func readPendingGate(gatesRoot string) (string, engine.Question, error) {
	pendingPath := filepath.Join(gatesRoot, "pending")
	b, err := os.ReadFile(pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", engine.Question{}, nil
		}
		return "", engine.Question{}, err
	}
	gateID := string(b)
	qPath := filepath.Join(gatesRoot, gateID, "question.json")
	qb, err := os.ReadFile(qPath)
	if err != nil {
		return gateID, engine.Question{}, err
	}
	var q engine.Question
	if err := json.Unmarshal(qb, &q); err != nil {
		return gateID, engine.Question{}, err
	}
	return gateID, q, nil
}
