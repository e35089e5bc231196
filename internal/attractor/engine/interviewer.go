package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// FileInterviewer implements the human-gate protocol (spec §4.11) over the
// filesystem: a gate writes its question, waits for an operator to drop an
// answer file, and cleans up the pending sentinel once answered.
//
// Layout under GatesRoot:
//
//	<gates_root>/<gate_id>/question.json
//	<gates_root>/pending        (sentinel: gate_id of the open gate)
//	<gates_root>/<gate_id>/answer.json
type FileInterviewer struct {
	GatesRoot string

	// PollInterval controls how often Ask checks for an answer file. Defaults
	// to 1 second if zero.
	PollInterval time.Duration

	// NextGateID returns a new gate id per Ask call. Defaults to a
	// timestamp-based id.
	NextGateID func() string
}

func (fi *FileInterviewer) gateID() string {
	if fi.NextGateID != nil {
		return fi.NextGateID()
	}
	return time.Now().UTC().Format("20060102T150405.000000000Z")
}

func (fi *FileInterviewer) Ask(ctx context.Context, q Question) Answer {
	gateID := fi.gateID()
	gateDir := filepath.Join(fi.GatesRoot, gateID)
	if err := os.MkdirAll(gateDir, 0o755); err != nil {
		return Answer{}
	}

	questionPath := filepath.Join(gateDir, "question.json")
	if b, err := json.MarshalIndent(q, "", "  "); err == nil {
		_ = os.WriteFile(questionPath, b, 0o644)
	}
	pendingPath := filepath.Join(fi.GatesRoot, "pending")
	_ = os.WriteFile(pendingPath, []byte(gateID), 0o644)

	interval := fi.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	answerPath := filepath.Join(gateDir, "answer.json")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Answer{}
		case <-ticker.C:
			b, err := os.ReadFile(answerPath)
			if err != nil {
				continue
			}
			var ans Answer
			if err := json.Unmarshal(b, &ans); err != nil {
				continue
			}
			if cur, err := os.ReadFile(pendingPath); err == nil && string(cur) == gateID {
				_ = os.Remove(pendingPath)
			}
			return ans
		}
	}
}
