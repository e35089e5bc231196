package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// subagent tracks a spawned child session and its most recent task output.
type subagent struct {
	id     string
	sess   *Session
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	done   chan struct{}
	output string
	err    error
}

// spawnAgent starts a new child session sharing this session's client, profile,
// and environment, and runs task through it in the background. Depth is
// inherited and incremented so a chain of subagents can't spawn unboundedly.
func (s *Session) spawnAgent(ctx context.Context, task string) (any, error) {
	s.mu.Lock()
	depth := s.depth
	maxDepth := s.cfg.MaxSubagentDepth
	s.mu.Unlock()

	if depth >= maxDepth {
		return nil, fmt.Errorf("subagent depth limit (%d) reached", maxDepth)
	}

	child, err := NewSession(s.client, s.profile, s.env, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("spawn subagent: %w", err)
	}
	child.depth = depth + 1

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subagent{
		id:     ulid.Make().String(),
		sess:   child,
		ctx:    subCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subagents[sub.id] = sub
	s.mu.Unlock()

	runTask(sub, task)

	return map[string]string{"agent_id": sub.id}, nil
}

// runTask executes task through the subagent's session on a background
// goroutine, recording the output/error and closing sub.done on completion.
func runTask(sub *subagent, task string) {
	sub.mu.Lock()
	done := make(chan struct{})
	sub.done = done
	sub.mu.Unlock()

	go func() {
		defer close(done)
		out, err := sub.sess.ProcessInput(sub.ctx, task)
		sub.mu.Lock()
		sub.output, sub.err = out, err
		sub.mu.Unlock()
	}()
}

// sendInput delivers a follow-up task to an already-spawned subagent once its
// current task has finished.
func (s *Session) sendInput(ctx context.Context, agentID, input string) (any, error) {
	_ = ctx
	sub := s.getSub(agentID)
	if sub == nil {
		return nil, fmt.Errorf("unknown subagent %q", agentID)
	}

	sub.mu.Lock()
	done := sub.done
	sub.mu.Unlock()

	select {
	case <-done:
	default:
		return nil, fmt.Errorf("subagent %q is still running its current task", agentID)
	}

	runTask(sub, input)
	return map[string]string{"status": "sent"}, nil
}

// waitAgent blocks until the subagent's current task finishes, an optional
// timeout elapses, or ctx is canceled, then returns the subagent's raw final
// text output (not JSON-wrapped).
func (s *Session) waitAgent(ctx context.Context, agentID string, timeoutMS int) (any, error) {
	sub := s.getSub(agentID)
	if sub == nil {
		return "", fmt.Errorf("unknown subagent %q", agentID)
	}

	sub.mu.Lock()
	done := sub.done
	sub.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeoutMS > 0 {
		timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-done:
	case <-timeoutCh:
		return "", fmt.Errorf("timed out waiting for subagent %q", agentID)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	sub.mu.Lock()
	out, err := sub.output, sub.err
	sub.mu.Unlock()
	return out, err
}

// closeAgent cancels and discards a subagent.
func (s *Session) closeAgent(agentID string) (any, error) {
	s.mu.Lock()
	sub, ok := s.subagents[agentID]
	if ok {
		delete(s.subagents, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown subagent %q", agentID)
	}
	sub.cancel()
	sub.sess.Close()
	return map[string]string{"status": "closed"}, nil
}

// getSub returns the subagent registered under agentID, or nil.
func (s *Session) getSub(agentID string) *subagent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subagents[agentID]
}
