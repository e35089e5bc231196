package agent

import (
	"context"
	"strings"
)

// snapshotGit captures a one-time view of the repo state at session start.
// It shells out through env.ExecCommand rather than raw os/exec so it works
// against any ExecutionEnvironment, and treats any git command failure as
// "not a git repository" rather than an error, since a non-repo working
// directory is an expected, non-fatal case.
func snapshotGit(env ExecutionEnvironment, workingDir string) (inRepo bool, branch string, modified int, untracked int, recentCommitTitles []string) {
	if env == nil {
		return false, "", 0, 0, nil
	}
	ctx := context.Background()

	run := func(args string) (string, bool) {
		res, err := env.ExecCommand(ctx, "git "+args, 5_000, workingDir, nil)
		if err != nil || res.ExitCode != 0 {
			return "", false
		}
		return res.Stdout, true
	}

	if _, ok := run("rev-parse --is-inside-work-tree"); !ok {
		return false, "", 0, 0, nil
	}

	if out, ok := run("branch --show-current"); ok {
		branch = strings.TrimSpace(out)
	}

	if out, ok := run("status --porcelain"); ok {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "??") {
				untracked++
			} else {
				modified++
			}
		}
	}

	if out, ok := run("log -n 5 --pretty=%s"); ok {
		for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				recentCommitTitles = append(recentCommitTitles, line)
			}
		}
	}

	return true, branch, modified, untracked, recentCommitTitles
}
