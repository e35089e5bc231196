package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectDoc is a project-instruction file (AGENTS.md, CLAUDE.md, ...) discovered
// in the working directory and embedded verbatim in the system prompt.
type ProjectDoc struct {
	Path    string
	Content string
}

// LoadProjectDocs reads each named file relative to env's working directory,
// skipping any that don't exist or can't be read. Callers pass the profile's
// own ProjectDocFiles() so each provider only sees the docs it expects.
func LoadProjectDocs(env ExecutionEnvironment, filenames ...string) ([]ProjectDoc, error) {
	if env == nil {
		return nil, nil
	}
	base := env.WorkingDirectory()

	var docs []ProjectDoc
	for _, name := range filenames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		full := filepath.Join(base, name)
		if !env.FileExists(full) {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		docs = append(docs, ProjectDoc{Path: name, Content: string(data)})
	}
	return docs, nil
}
