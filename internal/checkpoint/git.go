package checkpoint

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ChangedFiles lists uncommitted paths in the working tree at dir, relative
// to the repository root.
func ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff failed in %s: %w", dir, err)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
