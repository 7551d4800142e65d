package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	cases := []struct {
		path string
		want Category
	}{
		{"daemon/foo.py", CategoryDaemon},
		{"internal/store/store.go", CategoryDaemon},
		{"cmd/teleclauded/main.go", CategoryDaemon},
		{"tests/test_poller.py", CategoryTests},
		{"internal/store/store_test.go", CategoryTests},
		{"hooks/runner.go", CategoryHookRuntime},
		{"tui/view.go", CategoryTUI},
		{"telec-setup/install.sh", CategorySetup},
		{".claude/commands/review.md", CategoryAgentArtifacts},
		{"config.yml", CategoryConfig},
		{"docs/overview.md", CategoryDocs},
		{"TODO.md", CategoryDocs},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.path), "path %s", tc.path)
	}
}

func TestEvaluateCleanTree(t *testing.T) {
	assert.Empty(t, Evaluate(Input{}))
}

func TestEvaluatePrecedence(t *testing.T) {
	// Daemon code plus config: exactly one runtime action, then log check,
	// then validation, then commit, with no duplicates.
	actions := Evaluate(Input{ChangedFiles: []string{"daemon/foo.py", "config.yml"}})

	require.Equal(t, []string{
		ActionRestart,
		ActionLogCheck,
		ActionRunTests,
		ActionCommit,
		ActionCapture,
	}, actions)

	seen := make(map[string]bool)
	for _, a := range actions {
		require.False(t, seen[a], "duplicate action %q", a)
		seen[a] = true
	}
}

func TestEvaluateRuntimeSubOrder(t *testing.T) {
	actions := Evaluate(Input{ChangedFiles: []string{
		".claude/commands/go.md",
		"tui/view.go",
		"daemon/core.py",
		"telec-setup/install.sh",
	}})

	require.Equal(t, []string{
		ActionProjectInit,
		ActionRestart,
		ActionTUIReload,
		ActionArtifactsLoad,
		ActionLogCheck,
		ActionRunTests,
		ActionCommit,
		ActionCapture,
	}, actions)
}

func TestEvaluateDocsOnlyStillHasLogCheck(t *testing.T) {
	actions := Evaluate(Input{ChangedFiles: []string{"docs/overview.md", "TODO.md"}})

	assert.Contains(t, actions, ActionLogCheck)
	assert.NotContains(t, actions, ActionRestart)
	assert.NotContains(t, actions, ActionRunTests)
	assert.Contains(t, actions, ActionCommit)
}

func TestEvaluateTestsOnlySkipsRuntimeBucket(t *testing.T) {
	actions := Evaluate(Input{ChangedFiles: []string{
		"tests/test_queue.py",
		"docs/testing.md",
	}})

	assert.NotContains(t, actions, ActionRestart)
	assert.Contains(t, actions, ActionLogCheck)
	assert.Contains(t, actions, ActionRunTests)
	assert.Contains(t, actions, ActionCommit)
}

func TestEvaluateTestsPlusCodeIsNotTestsOnly(t *testing.T) {
	actions := Evaluate(Input{ChangedFiles: []string{
		"tests/test_queue.py",
		"daemon/queue.py",
	}})
	assert.Contains(t, actions, ActionRestart)
}

func TestEvaluateHookRuntimeCountsAsCode(t *testing.T) {
	actions := Evaluate(Input{ChangedFiles: []string{"hooks/runner.go"}})
	assert.Contains(t, actions, ActionLogCheck)
	assert.Contains(t, actions, ActionRunTests)
}

func TestEvidenceSuppression(t *testing.T) {
	in := Input{
		ChangedFiles: []string{"daemon/foo.py"},
		Evidence: []Evidence{
			{Command: "systemctl restart teleclauded", Failed: false},
			{Command: "go test ./internal/...", Failed: true}, // failed runs do not count
		},
	}
	actions := Evaluate(in)

	assert.NotContains(t, actions, ActionRestart)
	assert.Contains(t, actions, ActionRunTests)
	assert.Contains(t, actions, ActionLogCheck)
}

func TestEvidenceSuppressionCanEmptyTheList(t *testing.T) {
	in := Input{
		ChangedFiles: []string{"daemon/foo.py"},
		Evidence: []Evidence{
			{Command: "systemctl restart teleclauded"},
			{Command: "journalctl -u teleclauded -n 50"},
			{Command: "go test ./..."},
			{Command: "git commit -m 'fix'"},
		},
	}
	actions := Evaluate(in)
	assert.Equal(t, []string{ActionCapture}, actions)
}

func TestCompose(t *testing.T) {
	msg := Compose([]string{ActionRestart, ActionLogCheck})
	assert.Contains(t, msg, "1. "+ActionRestart)
	assert.Contains(t, msg, "2. "+ActionLogCheck)
	assert.Empty(t, Compose(nil))
}
