// Package checkpoint composes turn-boundary guidance from the uncommitted
// state of a working tree: categorize changed files, emit required actions in
// a fixed precedence, and suppress actions the turn already performed.
package checkpoint

import (
	"fmt"
	"strings"
)

// Category classifies one changed path. Ordered patterns, first match wins.
type Category int

const (
	CategoryDaemon Category = iota
	CategoryHookRuntime
	CategoryTUI
	CategorySetup
	CategoryTests
	CategoryAgentArtifacts
	CategoryConfig
	CategoryDocs
)

type pattern struct {
	category Category
	match    func(path string) bool
}

func hasAnyPrefix(path string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(path string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// patterns is the first-match-wins classification order.
var patterns = []pattern{
	{CategoryTests, func(p string) bool {
		return hasAnyPrefix(p, "tests/") || hasAnySuffix(p, "_test.go", "_test.py")
	}},
	{CategoryHookRuntime, func(p string) bool {
		return hasAnyPrefix(p, "hooks/", "hook_runtime/") || strings.Contains(p, "teleclaude-hook")
	}},
	{CategoryTUI, func(p string) bool {
		return hasAnyPrefix(p, "tui/", "ui/")
	}},
	{CategorySetup, func(p string) bool {
		return hasAnyPrefix(p, "setup/", "telec-setup/") || strings.Contains(p, "install")
	}},
	{CategoryDaemon, func(p string) bool {
		return hasAnyPrefix(p, "daemon/", "internal/", "cmd/", "src/") || hasAnySuffix(p, ".go", ".py")
	}},
	{CategoryAgentArtifacts, func(p string) bool {
		return hasAnyPrefix(p, ".claude/", ".codex/", ".gemini/", "agents/")
	}},
	{CategoryConfig, func(p string) bool {
		return hasAnySuffix(p, ".yml", ".yaml", ".toml", ".ini", ".json") ||
			strings.Contains(p, "config")
	}},
	{CategoryDocs, func(p string) bool {
		return hasAnyPrefix(p, "docs/", "todos/", "ideas/") || hasAnySuffix(p, ".md", ".markdown")
	}},
}

// Classify maps one path to its category. Unmatched paths count as daemon
// code: unknown files are treated as the most demanding category.
func Classify(path string) Category {
	for _, pat := range patterns {
		if pat.match(path) {
			return pat.category
		}
	}
	return CategoryDaemon
}

// Action strings. Deduplication works on exact string identity, so each
// category funnels into one canonical string per required step.
const (
	ActionProjectInit   = "re-run project init, then verify the install"
	ActionRestart       = "restart service, then check status"
	ActionTUIReload     = "send the TUI reload signal"
	ActionArtifactsLoad = "reload agent artifacts"
	ActionLogCheck      = "check daemon logs for errors"
	ActionRunTests      = "run the targeted tests for the changed areas"
	ActionCommit        = "commit the work"
	ActionCapture       = "capture any memories, bugs and ideas before moving on"
)

// evidencePrefixes maps an action to the command prefixes that count as the
// action already having been performed this turn.
var evidencePrefixes = map[string][]string{
	ActionProjectInit:   {"telec setup", "make install"},
	ActionRestart:       {"systemctl restart", "launchctl kickstart", "telec restart", "make restart"},
	ActionTUIReload:     {"telec tui reload"},
	ActionArtifactsLoad: {"telec agents reload"},
	ActionLogCheck:      {"telec logs", "journalctl", "tail "},
	ActionRunTests:      {"go test", "pytest", "make test"},
	ActionCommit:        {"git commit"},
}

// Evidence is one tool call observed earlier in the same turn.
type Evidence struct {
	Command string
	Failed  bool
}

// Input is one checkpoint evaluation request.
type Input struct {
	ChangedFiles []string
	Evidence     []Evidence
}

// Evaluate returns the ordered, deduplicated action list for the working
// tree. An empty slice means nothing to do (clean tree, everything
// evidenced).
func Evaluate(in Input) []string {
	if len(in.ChangedFiles) == 0 {
		return nil
	}

	seen := make(map[Category]bool)
	for _, path := range in.ChangedFiles {
		seen[Classify(path)] = true
	}

	// Tests-only holds only when every non-doc change is a test file.
	testsOnly := seen[CategoryTests]
	for cat := range seen {
		if cat != CategoryTests && cat != CategoryDocs {
			testsOnly = false
		}
	}

	codeChanged := seen[CategoryDaemon] || seen[CategoryHookRuntime] ||
		seen[CategoryTUI] || seen[CategorySetup] || seen[CategoryTests]

	var actions []string
	add := func(a string) {
		for _, existing := range actions {
			if existing == a {
				return
			}
		}
		actions = append(actions, a)
	}

	if !testsOnly {
		// Runtime/setup bucket, strict sub-order.
		if seen[CategorySetup] {
			add(ActionProjectInit)
		}
		if seen[CategoryDaemon] || seen[CategoryHookRuntime] {
			add(ActionRestart)
		}
		if seen[CategoryTUI] {
			add(ActionTUIReload)
		}
		if seen[CategoryAgentArtifacts] {
			add(ActionArtifactsLoad)
		}
	}

	// Baseline: the log check ships even for docs-only trees.
	add(ActionLogCheck)

	if codeChanged {
		add(ActionRunTests)
	}

	add(ActionCommit)
	add(ActionCapture)

	return suppressEvidenced(actions, in.Evidence)
}

// suppressEvidenced drops actions the turn already performed successfully.
// Failed attempts do not count.
func suppressEvidenced(actions []string, evidence []Evidence) []string {
	if len(evidence) == 0 {
		return actions
	}
	out := actions[:0]
	for _, action := range actions {
		if !evidenced(action, evidence) {
			out = append(out, action)
		}
	}
	return out
}

func evidenced(action string, evidence []Evidence) bool {
	prefixes := evidencePrefixes[action]
	for _, ev := range evidence {
		if ev.Failed {
			continue
		}
		cmd := strings.TrimSpace(ev.Command)
		for _, prefix := range prefixes {
			if strings.HasPrefix(cmd, prefix) {
				return true
			}
		}
	}
	return false
}

// Compose renders the action list as the checkpoint message injected into the
// agent turn.
func Compose(actions []string) string {
	if len(actions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Before you stop, work through this checkpoint:\n")
	for i, action := range actions {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, action)
	}
	return strings.TrimRight(b.String(), "\n")
}
