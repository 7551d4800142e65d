// Package nextmachine derives the next step for a work item from its on-disk
// artifacts. It keeps no state of its own: every call re-reads the roadmap,
// the item's requirements, implementation plan, and state file, and returns
// either prose guidance, a command to dispatch, or a terminal condition.
package nextmachine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/logger"
)

// Artifact filenames under <root>/work/<slug>/.
const (
	roadmapFile      = "roadmap.yaml"
	requirementsFile = "requirements.md"
	planFile         = "implementation-plan.md"
	stateFile        = "state.yaml"

	workDirName = "work"
)

// Item states recorded in state.yaml.
const (
	StatePending    = "pending"
	StateApproved   = "approved"
	StateInProgress = "in_progress"
	StateDone       = "done"
)

// Phase of the work-item lifecycle.
type Phase string

const (
	PhasePrepare Phase = "prepare" // human-in-the-loop preparation
	PhaseWork    Phase = "work"    // autonomous implementation
)

// OutcomeKind discriminates what the resolver returned.
type OutcomeKind string

const (
	OutcomeInstruction OutcomeKind = "instruction"
	OutcomeDispatch    OutcomeKind = "dispatch"
	OutcomeTerminal    OutcomeKind = "terminal"
)

// Terminal reasons.
const (
	TerminalComplete = "complete"
	TerminalBlocked  = "blocked"
)

var ErrUnknownItem = errors.New("work item not in roadmap")

// ErrUntracked rejects items whose artifacts are not under version control;
// the resolver refuses to act on state git cannot reproduce.
var ErrUntracked = errors.New("work item artifacts not tracked by git")

// Outcome is the resolver's answer for one item.
type Outcome struct {
	Slug        string
	Phase       Phase
	Kind        OutcomeKind
	Instruction string           // set for OutcomeInstruction
	Command     *command.Command // set for OutcomeDispatch
	Terminal    string           // set for OutcomeTerminal
	Blockers    []string         // incomplete dependencies, for TerminalBlocked
}

// roadmap.yaml shape.
type roadmap struct {
	Items []roadmapItem `yaml:"items"`
}

type roadmapItem struct {
	Slug      string   `yaml:"slug"`
	Title     string   `yaml:"title"`
	DependsOn []string `yaml:"dependsOn"`
}

// state.yaml shape.
type itemState struct {
	Status string `yaml:"status"`
}

// Resolver reads artifacts under a project root.
type Resolver struct {
	root      string
	trackedFn func(ctx context.Context, root, dir string) (bool, error)
	log       *logger.Logger
}

// New builds a resolver for one project root.
func New(root string, log *logger.Logger) *Resolver {
	return &Resolver{
		root:      root,
		trackedFn: gitTracked,
		log:       log.WithComponent("nextmachine"),
	}
}

// Resolve derives the next step for slug.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*Outcome, error) {
	rm, err := r.loadRoadmap()
	if err != nil {
		return nil, err
	}
	item, ok := rm.find(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, slug)
	}

	itemDir := filepath.Join(r.root, workDirName, slug)
	tracked, err := r.trackedFn(ctx, r.root, itemDir)
	if err != nil {
		return nil, fmt.Errorf("tracking check failed: %w", err)
	}
	if hasArtifacts(itemDir) && !tracked {
		return nil, fmt.Errorf("%w: %s", ErrUntracked, slug)
	}

	// Dependency gate applies in every phase.
	if blockers := r.incompleteDeps(rm, item); len(blockers) > 0 {
		return &Outcome{
			Slug:     slug,
			Phase:    PhasePrepare,
			Kind:     OutcomeTerminal,
			Terminal: TerminalBlocked,
			Blockers: blockers,
		}, nil
	}

	state := r.loadState(itemDir)
	switch state.Status {
	case StateDone:
		return &Outcome{Slug: slug, Phase: PhaseWork, Kind: OutcomeTerminal, Terminal: TerminalComplete}, nil
	case StateApproved, StateInProgress:
		return r.workStep(item, state)
	default:
		return r.prepareStep(item, itemDir)
	}
}

// prepareStep walks the human-in-the-loop artifact ladder: requirements
// first, then an agent-drafted implementation plan, then approval.
func (r *Resolver) prepareStep(item roadmapItem, itemDir string) (*Outcome, error) {
	if !fileExists(filepath.Join(itemDir, requirementsFile)) {
		return &Outcome{
			Slug:  item.Slug,
			Phase: PhasePrepare,
			Kind:  OutcomeInstruction,
			Instruction: fmt.Sprintf(
				"Write %s for %q under %s, then commit it.",
				requirementsFile, item.Slug, filepath.Join(workDirName, item.Slug)),
		}, nil
	}

	if !fileExists(filepath.Join(itemDir, planFile)) {
		text := fmt.Sprintf(
			"Read work/%s/requirements.md and draft work/%s/implementation-plan.md. Do not write code yet.",
			item.Slug, item.Slug)
		cmd, err := r.dispatchCommand(item, PhasePrepare, text)
		if err != nil {
			return nil, err
		}
		return &Outcome{Slug: item.Slug, Phase: PhasePrepare, Kind: OutcomeDispatch, Command: cmd}, nil
	}

	return &Outcome{
		Slug:  item.Slug,
		Phase: PhasePrepare,
		Kind:  OutcomeInstruction,
		Instruction: fmt.Sprintf(
			"Review %s for %q; set status to %q in %s to start autonomous work.",
			planFile, item.Slug, StateApproved, stateFile),
	}, nil
}

// workStep dispatches the autonomous implementation session.
func (r *Resolver) workStep(item roadmapItem, state itemState) (*Outcome, error) {
	text := fmt.Sprintf(
		"Implement work/%s per its implementation-plan.md, update state.yaml to in_progress, and mark it done when tests pass.",
		item.Slug)
	if state.Status == StateInProgress {
		text = fmt.Sprintf(
			"Resume work/%s: follow implementation-plan.md, verify against requirements.md, and mark state.yaml done when tests pass.",
			item.Slug)
	}
	cmd, err := r.dispatchCommand(item, PhaseWork, text)
	if err != nil {
		return nil, err
	}
	return &Outcome{Slug: item.Slug, Phase: PhaseWork, Kind: OutcomeDispatch, Command: cmd}, nil
}

// dispatchCommand wraps the filled prompt in a new_session command. The agent
// is left empty so the routing resolver picks the first routable one. The
// dedup key carries the phase so prepare and work dispatches for the same
// slug do not collapse into one queue entry.
func (r *Resolver) dispatchCommand(item roadmapItem, phase Phase, text string) (*command.Command, error) {
	args, err := json.Marshal(command.NewSessionArgs{
		WorkingDir:  r.root,
		Title:       item.Title,
		InitialText: text,
	})
	if err != nil {
		return nil, err
	}
	return &command.Command{
		Kind:     command.KindNewSession,
		Source:   command.SourceCron + ":nextmachine",
		DedupKey: "nextmachine:" + item.Slug + ":" + string(phase),
		Args:     args,
	}, nil
}

func (r *Resolver) incompleteDeps(rm *roadmap, item roadmapItem) []string {
	var blockers []string
	for _, dep := range item.DependsOn {
		depDir := filepath.Join(r.root, workDirName, dep)
		if r.loadState(depDir).Status != StateDone {
			blockers = append(blockers, dep)
		}
	}
	sort.Strings(blockers)
	return blockers
}

func (r *Resolver) loadRoadmap() (*roadmap, error) {
	raw, err := os.ReadFile(filepath.Join(r.root, roadmapFile))
	if err != nil {
		return nil, fmt.Errorf("roadmap read failed: %w", err)
	}
	var rm roadmap
	if err := yaml.Unmarshal(raw, &rm); err != nil {
		return nil, fmt.Errorf("roadmap parse failed: %w", err)
	}
	return &rm, nil
}

// loadState tolerates a missing or malformed state file: the item is simply
// still pending.
func (r *Resolver) loadState(itemDir string) itemState {
	raw, err := os.ReadFile(filepath.Join(itemDir, stateFile))
	if err != nil {
		return itemState{Status: StatePending}
	}
	var state itemState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return itemState{Status: StatePending}
	}
	if state.Status == "" {
		state.Status = StatePending
	}
	return state
}

func (rm *roadmap) find(slug string) (roadmapItem, bool) {
	for _, item := range rm.Items {
		if item.Slug == slug {
			return item, true
		}
	}
	return roadmapItem{}, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasArtifacts(itemDir string) bool {
	entries, err := os.ReadDir(itemDir)
	return err == nil && len(entries) > 0
}

// gitTracked reports whether dir contains at least one git-tracked file.
func gitTracked(ctx context.Context, root, dir string) (bool, error) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false, err
	}
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--", rel)
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git ls-files failed: %w", err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}
