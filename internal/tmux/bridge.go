// Package tmux wraps the terminal multiplexer CLI: detached session
// lifecycle, keystroke injection with completion markers, and cursor-based
// pane capture.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
)

// Bridge runs multiplexer operations through the tmux binary. All methods are
// safe for concurrent use; tmux itself serializes against its server socket.
type Bridge struct {
	bin        string
	cols       int
	rows       int
	loginShell string // basename of $SHELL, resolved once at construction
	log        *logger.Logger
}

// New builds a bridge from configuration. The login shell is captured here so
// marker decisions stay stable for the daemon's lifetime.
func New(cfg config.TmuxConfig, log *logger.Logger) *Bridge {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Bridge{
		bin:        cfg.Binary,
		cols:       cfg.Cols,
		rows:       cfg.Rows,
		loginShell: filepath.Base(shell),
		log:        log.WithComponent("tmux"),
	}
}

// LoginShell returns the basename of the shell markers are keyed against.
func (b *Bridge) LoginShell() string {
	return b.loginShell
}

func (b *Bridge) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Create starts a detached session with the given name in cwd.
func (b *Bridge) Create(ctx context.Context, name, cwd string) error {
	_, err := b.run(ctx, "new-session", "-d", "-s", name, "-c", cwd,
		"-x", strconv.Itoa(b.cols), "-y", strconv.Itoa(b.rows))
	if err != nil {
		return err
	}
	b.log.Debug("created session", zap.String("name", name), zap.String("cwd", cwd))
	return nil
}

// Kill terminates a session. Killing a session that is already gone is not an
// error.
func (b *Bridge) Kill(ctx context.Context, name string) error {
	_, err := b.run(ctx, "kill-session", "-t", name)
	if err != nil {
		if ok, existsErr := b.Exists(ctx, name); existsErr == nil && !ok {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether a session with the given name is alive.
func (b *Bridge) Exists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, b.bin, "has-session", "-t", "="+name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("tmux has-session: %w", err)
	}
	return true, nil
}

// CurrentCommand returns the foreground command of the session's active pane.
func (b *Bridge) CurrentCommand(ctx context.Context, name string) (string, error) {
	out, err := b.run(ctx, "display-message", "-p", "-t", name, "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListPanes returns the names of all live sessions.
func (b *Bridge) ListPanes(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(out, "no server running") || strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendKeys injects text into a session's pane. When appendMarker is set and
// the pane's foreground command is the login shell, an exit marker is chained
// after the command and its hash returned; input to any other foreground
// process passes through untouched and the hash is empty.
func (b *Bridge) SendKeys(ctx context.Context, name, text string, appendMarker bool) (markerHash string, err error) {
	payload := text
	if appendMarker {
		current, cmdErr := b.CurrentCommand(ctx, name)
		if cmdErr != nil {
			return "", cmdErr
		}
		if current == b.loginShell {
			markerHash = NewMarkerHash()
			payload = text + "; " + MarkerCommand(markerHash)
		}
	}

	// Literal send first, newline separately, so tmux never interprets the
	// payload as key names.
	if _, err := b.run(ctx, "send-keys", "-t", name, "-l", "--", payload); err != nil {
		return "", err
	}
	if _, err := b.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return "", err
	}
	b.log.Debug("sent keys",
		zap.String("name", name),
		zap.Int("bytes", len(payload)),
		zap.Bool("marker", markerHash != ""))
	return markerHash, nil
}

// Interrupt sends Ctrl-C to the session's pane, stopping the foreground
// process without touching the pane itself.
func (b *Bridge) Interrupt(ctx context.Context, name string) error {
	_, err := b.run(ctx, "send-keys", "-t", name, "C-c")
	return err
}

// Capture reads the pane's full history and returns only the bytes past the
// caller's cursor, plus the new cursor position.
func (b *Bridge) Capture(ctx context.Context, name string, cursor int) (text string, newCursor int, err error) {
	out, err := b.run(ctx, "capture-pane", "-p", "-J", "-t", name, "-S", "-", "-E", "-")
	if err != nil {
		return "", cursor, err
	}
	full := strings.TrimRight(out, "\n")
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(full) {
		// Pane history was cleared or truncated; restart from the top.
		cursor = 0
	}
	return full[cursor:], len(full), nil
}
