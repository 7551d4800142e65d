// Package routing holds the canonical agent-routing policy: every launch
// path resolves its agent through this one function.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Rejection reasons, stable strings consumed by adapters and tests.
const (
	ReasonUnavailable     = "unavailable"
	ReasonNoRoutableAgent = "no_routable_agent"
)

// Rejection is the deterministic refusal returned when no agent is routable.
type Rejection struct {
	Agent  string // requested agent, empty for implicit selection
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Agent != "" {
		return fmt.Sprintf("agent %s rejected: %s (%s)", r.Agent, r.Reason, r.Detail)
	}
	return fmt.Sprintf("agent selection rejected: %s (%s)", r.Reason, r.Detail)
}

// AvailabilityReader is the persistence surface the resolver consults.
type AvailabilityReader interface {
	GetAgentAvailability(ctx context.Context, agent string) (*store.AgentAvailability, error)
}

// Resolver applies the routable-agent policy: known, enabled in
// configuration, not unavailable, not degraded. Lookup errors fail closed.
type Resolver struct {
	agents       map[string]config.AgentConfig
	availability AvailabilityReader
	log          *logger.Logger
}

// NewResolver builds the resolver over the configured agent set.
func NewResolver(agents map[string]config.AgentConfig, availability AvailabilityReader, log *logger.Logger) *Resolver {
	return &Resolver{
		agents:       agents,
		availability: availability,
		log:          log.WithComponent("routing"),
	}
}

// Resolve returns the normalized agent name for a launch request. An empty
// requested agent means implicit selection across all enabled agents. A nil
// error guarantees the returned agent was routable at decision time.
func (r *Resolver) Resolve(ctx context.Context, requested, sourceLabel, mode string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))

	if requested != "" {
		if reason, detail := r.routable(ctx, requested); reason != "" {
			r.reject(requested, sourceLabel, mode, reason, detail)
			return "", &Rejection{Agent: requested, Reason: reason, Detail: detail}
		}
		return requested, nil
	}

	// Implicit selection: deterministic order over the configured set.
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if reason, _ := r.routable(ctx, name); reason == "" {
			return name, nil
		}
	}

	detail := "no configured agent is enabled and available"
	r.reject("", sourceLabel, mode, ReasonNoRoutableAgent, detail)
	return "", &Rejection{Reason: ReasonNoRoutableAgent, Detail: detail}
}

// routable returns an empty reason when the agent may be launched, or the
// rejection reason and detail otherwise.
func (r *Resolver) routable(ctx context.Context, name string) (reason, detail string) {
	cfg, known := r.agents[name]
	if !known {
		return ReasonUnavailable, fmt.Sprintf("agent %q is not configured", name)
	}
	if !cfg.Enabled {
		return ReasonUnavailable, fmt.Sprintf("agent %q is disabled", name)
	}

	availability, err := r.availability.GetAgentAvailability(ctx, name)
	if err != nil {
		// Fail closed: an unreadable availability record blocks the launch.
		return ReasonUnavailable, fmt.Sprintf("availability lookup failed: %v", err)
	}
	switch availability.Status {
	case store.AgentUnavailable:
		return ReasonUnavailable, availability.Reason
	case store.AgentDegraded:
		return ReasonUnavailable, "degraded: " + availability.Reason
	}
	return "", ""
}

func (r *Resolver) reject(agent, sourceLabel, mode, reason, detail string) {
	r.log.Warn("agent launch rejected",
		zap.String("agent", agent),
		zap.String("source", sourceLabel),
		zap.String("mode", mode),
		zap.String("reason", reason),
		zap.String("detail", detail))
}
