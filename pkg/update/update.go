// Package update implements the core state machine: one cycle is
// Prune -> Stacks -> Containers, per spec.md §4.E. This is the only package
// that orchestrates the Engine Gateway, the Orchestrator Gateway and the
// Freshness Oracle together.
package update

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/relikd/dockwatch/pkg/engine"
	"github.com/relikd/dockwatch/pkg/orchestrator"
	"github.com/relikd/dockwatch/pkg/reference"
)

// EngineGateway is the subset of the Docker engine capability the update
// engine drives.
type EngineGateway interface {
	ListContainers(ctx context.Context, all bool) ([]engine.Container, error)
	ListContainersByLabel(ctx context.Context, key, value string) ([]engine.Container, error)
	InspectContainer(ctx context.Context, id string) (engine.Snapshot, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Create(ctx context.Context, spec engine.CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	InspectStatus(ctx context.Context, id string) (engine.ContainerStatus, error)
	ListImages(ctx context.Context, all bool) ([]engine.LocalImage, error)
	InspectImage(ctx context.Context, ref string) (engine.LocalImage, error)
	Pull(ctx context.Context, repo, tag string, sink engine.ProgressSink) error
	Tag(ctx context.Context, id, repo, tag string, force bool) error
	DeleteImage(ctx context.Context, ref string, force bool) error
}

// Orchestrator is the subset of the stack-management capability the stack
// phase drives.
type Orchestrator interface {
	Disabled() bool
	ListStacks(ctx context.Context) ([]orchestrator.Stack, error)
	GetManifest(ctx context.Context, stackID int) (string, error)
	GetStackEnv(ctx context.Context, stackID int) ([]orchestrator.EnvVar, error)
	Redeploy(ctx context.Context, stackID, endpointID int, yaml string, env []orchestrator.EnvVar, opts orchestrator.RedeployOptions) error
}

// Oracle answers whether a reference has a newer image available.
type Oracle interface {
	HasNewer(ctx context.Context, ref reference.Reference) (bool, error)
}

// Config holds the cycle-invariant settings that come from spec.md §6.
type Config struct {
	ExcludePatterns     []string
	BackupRetention     time.Duration
	ContainerCheckDelay time.Duration // health probe window, default 10s
}

const healthPollInterval = 2 * time.Second

// Engine runs cycles. It is constructor-scoped over its three collaborators
// and carries no state beyond the process-lifetime rollback ignore set, per
// spec.md §9.
type Engine struct {
	docker EngineGateway
	orch   Orchestrator
	oracle Oracle
	logger *slog.Logger
	cfg    Config

	// permanentlyIgnored holds container names added by a rollback; unlike
	// the rest of the cycle state these survive across cycles until the
	// process restarts, per spec.md §9.
	permanentlyIgnored map[string]bool
}

// New builds an Engine.
func New(docker EngineGateway, orch Orchestrator, oracle Oracle, logger *slog.Logger, cfg Config) *Engine {
	if cfg.ContainerCheckDelay <= 0 {
		cfg.ContainerCheckDelay = 10 * time.Second
	}

	return &Engine{
		docker:             docker,
		orch:               orch,
		oracle:             oracle,
		logger:             logger,
		cfg:                cfg,
		permanentlyIgnored: map[string]bool{},
	}
}

// Result summarizes what a cycle did, for the metrics package.
type Result struct {
	ContainersUpdated    int
	ContainersRolledBack int
	ContainersAbandoned  int
	StacksRedeployed     int
	ImagesPruned         int
}

// cycleState is the scratch state accumulated during one cycle, reset every
// Run call except for the rollback entries carried in over from
// permanentlyIgnored, per spec.md §3 and §9.
type cycleState struct {
	ignoredContainers map[string]bool
	stackRepos        map[string]bool
}

func (e *Engine) newCycleState() *cycleState {
	cs := &cycleState{
		ignoredContainers: map[string]bool{},
		stackRepos:        map[string]bool{},
	}

	for name := range e.permanentlyIgnored {
		cs.ignoredContainers[name] = true
	}

	return cs
}

// Run executes one cycle: Prune, then Stacks, then Containers, in that
// order, never overlapping. A phase's internal failures are logged and
// scoped; only context cancellation aborts Run early.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var result Result

	pruned, err := e.runPrune(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		e.logger.Error("prune phase failed", "error", err)
	}

	result.ImagesPruned = pruned

	cs := e.newCycleState()

	if !e.orch.Disabled() {
		redeployed, err := e.runStackPhase(ctx, cs)
		if err != nil && ctx.Err() != nil {
			return result, ctx.Err()
		}

		result.StacksRedeployed = redeployed
	}

	updated, rolledBack, abandoned, err := e.runContainerPhase(ctx, cs)
	if err != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}

	result.ContainersUpdated = updated
	result.ContainersRolledBack = rolledBack
	result.ContainersAbandoned = abandoned

	return result, nil
}

// matchesAny reports whether any of patterns is a substring of s.
func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}

	return false
}

// repoString renders a reference's registry+repository without tag/digest,
// the form the Engine Gateway's pull/tag operations expect.
func repoString(ref reference.Reference) string {
	if ref.Registry == "" {
		return ref.Repository
	}

	return ref.Registry + "/" + ref.Repository
}
