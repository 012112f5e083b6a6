package update

import (
	"context"
	"errors"

	"github.com/relikd/dockwatch/pkg/orchestrator"
	"github.com/relikd/dockwatch/pkg/reference"
)

// runStackPhase walks every stack the orchestrator reports, per
// spec.md §4.E.2, and returns the number of stacks successfully redeployed.
func (e *Engine) runStackPhase(ctx context.Context, cs *cycleState) (int, error) {
	stacks, err := e.orch.ListStacks(ctx)
	if err != nil {
		e.logger.Warn("orchestrator unreachable, skipping stack phase this cycle", "error", err)
		return 0, nil
	}

	redeployed := 0

	for _, stack := range stacks {
		if ctx.Err() != nil {
			return redeployed, ctx.Err()
		}

		if stack.Type != 1 && stack.Type != 2 {
			continue
		}

		if e.processStack(ctx, cs, stack) {
			redeployed++
		}
	}

	return redeployed, nil
}

// processStack evaluates and, if needed, redeploys a single stack. It
// returns true iff a redeploy was attempted and succeeded.
func (e *Engine) processStack(ctx context.Context, cs *cycleState, stack orchestrator.Stack) bool {
	log := e.logger.With("stack", stack.Name, "stack_id", stack.ID)

	manifest, err := e.orch.GetManifest(ctx, stack.ID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrManifestNotFound) {
			log.Warn("stack has no stored manifest, skipping")
		} else {
			log.Warn("failed to fetch stack manifest", "error", err)
		}

		return false
	}

	needsUpdate := false

	for _, raw := range e.imagesInStack(ctx, stack.Name, manifest) {
		ref, err := reference.Parse(raw)
		if err != nil {
			continue
		}

		cs.stackRepos[repoString(ref)] = true

		if matchesAny(e.cfg.ExcludePatterns, raw) || ref.Pinned() {
			continue
		}

		newer, err := e.oracle.HasNewer(ctx, ref)
		if err != nil {
			log.Debug("freshness check failed for stack image", "image", raw, "error", err)
			continue
		}

		if newer {
			needsUpdate = true
		}
	}

	if !needsUpdate {
		return false
	}

	env, err := e.orch.GetStackEnv(ctx, stack.ID)
	if err != nil {
		log.Warn("failed to fetch stack env, skipping redeploy", "error", err)
		return false
	}

	err = e.orch.Redeploy(ctx, stack.ID, stack.EndpointID, manifest, env, orchestrator.RedeployOptions{
		Prune:    true,
		Pull:     true,
		Recreate: "always",
	})
	if err != nil {
		log.Error("stack redeploy failed", "error", err)
		return false
	}

	log.Info("stack redeployed")

	containers, err := e.docker.ListContainersByLabel(ctx, "com.docker.compose.project", stack.Name)
	if err != nil {
		log.Warn("failed to enumerate stack containers after redeploy", "error", err)
		return true
	}

	for _, c := range containers {
		cs.ignoredContainers[c.Name] = true
	}

	return true
}
