package update

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/relikd/dockwatch/pkg/engine"
	"github.com/relikd/dockwatch/pkg/reference"
)

// runContainerPhase enumerates every container and runs the update state
// machine on each one that needs it, per spec.md §4.E.3.
func (e *Engine) runContainerPhase(ctx context.Context, cs *cycleState) (updated, rolledBack, abandoned int, err error) {
	containers, err := e.docker.ListContainers(ctx, true)
	if err != nil {
		e.logger.Error("failed to list containers, skipping container phase", "error", err)
		return 0, 0, 0, nil
	}

	for _, c := range containers {
		if ctx.Err() != nil {
			return updated, rolledBack, abandoned, ctx.Err()
		}

		if e.shouldSkip(cs, c) {
			continue
		}

		ref, err := reference.Parse(c.Image)
		if err != nil {
			continue
		}

		newer, err := e.oracle.HasNewer(ctx, ref)
		if err != nil || !newer {
			continue
		}

		switch e.updateContainer(ctx, cs, c, ref) {
		case outcomeCommitted:
			updated++
		case outcomeRolledBack:
			rolledBack++
		case outcomeAbandoned:
			abandoned++
		}
	}

	return updated, rolledBack, abandoned, nil
}

// shouldSkip applies the skip rules in spec.md §4.E.3, in order.
func (e *Engine) shouldSkip(cs *cycleState, c engine.Container) bool {
	if strings.HasPrefix(c.Image, "sha256:") {
		return true
	}

	if matchesAny(e.cfg.ExcludePatterns, c.Image) || matchesAny(e.cfg.ExcludePatterns, c.Name) {
		return true
	}

	if cs.ignoredContainers[c.Name] {
		return true
	}

	ref, err := reference.Parse(c.Image)
	if err == nil && cs.stackRepos[repoString(ref)] {
		return true
	}

	return false
}

type outcome int

const (
	outcomeAbandoned outcome = iota
	outcomeCommitted
	outcomeRolledBack
)

// updateContainer drives one container through the Update State Machine,
// per spec.md §4.E.4: Idle -> BackupTagging -> Replacing -> HealthProbing ->
// {Committed | RollingBack -> RolledBack | Abandoned}.
func (e *Engine) updateContainer(ctx context.Context, cs *cycleState, c engine.Container, ref reference.Reference) outcome {
	log := e.logger.With("container", c.Name, "image", c.Image)

	repo := repoString(ref)

	// c.ImageID is the id the container is actually running, captured by the
	// container phase's list call before the freshness check's pull had a
	// chance to move the tag forward onto the new image.
	backupTag := "backup-" + time.Now().UTC().Format("20060102150405")

	if err := e.docker.Tag(ctx, c.ImageID, repo, backupTag, true); err != nil {
		log.Warn("backup tagging failed, abandoning update", "error", err)
		return outcomeAbandoned
	}

	snap, err := e.docker.InspectContainer(ctx, c.ID)
	if err != nil {
		log.Warn("could not capture container snapshot, abandoning update", "error", err)
		return outcomeAbandoned
	}

	_ = e.docker.Stop(ctx, c.ID)
	_ = e.docker.Remove(ctx, c.ID, true)

	newImageRef := repo + ":" + ref.Tag

	// The freshness check may have answered via the registry-direct HEAD
	// path, which never touches the local image; pull unconditionally so
	// repo:tag is guaranteed to point at the new image before recreate. The
	// old container is already stopped and removed at this point, so a
	// failure here rolls back rather than abandons.
	if err := e.docker.Pull(ctx, repo, ref.Tag, nil); err != nil {
		log.Error("pull before recreate failed, rolling back", "error", err)
		return e.rollback(ctx, cs, log, snap, repo, backupTag)
	}

	newID, err := e.createAndStart(ctx, snap, newImageRef)
	if err != nil {
		log.Error("create/start of updated container failed, rolling back", "error", err)
		return e.rollback(ctx, cs, log, snap, repo, backupTag)
	}

	switch e.probeHealth(ctx, newID) {
	case healthOK:
		log.Info("update committed")
		return outcomeCommitted
	default:
		log.Warn("health probe failed, rolling back")
		_ = e.docker.Stop(ctx, newID)
		_ = e.docker.Remove(ctx, newID, true)

		return e.rollback(ctx, cs, log, snap, repo, backupTag)
	}
}

func (e *Engine) createAndStart(ctx context.Context, snap engine.Snapshot, image string) (string, error) {
	id, err := e.docker.Create(ctx, engine.CreateSpec{Snapshot: snap, Image: image})
	if err != nil {
		return "", err
	}

	if err := e.docker.Start(ctx, id); err != nil {
		return id, err
	}

	return id, nil
}

type healthResult int

const (
	healthOK healthResult = iota
	healthFailed
)

// probeHealth polls the new container every 2 seconds for up to the
// configured window, per spec.md §4.E.4.
func (e *Engine) probeHealth(ctx context.Context, id string) healthResult {
	deadline := time.Now().Add(e.cfg.ContainerCheckDelay)

	for {
		status, err := e.docker.InspectStatus(ctx, id)
		if err != nil {
			return healthFailed
		}

		if !status.Running {
			if status.ExitCode == 0 {
				return healthOK
			}

			return healthFailed
		}

		if time.Now().After(deadline) {
			return healthOK
		}

		select {
		case <-ctx.Done():
			return healthFailed
		case <-time.After(healthPollInterval):
		}
	}
}

// rollback creates and starts a container from the original snapshot
// pointed at the backup image, and marks the container name permanently
// ignored, per spec.md §4.E.4.
func (e *Engine) rollback(ctx context.Context, cs *cycleState, log *slog.Logger, snap engine.Snapshot, repo, backupTag string) outcome {
	_, err := e.createAndStart(ctx, snap, repo+":"+backupTag)
	if err != nil {
		log.Error("rollback create/start also failed", "error", err)
	}

	cs.ignoredContainers[snap.Name] = true
	e.permanentlyIgnored[snap.Name] = true

	return outcomeRolledBack
}
