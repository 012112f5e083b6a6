package update

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/relikd/dockwatch/pkg/engine"
)

// backupTagPattern matches a backup tag's 14-digit UTC timestamp, per
// spec.md §3.
var backupTagPattern = regexp.MustCompile(`^.+:backup-(\d{14})$`)

// runPrune implements spec.md §4.E.5: repositories with at least one
// in-use image are swept for unused tags; repositories with zero in-use
// entries are left entirely untouched.
func (e *Engine) runPrune(ctx context.Context) (int, error) {
	containers, err := e.docker.ListContainers(ctx, true)
	if err != nil {
		return 0, err
	}

	usedIDs := map[string]bool{}

	for _, c := range containers {
		if c.ImageID != "" {
			usedIDs[c.ImageID] = true
		}
	}

	images, err := e.docker.ListImages(ctx, true)
	if err != nil {
		return 0, err
	}

	byRepo := map[string][]repoTag{}

	for _, img := range images {
		repo := primaryRepo(img)
		if repo == "" {
			continue
		}

		if len(img.RepoTags) == 0 {
			// digest-only pull: no taggable entry to prune, but its id
			// still anchors the repository as in-use.
			byRepo[repo] = append(byRepo[repo], repoTag{id: img.ID})
			continue
		}

		for _, tagRef := range img.RepoTags {
			byRepo[repo] = append(byRepo[repo], repoTag{id: img.ID, tag: tagRef})
		}
	}

	now := time.Now().UTC()
	deleted := 0

	for _, entries := range byRepo {
		inUse := false

		for _, entry := range entries {
			if usedIDs[entry.id] {
				inUse = true
				break
			}
		}

		if !inUse {
			continue
		}

		for _, entry := range entries {
			if usedIDs[entry.id] || entry.tag == "" {
				continue
			}

			if e.shouldDeleteTag(entry.tag, now) {
				if err := e.docker.DeleteImage(ctx, entry.tag, false); err != nil {
					e.logger.Warn("failed to delete image during prune", "ref", entry.tag, "error", err)
					continue
				}

				deleted++
			}
		}
	}

	return deleted, nil
}

type repoTag struct {
	id  string
	tag string
}

func (e *Engine) shouldDeleteTag(fullRef string, now time.Time) bool {
	m := backupTagPattern.FindStringSubmatch(fullRef)
	if m == nil {
		// unused non-backup tag of an in-use repository
		return true
	}

	stamp, err := time.Parse("20060102150405", m[1])
	if err != nil {
		return true
	}

	return now.Sub(stamp) > e.cfg.BackupRetention
}

// splitRepoTag splits a fully-qualified "repo:tag" into its two parts.
func splitRepoTag(ref string) (repo, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return "", ""
	}

	return ref[:idx], ref[idx+1:]
}

// primaryRepo derives the repository an image belongs to from its
// repo_digests, per spec.md §4.E.5, falling back to repo_tags for images
// that carry no digest record.
func primaryRepo(img engine.LocalImage) string {
	for _, d := range img.RepoDigests {
		if repo := repoFromDigest(d); repo != "" {
			return repo
		}
	}

	for _, t := range img.RepoTags {
		if repo, _ := splitRepoTag(t); repo != "" {
			return repo
		}
	}

	return ""
}

// repoFromDigest splits a fully-qualified "repo@sha256:..." digest
// reference into its repository part.
func repoFromDigest(ref string) string {
	idx := strings.LastIndex(ref, "@")
	if idx < 0 {
		return ""
	}

	return ref[:idx]
}
