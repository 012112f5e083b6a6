package update

import (
	"context"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// imagesInStack resolves the set of images actually in use by a stack, per
// spec.md §4.E.2 step 1: the engine's own container list (keyed by the
// compose project label) is authoritative; a structured compose-go parse of
// the manifest is the fallback when no containers exist yet (e.g. the stack
// was never deployed in this engine); a lenient generic YAML decode handles
// manifests compose-go's stricter loader rejects (unresolved interpolation,
// unknown top-level keys); a raw "image:" line scan is the last resort when
// the manifest does not even parse as YAML.
func (e *Engine) imagesInStack(ctx context.Context, stackName, manifest string) []string {
	containers, err := e.docker.ListContainersByLabel(ctx, "com.docker.compose.project", stackName)
	if err == nil && len(containers) > 0 {
		images := make([]string, 0, len(containers))
		for _, c := range containers {
			images = append(images, c.Image)
		}

		return images
	}

	if images := parseComposeImages(manifest); len(images) > 0 {
		return images
	}

	if images := parseComposeImagesLenient(manifest); len(images) > 0 {
		return images
	}

	return scanImageLines(manifest)
}

func parseComposeImages(manifest string) []string {
	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{Filename: "docker-compose.yml", Content: []byte(manifest)}},
	}, func(o *loader.Options) {
		o.SkipValidation = true
		o.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil
	}

	var images []string

	for _, svc := range project.Services {
		if svc.Image != "" {
			images = append(images, svc.Image)
		}
	}

	return images
}

// parseComposeImagesLenient decodes the manifest as generic YAML rather
// than through compose-go's schema-aware loader, so a manifest that trips
// compose-go's consistency checks (e.g. ${VAR} interpolation left
// unresolved by Portainer) still yields its services' image references.
func parseComposeImagesLenient(manifest string) []string {
	var doc struct {
		Services map[string]struct {
			Image string `yaml:"image"`
		} `yaml:"services"`
	}

	if err := yaml.Unmarshal([]byte(manifest), &doc); err != nil {
		return nil
	}

	images := make([]string, 0, len(doc.Services))

	for _, svc := range doc.Services {
		if svc.Image != "" {
			images = append(images, svc.Image)
		}
	}

	return images
}

// scanImageLines is the last-resort fallback flagged as an open question in
// spec.md §9: it over-approximates because it has no notion of YAML
// structure, but is only reached when structured parsing already failed.
func scanImageLines(manifest string) []string {
	var images []string

	for _, line := range strings.Split(manifest, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "image:") {
			continue
		}

		value := strings.TrimSpace(strings.TrimPrefix(trimmed, "image:"))
		value = strings.Trim(value, `"'`)

		if value != "" {
			images = append(images, value)
		}
	}

	return images
}
