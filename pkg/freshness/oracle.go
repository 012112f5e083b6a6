// Package freshness implements the Freshness Oracle: deciding whether a
// given image reference has a newer remote image than the one currently
// held locally, per spec.md §4.D.
package freshness

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/relikd/dockwatch/pkg/engine"
	"github.com/relikd/dockwatch/pkg/reference"
)

// Engine is the subset of the Engine Gateway the oracle needs.
type Engine interface {
	InspectImage(ctx context.Context, ref string) (engine.LocalImage, error)
	Pull(ctx context.Context, repo, tag string, sink engine.ProgressSink) error
}

// Oracle answers HasNewer for a reference, using either the default
// pull-based algorithm or, when configured, a registry-direct HEAD check.
type Oracle struct {
	engine        Engine
	logger        *slog.Logger
	registryCheck *registryChecker // non-nil enables the registry-direct mode
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithRegistryDirectCheck enables the HTTP HEAD registry-direct mode
// described in spec.md §4.D. It is an opt-in bandwidth-saving hint; a
// positive result still requires a subsequent pull during update. keychain
// resolves per-registry credentials for private registries; a nil keychain
// resolves every registry anonymously.
func WithRegistryDirectCheck(httpClient *http.Client, keychain authn.Keychain) Option {
	return func(o *Oracle) {
		o.registryCheck = newRegistryChecker(httpClient, keychain)
	}
}

// New builds an Oracle over the given Engine Gateway.
func New(eng Engine, logger *slog.Logger, opts ...Option) *Oracle {
	o := &Oracle{engine: eng, logger: logger}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// HasNewer implements the algorithm in spec.md §4.D: digest-pinned
// references are never updatable; otherwise the local image is resolved
// under every canonical alias, a pull is attempted, and freshness is
// declared if the id or digest changed, or a new layer was actually
// downloaded, or there was no local image before the pull and there is one
// after it.
func (o *Oracle) HasNewer(ctx context.Context, ref reference.Reference) (bool, error) {
	if ref.Pinned() {
		return false, nil
	}

	repo := repository(ref)

	oldID, oldDigest := o.resolveLocal(ctx, ref)

	if o.registryCheck != nil {
		newer, ok, err := o.registryCheck.hasNewer(ctx, ref, oldDigest)
		if err == nil && ok {
			return newer, nil
		}
		// fall through to the pull-based algorithm on any registry-direct
		// failure: it is a hint, never the sole source of truth.
	}

	var pulledNewer bool

	err := o.engine.Pull(ctx, repo, ref.Tag, func(evt engine.PullEvent) {
		if evt.Downloaded() {
			pulledNewer = true
		}
	})
	if err != nil {
		o.logger.Debug("pull failed during freshness check", "ref", ref.String(), "error", err)
		// PullFailed per spec.md §7: freshness still consults local state.
	}

	newID, newDigest := o.resolveLocal(ctx, ref)

	newer := (oldID == "" && newID != "") ||
		(oldID != "" && oldID != newID) ||
		(oldDigest != "" && oldDigest != newDigest) ||
		pulledNewer

	return newer, nil
}

// resolveLocal tries every canonical alias of ref against the engine,
// returning the first hit's id and a representative digest.
func (o *Oracle) resolveLocal(ctx context.Context, ref reference.Reference) (id, digest string) {
	for _, alias := range reference.CanonicalAliases(ref) {
		img, err := o.engine.InspectImage(ctx, alias)
		if err != nil {
			continue
		}

		id = img.ID
		if len(img.RepoDigests) > 0 {
			digest = img.RepoDigests[0]
		}

		return id, digest
	}

	return "", ""
}

func repository(ref reference.Reference) string {
	if ref.Registry == "" {
		return ref.Repository
	}

	return ref.Registry + "/" + ref.Repository
}
