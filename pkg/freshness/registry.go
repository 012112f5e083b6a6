package freshness

import (
	"context"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/relikd/dockwatch/pkg/reference"
)

// registryChecker implements the "Alternative registry-direct mode" from
// spec.md §4.D: an HTTP HEAD against the registry's manifest endpoint,
// comparing Docker-Content-Digest to the digest already known locally.
// It relies on go-containerregistry's remote package for the Bearer
// challenge flow (realm/service/scope token exchange) instead of parsing
// WWW-Authenticate by hand, and for authenticated registries, for resolving
// credentials through the configured keychain instead of hand-rolling Basic
// auth headers.
type registryChecker struct {
	transport http.RoundTripper
	keychain  authn.Keychain
}

func newRegistryChecker(httpClient *http.Client, keychain authn.Keychain) *registryChecker {
	rc := &registryChecker{keychain: keychain}
	if httpClient != nil {
		rc.transport = httpClient.Transport
	}

	if rc.keychain == nil {
		rc.keychain = anonymousKeychain{}
	}

	return rc
}

// anonymousKeychain is a Keychain that always resolves to authn.Anonymous,
// used when no keychain is configured.
type anonymousKeychain struct{}

func (anonymousKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return authn.Anonymous, nil
}

// hasNewer returns (newer, ok, err). ok is false when the registry-direct
// check could not reach a conclusion (no local digest on record, or a
// transport failure) and the caller should fall back to the pull-based
// algorithm. localDigest is the repo digest the oracle already resolved for
// ref via the Engine Gateway.
func (c *registryChecker) hasNewer(ctx context.Context, ref reference.Reference, localDigest string) (bool, bool, error) {
	if localDigest == "" {
		return false, false, nil
	}

	nameRef, err := name.ParseReference(ref.String())
	if err != nil {
		return false, false, err
	}

	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(c.keychain)}
	if c.transport != nil {
		opts = append(opts, remote.WithTransport(c.transport))
	}

	desc, err := remote.Head(nameRef, opts...)
	if err != nil {
		return false, false, err
	}

	return desc.Digest.String() != digestSuffix(localDigest), true, nil
}

// digestSuffix strips the repo@ prefix a repo digest carries (e.g.
// "myrepo/app@sha256:...") down to the bare "sha256:..." form remote.Head
// returns.
func digestSuffix(repoDigest string) string {
	for i := len(repoDigest) - 1; i >= 0; i-- {
		if repoDigest[i] == '@' {
			return repoDigest[i+1:]
		}
	}

	return repoDigest
}
