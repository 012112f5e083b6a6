// Package reference parses Docker image references into their registry,
// repository and tag/digest parts, and normalizes the aliases a Docker host
// may use to refer to the exact same remote image.
package reference

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ErrEmpty is returned when parsing an empty reference string.
var ErrEmpty = errors.New("reference: empty string")

// ErrWhitespace is returned when a reference string contains whitespace.
var ErrWhitespace = errors.New("reference: contains whitespace")

const (
	dockerHubIndex   = "docker.io"
	dockerHubAliasID = "index.docker.io"
	libraryPrefix    = "library/"
)

// Reference is a parsed, normalized image reference.
type Reference struct {
	Registry   string // normalized; "" means Docker Hub
	Repository string // includes path segments, expanded with "library/" for Hub single-segment names
	Tag        string // defaults to "latest" when Digest is empty
	Digest     string // "" unless the original reference was digest-pinned
}

// Pinned reports whether the reference is digest-pinned, and therefore
// immutable for update purposes.
func (r Reference) Pinned() bool {
	return r.Digest != ""
}

// String renders the reference back into its canonical form.
func (r Reference) String() string {
	var b strings.Builder

	if r.Registry != "" {
		b.WriteString(r.Registry)
		b.WriteByte('/')
	}

	b.WriteString(r.Repository)

	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	} else {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}

	return b.String()
}

// envDefault matches compose-style ${VAR:-default} substitution syntax so it
// can be reduced to its default value before parsing as an image reference.
var envDefault = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*:-([^}]*)\}`)

// Parse splits s into a Reference. It tolerates compose env-substitution
// syntax of the form ${VAR:-default}, treating the default as if it had been
// written literally.
func Parse(s string) (Reference, error) {
	if s == "" {
		return Reference{}, ErrEmpty
	}

	if strings.ContainsAny(s, " \t\n\r") {
		return Reference{}, ErrWhitespace
	}

	s = envDefault.ReplaceAllString(s, "$1")
	if s == "" {
		return Reference{}, ErrEmpty
	}

	ref, err := name.ParseReference(s, name.WeakValidation)
	if err != nil {
		return Reference{}, fmt.Errorf("reference: parse %q: %w", s, err)
	}

	out := Reference{
		Registry:   normalizeRegistry(ref.Context().RegistryStr()),
		Repository: ref.Context().RepositoryStr(),
	}

	switch r := ref.(type) {
	case name.Digest:
		out.Digest = r.DigestStr()
	case name.Tag:
		out.Tag = r.TagStr()
	}

	if out.Tag == "" && out.Digest == "" {
		out.Tag = "latest"
	}

	return out, nil
}

// normalizeRegistry collapses Docker Hub aliases to the empty string so two
// references that only differ by registry alias compare equal.
func normalizeRegistry(registry string) string {
	switch registry {
	case "", dockerHubIndex, dockerHubAliasID:
		return ""
	default:
		return registry
	}
}

// CanonicalAliases produces every fully-qualified repo:tag / repo@digest name
// the engine may hold locally for the same logical image: the literal
// rendering, the docker.io/... and index.docker.io/... forms, and for
// single-segment Docker Hub names, both the library/... and the bare form.
func CanonicalAliases(r Reference) []string {
	suffix := r.Tag
	sep := ":"

	if r.Digest != "" {
		suffix = r.Digest
		sep = "@"
	}

	repoForms := []string{r.Repository}

	if r.Registry == "" && !strings.Contains(r.Repository, "/") {
		repoForms = append(repoForms, libraryPrefix+r.Repository)
	}

	if bare := strings.TrimPrefix(r.Repository, libraryPrefix); r.Registry == "" && bare != r.Repository && !strings.Contains(bare, "/") {
		repoForms = append(repoForms, bare)
	}

	var hosts []string

	if r.Registry == "" {
		hosts = []string{"", dockerHubIndex, dockerHubAliasID}
	} else {
		hosts = []string{r.Registry}
	}

	seen := make(map[string]bool)

	var out []string

	for _, host := range hosts {
		for _, repo := range repoForms {
			name := repo
			if host != "" {
				name = host + "/" + repo
			}

			name += sep + suffix

			if !seen[name] {
				seen[name] = true

				out = append(out, name)
			}
		}
	}

	return out
}

// Equal reports whether two references identify the same logical image,
// modulo registry-alias normalization and the implicit library/ prefix.
func Equal(a, b Reference) bool {
	return a.Registry == b.Registry &&
		expandRepo(a) == expandRepo(b) &&
		a.Tag == b.Tag &&
		a.Digest == b.Digest
}

func expandRepo(r Reference) string {
	if r.Registry == "" && !strings.Contains(r.Repository, "/") {
		return libraryPrefix + r.Repository
	}

	return r.Repository
}
