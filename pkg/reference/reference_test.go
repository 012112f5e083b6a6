package reference_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relikd/dockwatch/pkg/reference"
)

func TestParse_EmptyAndWhitespace(t *testing.T) {
	_, err := reference.Parse("")
	require.ErrorIs(t, err, reference.ErrEmpty)

	_, err = reference.Parse("redis latest")
	require.ErrorIs(t, err, reference.ErrWhitespace)
}

func TestParse_DefaultsToLatest(t *testing.T) {
	ref, err := reference.Parse("redis")
	require.NoError(t, err)
	require.Equal(t, "latest", ref.Tag)
	require.Empty(t, ref.Digest)
	require.False(t, ref.Pinned())
}

func TestParse_Digest(t *testing.T) {
	ref, err := reference.Parse("myrepo/app@sha256:" + sampleDigest)
	require.NoError(t, err)
	require.True(t, ref.Pinned())
	require.Equal(t, "sha256:"+sampleDigest, ref.Digest)
}

func TestParse_EnvSubstitution(t *testing.T) {
	ref, err := reference.Parse("myrepo/app:${TAG:-1.2.3}")
	require.NoError(t, err)
	require.Equal(t, "1.2.3", ref.Tag)
}

func TestEqual_RegistryAliases(t *testing.T) {
	a, err := reference.Parse("redis")
	require.NoError(t, err)

	b, err := reference.Parse("docker.io/library/redis:latest")
	require.NoError(t, err)

	require.True(t, reference.Equal(a, b))
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"redis:7",
		"myrepo/app:prod",
		"registry.example.com:5000/team/app:v1",
	}

	for _, s := range cases {
		ref, err := reference.Parse(s)
		require.NoError(t, err)

		ref2, err := reference.Parse(ref.String())
		require.NoError(t, err)

		require.True(t, reference.Equal(ref, ref2), "round trip of %q", s)
	}
}

func TestCanonicalAliases_SingleSegmentHubName(t *testing.T) {
	ref, err := reference.Parse("redis:7")
	require.NoError(t, err)

	aliases := reference.CanonicalAliases(ref)
	require.Contains(t, aliases, "redis:7")
	require.Contains(t, aliases, "library/redis:7")
	require.Contains(t, aliases, "docker.io/redis:7")
	require.Contains(t, aliases, "index.docker.io/library/redis:7")
}

const sampleDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
