package regcred_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/stretchr/testify/require"

	"github.com/relikd/dockwatch/pkg/regcred"
)

func TestFromFile_ResolvesKnownRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	err := os.WriteFile(path, []byte(`{"auths":{"registry.example.com":{"auth":"dXNlcjpwYXNz"}}}`), 0o600)
	require.NoError(t, err)

	keychain, err := regcred.FromFile(path)
	require.NoError(t, err)

	auth, err := keychain.Resolve(fakeResource{registry: "registry.example.com"})
	require.NoError(t, err)
	require.NotEqual(t, authn.Anonymous, auth)
}

func TestFromFile_UnknownRegistryIsAnonymous(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	err := os.WriteFile(path, []byte(`{"auths":{"registry.example.com":{"auth":"dXNlcjpwYXNz"}}}`), 0o600)
	require.NoError(t, err)

	keychain, err := regcred.FromFile(path)
	require.NoError(t, err)

	auth, err := keychain.Resolve(fakeResource{registry: "docker.io"})
	require.NoError(t, err)
	require.Equal(t, authn.Anonymous, auth)
}

func TestNilKeychainIsAnonymous(t *testing.T) {
	var keychain *regcred.Keychain

	auth, err := keychain.Resolve(fakeResource{registry: "docker.io"})
	require.NoError(t, err)
	require.Equal(t, authn.Anonymous, auth)
}

func TestFromFile_MissingFile(t *testing.T) {
	_, err := regcred.FromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

type fakeResource struct {
	registry string
}

func (f fakeResource) String() string     { return f.registry }
func (f fakeResource) RegistryStr() string { return f.registry }
