// Package regcred loads registry credentials from a docker config.json-
// shaped file, the same format a Kubernetes imagePullSecret of type
// kubernetes.io/dockerconfigjson carries. It feeds the Freshness Oracle's
// registry-direct HEAD mode so it can authenticate against private
// registries instead of always resolving anonymously.
package regcred

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Keychain resolves per-registry credentials. A nil *Keychain resolves
// every registry anonymously, so it is always safe to pass to
// remote.WithAuthFromKeychain even when no credentials file is configured.
type Keychain struct {
	authConfigs map[string]authn.AuthConfig
}

// Resolve implements authn.Keychain.
func (k *Keychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	if k == nil {
		return authn.Anonymous, nil
	}

	authConfig, ok := k.authConfigs[resource.RegistryStr()]
	if !ok {
		return authn.Anonymous, nil
	}

	return authn.FromConfig(authConfig), nil
}

// FromFile reads a docker config.json-shaped credentials file from path.
func FromFile(path string) (*Keychain, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return decode(file)
}

func decode(r io.Reader) (*Keychain, error) {
	var config struct {
		AuthConfig map[string]authn.AuthConfig `json:"auths"`
	}

	if err := json.NewDecoder(r).Decode(&config); err != nil {
		return nil, err
	}

	return &Keychain{authConfigs: config.AuthConfig}, nil
}
