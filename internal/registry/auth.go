// Package registry pushes built images to a container registry.
package registry

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Authenticator resolves credentials for a registry host such as
// 123456789012.dkr.ecr.us-east-1.amazonaws.com or ghcr.io
type Authenticator interface {
	Resolve(ctx context.Context, registry string) (authn.Authenticator, error)
}

// StaticAuthenticator returns the same username and password for every registry
type StaticAuthenticator struct {
	Username string
	Password string
}

// Resolve implements Authenticator
func (s StaticAuthenticator) Resolve(_ context.Context, _ string) (authn.Authenticator, error) {
	if s.Username == "" && s.Password == "" {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username: s.Username,
		Password: s.Password,
	}), nil
}

// KeychainAuthenticator resolves credentials from a keychain, by default the
// docker config file and credential helpers.
type KeychainAuthenticator struct {
	Keychain authn.Keychain
}

// Resolve implements Authenticator
func (k KeychainAuthenticator) Resolve(_ context.Context, registry string) (authn.Authenticator, error) {
	keychain := k.Keychain
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}

	reg, err := name.NewRegistry(registry, name.WeakValidation)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry %q: %w", registry, err)
	}

	auth, err := keychain.Resolve(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials for %s: %w", registry, err)
	}
	return auth, nil
}
