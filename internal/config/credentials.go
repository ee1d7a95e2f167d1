package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	envPrefix     = "env:"
	keyringPrefix = "keyring:"
)

// ResolveCredential expands a credential reference. Plain values are returned
// as-is; "env:NAME" reads an environment variable and "keyring:service/user"
// reads the OS keychain.
func ResolveCredential(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		if name == "" {
			return "", errors.New("env credential reference has no variable name")
		}
		return strings.TrimSpace(os.Getenv(name)), nil
	case strings.HasPrefix(ref, keyringPrefix):
		service, user, ok := strings.Cut(strings.TrimPrefix(ref, keyringPrefix), "/")
		if !ok || service == "" || user == "" {
			return "", fmt.Errorf("keyring credential reference %q must look like keyring:service/user", ref)
		}
		secret, err := keyring.Get(service, user)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read keyring %s/%s: %w", service, user, err)
		}
		return strings.TrimSpace(secret), nil
	default:
		return ref, nil
	}
}
