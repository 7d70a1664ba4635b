package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretFileName = ".eemt-wq-password"

// DefaultSecretPath is the well-known location of the shared Work Queue
// secret: ~/.eemt-wq-password.
func DefaultSecretPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return secretFileName
	}
	return filepath.Join(home, secretFileName)
}

// LoadOrCreateSecret returns the shared secret at path, generating and
// persisting a fresh one on first use so repeated master starts reuse it.
func LoadOrCreateSecret(path string) (string, error) {
	if path == "" {
		path = DefaultSecretPath()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret != "" {
			return secret, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist secret to %s: %w", path, err)
	}
	return secret, nil
}
