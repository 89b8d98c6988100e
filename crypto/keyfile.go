// keyfile.go
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrGenerate returns the signing key stored at path. When the file does not
// exist a new key is generated and written there. An empty path always yields a
// fresh ephemeral key, so log continuity resets on every start.
//
// The file holds the hex encoded 32 byte seed.
func LoadOrGenerate(path string) (key *PrivateKey, generated bool, err error) {
	if path == "" {
		key, err = NewPrivateKey()
		return key, true, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, false, fmt.Errorf("failed to decode key file %s: %w", path, err)
		}
		key, err = NewPrivateKeyFromSeed(seed)
		if err != nil {
			return nil, false, fmt.Errorf("invalid key file %s: %w", path, err)
		}
		return key, false, nil
	case errors.Is(err, os.ErrNotExist):
		key, err = NewPrivateKey()
		if err != nil {
			return nil, false, err
		}
		if err := SaveKey(path, key); err != nil {
			return nil, false, err
		}
		return key, true, nil
	default:
		return nil, false, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
}

// SaveKey writes the key seed to path with owner-only permissions.
func SaveKey(path string, key *PrivateKey) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	data := []byte(hex.EncodeToString(key.Seed()) + "\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return nil
}
