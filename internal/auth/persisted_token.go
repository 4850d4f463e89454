package auth

import (
	"os"

	"github.com/google/uuid"
)

// LoadOrCreateToken returns configured if non-empty. Otherwise it reads path
// (a previously persisted token); if that doesn't exist either, it
// generates a fresh random token and persists it to path mode 0600 so
// subsequent restarts reuse it.
func LoadOrCreateToken(configured, path string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	token := uuid.New().String()
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", err
	}
	return token, nil
}
