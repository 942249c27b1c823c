package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

const tokenKey = "server.api_token"

// GetAPIToken returns the bearer token protecting management endpoints.
// QUARRY_API_TOKEN overrides everything; otherwise the token is read from
// the config file, generated on first use.
func GetAPIToken() (string, error) {
	return getAPITokenWith(newFileBackend(configFilePath()))
}

func getAPITokenWith(b Backend) (string, error) {
	if tok := os.Getenv("QUARRY_API_TOKEN"); tok != "" {
		return tok, nil
	}

	tok, ok, err := b.GetString(tokenKey)
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	if ok && tok != "" {
		return tok, nil
	}

	tok = uuid.New().String()
	if err := b.SetString(tokenKey, tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}
