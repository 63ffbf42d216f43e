package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2/google"
)

// Key is the private material of a user-managed service account key, parsed
// from a Google credentials file. Keys minted during a run live in memory
// only; Export is the single deliberate path to disk.
type Key struct {
	ID         string
	Email      string
	ProjectID  string
	PrivateKey []byte
	TokenURL   string

	// Name is the full key resource name
	// (projects/{project}/serviceAccounts/{email}/keys/{id}) when the key was
	// minted remotely, empty for keys loaded from file.
	Name string

	raw []byte
}

// ParseKey parses a Google service account credentials file.
func ParseKey(data []byte) (*Key, error) {
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	var extra struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	return &Key{
		ID:         cfg.PrivateKeyID,
		Email:      cfg.Email,
		ProjectID:  extra.ProjectID,
		PrivateKey: cfg.PrivateKey,
		TokenURL:   cfg.TokenURL,
		raw:        data,
	}, nil
}

// LoadKeyFile parses a credentials file from disk.
func LoadKeyFile(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	return ParseKey(data)
}

// Export writes the original credentials file to dir and returns the path.
// Only called when the operator explicitly opts in to saving key material.
func (k *Key) Export(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	account := strings.SplitN(k.Email, "@", 2)[0]
	path := filepath.Join(dir, account+"_"+k.ID+".json")
	if err := os.WriteFile(path, k.raw, 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}

	return path, nil
}

// String deliberately omits the private material.
func (k *Key) String() string {
	return fmt.Sprintf("key %s for %s", k.ID, k.Email)
}
