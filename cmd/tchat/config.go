package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/theoremz/tutorchat/pkg/backend"
)

// ClientConfig is the yaml file pointing the CLI at the platform backends.
type ClientConfig struct {
	Backend backend.Config `yaml:"backend"`

	// CachePath enables the offline message cache when set. "default"
	// selects a file next to the config.
	CachePath string `yaml:"cache_path"`
}

func configDir() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "tchat")
}

func defaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func defaultCredentialsPath() string {
	return filepath.Join(configDir(), "credentials.json")
}

func loadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	if cfg.CachePath == "default" {
		cfg.CachePath = filepath.Join(configDir(), "messages.db")
	}
	return &cfg, nil
}

// Credentials is the persisted session: the identity provider's long-lived
// refresh token plus display fields for whoami without a network call.
type Credentials struct {
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Path         string `json:"-"`
}

func (c *Credentials) HasSession() bool {
	return c != nil && c.RefreshToken != ""
}

func loadCredentials(path string) (*Credentials, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Credentials{Path: path}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open credentials at %s: %w", path, err)
	}
	defer file.Close()

	var creds Credentials
	if err := json.NewDecoder(file).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials at %s: %w", path, err)
	}
	creds.Path = path
	return &creds, nil
}

func (c *Credentials) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(c.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open credentials for writing: %w", err)
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

func (c *Credentials) Delete() error {
	err := os.Remove(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
