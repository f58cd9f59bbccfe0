package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/cowork/internal/client"
	"github.com/good-yellow-bee/cowork/internal/security"
)

// Profile is the stored login.
type Profile struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
	// CAFile pins a self-signed server certificate.
	CAFile string `yaml:"ca_file,omitempty"`
}

// Client returns an API client for the profile.
func (p *Profile) Client() (*client.Client, error) {
	tlsConfig, err := security.LoadClientTLS(p.CAFile)
	if err != nil {
		return nil, err
	}
	return client.New(p.Server, p.Token).WithTLSConfig(tlsConfig), nil
}

// DefaultProfilePath returns ~/.config/cowork/profile.yaml, or the value of
// COWORK_PROFILE when set.
func DefaultProfilePath() (string, error) {
	if p := os.Getenv("COWORK_PROFILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cowork", "profile.yaml"), nil
}

// LoadProfile reads the profile at path. A missing file yields an empty
// profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		var err error
		if path, err = DefaultProfilePath(); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// SaveProfile writes the profile readable by the owner only.
func SaveProfile(path string, p *Profile) error {
	if path == "" {
		var err error
		if path, err = DefaultProfilePath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create profile directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
