package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceEntry declares one installed service's coordinator registration
// and the event patterns it is expected to subscribe to — descriptive
// metadata an operator reads off the manifest file. An iris service is a
// compiled Go type installed in code, not something a YAML file can
// instantiate on its own; cmd/irisd does not load the manifest.
type ServiceEntry struct {
	Type                    string   `yaml:"type"`
	RegisterWithCoordinator bool     `yaml:"register_with_coordinator"`
	Subscriptions           []string `yaml:"subscriptions"`
}

// Manifest lists the services an irisd node expects to have installed.
type Manifest struct {
	Services []ServiceEntry `yaml:"services"`
}

// LoadManifest reads and decodes a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for _, svc := range m.Services {
		if svc.Type == "" {
			return nil, fmt.Errorf("manifest entry missing service type")
		}
	}
	return &m, nil
}
