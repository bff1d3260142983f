// Package manifest loads the pipeline.yaml manifest cmd/vfsmux reads
// to learn a pipeline's allowlists and stage command lines (§6
// External interfaces).
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the parsed contents of one pipeline.yaml file.
type Manifest struct {
	AllowRead  []string   `yaml:"allow_read"`
	AllowWrite []string   `yaml:"allow_write"`
	Stages     [][]string `yaml:"stages"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest %q not found", path)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %q: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Stages) == 0 {
		return fmt.Errorf("manifest: stages must declare at least one stage")
	}
	for i, argv := range m.Stages {
		if len(argv) == 0 {
			return fmt.Errorf("manifest: stage %d has an empty command line", i)
		}
	}
	return nil
}
