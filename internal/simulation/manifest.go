package simulation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type manifestFile struct {
	Runs []manifestRun `yaml:"runs"`
}

type manifestRun struct {
	ID        string `yaml:"id"`
	OutputDir string `yaml:"output_dir"`
	State     string `yaml:"state"`
	Reason    string `yaml:"reason,omitempty"`
}

// LoadManifest reads previously finished runs from a YAML file. Relative
// output directories resolve against baseDir. A missing file yields no runs.
func LoadManifest(path, baseDir string) ([]Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var manifest manifestFile
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	runs := make([]Run, 0, len(manifest.Runs))
	for index, entry := range manifest.Runs {
		if entry.ID == "" {
			return nil, fmt.Errorf("manifest %s: run %d has no id", path, index)
		}
		if entry.OutputDir == "" {
			return nil, fmt.Errorf("manifest %s: run %s has no output_dir", path, entry.ID)
		}
		state := StateCompleted
		if entry.State != "" {
			parsed, ok := ParseState(entry.State)
			if !ok {
				return nil, fmt.Errorf("manifest %s: run %s has unknown state %q", path, entry.ID, entry.State)
			}
			state = parsed
		}
		dir := entry.OutputDir
		if !filepath.IsAbs(dir) && baseDir != "" {
			dir = filepath.Join(baseDir, dir)
		}
		runs = append(runs, Run{ID: entry.ID, OutputDir: dir, State: state, Reason: entry.Reason})
	}
	return runs, nil
}
