package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/scopehq/contextmcp/internal/errors"
	"github.com/scopehq/contextmcp/internal/scope"
)

// Defaults is the persisted default scope, applied to every operation
// that omits project or dataset.
type Defaults struct {
	Project string `json:"project"`
	Dataset string `json:"dataset,omitempty"`
}

// defaultsFile owns the defaults file. All reads and writes go through
// it; writes are atomic via temp+rename.
type defaultsFile struct {
	mu   sync.Mutex
	path string
}

func newDefaultsFile(path string) *defaultsFile {
	return &defaultsFile{path: path}
}

func (f *defaultsFile) load() (Defaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Defaults{}, nil
	}
	if err != nil {
		return Defaults{}, errors.Wrap(errors.KindIO, "read defaults file", err).WithResource(f.path)
	}
	var d Defaults
	if err := json.Unmarshal(data, &d); err != nil {
		return Defaults{}, errors.Wrap(errors.KindIO, "parse defaults file", err).WithResource(f.path)
	}
	return d, nil
}

func (f *defaultsFile) save(d Defaults) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode defaults", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(errors.KindIO, "create defaults dir", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.KindIO, "write defaults file", err).WithResource(tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(errors.KindIO, "replace defaults file", err).WithResource(f.path)
	}
	return nil
}

// SetDefaults persists the default scope. Dataset may be empty to set
// only the project.
func (s *Service) SetDefaults(project, dataset string) error {
	if err := scope.Validate(project); err != nil {
		return err
	}
	d := Defaults{Project: scope.Sanitize(project)}
	if dataset != "" {
		if err := scope.Validate(dataset); err != nil {
			return err
		}
		d.Dataset = scope.Sanitize(dataset)
	}
	return s.defaults.save(d)
}

// GetDefaults returns the persisted default scope; zero when unset.
func (s *Service) GetDefaults() (Defaults, error) {
	return s.defaults.load()
}
