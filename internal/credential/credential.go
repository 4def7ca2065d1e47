// Package credential toggles the active flag of the credentials the
// protected runtime uses for outbound calls. Secrets themselves are owned
// by the deployment environment and never read here.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shieldclaw/internal/model"
)

// ErrNotFound is returned for an unknown credential name.
var ErrNotFound = errors.New("credential not found")

// Credential is one registry entry.
type Credential struct {
	Name           string `yaml:"name"                      json:"name"`
	Active         bool   `yaml:"active"                    json:"active"`
	Source         string `yaml:"source,omitempty"          json:"source,omitempty"`
	DisabledAt     string `yaml:"disabled_at,omitempty"     json:"disabled_at,omitempty"`
	DisabledReason string `yaml:"disabled_reason,omitempty" json:"disabled_reason,omitempty"`
}

type document struct {
	Credentials []Credential `yaml:"credentials"`
}

// Registry is a YAML credential registry file.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry returns a registry backed by path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the backing file.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) load() (document, error) {
	var doc document
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("credential: read %s: %w", r.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("credential: parse %s: %w", r.path, err)
	}
	return doc, nil
}

// save writes the document through a temp file and rename.
func (r *Registry) save(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("credential: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("credential: create directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credential: rename: %w", err)
	}
	return nil
}

// List returns every credential.
func (r *Registry) List() ([]Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	return doc.Credentials, err
}

// Active reports whether name is active.
func (r *Registry) Active(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return false, err
	}
	for _, c := range doc.Credentials {
		if c.Name == name {
			return c.Active, nil
		}
	}
	return false, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Deactivate marks name inactive. The entry is kept so it can be restored.
func (r *Registry) Deactivate(name, reason string) error {
	return r.update(name, func(c *Credential) {
		c.Active = false
		c.DisabledAt = model.Now()
		c.DisabledReason = reason
	})
}

// Activate marks name active again.
func (r *Registry) Activate(name string) error {
	return r.update(name, func(c *Credential) {
		c.Active = true
		c.DisabledAt = ""
		c.DisabledReason = ""
	})
}

func (r *Registry) update(name string, fn func(*Credential)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	for i := range doc.Credentials {
		if doc.Credentials[i].Name == name {
			fn(&doc.Credentials[i])
			return r.save(doc)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Ensure adds name as active when it is not registered yet.
func (r *Registry) Ensure(name, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	for _, c := range doc.Credentials {
		if c.Name == name {
			return nil
		}
	}
	doc.Credentials = append(doc.Credentials, Credential{Name: name, Active: true, Source: source})
	return r.save(doc)
}
