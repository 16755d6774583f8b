package hwprofile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veilvm/veil/internal/errdefs"
)

// Store persists the profile registry to a single YAML file. Binary fields
// (hardware model, machine identifier, MAC) are base64-encoded by the YAML
// encoder. Writes go through a temp file and rename so a crash never leaves
// a half-written registry.
type Store struct {
	log  logr.Logger
	path string

	mu       sync.Mutex
	profiles map[uuid.UUID]*Profile
}

// registryFile is the on-disk shape of the profile registry.
type registryFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// NewStore loads (or initializes) the registry at path.
func NewStore(log logr.Logger, path string) (*Store, error) {
	s := &Store{
		log:      log,
		path:     path,
		profiles: make(map[uuid.UUID]*Profile),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile registry %s: %w", path, err)
	}
	for _, p := range file.Profiles {
		s.profiles[p.ID] = p
	}
	s.log.Info("profile registry loaded", "path", path, "profiles", len(s.profiles))
	return s, nil
}

// Add persists a new profile. The profile id must not already exist.
func (s *Store) Add(profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[profile.ID]; exists {
		return errdefs.ConfigurationInvalid("id", "profile %s already exists", profile.ID)
	}
	s.profiles[profile.ID] = profile
	if err := s.persistLocked(); err != nil {
		delete(s.profiles, profile.ID)
		return err
	}
	return nil
}

// Get returns the profile with the given id.
func (s *Store) Get(id uuid.UUID) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, errdefs.ErrNotFound)
	}
	return p, nil
}

// List returns all stored profiles.
func (s *Store) List() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Remove deletes a profile from the registry.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return fmt.Errorf("profile %s: %w", id, errdefs.ErrNotFound)
	}
	delete(s.profiles, id)
	if err := s.persistLocked(); err != nil {
		s.profiles[id] = p
		return err
	}
	return nil
}

// persistLocked writes the registry atomically. Callers hold s.mu.
func (s *Store) persistLocked() error {
	file := registryFile{Profiles: make([]*Profile, 0, len(s.profiles))}
	for _, p := range s.profiles {
		file.Profiles = append(file.Profiles, p)
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal profile registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".profiles-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write profile registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish profile registry: %w", err)
	}
	return nil
}
