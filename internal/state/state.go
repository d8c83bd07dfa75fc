// Package state persists cached binary paths and named browser profiles in a
// versioned JSON file that is replaced atomically on every write.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/chromevisor/internal/errdefs"
)

// CurrentVersion is the schema version written by this package.
const CurrentVersion = 1

// DefaultProfile always exists and cannot be deleted.
const DefaultProfile = "default"

// Profile is the metadata kept for one named browser data directory.
type Profile struct {
	Name        string         `json:"name" yaml:"name"`
	Created     time.Time      `json:"created" yaml:"created"`
	LastUsed    time.Time      `json:"last_used" yaml:"last_used"`
	UserDataDir string         `json:"user_data_dir" yaml:"user_data_dir"`
	Preferences map[string]any `json:"preferences" yaml:"preferences,omitempty"`
	Extensions  []string       `json:"extensions" yaml:"extensions,omitempty"`
	AuthState   map[string]any `json:"auth_state" yaml:"-"`
}

// State is the on-disk document.
type State struct {
	Version        int                `json:"version"`
	LastUpdated    time.Time          `json:"last_updated"`
	ChromePath     string             `json:"chrome_path"`
	ChromeVersion  string             `json:"chrome_version"`
	Profiles       map[string]Profile `json:"profiles"`
	DefaultProfile string             `json:"default_profile"`
	Config         map[string]any     `json:"config"`
}

// Store owns the state file. All access to the file goes through it.
// Every operation re-reads the file so changes made by other OS processes are
// picked up; concurrent writers from different processes are last-write-wins.
type Store struct {
	mu           sync.Mutex
	path         string
	profilesRoot string
	log          *slog.Logger
	now          func() time.Time

	// beforeRename runs after the temp file is fully written and before it
	// replaces the destination. Tests use it to simulate an interrupted save.
	beforeRename func(tmp string) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New returns a Store backed by path. Profile data directories are created
// under profilesRoot/<name>.
func New(path, profilesRoot string, opts ...Option) *Store {
	s := &Store{path: path, profilesRoot: profilesRoot, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing, unreadable, or corrupt file yields a
// fresh default state; the failure is logged, never returned.
func (s *Store) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() State {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("read state file failed, using defaults", "path", s.path, "error", err)
		} else {
			s.log.Debug("no state file, using defaults", "path", s.path)
		}
		return s.defaultState()
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Error("parse state file failed, using defaults", "path", s.path, "error", err)
		return s.defaultState()
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		s.log.Error("decode state file failed, using defaults", "path", s.path, "error", err)
		return s.defaultState()
	}
	if _, ok := raw["version"]; !ok {
		st.Version = 0
	}
	if st.Version < CurrentVersion {
		s.log.Info("migrating state", "from", st.Version, "to", CurrentVersion)
		st = s.migrate(st)
	} else if st.Version > CurrentVersion {
		s.log.Warn("state file written by a newer schema; keeping as is", "version", st.Version)
	}
	s.normalize(&st)
	return st
}

// migrate moves st forward one version at a time.
func (s *Store) migrate(st State) State {
	if st.Version < 1 {
		if st.Profiles == nil {
			st.Profiles = map[string]Profile{}
		}
		if st.DefaultProfile == "" {
			st.DefaultProfile = DefaultProfile
		}
		if st.Config == nil {
			st.Config = map[string]any{}
		}
		st.Version = 1
	}
	return st
}

// normalize enforces invariants that hold for every version.
func (s *Store) normalize(st *State) {
	if st.Profiles == nil {
		st.Profiles = map[string]Profile{}
	}
	if _, ok := st.Profiles[DefaultProfile]; !ok {
		st.Profiles[DefaultProfile] = s.newProfile(DefaultProfile)
	}
	if st.DefaultProfile == "" {
		st.DefaultProfile = DefaultProfile
	}
	if st.Config == nil {
		st.Config = map[string]any{}
	}
	for name, p := range st.Profiles {
		p.Name = name
		s.fillProfile(&p)
		st.Profiles[name] = p
	}
}

func (s *Store) defaultState() State {
	now := s.now()
	return State{
		Version:        CurrentVersion,
		LastUpdated:    now,
		Profiles:       map[string]Profile{DefaultProfile: s.newProfile(DefaultProfile)},
		DefaultProfile: DefaultProfile,
		Config:         map[string]any{},
	}
}

func (s *Store) newProfile(name string) Profile {
	now := s.now()
	p := Profile{Name: name, Created: now, LastUsed: now}
	s.fillProfile(&p)
	return p
}

func (s *Store) fillProfile(p *Profile) {
	if p.UserDataDir == "" && s.profilesRoot != "" {
		p.UserDataDir = filepath.Join(s.profilesRoot, p.Name)
	}
	if p.Preferences == nil {
		p.Preferences = map[string]any{}
	}
	if p.Extensions == nil {
		p.Extensions = []string{}
	}
	if p.AuthState == nil {
		p.AuthState = map[string]any{}
	}
}

// Save writes st to a temp file in the same directory and renames it over
// the destination, so an interrupted save never corrupts the existing file.
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(st)
}

func (s *Store) save(st State) error {
	if st.Version < CurrentVersion {
		st.Version = CurrentVersion
	}
	st.LastUpdated = s.now()
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	s.log.Debug("state saved", "path", s.path)
	return nil
}

// update loads, applies fn, and saves when fn reports a change.
func (s *Store) update(fn func(*State) (bool, error)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.load()
	changed, err := fn(&st)
	if err != nil {
		return st, err
	}
	if changed {
		if err := s.save(st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// ValidProfileName reports whether name can be used as a single path segment.
func ValidProfileName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func invalidName(name string) error {
	return &errdefs.ProfileError{
		Profile: name,
		Reason:  "invalid name: allowed [A-Za-z0-9._-] without '..'",
	}
}

// GetProfile returns the named profile, creating and persisting it with
// default metadata when it does not exist yet.
func (s *Store) GetProfile(name string) (Profile, error) {
	if !ValidProfileName(name) {
		return Profile{}, invalidName(name)
	}
	st, err := s.update(func(st *State) (bool, error) {
		if _, ok := st.Profiles[name]; ok {
			return false, nil
		}
		s.log.Debug("creating profile", "profile", name)
		st.Profiles[name] = s.newProfile(name)
		return true, nil
	})
	if err != nil {
		return Profile{}, &errdefs.ProfileError{Profile: name, Reason: "persist new profile", Err: err}
	}
	return st.Profiles[name], nil
}

// SetProfile stores p under name, replacing any existing record.
func (s *Store) SetProfile(name string, p Profile) error {
	if !ValidProfileName(name) {
		return invalidName(name)
	}
	_, err := s.update(func(st *State) (bool, error) {
		p.Name = name
		s.fillProfile(&p)
		st.Profiles[name] = p
		return true, nil
	})
	return err
}

// TouchProfile records a successful attach for name.
func (s *Store) TouchProfile(name string) (Profile, error) {
	if !ValidProfileName(name) {
		return Profile{}, invalidName(name)
	}
	st, err := s.update(func(st *State) (bool, error) {
		p, ok := st.Profiles[name]
		if !ok {
			p = s.newProfile(name)
		}
		p.LastUsed = s.now()
		st.Profiles[name] = p
		return true, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return st.Profiles[name], nil
}

// DeleteProfile removes a profile record. The default profile is protected
// and the state is left untouched when deletion is refused. Deleting an
// unknown profile is logged and not an error.
func (s *Store) DeleteProfile(name string) error {
	if name == DefaultProfile {
		return &errdefs.ProfileError{
			Profile: name,
			Reason:  "the default profile cannot be deleted",
			Hint:    errdefs.Hint{Suggestion: "delete a named profile or clear all state instead", Command: "chromevisor clear-state"},
		}
	}
	if !ValidProfileName(name) {
		return invalidName(name)
	}
	_, err := s.update(func(st *State) (bool, error) {
		if _, ok := st.Profiles[name]; !ok {
			s.log.Warn("profile not found", "profile", name)
			return false, nil
		}
		delete(st.Profiles, name)
		s.log.Info("deleted profile", "profile", name)
		return true, nil
	})
	return err
}

// ListProfiles returns profiles sorted by name.
func (s *Store) ListProfiles() []Profile {
	st := s.Load()
	out := make([]Profile, 0, len(st.Profiles))
	for _, p := range st.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CachedBinaryPath returns the cached browser path, or "" when none is set.
// Callers must verify the path still exists.
func (s *Store) CachedBinaryPath() string { return s.Load().ChromePath }

// SetCachedBinaryPath records the located browser path.
func (s *Store) SetCachedBinaryPath(path string) error {
	_, err := s.update(func(st *State) (bool, error) {
		if st.ChromePath == path {
			return false, nil
		}
		st.ChromePath = path
		return true, nil
	})
	return err
}

// SetChromeVersion records the browser's reported version string.
func (s *Store) SetChromeVersion(v string) error {
	_, err := s.update(func(st *State) (bool, error) {
		if st.ChromeVersion == v {
			return false, nil
		}
		st.ChromeVersion = v
		return true, nil
	})
	return err
}

// Clear removes the state file. The next Load returns defaults.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.log.Info("cleared browser state", "path", s.path)
	return nil
}
