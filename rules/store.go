package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a target has neither a rule file nor a seed.
var ErrNotFound = errors.New("rule file not found")

// ErrDuplicateName is returned when adding a strategy whose name is taken.
var ErrDuplicateName = errors.New("strategy name already in use")

// ErrUnknownStrategy is returned when scoring a strategy that does not exist.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Store manages rule files: one JSON file per target, cached in memory
// after the first load and written through on every change.
type Store struct {
	mu     sync.Mutex
	dir    string
	seeds  fs.FS
	files  map[Target]*File
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSeeds sets a filesystem of <target>.yaml files read when a target has
// no rule file yet.
func WithSeeds(fsys fs.FS) StoreOption {
	return func(s *Store) { s.seeds = fsys }
}

// WithStoreLogger sets the logger used for persistence events.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store rooted at dir.
// If dir is empty, uses ~/.config/animeheal/rules/
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "animeheal", "rules")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating rules dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		files:  make(map[Target]*File),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the rule files.
func (s *Store) Dir() string {
	return s.dir
}

// Strategies returns a deep copy of the target's strategies in stored order.
func (s *Store) Strategies(target Target) ([]Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(target)
	if err != nil {
		return nil, err
	}

	out := make([]Strategy, len(f.Strategies))
	for i, st := range f.Strategies {
		out[i] = st.Clone()
	}
	return out, nil
}

// Version returns the target's rule file version.
func (s *Store) Version(target Target) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(target)
	if err != nil {
		return 0, err
	}
	return f.Version, nil
}

// UpdateScore adds delta to the named strategy's score, clamps it at zero,
// rounds to three decimals, re-sorts the file by score and persists it.
func (s *Store) UpdateScore(target Target, name string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(target)
	if err != nil {
		return err
	}

	found := false
	for i := range f.Strategies {
		if f.Strategies[i].Name == name {
			f.Strategies[i].Score = roundScore(math.Max(0, f.Strategies[i].Score+delta))
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrUnknownStrategy, target, name)
	}

	sort.SliceStable(f.Strategies, func(i, j int) bool {
		return f.Strategies[i].Score > f.Strategies[j].Score
	})

	return s.save(target, f)
}

// AddStrategy inserts st at the front of the target's strategies, bumps the
// file version and persists it. A target without a rule file gets a new one.
func (s *Store) AddStrategy(target Target, st Strategy) error {
	if st.Match == nil {
		return fmt.Errorf("strategy %q has no match condition", st.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(target)
	if errors.Is(err, ErrNotFound) {
		f = &File{}
		s.files[target] = f
	} else if err != nil {
		return err
	}

	for _, existing := range f.Strategies {
		if existing.Name == st.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, st.Name)
		}
	}

	st = st.Clone()
	if st.Score == 0 {
		st.Score = DefaultScore
	}
	st.Score = roundScore(st.Score)

	f.Strategies = append([]Strategy{st}, f.Strategies...)
	f.Version++

	return s.save(target, f)
}

// FindByMatch returns the strategy whose match condition has the given key.
func (s *Store) FindByMatch(target Target, key string) (Strategy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(target)
	if errors.Is(err, ErrNotFound) {
		return Strategy{}, false, nil
	}
	if err != nil {
		return Strategy{}, false, err
	}

	for _, st := range f.Strategies {
		if st.Match != nil && st.Match.Key() == key {
			return st.Clone(), true, nil
		}
	}
	return Strategy{}, false, nil
}

// List returns the targets that have a rule file or a seed.
func (s *Store) List() ([]Target, error) {
	var out []Target
	for _, t := range Targets {
		if _, err := s.Version(t); err == nil {
			out = append(out, t)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) filePath(target Target) string {
	return filepath.Join(s.dir, string(target)+".json")
}

// load returns the cached file for target. Callers hold s.mu.
func (s *Store) load(target Target) (*File, error) {
	if f, ok := s.files[target]; ok {
		return f, nil
	}

	data, err := os.ReadFile(s.filePath(target))
	if err == nil {
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing rule file %s: %w", target, err)
		}
		if f.Version == 0 {
			f.Version = 1
		}
		s.files[target] = &f
		return &f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading rule file %s: %w", target, err)
	}

	f, err := s.loadSeed(target)
	if err != nil {
		return nil, err
	}
	s.files[target] = f
	return f, nil
}

func (s *Store) loadSeed(target Target) (*File, error) {
	if s.seeds == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}

	data, err := fs.ReadFile(s.seeds, string(target)+".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if err != nil {
		return nil, fmt.Errorf("reading seed %s: %w", target, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed %s: %w", target, err)
	}
	if f.Version == 0 {
		f.Version = 1
	}
	for i := range f.Strategies {
		if f.Strategies[i].Source == "" {
			f.Strategies[i].Source = SourceHuman
		}
	}
	return &f, nil
}

// save writes f atomically: a temp file in the same directory, then rename.
func (s *Store) save(target Target, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rules %s: %w", target, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+string(target)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("writing rule file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing rule file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing rule file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath(target)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing rule file: %w", err)
	}

	s.logger.Debug("rules saved", "target", target, "version", f.Version, "strategies", len(f.Strategies))
	return nil
}

func roundScore(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Describe renders a one-line summary of the strategy's match condition.
func (s Strategy) Describe() string {
	switch m := s.Match.(type) {
	case SelectorMatch:
		names := make([]string, 0, len(m.Fields))
		for n := range m.Fields {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Sprintf("selector %q fields=%s", m.Root, strings.Join(names, ","))
	case PatternMatch:
		return fmt.Sprintf("pattern %q", m.Pattern)
	}
	return "no match"
}
