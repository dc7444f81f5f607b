package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoDefinition is returned when a repository has no pipeline file.
var ErrNoDefinition = errors.New("no pipeline definition for repository")

// Store maps repositories to their compiled definitions. Definitions
// live under <dir>/<repository>.yml and are compiled on first access;
// a run always sees the definition as it was when admitted.
type Store struct {
	dir string
	l   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Definition
}

func NewStore(dir string, l *slog.Logger) *Store {
	return &Store{
		dir:   dir,
		l:     l,
		cache: make(map[string]*Definition),
	}
}

func (s *Store) Get(repo string) (*Definition, error) {
	s.mu.RLock()
	def, ok := s.cache[repo]
	s.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := s.load(repo)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[repo] = def
	s.mu.Unlock()

	return def, nil
}

// Invalidate drops the cached definition for a repository, forcing
// a reload on the next trigger. Called when the definition file is
// known to have changed, i.e. on every push event.
func (s *Store) Invalidate(repo string) {
	s.mu.Lock()
	delete(s.cache, repo)
	s.mu.Unlock()
}

func (s *Store) load(repo string) (*Definition, error) {
	path, err := s.pathFor(repo)
	if err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoDefinition, repo)
	}
	if err != nil {
		return nil, fmt.Errorf("reading definition for %s: %w", repo, err)
	}

	def, err := Load(repo+".yml", contents)
	if err != nil {
		return nil, err
	}

	s.l.Info("loaded pipeline definition", "repo", repo, "jobs", len(def.Jobs))
	return def, nil
}

// pathFor refuses repository names that would escape the definition
// directory.
func (s *Store) pathFor(repo string) (string, error) {
	path := filepath.Join(s.dir, repo+".yml")

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("repository name escapes definition dir: %s", repo)
	}

	return path, nil
}
