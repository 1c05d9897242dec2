package sequence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"followup/internal/domain"
)

// Registry holds the loaded definitions by name. Definitions from the
// directory override builtins of the same name.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	dir    string
	logger zerolog.Logger
}

func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	return &Registry{defs: make(map[string]*Definition), dir: dir, logger: logger}
}

// Load reads builtins and the configured directory, replacing the current
// set only when everything parses.
func (r *Registry) Load() error {
	builtin, err := LoadBuiltin()
	if err != nil {
		return err
	}
	fromDir, err := LoadDir(r.dir)
	if err != nil {
		return err
	}

	defs := make(map[string]*Definition, len(builtin)+len(fromDir))
	for _, d := range builtin {
		defs[d.Name] = d
	}
	for _, d := range fromDir {
		defs[d.Name] = d
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.logger.Info().Int("builtin", len(builtin)).Int("dir", len(fromDir)).Str("path", r.dir).Msg("sequences loaded")
	return nil
}

// Add registers a definition after validating it.
func (r *Registry) Add(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[d.Name] = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSequence, name)
	}
	return d, nil
}

func (r *Registry) List() []*Definition {
	r.mu.RLock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the registry when files in the directory change. It blocks
// until ctx is done. A failed reload keeps the previous definitions.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sequence watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.logger.Debug().Str("dir", r.dir).Msg("sequence watcher started")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isYAML(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			if err := r.Load(); err != nil {
				r.logger.Warn().Err(err).Str("dir", r.dir).Msg("sequence reload failed; keeping previous set")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Str("dir", r.dir).Msg("sequence watch error")
		}
	}
}
