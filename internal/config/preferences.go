package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/datawire/dlib/dlog"
	"github.com/mullwire/tunneld/internal/tsm"
)

const PreferencesFile = "preferences.yml"

// Preferences is the on-disk, user-editable shadow of
// tsm.UserPreferences plus fields the daemon needs at startup but the TSM
// itself never reads.
type Preferences struct {
	tsm.UserPreferences `yaml:",inline"`

	// Interface is the name the daemon asks the OS to give the tunnel
	// device; left empty, Env.Interface (TUNNELD_INTERFACE) is used.
	Interface string `yaml:"interface,omitempty"`
}

// Default returns the preferences used when no file exists yet.
func Default() Preferences {
	return Preferences{
		UserPreferences: tsm.UserPreferences{
			AllowLan:              true,
			BlockWhenDisconnected: false,
		},
	}
}

// Load reads and parses path, returning Default() if the file is absent.
func Load(path string) (Preferences, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return p, nil
}

// Save writes p to path as YAML, creating parent directories as needed.
func Save(path string, p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Watcher reloads Preferences from path whenever it is created or
// rewritten and delivers the new value to onReload, coalescing the
// create+write burst a typical editor save produces.
type Watcher struct {
	path     string
	mu       sync.Mutex
	current  Preferences
	onReload func(context.Context, Preferences)
}

// NewWatcher loads path once and returns a Watcher primed with that value.
func NewWatcher(path string, onReload func(context.Context, Preferences)) (*Watcher, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, current: p, onReload: onReload}, nil
}

// Current returns the most recently loaded preferences.
func (w *Watcher) Current() Preferences {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the preferences file's directory until ctx is done, grounded
// on pkg/client/config.go's Watch: the directory, not the file, must be
// watched because editors typically rename-over-write rather than
// truncate-in-place.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	reload := func() {
		p, err := Load(w.path)
		if err != nil {
			dlog.Errorf(ctx, "config: reload %s: %v", w.path, err)
			return
		}
		w.mu.Lock()
		w.current = p
		w.mu.Unlock()
		if w.onReload != nil {
			w.onReload(ctx, p)
		}
	}

	delay := time.AfterFunc(time.Duration(math.MaxInt64), reload)
	defer delay.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			dlog.Errorf(ctx, "config: watcher: %v", err)
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && event.Name == w.path {
				delay.Reset(5 * time.Millisecond)
			}
		}
	}
}
