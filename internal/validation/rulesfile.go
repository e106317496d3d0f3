package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// rulesFile is the on-disk layout of a denylist file:
//
//	extend_default = true
//
//	[[rules]]
//	id = "no-reflect-call"
//	pattern = '\breflect\.Value\.Call\b'
//	languages = ["go"]
//	severity = "medium"
type rulesFile struct {
	ExtendDefault bool     `toml:"extend_default"`
	Disabled      []string `toml:"disabled"`
	Rules         []Rule   `toml:"rules"`
}

// LoadRules reads a TOML denylist file and compiles it. Patterns are
// validated fail-fast; a file with a bad pattern is rejected as a whole.
func LoadRules(path string) (*RuleSet, error) {
	var f rulesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRuleSet, path, err)
	}

	var rules []Rule
	if f.ExtendDefault {
		disabled := make(map[string]bool, len(f.Disabled))
		for _, id := range f.Disabled {
			disabled[id] = true
		}
		for _, r := range DefaultRules() {
			if !disabled[r.ID] {
				rules = append(rules, r)
			}
		}
	}
	rules = append(rules, f.Rules...)

	set, err := CompileRules(rules)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

const reloadDebounce = 100 * time.Millisecond

// RulesWatcher reloads a denylist file into a SecurityScanner whenever the
// file changes. A reload that fails keeps the previous rules.
type RulesWatcher struct {
	path    string
	scanner *SecurityScanner
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// reloaded is signalled after every reload attempt; used by tests.
	reloaded chan error
}

// NewRulesWatcher loads path into scanner and prepares a watcher on it.
func NewRulesWatcher(path string, scanner *SecurityScanner, logger *zap.Logger) (*RulesWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	scanner.SetRules(set)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating rules watcher: %w", err)
	}
	// Watch the directory: editors and config management replace files
	// rather than writing them in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	return &RulesWatcher{
		path:     filepath.Clean(path),
		scanner:  scanner,
		logger:   logger.Named("rules"),
		watcher:  watcher,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		reloaded: make(chan error, 1),
	}, nil
}

// Start processes file events until ctx is done or Stop is called.
func (w *RulesWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops watching and releases the watcher.
func (w *RulesWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
}

func (w *RulesWatcher) run(ctx context.Context) {
	defer close(w.done)

	// In-place writes arrive as truncate+write bursts; reload once the file
	// has been quiet for reloadDebounce.
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case <-debounce.C:
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}

func (w *RulesWatcher) reload() {
	set, err := LoadRules(w.path)
	if err != nil {
		w.logger.Error("reloading security rules, keeping previous set",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.scanner.SetRules(set)
		w.logger.Info("security rules reloaded",
			zap.String("path", w.path), zap.Int("rules", set.Len()))
	}
	select {
	case w.reloaded <- err:
	default:
	}
}
