// Package discovery implements skill discovery and filesystem hot-reload
// (C2): walking configured source roots for candidate skill files, and
// watching those roots so an edited or newly added skill is deactivated,
// purged, and reloaded without restarting the process.
//
// The filesystem-watch/debounce/callback shape is grounded on fsnotify,
// which this codebase's lineage already reaches for whenever a component
// needs to react to file changes rather than poll; the candidate-scan walk
// and name/kind extraction follow the directory-convention and
// pattern-matching approach this codebase's catalog refresh uses when
// syncing against an external source of truth.
package discovery

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/registry"
)

// excludedDirs are never walked.
var excludedDirs = map[string]bool{
	"vendor": true, "node_modules": true, ".git": true, "testdata": true,
	"_examples": true, "bin": true, "dist": true,
}

var (
	entryPointPattern = regexp.MustCompile(`func\s+ExecuteSkill\s*\(`)
	kindTagPattern    = regexp.MustCompile(`//\s*skill:kind=(\w+)`)
)

// Candidate is one discovered skill source file.
type Candidate struct {
	Name         string
	Kind         registry.Kind
	Path         string
	ModifiedAt   time.Time
	SizeBytes    int64
}

// ReloadCallback is invoked with (name, success) after a reload attempt.
type ReloadCallback func(name string, success bool)

// Discoverer is C2.
type Discoverer struct {
	roots []string

	mu        sync.Mutex
	callbacks map[string][]ReloadCallback

	reg    *registry.Registry
	logger logging.Logger

	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// Option configures a Discoverer at construction.
type Option func(*Discoverer)

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Discoverer) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			d.logger = cal.WithComponent("engine/discovery")
		} else {
			d.logger = l
		}
	}
}

// WithDebounce overrides the default 2s reload-coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(disc *Discoverer) { disc.debounce = d }
}

// DefaultRoots matches the configured default source layout.
func DefaultRoots() []string {
	return []string{
		"skills", "skills/generated",
		"plugins", "plugins/generated",
		"mcp/servers", "mcp/servers/generated",
	}
}

// New constructs a Discoverer over roots, registering reloads against reg.
func New(roots []string, reg *registry.Registry, opts ...Option) *Discoverer {
	d := &Discoverer{
		roots:     roots,
		callbacks: make(map[string][]ReloadCallback),
		reg:       reg,
		logger:    logging.NoOpLogger{},
		debounce:  2 * time.Second,
		pending:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Scan walks every configured root and returns every candidate found.
func (d *Discoverer) Scan() ([]Candidate, error) {
	var out []Candidate
	for _, root := range d.roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // skip unreadable entries, don't abort the whole scan
			}
			base := filepath.Base(path)
			if info.IsDir() {
				if excludedDirs[base] || strings.HasPrefix(base, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(base, ".") || filepath.Ext(path) != ".go" {
				return nil
			}
			cand, ok := d.inspect(path, info)
			if ok {
				out = append(out, cand)
			}
			return nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// inspect reads path and, if it matches the skill source pattern (an
// ExecuteSkill entry point plus a kind tag comment), returns a Candidate.
func (d *Discoverer) inspect(path string, info os.FileInfo) (Candidate, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Candidate{}, false
	}
	defer f.Close()

	var hasEntryPoint bool
	var kind registry.Kind
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if entryPointPattern.MatchString(line) {
			hasEntryPoint = true
		}
		if m := kindTagPattern.FindStringSubmatch(line); m != nil {
			kind = registry.Kind(m[1])
		}
	}
	if !hasEntryPoint || kind == "" {
		return Candidate{}, false
	}

	name := strings.TrimSuffix(filepath.Base(path), ".go")
	return Candidate{
		Name:       name,
		Kind:       kind,
		Path:       path,
		ModifiedAt: info.ModTime(),
		SizeBytes:  info.Size(),
	}, true
}

// AddReloadCallback registers fn to run after every reload attempt for name.
func (d *Discoverer) AddReloadCallback(name string, fn ReloadCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[name] = append(d.callbacks[name], fn)
}

// Load registers a newly discovered candidate with the registry (status
// registered, not yet active) — the caller decides when to Activate it.
func (d *Discoverer) Load(c Candidate) {
	d.reg.Register(c.Name, c.Kind, c.Path, "", nil)
}

// Reload re-discovers and re-registers name, following the hot-reload
// pipeline: deactivate (cascading), purge, re-scan, re-register,
// re-activate, then run the registered callbacks.
func (d *Discoverer) Reload(name string) error {
	_ = d.reg.Deactivate(name) // best-effort; name may not have been active

	cands, err := d.Scan()
	if err != nil {
		d.runCallbacks(name, false)
		return engineerr.New("discovery.Reload", engineerr.KindTransient, err).WithID(name)
	}

	var found *Candidate
	for i := range cands {
		if cands[i].Name == name {
			found = &cands[i]
			break
		}
	}
	if found == nil {
		d.runCallbacks(name, false)
		return engineerr.New("discovery.Reload", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(name)
	}

	d.reg.Register(found.Name, found.Kind, found.Path, "", nil)
	if err := d.reg.Activate(found.Name); err != nil {
		d.runCallbacks(name, false)
		return engineerr.New("discovery.Reload", engineerr.KindCapability, err).WithID(name)
	}

	d.runCallbacks(name, true)
	return nil
}

func (d *Discoverer) runCallbacks(name string, success bool) {
	d.mu.Lock()
	cbs := append([]ReloadCallback{}, d.callbacks[name]...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(name, success)
	}
}

// Watch starts an fsnotify watch over the configured roots. File events are
// coalesced per name by the debounce window: every fired debounce timer
// enqueues a name, and a single worker goroutine drains the queue serially,
// in the order the timers fired. Queued names are not reordered into
// discovery (Scan) order.
func (d *Discoverer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return engineerr.New("discovery.Watch", engineerr.KindStructural, err)
	}
	d.watcher = w

	for _, root := range d.roots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
				if err == nil && info.IsDir() && !excludedDirs[filepath.Base(path)] {
					_ = w.Add(path)
				}
				return nil
			})
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	queue := make(chan string, 64)

	d.wg.Add(2)
	go d.eventLoop(watchCtx, queue)
	go d.reloadWorker(watchCtx, queue)

	return nil
}

func (d *Discoverer) eventLoop(ctx context.Context, queue chan<- string) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".go" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), ".go")
			d.scheduleReload(name, queue)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// scheduleReload resets the debounce timer for name; the timer's own fire
// pushes name onto the processing queue, so a burst of writes to the same
// file only enqueues it once.
func (d *Discoverer) scheduleReload(name string, queue chan<- string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if t, ok := d.pending[name]; ok {
		t.Stop()
	}
	d.pending[name] = time.AfterFunc(d.debounce, func() {
		d.pendingMu.Lock()
		delete(d.pending, name)
		d.pendingMu.Unlock()
		queue <- name
	})
}

func (d *Discoverer) reloadWorker(ctx context.Context, queue <-chan string) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-queue:
			if err := d.Reload(name); err != nil {
				d.logger.Warn("reload failed", map[string]interface{}{"skill": name, "error": err.Error()})
			}
		}
	}
}

// Stop shuts down the watch goroutines and the underlying fsnotify watcher.
func (d *Discoverer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	d.wg.Wait()
}
