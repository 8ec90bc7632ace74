// Package prompt manages versioned scoring prompt templates. Templates are
// markdown files with a yaml metadata section; the registry computes a
// content hash per template so the freeze policy can pin exact prompt text,
// not just a version label.
package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"papertrade/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Section headings recognized in template files.
const (
	headingMetadata = "## Metadata"
	headingSystem   = "## System Prompt"
	headingUser     = "## User Prompt Template"
)

// Metadata is the yaml block under "## Metadata".
type Metadata struct {
	ID          string `yaml:"id"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Template is one loaded prompt template.
type Template struct {
	ID          string
	Version     string
	Description string
	System      string
	User        string
	Hash        string
	Path        string
}

// Render substitutes {key} placeholders in the user template. Unknown
// placeholders are left intact so a missing variable is visible in the
// rendered output instead of silently vanishing.
func (t Template) Render(vars map[string]string) string {
	out := t.User
	for key, val := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", val)
	}
	return out
}

// Snapshot is an immutable view of the loaded template set.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]Template // keyed by id@version
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

// Registry loads every *.md template under one directory and watches it for
// changes.
type Registry struct {
	dir     string
	watcher *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads dir and starts the directory watcher.
func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("prompt registry requires a directory")
	}
	r := &Registry{dir: dir}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

// Close stops the directory watcher.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

func (r *Registry) watch() {
	for {
		select {
		case evt, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Errorf("prompt registry reload failed: %v", err)
				continue
			}
			r.notifyListeners()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("prompt registry watcher error: %v", err)
		}
	}
}

// Snapshot returns the current template set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Template returns the template registered as id@version.
func (r *Registry) Template(id, version string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.snapshot.Templates[key(id, version)]
	return tpl, ok
}

// PromptHash returns the content hash of id@version, recomputed at load
// time from the actual file text. Implements the freeze policy's resolver.
func (r *Registry) PromptHash(id, version string) (string, error) {
	tpl, ok := r.Template(id, version)
	if !ok {
		return "", fmt.Errorf("prompt: unknown template %s@%s", id, version)
	}
	return tpl.Hash, nil
}

// OnChange registers a reload listener.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("prompt: reading %s: %w", r.dir, err)
	}
	templates := make(map[string]Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		tpl, err := loadTemplate(path)
		if err != nil {
			logger.Errorf("prompt template %s skipped: %v", entry.Name(), err)
			continue
		}
		templates[key(tpl.ID, tpl.Version)] = tpl
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("prompt registry loaded %d templates from %s", len(templates), filepath.Base(r.dir))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("prompt listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func loadTemplate(path string) (Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, err
	}
	sections := splitSections(string(raw))

	metaRaw, ok := sections[headingMetadata]
	if !ok {
		return Template{}, fmt.Errorf("missing %q section", headingMetadata)
	}
	var meta Metadata
	dec := yaml.NewDecoder(bytes.NewReader([]byte(metaRaw)))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return Template{}, fmt.Errorf("metadata: %w", err)
	}
	if meta.ID == "" || meta.Version == "" {
		return Template{}, fmt.Errorf("metadata must set id and version")
	}

	system, ok := sections[headingSystem]
	if !ok || strings.TrimSpace(system) == "" {
		return Template{}, fmt.Errorf("missing %q section", headingSystem)
	}
	user, ok := sections[headingUser]
	if !ok || strings.TrimSpace(user) == "" {
		return Template{}, fmt.Errorf("missing %q section", headingUser)
	}
	system = strings.TrimSpace(system)
	user = strings.TrimSpace(user)

	return Template{
		ID:          meta.ID,
		Version:     meta.Version,
		Description: meta.Description,
		System:      system,
		User:        user,
		Hash:        contentHash(system, user),
		Path:        path,
	}, nil
}

// contentHash is sha256 over system and user text with a fixed separator.
// Any single-character edit to either section changes the hash.
func contentHash(system, user string) string {
	sum := sha256.Sum256([]byte(system + "\n---\n" + user))
	return hex.EncodeToString(sum[:])
}

func splitSections(raw string) map[string]string {
	sections := make(map[string]string)
	var current string
	var body []string
	flush := func() {
		if current != "" {
			sections[current] = strings.Join(body, "\n")
		}
		body = nil
	}
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.TrimSpace(line)
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return sections
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:   src.Version,
		LoadedAt:  src.LoadedAt,
		Templates: make(map[string]Template, len(src.Templates)),
	}
	for id, tpl := range src.Templates {
		dst.Templates[id] = tpl
	}
	return dst
}

func key(id, version string) string {
	return strings.TrimSpace(id) + "@" + strings.TrimSpace(version)
}
