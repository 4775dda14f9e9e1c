// Package catalog reads the repository catalog consumed by worker loops and
// resolves operator selections against it.
//
// The catalog file is YAML (repos.runtime.yaml) or JSON with comments:
//
//	repos:
//	  - name: api
//	    path: /code/api
//	    branch: main
//	    objective: keep tests green
//	    tasks_per_repo: 3
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sarveshkapre/clone/pkg/coerce"
	"github.com/sarveshkapre/clone/pkg/fsutil"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Entry is one repository the worker loop may process. The optional limits
// are nil when the catalog leaves them unset.
type Entry struct {
	Name             string `json:"name" yaml:"name"`
	Path             string `json:"path" yaml:"path"`
	Branch           string `json:"branch" yaml:"branch"`
	Objective        string `json:"objective" yaml:"objective"`
	TasksPerRepo     *int   `json:"tasks_per_repo,omitempty" yaml:"tasks_per_repo,omitempty"`
	MaxCyclesPerRun  *int   `json:"max_cycles_per_run,omitempty" yaml:"max_cycles_per_run,omitempty"`
	MaxCommitsPerRun *int   `json:"max_commits_per_run,omitempty" yaml:"max_commits_per_run,omitempty"`
}

type document struct {
	CodeRoot string                   `json:"code_root" yaml:"code_root"`
	Repos    []map[string]interface{} `json:"repos" yaml:"repos"`
}

// Parse decodes catalog content. JSON (optionally with comments) is
// recognised by a .json/.jsonc extension or a leading brace; anything else
// is YAML.
func Parse(name string, data []byte) ([]Entry, error) {
	var doc document
	ext := strings.ToLower(filepath.Ext(name))
	trimmed := strings.TrimSpace(string(data))
	if ext == ".json" || ext == ".jsonc" || strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to parse catalog %s: %w", filepath.Base(name), err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", filepath.Base(name), err)
	}
	return normalize(doc.Repos), nil
}

// Load reads and parses path. A missing file is an empty catalog.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(path, data)
}

// normalize turns raw records into entries: records without a path are
// dropped, paths are deduplicated and the result is sorted by name.
func normalize(raw []map[string]interface{}) []Entry {
	seen := make(map[string]bool)
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		path := coerce.String(item["path"])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, entryFrom(item, nil, path))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// entryFrom builds an entry from raw values, filling blanks from base.
func entryFrom(item map[string]interface{}, base *Entry, path string) Entry {
	e := Entry{Path: path}
	if base != nil {
		e = *base
		e.Path = path
	}
	if name := coerce.String(item["name"]); name != "" {
		e.Name = name
	}
	if e.Name == "" {
		e.Name = filepath.Base(path)
	}
	if branch := coerce.String(item["branch"]); branch != "" {
		e.Branch = branch
	}
	if e.Branch == "" {
		e.Branch = "main"
	}
	if objective := coerce.String(item["objective"]); objective != "" {
		e.Objective = objective
	}
	if v, ok := optionalLimit(item["tasks_per_repo"], 1000); ok {
		e.TasksPerRepo = v
	}
	if v, ok := optionalLimit(item["max_cycles_per_run"], 10000); ok {
		e.MaxCyclesPerRun = v
	}
	if v, ok := optionalLimit(item["max_commits_per_run"], 10000); ok {
		e.MaxCommitsPerRun = v
	}
	return e
}

func optionalLimit(raw interface{}, max int) (*int, bool) {
	n := coerce.Int(raw, -1)
	if n < 0 {
		return nil, false
	}
	n = coerce.Clamp(n, 0, max)
	return &n, true
}

// Catalog caches the parsed catalog file, reloading when its mtime changes.
type Catalog struct {
	path string

	mu      sync.Mutex
	mtime   int64
	loaded  bool
	entries []Entry
}

// New returns a catalog backed by path.
func New(path string) *Catalog {
	return &Catalog{path: path}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// Entries returns the current catalog. Parse failures are logged and
// served as an empty catalog.
func (c *Catalog) Entries() []Entry {
	mtime := fsutil.ModTimeNano(c.path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.mtime == mtime {
		return c.entries
	}
	entries, err := Load(c.path)
	if err != nil {
		log.Warn("catalog unreadable", "path", c.path, "error", err)
		entries = nil
	}
	c.entries, c.mtime, c.loaded = entries, mtime, true
	return entries
}

// Git returns the entries whose path holds a git repository, keyed by name.
func (c *Catalog) Git() map[string]string {
	out := make(map[string]string)
	for _, e := range c.Entries() {
		path := expandHome(e.Path)
		if !fsutil.Exists(filepath.Join(path, ".git")) {
			continue
		}
		out[e.Name] = path
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
