package catalog

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/sarveshkapre/clone/pkg/coerce"
)

var (
	ErrSelectionNotList = errors.New("repos must be a list")
	ErrEmptySelection   = errors.New("at least one repo must be selected")
	ErrNoReposResolved  = errors.New("no valid repos resolved from selection")
)

// Resolve turns an operator selection into catalog entries. The selection
// is nil (no restriction), or a list whose items are either a name/path
// string or an object with entry fields that override the catalog.
//
// Strings must match a catalog path or name. Objects may name a path that
// is not in the catalog. Duplicate paths are dropped.
func Resolve(selection interface{}, entries []Entry) ([]Entry, error) {
	if selection == nil {
		return nil, nil
	}

	var items []interface{}
	switch v := selection.(type) {
	case []interface{}:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []map[string]interface{}:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil, ErrSelectionNotList
	}
	if len(items) == 0 {
		return nil, ErrEmptySelection
	}

	byName := make(map[string]*Entry, len(entries))
	byPath := make(map[string]*Entry, len(entries))
	for i := range entries {
		byName[entries[i].Name] = &entries[i]
		byPath[entries[i].Path] = &entries[i]
	}
	lookup := func(name, path string) *Entry {
		if path != "" {
			if e, ok := byPath[path]; ok {
				return e
			}
		}
		if name != "" {
			if e, ok := byName[name]; ok {
				return e
			}
		}
		return nil
	}

	seen := make(map[string]bool)
	var resolved []Entry
	for _, item := range items {
		switch v := item.(type) {
		case string:
			token := strings.TrimSpace(v)
			if token == "" {
				continue
			}
			base := lookup(token, token)
			if base == nil || base.Path == "" || seen[base.Path] {
				continue
			}
			seen[base.Path] = true
			resolved = append(resolved, *base)
		case map[string]interface{}:
			name := coerce.String(v["name"])
			path := coerce.String(v["path"])
			base := lookup(name, path)
			if path == "" && base != nil {
				path = base.Path
			}
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			e := entryFrom(v, base, path)
			if e.Name == "" {
				e.Name = filepath.Base(path)
			}
			resolved = append(resolved, e)
		}
	}
	if len(resolved) == 0 {
		return nil, ErrNoReposResolved
	}
	return resolved, nil
}
