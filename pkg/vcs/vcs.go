// Package vcs answers commit queries against local repositories. Every
// query is bounded by a timeout and degrades to an empty result on error.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/sarveshkapre/clone/pkg/log"
	"github.com/sarveshkapre/clone/pkg/runs"
	"github.com/sarveshkapre/clone/pkg/timeutil"
)

const (
	queryTimeout = 10 * time.Second
	cacheTTL     = 15 * time.Second

	// prefixScanLimit bounds the commit walk used to resolve short hashes.
	prefixScanLimit = 20000
	minPrefixLength = 7
)

// Repo is a named local repository.
type Repo struct {
	Name string
	Path string
}

// Commit is commit metadata. Repo is "unknown" when a run log commit
// could not be found in any candidate repository.
type Commit struct {
	TS             int64    `json:"ts"`
	TimeUTC        string   `json:"time_utc"`
	Repo           string   `json:"repo"`
	Hash           string   `json:"hash"`
	Subject        string   `json:"subject"`
	Ambiguous      bool     `json:"ambiguous"`
	RepoCandidates []string `json:"repo_candidates"`
}

// UnknownRepo labels commits that resolved nowhere.
const UnknownRepo = "unknown"

var errStopped = errors.New("query stopped")

type cacheEntry struct {
	at      time.Time
	commits []Commit
}

// Querier runs commit queries and caches the recent-commit feed.
type Querier struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewQuerier creates a querier with an empty cache.
func NewQuerier() *Querier {
	return &Querier{cache: make(map[string]cacheEntry), now: time.Now}
}

// Log returns up to max commits reachable from HEAD in path committed at or
// after since (zero means no bound), newest first.
func Log(ctx context.Context, path string, since time.Time, max int) ([]Commit, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	opts := &git.LogOptions{Order: git.LogOrderCommitterTime}
	if !since.IsZero() {
		opts.Since = &since
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return errStopped
		}
		out = append(out, fromObject(c))
		if max > 0 && len(out) >= max {
			return storer.ErrStop
		}
		return nil
	})
	if errors.Is(err, errStopped) {
		return out, ctx.Err()
	}
	if err != nil {
		return out, fmt.Errorf("failed to walk log: %w", err)
	}
	return out, nil
}

// Resolve finds the commit hash (full or abbreviated) in path.
func Resolve(ctx context.Context, path, hash string) (Commit, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Commit{}, false
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return Commit{}, false
	}
	if h, err := repo.ResolveRevision(plumbing.Revision(hash)); err == nil {
		if c, err := repo.CommitObject(*h); err == nil {
			return fromObject(c), true
		}
	}
	if len(hash) < minPrefixLength {
		return Commit{}, false
	}

	iter, err := repo.Log(&git.LogOptions{All: true})
	if err != nil {
		return Commit{}, false
	}
	defer iter.Close()
	var found *object.Commit
	seen := 0
	_ = iter.ForEach(func(c *object.Commit) error {
		seen++
		if ctx.Err() != nil || seen > prefixScanLimit {
			return storer.ErrStop
		}
		if strings.HasPrefix(c.Hash.String(), hash) {
			found = c
			return storer.ErrStop
		}
		return nil
	})
	if found == nil {
		return Commit{}, false
	}
	return fromObject(found), true
}

func fromObject(c *object.Commit) Commit {
	when := c.Committer.When
	subject, _, _ := strings.Cut(c.Message, "\n")
	return Commit{
		TS:      when.Unix(),
		TimeUTC: timeutil.FormatISO(when),
		Hash:    c.Hash.String(),
		Subject: strings.TrimSpace(subject),
	}
}

// RecentCommits lists commits from the last hours across repos, newest
// first, at most limit, with abbreviated hashes. Results are cached for 15
// seconds per (hours, limit).
func (q *Querier) RecentCommits(ctx context.Context, repos []Repo, hours, limit int) []Commit {
	if hours < 1 {
		hours = 1
	}
	if limit < 1 {
		limit = 1
	}
	key := fmt.Sprintf("%d:%d", hours, limit)
	now := q.now()

	q.mu.Lock()
	if e, ok := q.cache[key]; ok && now.Sub(e.at) < cacheTTL {
		q.mu.Unlock()
		return e.commits
	}
	q.mu.Unlock()

	since := now.Add(-time.Duration(hours) * time.Hour)
	seen := make(map[string]bool)
	out := []Commit{}
	for _, r := range repos {
		commits, err := Log(ctx, r.Path, since, 0)
		if err != nil {
			log.Debug("recent commits query failed", "repo", r.Name, "error", err)
		}
		for _, c := range commits {
			id := r.Name + "|" + c.Hash
			if seen[id] {
				continue
			}
			seen[id] = true
			c.Repo = r.Name
			c.Hash = short(c.Hash)
			out = append(out, c)
		}
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}

	q.mu.Lock()
	q.cache[key] = cacheEntry{at: now, commits: out}
	q.mu.Unlock()
	return out
}

// ResolveRunCommits maps run log commit lines onto candidate repos. A hash
// found in several repos is attributed to the first and marked
// ambiguous. Results are ordered oldest first; unresolved commits sort
// first with a zero timestamp.
func ResolveRunCommits(ctx context.Context, lines []runs.CommitLine, candidates []Repo) []Commit {
	out := make([]Commit, 0, len(lines))
	for _, line := range lines {
		var first Commit
		var names []string
		for _, r := range candidates {
			c, ok := Resolve(ctx, r.Path, line.Hash)
			if !ok {
				continue
			}
			if len(names) == 0 {
				first = c
				first.Repo = r.Name
			}
			names = append(names, r.Name)
		}
		if len(names) == 0 {
			out = append(out, Commit{
				Repo:           UnknownRepo,
				Hash:           line.Hash,
				Subject:        line.Subject,
				RepoCandidates: []string{},
			})
			continue
		}
		if first.Subject == "" {
			first.Subject = line.Subject
		}
		first.Ambiguous = len(names) > 1
		first.RepoCandidates = names
		out = append(out, first)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// FromLines converts run log commit lines without any repository lookup.
func FromLines(lines []runs.CommitLine) []Commit {
	out := make([]Commit, 0, len(lines))
	for _, line := range lines {
		out = append(out, Commit{Repo: UnknownRepo, Hash: line.Hash, Subject: line.Subject, RepoCandidates: []string{}})
	}
	return out
}

func sortNewestFirst(commits []Commit) {
	sort.SliceStable(commits, func(i, j int) bool { return commits[i].TS > commits[j].TS })
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
