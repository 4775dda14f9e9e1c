package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sarveshkapre/clone/pkg/runs"
)

// setupRepo creates a repository with one commit per subject, spaced an
// hour apart ending at end, and returns the commit hashes in order.
func setupRepo(t *testing.T, end time.Time, subjects ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}

	var hashes []string
	for i, subject := range subjects {
		name := filepath.Join(dir, "file.txt")
		if err := os.WriteFile(name, []byte(subject), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add("file.txt"); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		when := end.Add(-time.Duration(len(subjects)-1-i) * time.Hour)
		sig := &object.Signature{Name: "Loop Worker", Email: "worker@example.com", When: when}
		h, err := wt.Commit(subject+"\n\nbody text", &git.CommitOptions{Author: sig, Committer: sig})
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		hashes = append(hashes, h.String())
	}
	return dir, hashes
}

func TestLogSinceAndLimit(t *testing.T) {
	end := time.Now().UTC().Truncate(time.Second)
	dir, hashes := setupRepo(t, end, "first", "second", "third")

	all, err := Log(context.Background(), dir, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if len(all) != 3 || all[0].Hash != hashes[2] || all[0].Subject != "third" {
		t.Fatalf("unexpected log %+v", all)
	}
	if all[0].TS != end.Unix() {
		t.Fatalf("ts = %d, want %d", all[0].TS, end.Unix())
	}

	recent, _ := Log(context.Background(), dir, end.Add(-90*time.Minute), 0)
	if len(recent) != 2 {
		t.Fatalf("expected two commits in the window, got %d", len(recent))
	}
	limited, _ := Log(context.Background(), dir, time.Time{}, 1)
	if len(limited) != 1 {
		t.Fatalf("expected one commit, got %d", len(limited))
	}
}

func TestLogNotARepo(t *testing.T) {
	if _, err := Log(context.Background(), t.TempDir(), time.Time{}, 0); err == nil {
		t.Fatal("expected an error for a plain directory")
	}
}

func TestResolveShortHash(t *testing.T) {
	dir, hashes := setupRepo(t, time.Now().UTC(), "only")
	c, ok := Resolve(context.Background(), dir, hashes[0][:9])
	if !ok || c.Hash != hashes[0] || c.Subject != "only" {
		t.Fatalf("unexpected resolve result %+v, %v", c, ok)
	}
	if _, ok := Resolve(context.Background(), dir, "deadbeefdead"); ok {
		t.Fatal("unknown hash must not resolve")
	}
	if _, ok := Resolve(context.Background(), dir, "abc"); ok {
		t.Fatal("too-short unknown prefix must not resolve")
	}
}

func TestRecentCommitsCachesAndMerges(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	apiDir, _ := setupRepo(t, now.Add(-10*time.Minute), "api one", "api two")
	webDir, _ := setupRepo(t, now.Add(-5*time.Minute), "web one")

	q := NewQuerier()
	q.now = func() time.Time { return now }
	repos := []Repo{{Name: "api", Path: apiDir}, {Name: "web", Path: webDir}, {Name: "gone", Path: filepath.Join(apiDir, "missing")}}

	got := q.RecentCommits(context.Background(), repos, 2, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 commits, got %+v", got)
	}
	if got[0].Repo != "web" || got[1].Subject != "api two" || len(got[0].Hash) != 12 {
		t.Fatalf("unexpected ordering %+v", got)
	}

	setupMore := func() {
		repo, _ := git.PlainOpen(webDir)
		wt, _ := repo.Worktree()
		os.WriteFile(filepath.Join(webDir, "file.txt"), []byte("changed"), 0644)
		wt.Add("file.txt")
		sig := &object.Signature{Name: "w", Email: "w@example.com", When: now}
		wt.Commit("web two", &git.CommitOptions{Author: sig, Committer: sig})
	}
	setupMore()
	if cached := q.RecentCommits(context.Background(), repos, 2, 10); len(cached) != 3 {
		t.Fatalf("cached result expected inside the ttl, got %d", len(cached))
	}
	q.now = func() time.Time { return now.Add(16 * time.Second) }
	if fresh := q.RecentCommits(context.Background(), repos, 2, 10); len(fresh) != 4 {
		t.Fatalf("expected refreshed result, got %d", len(fresh))
	}
}

func TestResolveRunCommits(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	apiDir, apiHashes := setupRepo(t, now, "feat: api", "fix: api")
	webDir, _ := setupRepo(t, now, "feat: web")
	lines := []runs.CommitLine{
		{Hash: apiHashes[1][:10], Subject: "fix: api"},
		{Hash: "0123456789ab", Subject: "lost"},
		{Hash: apiHashes[0][:10], Subject: "feat: api"},
	}
	got := ResolveRunCommits(context.Background(), lines, []Repo{{Name: "web", Path: webDir}, {Name: "api", Path: apiDir}})
	if len(got) != 3 {
		t.Fatalf("expected 3 commits, got %+v", got)
	}
	if got[0].Repo != UnknownRepo || got[0].Hash != "0123456789ab" || got[0].TS != 0 {
		t.Fatalf("unresolved commit should sort first, got %+v", got[0])
	}
	if got[1].Hash != apiHashes[0] || got[2].Hash != apiHashes[1] || got[1].Repo != "api" || got[1].Ambiguous {
		t.Fatalf("resolved commits should be oldest first, got %+v", got[1:])
	}

	fallback := FromLines(lines)
	if len(fallback) != 3 || fallback[0].Repo != UnknownRepo {
		t.Fatalf("unexpected fallback %+v", fallback)
	}
}
