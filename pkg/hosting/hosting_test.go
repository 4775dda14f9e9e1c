package hosting

import (
	"context"
	"net/http"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

func replay(t *testing.T, cassette string) *http.Client {
	t.Helper()
	r, err := recorder.NewAsMode("testdata/fixtures/"+cassette, recorder.ModeReplaying, nil)
	if err != nil {
		t.Fatalf("failed to load cassette: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return &http.Client{Transport: r}
}

func TestFixturesDecode(t *testing.T) {
	c, err := cassette.Load("testdata/fixtures/list_user_repos")
	if err != nil {
		t.Fatalf("failed to decode cassette: %v", err)
	}
	if len(c.Interactions) != 2 {
		t.Fatalf("expected two recorded pages, got %d", len(c.Interactions))
	}
	for i, in := range c.Interactions {
		if in.Response.Code != http.StatusOK || in.Response.Duration != 0 {
			t.Fatalf("interaction %d: unexpected response %d %v", i, in.Response.Code, in.Response.Duration)
		}
	}
}

func TestListReposPaginates(t *testing.T) {
	client := NewClient(context.Background(), "test-token", replay(t, "list_user_repos"))

	repos, err := client.ListRepos(context.Background(), ListOptions{Owner: "octo-org"})
	if err != nil {
		t.Fatalf("ListRepos failed: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("archived and forked repos should be skipped, got %+v", repos)
	}
	if repos[0].Name != "API" || repos[1].Name != "web" {
		t.Fatalf("repos should be sorted case-insensitively, got %s, %s", repos[0].Name, repos[1].Name)
	}
	if repos[0].DefaultBranch != "main" || !repos[0].Private {
		t.Fatalf("unexpected repo %+v", repos[0])
	}
	if repos[1].PushedAt != "2026-01-02T03:04:05Z" || repos[1].CloneURL != "https://github.com/octo-org/web.git" {
		t.Fatalf("unexpected repo %+v", repos[1])
	}
}

func TestListReposIncludeAll(t *testing.T) {
	client := NewClient(context.Background(), "", replay(t, "list_user_repos"))
	repos, err := client.ListRepos(context.Background(), ListOptions{Owner: "octo-org", IncludeArchived: true, IncludeForks: true, Limit: 3})
	if err != nil {
		t.Fatalf("ListRepos failed: %v", err)
	}
	if len(repos) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(repos))
	}
}
