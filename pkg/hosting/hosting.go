// Package hosting lists repositories from the code hosting service so an
// operator can see what could be added to the catalog.
package hosting

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"golang.org/x/oauth2"
)

const perPage = 100

// RemoteRepo is one hosted repository.
type RemoteRepo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	SSHURL        string `json:"ssh_url"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived"`
	Fork          bool   `json:"fork"`
	PushedAt      string `json:"pushed_at,omitempty"`
}

// Client wraps the GitHub API client.
type Client struct {
	gh *github.Client
}

// TokenFromEnv returns GITHUB_TOKEN, falling back to GH_TOKEN.
func TokenFromEnv() string {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	return os.Getenv("GH_TOKEN")
}

// NewClient creates a client. An empty token makes unauthenticated
// requests; base may be nil.
func NewClient(ctx context.Context, token string, base *http.Client) *Client {
	httpClient := base
	if token != "" {
		if base != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	return &Client{gh: github.NewClient(httpClient)}
}

// ListOptions filters ListRepos.
type ListOptions struct {
	// Owner is a user or organization login. Empty lists the
	// authenticated user's repositories.
	Owner           string
	IncludeArchived bool
	IncludeForks    bool
	// Limit caps the result; zero means no cap.
	Limit int
}

// ListRepos pages through the owner's repositories, sorted by name.
func (c *Client) ListRepos(ctx context.Context, opts ListOptions) ([]RemoteRepo, error) {
	var out []RemoteRepo
	page := 0
	for {
		repos, resp, err := c.listPage(ctx, opts.Owner, page)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, r := range repos {
			if r.GetArchived() && !opts.IncludeArchived {
				continue
			}
			if r.GetFork() && !opts.IncludeForks {
				continue
			}
			out = append(out, fromGitHub(r))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		page = resp.NextPage
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (c *Client) listPage(ctx context.Context, owner string, page int) ([]*github.Repository, *github.Response, error) {
	list := github.ListOptions{Page: page, PerPage: perPage}
	if owner == "" {
		return c.gh.Repositories.ListByAuthenticatedUser(ctx, &github.RepositoryListByAuthenticatedUserOptions{ListOptions: list})
	}
	return c.gh.Repositories.ListByUser(ctx, owner, &github.RepositoryListByUserOptions{ListOptions: list})
}

func fromGitHub(r *github.Repository) RemoteRepo {
	out := RemoteRepo{
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		CloneURL:      r.GetCloneURL(),
		SSHURL:        r.GetSSHURL(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
		Fork:          r.GetFork(),
	}
	if out.DefaultBranch == "" {
		out.DefaultBranch = "main"
	}
	if r.PushedAt != nil {
		out.PushedAt = timeutil.FormatISO(r.GetPushedAt().Time)
	}
	return out
}
