package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/hosting"
	"github.com/sarveshkapre/clone/pkg/serve"
	"github.com/sarveshkapre/clone/pkg/timeutil"
	"github.com/spf13/cobra"
)

var (
	reposJSON      bool
	remoteOwner    string
	remoteArchived bool
	remoteForks    bool
	remoteLimit    int
	remoteJSON     bool
	remoteTimeout  time.Duration
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List the repository catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := setupPlane(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		entries := p.catalog.Entries()
		withGit := p.catalog.Git()
		list := make([]serve.RepoInfo, 0, len(entries))
		for _, e := range entries {
			_, ok := withGit[e.Name]
			list = append(list, serve.RepoInfo{Entry: e, HasGit: ok})
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })

		if reposJSON {
			return printJSON(cmd.OutOrStdout(), serve.ReposResponse{
				GeneratedAt: timeutil.FormatISO(time.Now()),
				ReposFile:   p.catalog.Path(),
				Repos:       list,
			})
		}
		if len(list) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No repositories in %s\n", p.catalog.Path())
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tPATH\tBRANCH\tGIT")
		for _, r := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", r.Name, r.Path, r.Branch, r.HasGit)
		}
		return tw.Flush()
	},
}

var reposRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List repositories hosted on GitHub",
	Long: `List repositories of a GitHub user or organization, or of the
authenticated user when --owner is empty. GITHUB_TOKEN or GH_TOKEN
authenticates the requests.

The output is catalog-shaped so it can be pasted into repos.runtime.yaml.`,
	Example: `  clone-control-plane repos remote --owner octo-org --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
		defer cancel()

		client := hosting.NewClient(ctx, hosting.TokenFromEnv(), nil)
		repos, err := client.ListRepos(ctx, hosting.ListOptions{
			Owner:           remoteOwner,
			IncludeArchived: remoteArchived,
			IncludeForks:    remoteForks,
			Limit:           remoteLimit,
		})
		if err != nil {
			return err
		}
		if remoteJSON {
			return printJSON(cmd.OutOrStdout(), repos)
		}
		entries := make([]catalog.Entry, 0, len(repos))
		for _, r := range repos {
			entries = append(entries, catalog.Entry{Name: r.Name, Path: r.CloneURL, Branch: r.DefaultBranch})
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"repos": entries})
	},
}

func init() {
	reposCmd.Flags().BoolVar(&reposJSON, "json", false, "Print JSON")

	reposRemoteCmd.Flags().StringVar(&remoteOwner, "owner", "", "GitHub user or organization")
	reposRemoteCmd.Flags().BoolVar(&remoteArchived, "include-archived", false, "Include archived repositories")
	reposRemoteCmd.Flags().BoolVar(&remoteForks, "include-forks", false, "Include forks")
	reposRemoteCmd.Flags().IntVar(&remoteLimit, "limit", 0, "Maximum repositories (0 = all)")
	reposRemoteCmd.Flags().BoolVar(&remoteJSON, "json", false, "Print the full GitHub metadata")
	reposRemoteCmd.Flags().DurationVar(&remoteTimeout, "timeout", 60*time.Second, "Request timeout")

	reposCmd.AddCommand(reposRemoteCmd)
	rootCmd.AddCommand(reposCmd)
}
