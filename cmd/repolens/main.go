// cmd/repolens/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"repolens/client"
	"repolens/internal/app"
	"repolens/internal/config"
	"repolens/internal/errors"
	"repolens/internal/logging"
	"repolens/internal/transport"
	"repolens/shared/types"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	repoPath   string
	serverURL  string
	configPath string
	jsonOutput bool
	timeout    time.Duration
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "repolens",
	Short: "Repolens answers bounded queries about Git repositories",
	Long: `Repolens runs status, history, diff, blame and ref queries against a Git
repository. Every query is bounded: large results are paged with cursors or
streamed in chunks. Queries run in-process unless --server points at a
running repolens server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runner executes one query either in-process or over HTTP.
type runner interface {
	query(ctx context.Context, params types.Params, onChunk client.ChunkFunc) (*types.Response, error)
	close(ctx context.Context) error
}

type localRunner struct {
	app *app.App
}

func (r *localRunner) query(ctx context.Context, params types.Params, onChunk client.ChunkFunc) (*types.Response, error) {
	req, err := types.NewRequest(uuid.New().String(), params)
	if err != nil {
		return nil, err
	}
	return r.app.Engine.Dispatch(ctx, &req, func(_ context.Context, c *types.StreamChunk) error {
		if onChunk == nil {
			return nil
		}
		return onChunk(c)
	}), nil
}

func (r *localRunner) close(ctx context.Context) error { return r.app.Close(ctx) }

type remoteRunner struct {
	client *client.Client
}

func (r *remoteRunner) query(ctx context.Context, params types.Params, onChunk client.ChunkFunc) (*types.Response, error) {
	return r.client.Query(ctx, params, onChunk)
}

func (r *remoteRunner) close(context.Context) error { return nil }

func loadApp(watch bool) (*app.App, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Watch.Enabled = cfg.Watch.Enabled && watch

	level := logLevel
	if level == "" {
		level = "warn"
	}
	logger, err := logging.NewDevelopmentLogger(level)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return app.New(cfg, logger)
}

func newRunner() (runner, error) {
	if serverURL != "" {
		return &remoteRunner{client: client.New(serverURL)}, nil
	}
	a, err := loadApp(false)
	if err != nil {
		return nil, err
	}
	return &localRunner{app: a}, nil
}

func repo() (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", fmt.Errorf("resolving repository path: %w", err)
	}
	return abs, nil
}

// execute runs params and returns the success data. Chunks of streaming
// kinds are decoded into T and handed to onChunk. With --json every frame
// is printed as received and nothing is returned.
func execute[T any](cmd *cobra.Command, params types.Params, onChunk func(T)) (json.RawMessage, error) {
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := newRunner()
	if err != nil {
		return nil, err
	}
	defer r.close(context.Background())

	enc := json.NewEncoder(os.Stdout)
	resp, err := r.query(ctx, params, func(c *types.StreamChunk) error {
		if jsonOutput {
			return enc.Encode(types.Outbound{Chunk: c})
		}
		if onChunk == nil || string(c.Data) == "null" {
			return nil
		}
		var v T
		if err := json.Unmarshal(c.Data, &v); err != nil {
			return fmt.Errorf("decoding chunk %d: %w", c.Sequence, err)
		}
		onChunk(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jsonOutput {
		if err := enc.Encode(types.Outbound{Response: resp}); err != nil {
			return nil, err
		}
	}
	if e := resp.Err(); e != nil {
		return nil, e
	}
	if jsonOutput {
		return nil, nil
	}
	return resp.Result.OK.Data, nil
}

// queryInto runs a unary kind and decodes its data into out. It reports
// false when --json already printed the result.
func queryInto(cmd *cobra.Command, params types.Params, out any) (bool, error) {
	data, err := execute[json.RawMessage](cmd, params, nil)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding result: %w", err)
	}
	return true, nil
}

func summaryOf(data json.RawMessage) types.StreamSummary {
	var s types.StreamSummary
	if data != nil {
		_ = json.Unmarshal(data, &s)
	}
	return s
}

func requireServer() (*client.Client, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("this command needs --server")
	}
	return client.New(serverURL), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "Repository path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("REPOLENS_SERVER"), "Query a running server instead of running in-process")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default config/config.$REPOLENS_ENV.json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw protocol frames")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Abandon the query after this long")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level for in-process runs (default warn)")

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show working tree status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			var view types.StatusView
			ok, err := queryInto(cmd, &types.StatusParams{RepoPath: path}, &view)
			if ok {
				printStatus(view)
			}
			return err
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show one page of commit history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			params := &types.LogParams{RepoPath: path}
			params.PageSize, _ = cmd.Flags().GetInt("page-size")
			params.Cursor, _ = cmd.Flags().GetString("cursor")
			params.RevisionRange, _ = cmd.Flags().GetString("range")

			var page types.CommitListPage
			ok, err := queryInto(cmd, params, &page)
			if ok {
				printLog(page)
			}
			return err
		},
	}

	var graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Show one window of the commit graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			params := &types.GraphParams{RepoPath: path}
			params.WindowSize, _ = cmd.Flags().GetInt("window-size")
			params.Cursor, _ = cmd.Flags().GetString("cursor")
			params.RevisionRange, _ = cmd.Flags().GetString("range")

			var window types.CommitGraphWindow
			ok, err := queryInto(cmd, params, &window)
			if ok {
				printGraph(window)
			}
			return err
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show <commit>",
		Short: "Show a commit and the files it changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			var details types.CommitDetails
			ok, err := queryInto(cmd, &types.ShowCommitParams{RepoPath: path, CommitID: args[0]}, &details)
			if ok {
				printCommit(details)
			}
			return err
		},
	}

	var diffSummaryCmd = &cobra.Command{
		Use:   "diff-summary",
		Short: "Summarize changes between two revisions or against the working tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			params := &types.DiffSummaryParams{RepoPath: path}
			params.From, _ = cmd.Flags().GetString("from")
			params.To, _ = cmd.Flags().GetString("to")
			params.MaxBytes, _ = cmd.Flags().GetInt("max-bytes")
			params.MaxHunks, _ = cmd.Flags().GetInt("max-hunks")
			params.Cursor, _ = cmd.Flags().GetString("cursor")

			var summary types.DiffSummary
			ok, err := queryInto(cmd, params, &summary)
			if ok {
				printDiffSummary(summary)
			}
			return err
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff [path]",
		Short: "Stream diff hunks",
		Long:  `Streams the hunks between --from and --to. Without --to the working tree is compared.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			params := &types.DiffContentParams{RepoPath: path}
			if len(args) == 1 {
				params.Path = filepath.ToSlash(args[0])
			}
			params.From, _ = cmd.Flags().GetString("from")
			params.To, _ = cmd.Flags().GetString("to")
			params.MaxBytes, _ = cmd.Flags().GetInt("max-bytes")
			params.MaxHunks, _ = cmd.Flags().GetInt("max-hunks")
			params.Cursor, _ = cmd.Flags().GetString("cursor")

			data, err := execute(cmd, params, printDiffChunk)
			if err != nil || data == nil {
				return err
			}
			printMore(summaryOf(data))
			return nil
		},
	}

	var blameCmd = &cobra.Command{
		Use:   "blame <path>",
		Short: "Stream line authorship for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			params := &types.BlameParams{RepoPath: path, Path: filepath.ToSlash(args[0])}
			params.Revision, _ = cmd.Flags().GetString("rev")
			params.WindowSize, _ = cmd.Flags().GetInt("window-size")
			params.Cursor, _ = cmd.Flags().GetString("cursor")

			data, err := execute(cmd, params, printBlameChunk)
			if err != nil || data == nil {
				return err
			}
			printMore(summaryOf(data))
			return nil
		},
	}

	var branchesCmd = &cobra.Command{
		Use:   "branches",
		Short: "List local and remote branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			var list types.BranchList
			ok, err := queryInto(cmd, &types.BranchesParams{RepoPath: path}, &list)
			if ok {
				printBranches(list)
			}
			return err
		},
	}

	var tagsCmd = &cobra.Command{
		Use:   "tags",
		Short: "List tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			var list types.TagList
			ok, err := queryInto(cmd, &types.TagsParams{RepoPath: path}, &list)
			if ok {
				printTags(list)
			}
			return err
		},
	}

	var remotesCmd = &cobra.Command{
		Use:   "remotes",
		Short: "List configured remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := repo()
			if err != nil {
				return err
			}
			var list types.RemoteList
			ok, err := queryInto(cmd, &types.RemotesParams{RepoPath: path}, &list)
			if ok {
				printRemotes(list)
			}
			return err
		},
	}

	var stdioCmd = &cobra.Command{
		Use:   "stdio",
		Short: "Serve the newline-delimited JSON protocol on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(true)
			if err != nil {
				return err
			}
			serveErr := transport.NewServer(a.Engine, a.Logger, os.Stdin, os.Stdout).Serve(cmd.Context())

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Close(closeCtx); err != nil && serveErr == nil {
				serveErr = err
			}
			return serveErr
		},
	}

	var pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "List requests in flight on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireServer()
			if err != nil {
				return err
			}
			pending, err := c.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing pending requests: %w", err)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(pending)
			}
			printPending(pending)
			return nil
		},
	}

	var cancelCmd = &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a request in flight on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireServer()
			if err != nil {
				return err
			}
			found, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancelling %s: %w", args[0], err)
			}
			if found {
				fmt.Printf("Cancelled %s\n", args[0])
			} else {
				fmt.Printf("No request %s in flight\n", args[0])
			}
			return nil
		},
	}

	var cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the server's result cache",
	}

	var cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireServer()
			if err != nil {
				return err
			}
			stats, err := c.CacheStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("reading cache stats: %w", err)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("entries   %d\nbytes     %d / %d\nhits      %d\nmisses    %d\nstale     %d\nevicted   %d\noversize  %d\n",
				stats.Entries, stats.Bytes, stats.MaxBytes, stats.Hits, stats.Misses, stats.Stale, stats.Evictions, stats.Oversize)
			return nil
		},
	}

	var cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Invalidate cached results",
		Long:  `Invalidates cached results for --repo, narrowed to --kind when given. --all clears every repository.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireServer()
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			all, _ := cmd.Flags().GetBool("all")
			path := ""
			if !all {
				if path, err = repo(); err != nil {
					return err
				}
			}
			removed, err := c.Invalidate(cmd.Context(), path, kind)
			if err != nil {
				return fmt.Errorf("invalidating cache: %w", err)
			}
			fmt.Printf("Removed %d cached results\n", removed)
			return nil
		},
	}

	// Add flags
	logCmd.Flags().Int("page-size", 20, "Commits per page")
	logCmd.Flags().String("cursor", "", "Cursor from a previous page")
	logCmd.Flags().String("range", "", "Revision range, e.g. main..feature")

	graphCmd.Flags().Int("window-size", 50, "Commits per window")
	graphCmd.Flags().String("cursor", "", "Cursor from a previous window")
	graphCmd.Flags().String("range", "", "Revision range, e.g. main..feature")

	for _, c := range []*cobra.Command{diffSummaryCmd, diffCmd} {
		c.Flags().String("from", "", "Base revision (default HEAD)")
		c.Flags().String("to", "", "Target revision (default working tree)")
		c.Flags().Int("max-bytes", 1<<20, "Byte budget for the result")
		c.Flags().Int("max-hunks", 1000, "Hunk budget for the result")
		c.Flags().String("cursor", "", "Cursor from a previous result")
	}

	blameCmd.Flags().String("rev", "", "Revision to blame (default HEAD)")
	blameCmd.Flags().Int("window-size", 1000, "Lines per window")
	blameCmd.Flags().String("cursor", "", "Cursor from a previous window")

	cacheClearCmd.Flags().String("kind", "", "Only clear results of this kind")
	cacheClearCmd.Flags().Bool("all", false, "Clear every repository")

	// Add commands to root
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(diffSummaryCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(blameCmd)
	rootCmd.AddCommand(branchesCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(remotesCmd)
	rootCmd.AddCommand(stdioCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func printError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if e, ok := errors.As(err); ok {
		fmt.Fprintf(os.Stderr, "%s %s\n", red(string(e.Code)+":"), e.Message)
		if e.Remediation != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("hint:"), e.Remediation)
		}
		return
	}
	fmt.Fprintln(os.Stderr, red("error:"), err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}
