package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/postscope/internal/config"
	"github.com/TobiSchelling/postscope/internal/database"
	"github.com/TobiSchelling/postscope/internal/logging"
	"github.com/TobiSchelling/postscope/internal/pipeline"
	"github.com/TobiSchelling/postscope/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "postscope",
	Short:   "Multi-language social post search",
	Long:    "postscope expands a question into language-targeted sub-queries, runs them against a post search backend, and aggregates the results into a cited report.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Setup(os.Stderr, levelFor("info"), "text")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logging.Setup(os.Stderr, levelFor(cfg.Logging.Level), cfg.Logging.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func levelFor(level string) string {
	if verbose {
		return "debug"
	}
	return level
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("postscope", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/postscope/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, retrieval backend and languages.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show history database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("History:")
		fmt.Printf("  User queries: %d\n", stats.UserQueries)
		fmt.Printf("  Sub-queries: %d\n", stats.SubQueries)
		fmt.Printf("  Reports: %d\n", stats.Summaries)
		fmt.Printf("  Owners: %d\n", stats.Owners)
		fmt.Println("\nBackends:")
		fmt.Printf("  LLM: %s\n", cfg.LLM.Provider)
		fmt.Printf("  Retrieval: %s\n", cfg.Retrieval.Backend)
		if cfg.Cache.RedisAddr != "" {
			fmt.Printf("  Result cache: %s (ttl %s)\n", cfg.Cache.RedisAddr, cfg.Cache.TTL)
		}
		return nil
	},
}

// --- search command ---

var (
	searchOwner  string
	searchReport bool
	searchJSON   bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a search and print its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.TrimSpace(strings.Join(args, " "))
		if query == "" {
			return errors.New("query is empty")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pipe, closeCache := pipeline.FromConfig(ctx, cfg, db)
		defer closeCache()

		owner := searchOwner
		if owner == "" {
			owner = cfg.Owner
		}

		var sink pipeline.Sink = pipeline.NewTextSink(os.Stdout)
		if searchJSON {
			sink = pipeline.Discard
		}
		sess, err := pipe.Run(ctx, owner, query, sink)
		if err != nil {
			return fmt.Errorf("search stopped: %w", err)
		}

		if searchReport {
			rep, err := pipe.GenerateReport(ctx, sess)
			if err != nil {
				return err
			}
			if !searchJSON {
				fmt.Println()
				fmt.Println(rep.Markdown())
			}
		}

		if searchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess.View())
		}
		fmt.Printf("\nSaved as %s. Run 'postscope history %s' to see it again.\n", sess.QueryID(), sess.QueryID())
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchOwner, "owner", "", "Owner recorded in history (default from config)")
	searchCmd.Flags().BoolVar(&searchReport, "report", false, "Generate a report after the search")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print the finished session as JSON instead of progress")
}

// --- history command ---

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List past searches, or show one with its sub-queries and report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		owner := searchOwner
		if owner == "" {
			owner = cfg.Owner
		}

		if len(args) == 0 {
			queries, err := db.ListUserQueries(owner, historyLimit)
			if err != nil {
				return err
			}
			if len(queries) == 0 {
				fmt.Println("No searches yet. Start one with: postscope search \"your question\"")
				return nil
			}
			for _, q := range queries {
				fmt.Printf("  %s  %s  %s\n", q.CreatedAt, q.ID, q.Text)
			}
			return nil
		}

		q, err := db.GetQuery(args[0])
		if err != nil {
			return err
		}
		if q == nil || q.Owner != owner || q.Kind != database.KindUser {
			return fmt.Errorf("search %s not found", args[0])
		}

		fmt.Printf("%s\n  %s\n", q.Text, q.CreatedAt)
		subs, err := db.GetSubQueries(q.ID)
		if err != nil {
			return err
		}
		if len(subs) > 0 {
			fmt.Println("\nSub-queries:")
			for i, s := range subs {
				fmt.Printf("  %2d. %s\n", i+1, s.Text)
			}
		}

		sum, err := db.GetLatestSummary(q.ID)
		if err != nil {
			return err
		}
		if sum != nil {
			fmt.Printf("\nReport (%s, %d references):\n\n%s\n", sum.GeneratedAt, sum.ReferenceCount, sum.Body)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of searches to list")
	historyCmd.Flags().StringVar(&searchOwner, "owner", "", "Owner whose history to show (default from config)")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and report pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := authenticator()
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pipe, closeCache := pipeline.FromConfig(ctx, cfg, db)
		defer closeCache()

		srv, err := server.New(db, pipeline.NewCoordinator(pipe), auth)
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- token command ---

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token [owner]",
	Short: "Issue an API token for owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := authenticator()
		if err != nil {
			return err
		}
		tok, err := auth.IssueToken(args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func authenticator() (*server.Authenticator, error) {
	env := cfg.Server.JWTSecretEnv
	secret := os.Getenv(env)
	if secret == "" {
		return nil, fmt.Errorf("%s is not set; the server needs a JWT signing secret", env)
	}
	return server.NewAuthenticator([]byte(secret), cfg.Server.SignInURL), nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "postscope.db")
	return database.Open(dbPath)
}
