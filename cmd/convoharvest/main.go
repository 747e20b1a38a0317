// Command convoharvest collects paginated conversation data into a local
// store, resumable across interruptions, and exports it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/convoharvest/convoharvest/pkg/config"
	"github.com/convoharvest/convoharvest/pkg/driver"
	"github.com/convoharvest/convoharvest/pkg/export"
	"github.com/convoharvest/convoharvest/pkg/fetch"
	"github.com/convoharvest/convoharvest/pkg/logging"
	"github.com/convoharvest/convoharvest/pkg/ratelimit"
	"github.com/convoharvest/convoharvest/pkg/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	sessionID  string
)

func main() {
	root := &cobra.Command{
		Use:           "convoharvest",
		Short:         "Resumable conversation collection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start or resume a collection session",
		RunE:  runCollect,
	}
	runCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default: new random session)")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a suspended collection session",
		RunE:  runCollect,
	}
	resumeCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (required)")
	_ = resumeCmd.MarkFlagRequired("session")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a session's records",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (required)")
	_ = exportCmd.MarkFlagRequired("session")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show collection statistics for a session",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (required)")
	_ = statsCmd.MarkFlagRequired("session")

	root.AddCommand(runCmd, resumeCmd, exportCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration, applying env
// overrides for credentials.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if token := os.Getenv("HARVEST_AUTH_TOKEN"); token != "" {
		cfg.Scraping.AuthToken = token
	}
	if addr := os.Getenv("HARVEST_REDIS_ADDR"); addr != "" {
		cfg.RateLimit.RedisAddr = addr
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return cfg, fmt.Errorf("invalid configuration (%d problems)", len(errs))
	}
	return cfg, nil
}

func openStore(cfg config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(
		store.SQLiteDSN(cfg.Store.Path),
		store.MergePolicy(cfg.Store.MergePolicy),
	)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	if cfg.Scraping.BaseURL == "" {
		return errors.New("scraping.base_url is required for run")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// The shared request gate is optional; without Redis each process
	// still spaces its own requests via the driver's backoff.
	var gate *ratelimit.Gate
	if cfg.RateLimit.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RateLimit.RedisAddr, err)
		}
		gate = ratelimit.NewGate(redisClient, cfg.Scraping.BaseURL,
			cfg.MinRequestInterval(), logging.NewLogger("ratelimit"))
	}

	fetchCfg := fetch.DefaultHTTPConfig(cfg.Scraping.BaseURL)
	fetchCfg.AuthToken = cfg.Scraping.AuthToken
	fetchCfg.PageSize = cfg.Scraping.PageSize
	if cfg.Scraping.TimeoutSeconds > 0 {
		fetchCfg.Timeout = cfg.TimeoutDuration()
	}
	fetcher, err := fetch.NewHTTPFetcher(fetchCfg, gate)
	if err != nil {
		return err
	}

	d := driver.New(fetcher, st, st, st, driver.Config{
		MaxRetries:           cfg.Scraping.MaxRetries,
		BackoffBase:          cfg.BackoffBase(),
		BackoffMax:           cfg.BackoffMax(),
		MaxRecords:           cfg.Scraping.MaxConversations,
		SkipEmpty:            cfg.Scraping.SkipEmptyConversations,
		AllowCheckpointReset: cfg.Store.AllowCheckpointReset,
	})

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("session_id", sessionID).Msg("Starting collection")
	res, err := d.Run(ctx, sessionID)
	if res != nil {
		log.Info().
			Str("session_id", sessionID).
			Str("outcome", string(res.Outcome)).
			Int("pages", res.PagesFetched).
			Int("records", res.RecordsInserted).
			Msg("Collection finished")
	}
	if err != nil {
		if errors.Is(err, driver.ErrRetriesExhausted) || errors.Is(err, context.Canceled) {
			// Suspended, not lost: the checkpoint is committed.
			fmt.Fprintf(os.Stderr, "session %s suspended, resume with: convoharvest resume --session %s\n",
				sessionID, sessionID)
		}
		return err
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	exporter := export.NewExporter(st, export.Options{
		Format:           export.Format(cfg.Output.Format),
		Directory:        cfg.Output.Directory,
		FilenameTemplate: cfg.Output.FilenameTemplate,
		IncludeMetadata:  cfg.Output.IncludeMetadata,
	})
	path, err := exporter.Export(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := export.CollectStats(cmd.Context(), st, sessionID)
	if err != nil {
		return err
	}
	stats.Render(os.Stdout)
	return nil
}
