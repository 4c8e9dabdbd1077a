package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/wyatt727/WDFWatch-sub001/internal/config"
	"github.com/wyatt727/WDFWatch-sub001/internal/events"
	internal_http "github.com/wyatt727/WDFWatch-sub001/internal/http"
	"github.com/wyatt727/WDFWatch-sub001/internal/log"
	internal_storage "github.com/wyatt727/WDFWatch-sub001/internal/storage"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline orchestrator server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctrl, store := buildController(cmd, cfg)
			defer store.Close()
			defer ctrl.Stop()
			if err := ctrl.Recover(); err != nil {
				log.GetLogger().Errorf("Failed to recover interrupted runs: %v", err)
			}
			if err := internal_http.StartServer(cfg.Port, ctrl, store); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for an episode and wait for it to finish",
		Run: func(cmd *cobra.Command, args []string) {
			episodeID := episodeIDFlag(cmd)
			force, _ := cmd.Flags().GetBool("force")
			skipValidation, _ := cmd.Flags().GetBool("skip-validation")
			retryFailed, _ := cmd.Flags().GetBool("retry-failed")
			maxRetries, _ := cmd.Flags().GetInt("max-retries")
			concurrency, _ := cmd.Flags().GetString("concurrency")

			cfg := loadConfig(cmd)
			ctrl, store := buildController(cmd, cfg)
			defer store.Close()
			defer ctrl.Stop()

			run, err := ctrl.Start(context.Background(), episodeID, pipeline.StartOptions{
				Force:             force,
				SkipValidation:    skipValidation,
				RetryFailedStages: retryFailed,
				MaxRetries:        maxRetries,
				Concurrency:       pipeline.Concurrency(concurrency),
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to start run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to start run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Started run %s for episode %d\n", run.RunID, episodeID)
			final := waitForRun(ctrl, episodeID)
			printRun(final)
			if final.Status != models.CompletedRunStatus {
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().Bool("force", false, "Start even if another run is recorded as active")
	runCmd.Flags().Bool("skip-validation", false, "Skip pre-flight validation")
	runCmd.Flags().Bool("retry-failed", false, "Clear failed and skipped stages before running")
	runCmd.Flags().Int("max-retries", 0, "Override per-stage retry budget")
	runCmd.Flags().String("concurrency", "", "Resource pressure level: low, medium or high")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run for an episode",
		Run: func(cmd *cobra.Command, args []string) {
			episodeID := episodeIDFlag(cmd)
			store := initStore(cmd)
			defer store.Close()
			run, err := store.GetLatestRun(episodeID)
			if err != nil {
				if err == storage.ErrNotFound {
					fmt.Fprintf(os.Stdout, "No runs found for episode %d.\n", episodeID)
					return
				}
				log.GetLogger().Errorf("Failed to load run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to load run: %v\n", err)
				os.Exit(1)
			}
			printRun(run)
			progress, err := store.GetStageProgress(run.RunID)
			if err != nil {
				return
			}
			for _, sp := range progress {
				fmt.Fprintf(os.Stdout, "  - %s: %s (%d%%, retries: %d)\n",
					sp.StageID, sp.Status, sp.Progress, sp.RetryCount)
			}
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Run pre-flight validation for an episode",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctrl, store := buildController(cmd, cfg)
			defer store.Close()
			defer ctrl.Stop()
			episodeID := episodeIDFlag(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			result := ctrl.Validate(ctx, episodeID)
			fmt.Fprintf(os.Stdout, "Episode %d: valid=%t score=%d\n", episodeID, result.IsValid, result.Score)
			for _, check := range result.Checks {
				fmt.Fprintf(os.Stdout, "  [%s] %s: %s", check.Category, check.ID, check.Status)
				if check.Message != "" {
					fmt.Fprintf(os.Stdout, " (%s)", check.Message)
				}
				fmt.Fprintln(os.Stdout)
			}
			if !result.IsValid {
				os.Exit(1)
			}
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active or interrupted run for an episode",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctrl, store := buildController(cmd, cfg)
			defer store.Close()
			defer ctrl.Stop()
			episodeID := episodeIDFlag(cmd)
			if err := ctrl.Cancel(episodeID); err != nil {
				log.GetLogger().Errorf("Failed to cancel run: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to cancel run: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancelled pipeline for episode %d\n", episodeID)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all pipeline runs",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			runs, err := store.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Runs:\n")
			for _, run := range runs {
				fmt.Fprintf(os.Stdout, "- %s episode=%d status=%s progress=%d%% started=%s\n",
					run.RunID, run.EpisodeID, run.Status, run.Progress, run.StartedAt.Format(time.RFC3339))
			}
		},
	}

	for _, cmd := range []*cobra.Command{runCmd, statusCmd, validateCmd, cancelCmd} {
		cmd.Flags().Int64("episode", 0, "Episode ID")
	}

	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, validateCmd, cancelCmd, listCmd)
}

func waitForRun(ctrl *pipeline.Controller, episodeID int64) models.PipelineRun {
	for {
		run, err := ctrl.Status(episodeID)
		if err == nil && run != nil && run.Status.Terminal() {
			return *run
		}
		time.Sleep(time.Second)
	}
}

func printRun(run models.PipelineRun) {
	fmt.Fprintf(os.Stdout, "Run %s (episode %d): %s, progress %d%%\n",
		run.RunID, run.EpisodeID, run.Status, run.Progress)
	if run.CurrentStage != "" {
		fmt.Fprintf(os.Stdout, "  current stage: %s\n", run.CurrentStage)
	}
	if len(run.CompletedStages) > 0 {
		fmt.Fprintf(os.Stdout, "  completed: %v\n", run.CompletedStages)
	}
	if len(run.FailedStages) > 0 {
		fmt.Fprintf(os.Stdout, "  failed: %v\n", run.FailedStages)
	}
	if len(run.SkippedStages) > 0 {
		fmt.Fprintf(os.Stdout, "  skipped: %v\n", run.SkippedStages)
	}
	if run.ErrorMsg != "" {
		fmt.Fprintf(os.Stdout, "  error: %s\n", run.ErrorMsg)
	}
}

func episodeIDFlag(cmd *cobra.Command) int64 {
	id, err := cmd.Flags().GetInt64("episode")
	if err != nil || id == 0 {
		fmt.Fprintln(os.Stderr, "Error: --episode is required")
		os.Exit(1)
	}
	return id
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if dbConnStr, _ := cmd.Flags().GetString("db"); dbConnStr != "" {
		cfg.DatabaseURL = dbConnStr
	}
	return cfg
}

// buildController wires the full orchestrator stack from configuration. The
// returned store must be closed by the caller; Stop on the controller waits
// for in-flight runs.
func buildController(cmd *cobra.Command, cfg *config.Config) (*pipeline.Controller, storage.Store) {
	logger := log.GetLogger()
	store := initStore(cmd)

	registry := pipeline.NewDefaultRegistry()
	executor := pipeline.NewCommandExecutor(cfg.StageCommands, cfg.WorkDir, logger)
	probe := pipeline.NewHTTPHealthProbe(map[string]string{
		pipeline.LLMService: cfg.LLMHealthURL,
	})
	classifier := pipeline.NewClassifier(store, probe, logger)
	tracker := pipeline.NewTracker(store, registry, logger)
	episodes := internal_storage.NewFileEpisodeSource(cfg.WorkDir)
	validator := pipeline.NewDefaultValidator(logger, episodes, probe, store, cfg.WorkDir, cfg.CredentialEnvVars)

	var sink pipeline.EventSink = pipeline.NewLogSink(logger)
	if cfg.RedisAddr != "" {
		sink = events.NewRedisSink(cfg.RedisAddr)
	}

	ctrl := pipeline.NewController(context.Background(), registry, executor, classifier, tracker, validator, store, sink, logger)
	ctrl.SetMetrics(pipeline.NewMetrics(prometheus.DefaultRegisterer))
	return ctrl, store
}

func initStore(cmd *cobra.Command) storage.Store {
	dbConnStr, _ := cmd.Flags().GetString("db")
	if dbConnStr == "" {
		cfg := loadConfig(cmd)
		dbConnStr = cfg.DatabaseURL
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
