package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ikoceski/planflow/internal/cli"
	internal_http "github.com/ikoceski/planflow/internal/http"
	"github.com/ikoceski/planflow/internal/log"
	internal_storage "github.com/ikoceski/planflow/internal/storage"
	"github.com/ikoceski/planflow/pkg/coordinator"
	"github.com/ikoceski/planflow/pkg/events"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/session"
	"github.com/ikoceski/planflow/pkg/statestore"
	"github.com/ikoceski/planflow/pkg/vcs"
)

var rootCmd = &cobra.Command{Use: "planflow"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the PlanFlow server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}

		port, _ := cmd.Flags().GetString("port")
		repoDir, _ := cmd.Flags().GetString("repo")
		stateDir, _ := cmd.Flags().GetString("state-dir")
		integration, _ := cmd.Flags().GetString("integration")
		workers, _ := cmd.Flags().GetInt("workers")
		dbConnStr, _ := cmd.Flags().GetString("db")
		execCmd, _ := cmd.Flags().GetString("executor")

		if repoDir == "" {
			fmt.Fprintln(os.Stderr, "Error: --repo is required")
			os.Exit(1)
		}
		if execCmd == "" {
			fmt.Fprintln(os.Stderr, "Error: --executor is required")
			os.Exit(1)
		}

		logger := log.GetLogger()
		client := vcs.NewGitClient(repoDir, integration, logger)
		snapshots := statestore.NewFileStore(stateDir)

		var history session.HistoryStore
		if dbConnStr != "" {
			store, err := internal_storage.InitStore(dbConnStr)
			if err != nil {
				logger.Errorf("Failed to initialize history store: %v", err)
				os.Exit(1)
			}
			defer store.Close()
			history = store
		}

		cfg := coordinator.DefaultConfig()
		if workers > 0 {
			cfg.MaxWorkers = workers
		}

		mgr := session.NewManager(session.ManagerOptions{
			Config:            cfg,
			Executor:          &coordinator.CommandExecutor{Command: strings.Fields(execCmd)},
			Client:            client,
			Snapshots:         snapshots,
			History:           history,
			Emitter:           events.NewEmitter(),
			Logger:            logger,
			IntegrationBranch: integration,
		})

		recovered := mgr.RecoverAll(context.Background())
		for _, s := range recovered {
			logger.Infof("Recovered session %s for request %s (paused)", s.ID, s.RequestID)
		}

		if err := internal_http.StartServer(port, mgr); err != nil {
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan file and wait for it to finish",
	Run: func(cmd *cobra.Command, args []string) {
		planPath, _ := cmd.Flags().GetString("plan")
		project, _ := cmd.Flags().GetString("project")

		if planPath == "" {
			fmt.Fprintln(os.Stderr, "Error: --plan is required")
			os.Exit(1)
		}

		data, err := os.ReadFile(planPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read plan file: %v\n", err)
			os.Exit(1)
		}
		var plan models.ExecutionPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to parse plan file: %v\n", err)
			os.Exit(1)
		}
		if project == "" {
			project = plan.RequestID
		}

		mgr := managerFromFlags(cmd)
		s, err := mgr.Start(context.Background(), &plan, project)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		waitAndReport(s)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [project]",
	Short: "Resume a project's persisted execution and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		project := args[0]
		mgr := managerFromFlags(cmd)

		var target *session.Session
		for _, s := range mgr.RecoverAll(context.Background()) {
			if s.Project == project {
				target = s
			}
		}
		if target == nil {
			fmt.Fprintf(os.Stderr, "Error: no recoverable execution for project %s\n", project)
			os.Exit(1)
		}
		if err := mgr.Resume(context.Background(), target.RequestID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		waitAndReport(target)
	},
}

// managerFromFlags wires the git client, snapshot store and command executor
// shared by the run and resume commands.
func managerFromFlags(cmd *cobra.Command) *session.Manager {
	repoDir, _ := cmd.Flags().GetString("repo")
	stateDir, _ := cmd.Flags().GetString("state-dir")
	integration, _ := cmd.Flags().GetString("integration")
	workers, _ := cmd.Flags().GetInt("workers")
	execCmd, _ := cmd.Flags().GetString("executor")

	if repoDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --repo is required")
		os.Exit(1)
	}
	if execCmd == "" {
		fmt.Fprintln(os.Stderr, "Error: --executor is required")
		os.Exit(1)
	}

	logger := log.GetLogger()
	cfg := coordinator.DefaultConfig()
	if workers > 0 {
		cfg.MaxWorkers = workers
	}
	return session.NewManager(session.ManagerOptions{
		Config:            cfg,
		Executor:          &coordinator.CommandExecutor{Command: strings.Fields(execCmd)},
		Client:            vcs.NewGitClient(repoDir, integration, logger),
		Snapshots:         statestore.NewFileStore(stateDir),
		Emitter:           events.NewEmitter(),
		Logger:            logger,
		IntegrationBranch: integration,
	})
}

func waitAndReport(s *session.Session) {
	result, err := s.Wait(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Plan %s finished with status %s (%d completed, %d failed, %d skipped)\n",
		result.PlanID, result.Status, result.Completed, result.Failed, result.Skipped)
	if result.Status != models.CompletedPlanStatus {
		os.Exit(1)
	}
}

func executionFlags(cmd *cobra.Command) {
	cmd.Flags().String("repo", "", "Path to the git repository tasks operate on")
	cmd.Flags().String("state-dir", ".planflow", "Directory for execution snapshots")
	cmd.Flags().String("integration", "main", "Integration branch worker results merge into")
	cmd.Flags().Int("workers", 0, "Maximum concurrent workers (0 = default)")
	cmd.Flags().String("executor", "", "Command invoked to execute tasks")
}

func main() {
	executionFlags(serveCmd)
	serveCmd.Flags().String("db", "", "Database connection string for session history (optional)")

	runCmd.Flags().String("plan", "", "Path to the plan file to execute")
	runCmd.Flags().String("project", "", "Project name for snapshots (defaults to the plan's request id)")
	executionFlags(runCmd)
	executionFlags(resumeCmd)

	rootCmd.AddCommand(serveCmd, runCmd, resumeCmd)
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
