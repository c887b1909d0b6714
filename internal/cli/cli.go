package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ikoceski/planflow/internal/log"
	internal_storage "github.com/ikoceski/planflow/internal/storage"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	validateCmd := &cobra.Command{
		Use:   "validate [plan.json]",
		Short: "Validate an execution plan file (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			validatePlan(args[0])
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded execution sessions (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			store := initStore(dbConnStr)
			defer store.Close()
			listSessions(store)
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs [request-id]",
		Short: "Show task history for a change request (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			store := initStore(dbConnStr)
			defer store.Close()
			listTaskLogs(store, args[0])
		},
	}

	for _, c := range []*cobra.Command{sessionsCmd, logsCmd} {
		c.Flags().String("db", "", "Database connection string")
	}
	rootCmd.AddCommand(validateCmd, sessionsCmd, logsCmd)
}

func validatePlan(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read plan file: %v\n", err)
		os.Exit(1)
	}
	var plan models.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to parse plan file: %v\n", err)
		os.Exit(1)
	}
	if err := plan.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid plan: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Plan %s is valid: %d tasks in %d parallel groups\n",
		plan.ID, len(plan.Tasks), len(plan.ParallelGroups))
}

func listSessions(store *internal_storage.PostgresStore) {
	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		log.GetLogger().Errorf("Failed to list sessions: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Fprintf(os.Stdout, "No sessions found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(os.Stdout, "- Request: %s, Plan: %s, Project: %s, Status: %s, Created: %s\n",
			s.RequestID, s.PlanID, s.Project, s.Status, s.CreatedAt.Format(time.RFC3339))
	}
}

func listTaskLogs(store *internal_storage.PostgresStore, requestID string) {
	logs, err := store.ListTaskLogs(context.Background(), requestID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list task logs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list task logs: %v\n", err)
		os.Exit(1)
	}
	if len(logs) == 0 {
		fmt.Fprintf(os.Stdout, "No task logs found for request %s.\n", requestID)
		return
	}
	for _, l := range logs {
		fmt.Fprintf(os.Stdout, "- %s %s [%s] worker=%s %s\n",
			l.LoggedAt.Format(time.RFC3339), l.TaskID, l.Status, l.WorkerID, l.Message)
	}
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
