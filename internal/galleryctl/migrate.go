package galleryctl

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelforge/gallery-core/internal/progress"
)

// taskView mirrors migration.Task's exported fields (the API encodes it with
// Go's default field-name-as-key JSON, so no tags are needed here).
type taskView struct {
	ID                int64
	Kind              string
	SourceBackendID   string
	TargetBackendID   string
	DeleteSourceAfter bool
	Status            string
	TotalFiles        int
	ProcessedCount    int
	FailedCount       int
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

func (t taskView) done() bool {
	switch t.Status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Start and control storage migrations",
	}
	cmd.AddCommand(newMigrateStartCmd())
	cmd.AddCommand(newMigrateStatusCmd())
	cmd.AddCommand(newMigrateActionCmd("execute"))
	cmd.AddCommand(newMigrateActionCmd("pause"))
	cmd.AddCommand(newMigrateActionCmd("resume"))
	cmd.AddCommand(newMigrateActionCmd("cancel"))
	cmd.AddCommand(newMigrateRollbackCmd())
	return cmd
}

func newMigrateStartCmd() *cobra.Command {
	var kind, source, target string
	var deleteSource, execute, watch bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Plan a migration (original or thumbnail) between two backends",
		Long: `Plans a new migration task moving every matching record from
--source to --target. Use --execute to start it immediately, and --watch to
follow progress to completion (implies --execute).

Example:
  galleryctl migrate start --kind original --source local-1 --target s3-archive --execute --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				execute = true
			}
			var resp struct {
				ID int64 `json:"id"`
			}
			body := map[string]any{
				"kind":                kind,
				"source_backend_id":   source,
				"target_backend_id":   target,
				"delete_source_after": deleteSource,
			}
			if err := client().post(GetContext(), "/api/v1/migrations", body, &resp); err != nil {
				return err
			}
			fmt.Printf("planned migration %d\n", resp.ID)

			if execute {
				if err := client().post(GetContext(), fmt.Sprintf("/api/v1/migrations/%d/execute", resp.ID), nil, nil); err != nil {
					return err
				}
				fmt.Printf("executing migration %d\n", resp.ID)
			}
			if watch {
				return watchMigration(resp.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "original", "record kind: original or thumbnail")
	cmd.Flags().StringVar(&source, "source", "", "source backend id (required)")
	cmd.Flags().StringVar(&target, "target", "", "target backend id (required)")
	cmd.Flags().BoolVar(&deleteSource, "delete-source", false, "delete the source object once the copy succeeds")
	cmd.Flags().BoolVar(&execute, "execute", false, "start the migration immediately after planning")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress to completion (implies --execute)")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")

	return cmd
}

func newMigrateActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: "Send the " + action + " action to a migration task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client().post(GetContext(), fmt.Sprintf("/api/v1/migrations/%d/%s", id, action), nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s sent for migration %d\n", action, id)
			return nil
		},
	}
}

func newMigrateRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <task-id>",
		Short: "Restore catalog rows a cancelled migration left pointing at the target backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			var resp struct {
				RollbackTaskID int64 `json:"rollback_task_id"`
			}
			if err := client().post(GetContext(), fmt.Sprintf("/api/v1/migrations/%d/rollback", id), nil, &resp); err != nil {
				return err
			}
			fmt.Printf("queued rollback task %d; run 'galleryctl migrate execute %d' to start restoring records\n", resp.RollbackTaskID, resp.RollbackTaskID)
			return nil
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a migration task's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if watch {
				return watchMigration(id)
			}
			task, err := getTask(id)
			if err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "poll until the task reaches a terminal status")
	return cmd
}

func getTask(id int64) (taskView, error) {
	var task taskView
	err := client().get(GetContext(), fmt.Sprintf("/api/v1/migrations/%d", id), &task)
	return task, err
}

func printTask(t taskView) {
	fmt.Printf("task %d: %s (%s) %d/%d files, %d failed\n",
		t.ID, t.Status, t.Kind, t.ProcessedCount, t.TotalFiles, t.FailedCount)
}

// watchMigration polls a task's status and renders a progress bar until it
// reaches a terminal status, the CLI's one live-updating display the way
// any single-operation transfer command shows progress.
func watchMigration(id int64) error {
	bar := progress.NewCLIItemProgress()
	started := false

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		task, err := getTask(id)
		if err != nil {
			return err
		}
		if !started && task.TotalFiles > 0 {
			bar.Start(int64(task.TotalFiles), fmt.Sprintf("migration %d", id))
			started = true
		}
		bar.Update(int64(task.ProcessedCount + task.FailedCount))

		if task.done() {
			bar.Finish()
			printTask(task)
			if task.Status == "failed" {
				return fmt.Errorf("migration %d failed (%d records)", id, task.FailedCount)
			}
			return nil
		}

		select {
		case <-GetContext().Done():
			return GetContext().Err()
		case <-ticker.C:
		}
	}
}

func parseTaskID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
