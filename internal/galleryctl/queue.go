package galleryctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

// queueView mirrors aiqueue.Queue's exported fields.
type queueView struct {
	ID           int64
	QueueKey     string
	TaskKind     string
	ModelName    string
	Status       string
	PendingCount int
	FailedCount  int
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and retry AI task queues",
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueItemCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every enabled AI task queue and its backlog size",
		RunE: func(cmd *cobra.Command, args []string) error {
			var queues []queueView
			if err := client().get(GetContext(), "/api/v1/queues", &queues); err != nil {
				return err
			}
			if len(queues) == 0 {
				fmt.Println("no enabled queues")
				return nil
			}
			for _, q := range queues {
				fmt.Printf("%d  %-12s  %-24s  %-10s  pending=%d  failed=%d\n",
					q.ID, q.TaskKind, q.ModelName, q.Status, q.PendingCount, q.FailedCount)
			}
			return nil
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue-id>",
		Short: "Re-queue every failed item in a queue for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client().post(GetContext(), fmt.Sprintf("/api/v1/queues/%d/retry", id), nil, nil); err != nil {
				return err
			}
			fmt.Printf("retrying failed items in queue %d\n", id)
			return nil
		},
	}
}

func newQueueItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Retry or ignore a single queue item",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <item-id>",
		Short: "Re-queue one failed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client().post(GetContext(), fmt.Sprintf("/api/v1/queue-items/%d/retry", id), nil, nil); err != nil {
				return err
			}
			fmt.Printf("retrying item %d\n", id)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ignore <item-id>",
		Short: "Permanently skip one failed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := client().post(GetContext(), fmt.Sprintf("/api/v1/queue-items/%d/ignore", id), nil, nil); err != nil {
				return err
			}
			fmt.Printf("ignoring item %d\n", id)
			return nil
		},
	})
	return cmd
}
