package galleryctl

import (
	"fmt"

	"github.com/spf13/cobra"
)

// backendStatsView mirrors storage.BackendStats's exported fields.
type backendStatsView struct {
	ID          string
	DisplayName string
	Used        int64
	Total       int64
	IsDefault   bool
}

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect configured storage backends",
	}
	cmd.AddCommand(newStorageStatsCmd())
	return cmd
}

func newStorageStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-backend usage and total capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats []backendStatsView
			if err := client().get(GetContext(), "/api/v1/storage/stats", &stats); err != nil {
				return err
			}
			for _, s := range stats {
				marker := ""
				if s.IsDefault {
					marker = " (default)"
				}
				fmt.Printf("%-20s  %s%s  used=%s  total=%s\n",
					s.ID, s.DisplayName, marker, humanBytes(s.Used), humanBytes(s.Total))
			}
			return nil
		},
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
