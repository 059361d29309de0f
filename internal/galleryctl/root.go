package galleryctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pixelforge/gallery-core/internal/logging"
)

var (
	serverURL string
	verbose   bool

	logger *logging.Logger

	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version and BuildTime are set by main at startup.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// NewRootCmd builds the galleryctl root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "galleryctl",
		Short:   "Operator CLI for gallery-server",
		Version: Version + " (" + BuildTime + ")",
		Long: `galleryctl ` + Version + ` - Built: ` + BuildTime + `
Operator CLI for a running gallery-server: start and watch storage
migrations, inspect and retry AI task queues, and check backend storage
usage.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose {
				logging.SetGlobalLevel(-1)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "gallery-server base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newStorageCmd())

	return rootCmd
}

// Execute runs the CLI with Ctrl+C cancellation: an in-flight watch or
// request is cancelled rather than left hanging.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nreceived signal %v, cancelling\n", sig)
				cancelFunc()
			}
		}
	}()

	err := NewRootCmd().Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}

// GetLogger returns the CLI's shared logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the Ctrl+C-cancellable root context.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

func client() *Client {
	return NewClient(serverURL)
}
