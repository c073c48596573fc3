// Command rublk creates, lists and deletes ublk block devices served by
// the targets in this module.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-ublksrv/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)
	root := &cobra.Command{
		Use:          "rublk",
		Short:        "Serve and manage ublk userspace block devices",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		newAddCmd(&addFlags{}),
		newDelCmd(),
		newListCmd(),
		newFeaturesCmd(),
	)
	return root
}

// setupLogging installs the process-wide logger
func setupLogging(level, format string) error {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	switch format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = lvl
	cfg.Format = format
	logging.SetDefault(logging.NewLogger(cfg))
	return nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
