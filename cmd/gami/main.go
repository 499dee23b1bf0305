// Command gami runs the protocol engine agents and the supervisor that
// fronts them.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gami/protocol-engine/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gami",
		Short: "Gami protocol engines",
		Long:  "Economy, quest and security engines for the Gami loyalty protocol, and the MCP supervisor in front of them.",
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSupervisorCommand())
	return cmd
}

// setupLogging installs a JSON slog handler as the default logger.
func setupLogging(w io.Writer, level string) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: config.Level(level)})
	slog.SetDefault(slog.New(handler))
}
