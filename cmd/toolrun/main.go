package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"toolrun/internal/infra/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	sessionID  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "toolrun: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "toolrun",
		Short: "Run LLM tool calls: shell commands, background processes, hooks and sandboxing",
		Long: `toolrun executes tool calls emitted by a language model. Calls are
validated, passed through hooks and permission checks, scheduled with a
concurrency barrier and streamed back as JSON lines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", configPath(), "config file path (env TOOLRUN_CONFIG)")
	root.PersistentFlags().StringVar(&flags.sessionID, "session", "", "session id (default: random)")

	root.AddCommand(
		newRunCmd(flags),
		newToolsCmd(flags),
		newSandboxCmd(flags),
		newTasksCmd(flags),
		newVersionCmd(),
	)
	return root
}

func configPath() string {
	if p := os.Getenv("TOOLRUN_CONFIG"); p != "" {
		return p
	}
	return "toolrun.yaml"
}

func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (f *rootFlags) session() string {
	if f.sessionID != "" {
		return f.sessionID
	}
	return uuid.NewString()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the toolrun version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "toolrun %s\n", version)
		},
	}
}
