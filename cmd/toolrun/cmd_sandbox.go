package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"toolrun/internal/security"
)

type sandboxFlags struct {
	readDeny       []string
	writeAllow     []string
	writeDeny      []string
	restrictNet    bool
	require        bool
	cwd            string
	allowUnixSocks []string
}

// sandboxReport is what the sandbox command prints.
type sandboxReport struct {
	Platform string   `json:"platform,omitempty"`
	Confined bool     `json:"confined"`
	Note     string   `json:"note,omitempty"`
	Argv     []string `json:"argv"`
}

func newSandboxCmd(root *rootFlags) *cobra.Command {
	flags := &sandboxFlags{}
	cmd := &cobra.Command{
		Use:   "sandbox [flags] -- command [args...]",
		Short: "Print the confined argv a command would run with",
		Long: `Renders the configured sandbox policy, adjusted by flags, for the detected
platform (bwrap on Linux, sandbox-exec on macOS) and prints the wrapped argv
without running it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts := cfg.Sandbox.SandboxOptions
			opts.Enabled = true
			opts.ReadDeny = append(opts.ReadDeny, flags.readDeny...)
			opts.WriteAllow = append(opts.WriteAllow, flags.writeAllow...)
			opts.WriteDeny = append(opts.WriteDeny, flags.writeDeny...)
			opts.AllowUnixSockets = append(opts.AllowUnixSockets, flags.allowUnixSocks...)
			opts.RestrictNetwork = opts.RestrictNetwork || flags.restrictNet
			opts.Require = opts.Require || flags.require
			if flags.cwd != "" {
				opts.Cwd = flags.cwd
			}

			builder := security.NewSandboxBuilder(os.TempDir(), nil)
			wrapped, err := builder.Wrap(opts, []string{"/bin/sh", "-c", strings.Join(args, " ")})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sandboxReport{
				Platform: wrapped.Platform,
				Confined: wrapped.Confined,
				Note:     wrapped.Note,
				Argv:     wrapped.Argv,
			})
		},
	}
	cmd.Flags().StringSliceVar(&flags.readDeny, "read-deny", nil, "paths the command may not read")
	cmd.Flags().StringSliceVar(&flags.writeAllow, "write-allow", nil, "paths the command may write")
	cmd.Flags().StringSliceVar(&flags.writeDeny, "write-deny", nil, "read-only paths inside write-allow roots")
	cmd.Flags().StringSliceVar(&flags.allowUnixSocks, "allow-unix-socket", nil, "unix sockets reachable with the network restricted")
	cmd.Flags().BoolVar(&flags.restrictNet, "no-network", false, "restrict network access")
	cmd.Flags().BoolVar(&flags.require, "require", false, "fail when no sandbox tool is installed")
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "directory relative paths resolve against")
	return cmd
}
