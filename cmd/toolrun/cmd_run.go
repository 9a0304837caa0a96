package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"toolrun/internal/domain"
	"toolrun/internal/infra/config"
	"toolrun/internal/usecase/process"
	"toolrun/internal/usecase/scheduler"
)

type runFlags struct {
	cwd             string
	permissionMode  string
	skipPermissions bool
	timeout         time.Duration
	waitBackground  time.Duration
	metricsAddr     string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [calls.json]",
		Short: "Execute tool calls and stream updates as JSON lines",
		Long: `Reads tool calls from the given file, or stdin, as a JSON array or a
stream of objects ({"id": ..., "name": ..., "arguments": {...}}). Every
progress update and result is written to stdout as one JSON line, results
in the order the calls were given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			calls, err := decodeCalls(in)
			if err != nil {
				return err
			}
			return runCalls(cmd.Context(), root, flags, calls, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "working directory of the turn (default: current directory)")
	cmd.Flags().StringVar(&flags.permissionMode, "permission-mode", "", "override permissions.mode (default, accept_edits, bypass, plan)")
	cmd.Flags().BoolVar(&flags.skipPermissions, "skip-permissions", false, "skip permission checks unless a hook asks for one")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "abort the turn after this long (0 = no limit)")
	cmd.Flags().DurationVar(&flags.waitBackground, "wait-background", 0, "wait this long for background processes before exiting")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

// outputLine is one line of the run command's output that is not a
// scheduler update.
type outputLine struct {
	Kind         string                      `json:"kind"`
	Notification *domain.ProcessNotification `json:"notification,omitempty"`
	Output       *domain.OutputProgress      `json:"output,omitempty"`
	Turn         *domain.TurnState           `json:"turn,omitempty"`
	Errored      bool                        `json:"errored,omitempty"`
}

func runCalls(ctx context.Context, root *rootFlags, flags *runFlags, calls []domain.ToolCall, out io.Writer) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if flags.permissionMode != "" {
		cfg.Permissions.Mode = flags.permissionMode
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	cwd := flags.cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	sessionID := root.session()
	a, err := newApp(ctx, cfg, sessionID, appOptions{metricsAddr: flags.metricsAddr})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.close(shutdownCtx); err != nil {
			a.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	turn := domain.TurnState{
		SessionID:       sessionID,
		Cwd:             cwd,
		PermissionMode:  domain.PermissionMode(cfg.Permissions.Mode),
		SkipPermissions: flags.skipPermissions,
	}
	enc := json.NewEncoder(out)

	s := scheduler.New(ctx, a.invoker, turn,
		scheduler.WithEventBus(a.bus),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(a.logger),
	)
	for _, c := range calls {
		s.AddCall(c)
	}
	// The abort signal reaches the calls through the scheduler; draining
	// continues so every call still gets its cancellation result.
	if err := s.Drain(context.Background(), func(u scheduler.Update) error { return enc.Encode(u) }); err != nil {
		return fmt.Errorf("write update: %w", err)
	}

	if flags.waitBackground > 0 {
		waitBackground(ctx, a.manager, flags.waitBackground)
	}
	for _, p := range a.manager.FlushOutputProgress() {
		if err := enc.Encode(outputLine{Kind: "output", Output: &p}); err != nil {
			return err
		}
	}
	for _, n := range a.manager.FlushNotifications() {
		if err := enc.Encode(outputLine{Kind: "notification", Notification: &n}); err != nil {
			return err
		}
	}

	final := s.TurnState()
	return enc.Encode(outputLine{Kind: "turn", Turn: &final, Errored: s.Errored()})
}

// waitBackground blocks until no background process is running, d elapses
// or ctx ends.
func waitBackground(ctx context.Context, pm *process.Manager, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		running := false
		for _, e := range pm.List() {
			if e.Status == domain.ProcessStatusRunning {
				running = true
				break
			}
		}
		if !running {
			return
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// decodeCalls reads a JSON array of calls or a stream of call objects.
// Calls without an id are numbered in order.
func decodeCalls(r io.Reader) ([]domain.ToolCall, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var calls []domain.ToolCall
	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&calls); err != nil {
			return nil, fmt.Errorf("decode calls: %w", err)
		}
	} else {
		for {
			var c domain.ToolCall
			if err := dec.Decode(&c); err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("decode call %d: %w", len(calls)+1, err)
			}
			calls = append(calls, c)
		}
	}

	seen := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].Name == "" {
			return nil, fmt.Errorf("call %d: missing name", i+1)
		}
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i+1)
		}
		if seen[calls[i].ID] {
			return nil, fmt.Errorf("call %d: duplicate id %q", i+1, calls[i].ID)
		}
		seen[calls[i].ID] = true
	}
	return calls, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
