package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"toolrun/internal/adapter/store"
)

func newTasksCmd(root *rootFlags) *cobra.Command {
	var ledgerPath string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List background tasks recorded in the task ledger",
		Long: `Prints the ledger's task records as JSON lines, oldest first. With
--session only that session's tasks are listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ledgerPath == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				ledgerPath = cfg.Process.LedgerPath
			}
			if ledgerPath == "" {
				return errors.New("no task ledger configured (set process.ledger_path or --ledger)")
			}
			ledger, err := store.NewSQLiteTaskLedger(ledgerPath, root.sessionID)
			if err != nil {
				return err
			}
			defer ledger.Close()

			recs, err := ledger.List(cmd.Context(), root.sessionID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger database path (default: process.ledger_path)")
	return cmd
}
