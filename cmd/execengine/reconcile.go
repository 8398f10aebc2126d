package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"execengine/internal/model"
	sqlitestore "execengine/internal/store/sqlite"
)

var fillsFile string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass against the broker and print discrepancies",
	Long: `reconcile rebuilds the local order book from the ledger, compares it with
the broker's order book and the stored contract-note fill records, and prints
every discrepancy as JSON. The ledger is not written to.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&fillsFile, "fills", "", "JSON file of contract-note fill records to check as well")
	rootCmd.AddCommand(reconcileCmd)
}

// readOnlyLedger replays the real ledger but drops appends, so in-doubt
// orders resolved during recovery change only the in-memory view.
type readOnlyLedger struct {
	*sqlitestore.Ledger
}

func (readOnlyLedger) Append(context.Context, model.LedgerEntry) error { return nil }

func runReconcile(cmd *cobra.Command, args []string) error {
	// stdout carries the report
	cfg, log, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var records []model.FillRecord
	if fillsFile != "" {
		data, err := os.ReadFile(fillsFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("parse %s: %w", fillsFile, err)
		}
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("sqlite init failed: %w", err)
	}
	defer ledger.Close()

	s, err := buildStack(cfg, log, readOnlyLedger{ledger}, ledger, nil, nil)
	if err != nil {
		return err
	}
	defer s.sessions.Logout(context.Background())

	if err := s.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	found, err := s.rec.RunOnce(ctx)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		found = append(found, s.rec.CheckFills(ctx, records)...)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if found == nil {
		found = []model.Discrepancy{}
	}
	return enc.Encode(found)
}
