/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/foreman/internal/seed"
	"github.com/friendsincode/foreman/internal/server"
)

var (
	seedFile          string
	recalcMachine     string
	recalcFrom        int
	auditFailOnIssues bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(ctx context.Context, c *server.Components) error {
			logger.Info().Str("backend", string(cfg.DBBackend)).Msg("database schema up to date")
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load machines, downtime and jobs from a YAML plan",
	Long: `Load a YAML plan into the database.

Machines and their unavailable hours are stored first. Jobs naming a machine
are then appended to that machine's queue in file order.

Examples:
  foreman seed --file plans/week-12.yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := seed.Load(seedFile)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		return withComponents(func(ctx context.Context, c *server.Components) error {
			sum, err := seed.New(c.Store, c.Availability, c.Queue, logger).Apply(ctx, plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "machines=%d days=%d jobs=%d queued=%d conflicts=%d\n",
				sum.Machines, sum.Days, sum.Jobs, sum.Queued, len(sum.Conflicts))
			return nil
		})
	},
}

var recalculateCmd = &cobra.Command{
	Use:   "recalculate",
	Short: "Rebuild a machine's queue back to back from a position",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(ctx context.Context, c *server.Components) error {
			placed, err := c.Queue.RecalculateFrom(ctx, recalcMachine, recalcFrom)
			if err != nil {
				return err
			}
			for _, p := range placed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tsegments=%d\n",
					p.JobID, p.Start().Format("2006-01-02 15:04"), p.End().Format("2006-01-02 15:04"), len(p.Segments))
			}
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check every active machine timeline once and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(func(ctx context.Context, c *server.Components) error {
			report, err := c.Integrity.Scan(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if auditFailOnIssues && report.Total > 0 {
				return fmt.Errorf("%d timeline findings", report.Total)
			}
			return nil
		})
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Plan file to load")
	_ = seedCmd.MarkFlagRequired("file")

	recalculateCmd.Flags().StringVar(&recalcMachine, "machine", "", "Machine ID")
	recalculateCmd.Flags().IntVar(&recalcFrom, "from", 0, "Queue position to recalculate from")
	_ = recalculateCmd.MarkFlagRequired("machine")

	auditCmd.Flags().BoolVar(&auditFailOnIssues, "fail-on-findings", false, "Exit non-zero when findings exist")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(recalculateCmd)
	rootCmd.AddCommand(auditCmd)
}
