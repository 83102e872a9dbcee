package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oddsbook/market-engine/internal/model"
	"github.com/oddsbook/market-engine/internal/odds"
	"github.com/oddsbook/market-engine/internal/settlement"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			if e.deps.Postgres == nil {
				return fmt.Errorf("migrate: no database configured")
			}
			if err := e.deps.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run one settlement pass over expired markets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			engine := settlement.NewEngine(e.deps.Store, nil, e.logger)
			sched := settlement.NewScheduler(engine, e.deps.Redis, e.cfg.Settlement.Interval, e.cfg.Settlement.LockTTL, e.logger)

			n, err := sched.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d market(s)\n", n)
			return nil
		})
	},
}

var declareOutcomeCmd = &cobra.Command{
	Use:   "declare-outcome <market-id> <YES|NO>",
	Short: "Declare the winning side of an ended market",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		side, ok := model.ParseSide(args[1])
		if !ok {
			return fmt.Errorf("outcome must be YES or NO, got %q", args[1])
		}
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			m, err := settlement.NewEngine(e.deps.Store, nil, e.logger).DeclareOutcome(ctx, args[0], side)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "market %s outcome: %s\n", m.ID, *m.Outcome)
			return nil
		})
	},
}

var createMarketCmd = &cobra.Command{
	Use:   "create-market <name>",
	Short: "Create a market",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		duration, _ := cmd.Flags().GetDuration("duration")
		if duration <= 0 {
			return fmt.Errorf("duration must be positive")
		}

		now := time.Now().UTC()
		market := &model.Market{
			ID:          uuid.New().String(),
			Name:        strings.Join(args, " "),
			Description: description,
			Odds:        odds.Neutral,
			EndDate:     now.Add(duration),
			CreatedAt:   now,
		}
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			if err := e.deps.Store.CreateMarket(ctx, market); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(market)
		})
	},
}

func init() {
	createMarketCmd.Flags().StringP("description", "d", "", "market description")
	createMarketCmd.Flags().Duration("duration", 7*24*time.Hour, "time until trading ends")

	rootCmd.AddCommand(migrateCmd, resolveCmd, declareOutcomeCmd, createMarketCmd)
}
