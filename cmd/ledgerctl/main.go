/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command ledgerctl is the operator CLI for the settlement engine:
// balances, ledger inspection, scheme resolution dry-runs, and batch
// maintenance against the configured database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/config"
	"settlement-engine-go/internal/database"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/scheme"
	"settlement-engine-go/internal/settlement"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operator CLI for the settlement ledger engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	balanceCmd.Flags().String("kind", string(models.WalletPrimary), "Wallet kind (primary|commission)")
	ledgerCmd.Flags().String("kind", string(models.WalletPrimary), "Wallet kind (primary|commission)")
	ledgerCmd.Flags().Int("limit", 50, "Maximum entries to print")
	ledgerCmd.Flags().Int("offset", 0, "Entries to skip")
	resolveCmd.Flags().String("scope", "", "Service scope (bill-payment|payout|card-present)")
	calculateCmd.Flags().String("service", "", "Service type")
	calculateCmd.Flags().String("key", "", "Secondary key (bill category, transfer mode, card type)")
	releaseHoldsCmd.Flags().Duration("min-age", 0, "Override minimum hold age")
	reconcileCmd.Flags().String("kind", string(models.WalletPrimary), "Wallet kind (primary|commission)")

	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(calculateCmd)
	rootCmd.AddCommand(releaseHoldsCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// withDatabase loads config, opens the database, and hands it to fn.
func withDatabase(fn func(ctx context.Context, db *database.Service, cfg *models.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, db, cfg)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var balanceCmd = &cobra.Command{
	Use:   "balance ENTITY_ID",
	Short: "Print an entity's wallet balance and held funds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		return withDatabase(func(ctx context.Context, db *database.Service, _ *models.Config) error {
			wallet, err := db.GetWallet(ctx, args[0], models.WalletKind(kind))
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"entity_id":       args[0],
				"kind":            kind,
				"balance":         wallet.Balance,
				"settlement_held": wallet.SettlementHeld,
				"frozen":          wallet.Frozen,
			})
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger ENTITY_ID",
	Short: "Print an entity's ledger entries in posting order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return withDatabase(func(ctx context.Context, db *database.Service, _ *models.Config) error {
			entries, err := db.GetEntries(ctx, store.LedgerFilter{
				EntityId:   args[0],
				WalletKind: models.WalletKind(kind),
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-20s %-10s credit=%-12s debit=%-12s closing=%-12s %s\n",
					e.CreatedAt.Format(time.RFC3339), e.TxKind, e.Status,
					e.Credit, e.Debit, e.ClosingBalance, e.ExternalTxId)
			}
			fmt.Printf("%d entries\n", len(entries))
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ENTITY_ID",
	Short: "Dry-run scheme resolution for an entity and scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		if scope == "" {
			return fmt.Errorf("--scope is required")
		}
		return withDatabase(func(ctx context.Context, db *database.Service, _ *models.Config) error {
			entity, err := db.GetEntity(ctx, args[0])
			if err != nil {
				return err
			}
			resolved, err := scheme.NewResolver(db).Resolve(ctx, scheme.ResolveRequest{
				EntityId:            entity.Id,
				EntityRole:          entity.Role,
				Scope:               models.ServiceType(scope),
				DistributorId:       entity.DistributorId,
				MasterDistributorId: entity.MasterDistributorId,
				Now:                 time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return printJSON(resolved)
		})
	},
}

var calculateCmd = &cobra.Command{
	Use:   "calculate SCHEME_ID AMOUNT",
	Short: "Evaluate a scheme's slab for an amount",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		key, _ := cmd.Flags().GetString("key")
		if service == "" {
			return fmt.Errorf("--service is required")
		}
		amount, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("amount %q is not a valid decimal", args[1])
		}
		return withDatabase(func(ctx context.Context, db *database.Service, _ *models.Config) error {
			breakdown, err := scheme.NewCalculator(db).Calculate(ctx, args[0], models.ServiceType(service), amount, key)
			if err != nil {
				return err
			}
			return printJSON(breakdown)
		})
	},
}

var releaseHoldsCmd = &cobra.Command{
	Use:   "release-holds",
	Short: "Release matured T1 settlement holds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		minAge, _ := cmd.Flags().GetDuration("min-age")
		return withDatabase(func(ctx context.Context, db *database.Service, cfg *models.Config) error {
			age := cfg.Settlement.HoldMinAge
			if minAge > 0 {
				age = minAge
			}
			released, err := settlement.ReleaseDueHolds(ctx, db, age)
			if err != nil {
				return err
			}
			fmt.Printf("released %d holds\n", released)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile ENTITY_ID",
	Short: "Verify a wallet balance against its ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		return withDatabase(func(ctx context.Context, db *database.Service, _ *models.Config) error {
			if err := db.ReconcileWallet(ctx, args[0], models.WalletKind(kind)); err != nil {
				return err
			}
			fmt.Printf("wallet %s/%s reconciles\n", args[0], kind)
			return nil
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
