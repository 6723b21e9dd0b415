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

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-engine-go/internal/common"
	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/scheme"
	"settlement-engine-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlatformEntityId is the entity the company's own earnings settle to.
const PlatformEntityId = "platform"

// Engine drives the settlement pipeline: match the event to an entity,
// resolve and price the scheme, apply the ledger credit or debit, and
// enqueue the commission cascade.
type Engine struct {
	store    store.Store
	resolver *scheme.Resolver
	calc     *scheme.Calculator
	catalog  *common.ServiceCatalog
}

func NewEngine(st store.Store, catalog *common.ServiceCatalog) *Engine {
	return &Engine{
		store:    st,
		resolver: scheme.NewResolver(st),
		calc:     scheme.NewCalculator(st),
		catalog:  catalog,
	}
}

// parkUnsettled records why a transaction cannot settle and leaves it in
// the terminal unsettled state. The raw event always survives; dropping
// money that was actually received externally is forbidden.
func (e *Engine) parkUnsettled(ctx context.Context, tx *models.ServiceTransaction, reason, metricReason string) error {
	tx.State = models.TxUnsettled
	tx.FailureReason = reason
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to park transaction unsettled: %w", err)
	}
	unsettledTotal.WithLabelValues(metricReason).Inc()
	zap.L().Warn("Transaction parked unsettled",
		zap.String("transaction_id", tx.Id),
		zap.String("external_tx_id", tx.ExternalTxId),
		zap.String("service_type", string(tx.ServiceType)),
		zap.String("reason", reason))
	return nil
}

// priceTransaction resolves the governing scheme for the transaction's
// retailer and evaluates the slab. The transaction must already carry its
// hierarchy ids. On success the scheme audit fields and charge are filled
// in and the breakdown is returned.
func (e *Engine) priceTransaction(ctx context.Context, tx *models.ServiceTransaction) (*models.ChargeBreakdown, error) {
	resolved, err := e.resolver.Resolve(ctx, scheme.ResolveRequest{
		EntityId:            tx.RetailerId,
		EntityRole:          models.RoleRetailer,
		Scope:               tx.ServiceType,
		DistributorId:       tx.DistributorId,
		MasterDistributorId: tx.MasterDistributorId,
		Now:                 tx.EventTime,
	})
	if err != nil {
		return nil, err
	}

	breakdown, err := e.calc.Calculate(ctx, resolved.SchemeId, tx.ServiceType, tx.Amount, tx.SecondaryKey)
	if err != nil {
		return nil, err
	}

	tx.SchemeId = resolved.SchemeId
	tx.SchemeName = resolved.SchemeName
	tx.ResolvedVia = string(resolved.ResolvedVia)
	tx.Charge = breakdown.RetailerCharge
	return breakdown, nil
}

// buildCommissions turns a charge breakdown into cascade work items. The
// platform row carries its configured commission plus the company earning.
// Zero-amount levels produce no row.
func buildCommissions(tx *models.ServiceTransaction, breakdown *models.ChargeBreakdown) []models.CommissionPosting {
	type share struct {
		level    models.CommissionLevel
		entityId string
		role     models.EntityRole
		amount   decimal.Decimal
	}
	shares := []share{
		{models.CommissionRetailer, tx.RetailerId, models.RoleRetailer, breakdown.RetailerCommission},
		{models.CommissionDistributor, tx.DistributorId, models.RoleDistributor, breakdown.DistributorCommission},
		{models.CommissionMasterDistributor, tx.MasterDistributorId, models.RoleMasterDistributor, breakdown.MasterDistributorCommission},
		{models.CommissionPlatform, PlatformEntityId, models.RolePlatform, breakdown.PlatformCommission.Add(breakdown.CompanyEarning)},
	}

	var postings []models.CommissionPosting
	for _, sh := range shares {
		if sh.entityId == "" || !sh.amount.IsPositive() {
			continue
		}
		postings = append(postings, models.CommissionPosting{
			TransactionId: tx.Id,
			Level:         sh.level,
			EntityId:      sh.entityId,
			EntityRole:    sh.role,
			WalletKind:    models.WalletCommission,
			Amount:        sh.amount,
		})
	}
	return postings
}

// creditAndCascade applies the priced transaction to the ledger. The
// ledger entry, the wallet_credited flip and the cascade outbox rows
// commit as one SQL transaction, so the commission shares can never be
// stranded by a crash between crediting and enqueueing. params must
// already carry the right credit/debit split.
func (e *Engine) creditAndCascade(ctx context.Context, tx *models.ServiceTransaction, breakdown *models.ChargeBreakdown, params store.PostParams, mode models.SettlementMode) error {
	postings := buildCommissions(tx, breakdown)
	state := models.TxCascaded
	if len(postings) == 0 {
		state = models.TxSettled
	}

	entry, err := e.store.CreditTransaction(ctx, tx.Id, params, state, postings)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			eventsDuplicateTotal.Inc()
			zap.L().Info("Transaction already credited, skipping",
				zap.String("transaction_id", tx.Id),
				zap.String("external_tx_id", tx.ExternalTxId))
			return nil
		}
		return err
	}
	tx.WalletCredited = true
	tx.LedgerEntryId = entry.Id
	tx.State = state
	creditedTotal.WithLabelValues(string(mode)).Inc()
	return nil
}

// entryStatusFor returns the ledger entry status for a settlement mode:
// T1 money is recorded as a hold until the release batch runs.
func entryStatusFor(mode models.SettlementMode) models.EntryStatus {
	if mode == models.SettlementT1 {
		return models.EntryHold
	}
	return models.EntryCompleted
}

// lookupService fetches the catalog definition or fails loudly; an
// unconfigured service is an operator error, not an unsettled event.
func (e *Engine) lookupService(serviceType models.ServiceType) (models.ServiceDefinition, error) {
	def, ok := e.catalog.Lookup(serviceType)
	if !ok {
		return models.ServiceDefinition{}, fmt.Errorf("service %s is not in the catalog", serviceType)
	}
	return def, nil
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
