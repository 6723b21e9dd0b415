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

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

// IngestServiceCompletion processes one internal bill-payment or payout
// completion. Unlike the card path the retailer is named directly and the
// wallet is debited: the retailer pays amount plus charge, then earns its
// commission back through the cascade.
func (e *Engine) IngestServiceCompletion(ctx context.Context, completion *models.ServiceCompletion) (*models.ServiceTransaction, error) {
	if completion.ExternalTxId == "" {
		return nil, fmt.Errorf("completion missing external_tx_id")
	}
	if completion.ServiceType != models.ServiceBillPayment && completion.ServiceType != models.ServicePayout {
		return nil, fmt.Errorf("unsupported completion service type %q", completion.ServiceType)
	}
	if !completion.Amount.IsPositive() {
		return nil, fmt.Errorf("completion amount must be positive, got %s", completion.Amount)
	}
	eventsReceivedTotal.WithLabelValues("completion").Inc()

	tx, err := e.store.GetTransactionByExternalId(ctx, completion.ServiceType, completion.ExternalTxId)
	if err != nil {
		return nil, err
	}
	if tx != nil && tx.WalletCredited {
		eventsDuplicateTotal.Inc()
		// Same contract as the gateway path: the raw status refreshes on a
		// redelivery, money does not move.
		tx.RawStatus = "COMPLETED"
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, err
		}
		zap.L().Info("Duplicate completion acknowledged",
			zap.String("external_tx_id", completion.ExternalTxId),
			zap.String("transaction_id", tx.Id))
		return tx, nil
	}

	if tx == nil {
		tx, err = e.store.InsertTransaction(ctx, &models.ServiceTransaction{
			ServiceType:  completion.ServiceType,
			ExternalTxId: completion.ExternalTxId,
			Amount:       completion.Amount,
			Currency:     completion.Currency,
			RawStatus:    "COMPLETED",
			SecondaryKey: completion.SecondaryKey(),
			EventTime:    nowOr(completion.EventTime),
			State:        models.TxReceived,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateTransaction) {
				return e.IngestServiceCompletion(ctx, completion)
			}
			return nil, err
		}
	} else {
		tx.Amount = completion.Amount
		tx.Currency = completion.Currency
		tx.SecondaryKey = completion.SecondaryKey()
		tx.FailureReason = ""
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, err
		}
	}

	entity, err := e.store.GetEntity(ctx, completion.EntityId)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			return tx, e.parkUnsettled(ctx, tx,
				fmt.Sprintf("entity %s not found", completion.EntityId), "entity_unknown")
		}
		return nil, err
	}
	if entity.Role != models.RoleRetailer {
		return tx, e.parkUnsettled(ctx, tx,
			fmt.Sprintf("entity %s has role %s, expected retailer", entity.Id, entity.Role), "entity_role")
	}
	tx.RetailerId = entity.Id
	tx.DistributorId = entity.DistributorId
	tx.MasterDistributorId = entity.MasterDistributorId
	tx.State = models.TxMatched
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	breakdown, err := e.priceTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrNoSchemeResolved) || errors.Is(err, store.ErrNoApplicableSlab) {
			return tx, e.parkUnsettled(ctx, tx, err.Error(), "pricing_failed")
		}
		return nil, err
	}
	// The retailer pays the service amount plus its charge in one debit.
	tx.NetAmount = tx.Amount.Add(tx.Charge)
	tx.State = models.TxPriced
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	def, err := e.lookupService(completion.ServiceType)
	if err != nil {
		return nil, err
	}
	txKind := models.TxBillDebit
	if completion.ServiceType == models.ServicePayout {
		txKind = models.TxPayoutDebit
	}
	params := store.PostParams{
		EntityId:     tx.RetailerId,
		EntityRole:   models.RoleRetailer,
		WalletKind:   def.WalletKind,
		FundCategory: def.FundCategory,
		ServiceType:  completion.ServiceType,
		TxKind:       txKind,
		Debit:        tx.NetAmount,
		Status:       entryStatusFor(def.Settlement),
		ExternalTxId: tx.ExternalTxId,
		Remarks:      fmt.Sprintf("%s %s incl. charge %s", completion.ServiceType, tx.ExternalTxId, tx.Charge),
	}
	if err := e.creditAndCascade(ctx, tx, breakdown, params, def.Settlement); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) || errors.Is(err, store.ErrWalletFrozen) {
			if parkErr := e.parkUnsettled(ctx, tx, err.Error(), "debit_rejected"); parkErr != nil {
				return nil, parkErr
			}
			// The rejection is surfaced so the calling service can refuse
			// the customer-facing operation.
			return tx, err
		}
		return nil, err
	}
	return tx, nil
}
