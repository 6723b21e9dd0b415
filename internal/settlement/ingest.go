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

// IngestGatewayEvent processes one card-present notification from the
// payment gateway. Deliveries are retried by the gateway, so the whole
// path is idempotent: a replay of an already-credited event updates the
// raw status and nothing else.
func (e *Engine) IngestGatewayEvent(ctx context.Context, event *models.GatewayEvent) (*models.ServiceTransaction, error) {
	if event.ExternalTxId == "" {
		return nil, fmt.Errorf("gateway event missing external_tx_id")
	}
	eventsReceivedTotal.WithLabelValues("gateway").Inc()

	tx, err := e.store.GetTransactionByExternalId(ctx, models.ServiceCardPresent, event.ExternalTxId)
	if err != nil {
		return nil, err
	}
	if tx != nil && tx.WalletCredited {
		eventsDuplicateTotal.Inc()
		tx.RawStatus = event.Status
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, err
		}
		zap.L().Info("Duplicate gateway delivery acknowledged",
			zap.String("external_tx_id", event.ExternalTxId),
			zap.String("transaction_id", tx.Id))
		return tx, nil
	}

	if tx == nil {
		tx, err = e.store.InsertTransaction(ctx, &models.ServiceTransaction{
			ServiceType:  models.ServiceCardPresent,
			ExternalTxId: event.ExternalTxId,
			Amount:       event.Amount,
			Currency:     event.Currency,
			RawStatus:    event.Status,
			DeviceSerial: event.DeviceSerial,
			SecondaryKey: event.CardType,
			EventTime:    nowOr(event.EventTime),
			State:        models.TxReceived,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateTransaction) {
				// Concurrent delivery inserted it first; re-read and let
				// the credited guard below decide.
				return e.IngestGatewayEvent(ctx, event)
			}
			return nil, err
		}
	} else {
		// A prior delivery (authorize-only, or one that parked unsettled)
		// exists: refresh the event fields and try the pipeline again.
		tx.Amount = event.Amount
		tx.Currency = event.Currency
		tx.RawStatus = event.Status
		tx.DeviceSerial = event.DeviceSerial
		tx.SecondaryKey = event.CardType
		tx.FailureReason = ""
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, err
		}
	}

	switch event.Status {
	case models.EventCaptured:
		// Only captured money settles.
	case models.EventAuthorized:
		zap.L().Info("Authorization recorded, awaiting capture",
			zap.String("external_tx_id", event.ExternalTxId))
		return tx, nil
	default:
		return tx, e.parkUnsettled(ctx, tx,
			fmt.Sprintf("event status %s is not creditable", event.Status), "not_captured")
	}

	if !tx.Amount.IsPositive() {
		return tx, e.parkUnsettled(ctx, tx, "captured amount is not positive", "bad_amount")
	}

	retailer, err := e.store.FindRetailerByDevice(ctx, tx.DeviceSerial)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotMapped) {
			return tx, e.parkUnsettled(ctx, tx,
				fmt.Sprintf("device %s is not mapped to a retailer", tx.DeviceSerial), "device_unmapped")
		}
		return nil, err
	}
	tx.RetailerId = retailer.Id
	tx.DistributorId = retailer.DistributorId
	tx.MasterDistributorId = retailer.MasterDistributorId
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
	tx.NetAmount = tx.Amount.Sub(tx.Charge)
	if tx.NetAmount.IsNegative() {
		return tx, e.parkUnsettled(ctx, tx,
			fmt.Sprintf("charge %s exceeds amount %s", tx.Charge, tx.Amount), "charge_exceeds_amount")
	}
	tx.State = models.TxPriced
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	def, err := e.lookupService(models.ServiceCardPresent)
	if err != nil {
		return nil, err
	}
	params := store.PostParams{
		EntityId:     tx.RetailerId,
		EntityRole:   models.RoleRetailer,
		WalletKind:   def.WalletKind,
		FundCategory: def.FundCategory,
		ServiceType:  models.ServiceCardPresent,
		TxKind:       models.TxPosCredit,
		Credit:       tx.NetAmount,
		Status:       entryStatusFor(def.Settlement),
		ExternalTxId: tx.ExternalTxId,
		Remarks:      fmt.Sprintf("card-present capture %s net of charge %s", tx.ExternalTxId, tx.Charge),
	}
	if err := e.creditAndCascade(ctx, tx, breakdown, params, def.Settlement); err != nil {
		return nil, err
	}
	return tx, nil
}
