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

package scheme

import (
	"context"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// earningClampTotal counts slabs whose commissions exceeded the charge at
// runtime. A non-zero rate is a scheme configuration problem operators
// must fix; the engine floors the earning at zero instead of booking
// negative revenue.
var earningClampTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "settlement_company_earning_clamped_total",
	Help: "Number of charge calculations where commissions exceeded the retailer charge.",
})

// Calculator evaluates a resolved scheme's slab for a concrete amount.
type Calculator struct {
	store store.SchemeStore
}

func NewCalculator(st store.SchemeStore) *Calculator {
	return &Calculator{store: st}
}

// Calculate finds the slab covering amount (inclusive bounds) under the
// scheme and evaluates every monetary field. A slab with a matching
// secondary key beats a wildcard slab. Disabled slabs never match.
func (c *Calculator) Calculate(ctx context.Context, schemeId string, serviceType models.ServiceType, amount decimal.Decimal, secondaryKey string) (*models.ChargeBreakdown, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}

	slabs, err := c.store.GetSlabs(ctx, schemeId, serviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load slabs: %w", err)
	}

	var match *models.SchemeSlab
	for i := range slabs {
		slab := &slabs[i]
		if !slab.Enabled {
			continue
		}
		if amount.LessThan(slab.MinAmount) || amount.GreaterThan(slab.MaxAmount) {
			continue
		}
		switch slab.SecondaryKey {
		case secondaryKey:
			match = slab
		case "":
			if match == nil {
				match = slab
			}
		}
		if match != nil && match.SecondaryKey == secondaryKey && secondaryKey != "" {
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: scheme %s service %s amount %s key %q",
			store.ErrNoApplicableSlab, schemeId, serviceType, amount, secondaryKey)
	}

	breakdown := &models.ChargeBreakdown{
		SlabId:                      match.Id,
		RetailerCharge:              EvaluateMoneyValue(match.RetailerCharge, amount),
		RetailerCommission:          EvaluateMoneyValue(match.RetailerCommission, amount),
		DistributorCommission:       EvaluateMoneyValue(match.DistributorCommission, amount),
		MasterDistributorCommission: EvaluateMoneyValue(match.MasterDistributorCommission, amount),
		PlatformCommission:          EvaluateMoneyValue(match.PlatformCommission, amount),
	}

	totalCommission := breakdown.RetailerCommission.
		Add(breakdown.DistributorCommission).
		Add(breakdown.MasterDistributorCommission).
		Add(breakdown.PlatformCommission)

	earning := breakdown.RetailerCharge.Sub(totalCommission)
	if earning.IsNegative() {
		// Misconfigured slab: never compute negative revenue, but make
		// sure operators hear about it.
		earningClampTotal.Inc()
		zap.L().Error("Commissions exceed retailer charge, flooring company earning at zero",
			zap.String("scheme_id", schemeId),
			zap.String("slab_id", match.Id),
			zap.String("charge", breakdown.RetailerCharge.String()),
			zap.String("total_commission", totalCommission.String()))
		earning = decimal.Zero
	}
	breakdown.CompanyEarning = earning

	return breakdown, nil
}
