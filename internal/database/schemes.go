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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (s *Service) CreateScheme(ctx context.Context, scheme *models.Scheme) (*models.Scheme, error) {
	if scheme.Id == "" {
		scheme.Id = uuid.New().String()
	}
	if scheme.Status == "" {
		scheme.Status = models.StatusActive
	}
	if scheme.EffectiveFrom.IsZero() {
		scheme.EffectiveFrom = time.Now().UTC()
	}

	switch scheme.Kind {
	case models.SchemeGlobal, models.SchemeTierDefault, models.SchemeCustom:
	default:
		return nil, fmt.Errorf("invalid scheme kind %q", scheme.Kind)
	}

	var effectiveTo interface{}
	if scheme.EffectiveTo != nil {
		effectiveTo = scheme.EffectiveTo.UTC()
	}

	_, err := s.db.ExecContext(ctx, queryInsertScheme,
		scheme.Id, scheme.Name, scheme.Kind, scheme.Scope, scheme.Priority,
		scheme.EffectiveFrom.UTC(), effectiveTo, scheme.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scheme: %w", err)
	}

	zap.L().Info("Scheme created",
		zap.String("scheme_id", scheme.Id),
		zap.String("name", scheme.Name),
		zap.String("kind", string(scheme.Kind)),
		zap.String("scope", string(scheme.Scope)))
	return s.GetScheme(ctx, scheme.Id)
}

func (s *Service) GetScheme(ctx context.Context, schemeId string) (*models.Scheme, error) {
	scheme, err := scanScheme(s.db.QueryRowContext(ctx, queryGetScheme, schemeId))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrSchemeNotFound, schemeId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheme: %w", err)
	}
	return scheme, nil
}

func (s *Service) ListSchemes(ctx context.Context) ([]models.Scheme, error) {
	rows, err := s.db.QueryContext(ctx, queryListSchemes)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemes: %w", err)
	}
	defer closeRows(rows)

	var schemes []models.Scheme
	for rows.Next() {
		scheme, err := scanScheme(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheme: %w", err)
		}
		schemes = append(schemes, *scheme)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheme rows: %w", err)
	}
	return schemes, nil
}

func (s *Service) DeactivateScheme(ctx context.Context, schemeId string) error {
	result, err := s.db.ExecContext(ctx, queryDeactivateScheme, schemeId)
	if err != nil {
		return fmt.Errorf("failed to deactivate scheme: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrSchemeNotFound, schemeId)
	}
	return nil
}

// GetGlobalSchemes returns active global-kind schemes valid at now for the
// given scope. Global schemes apply without any mapping.
func (s *Service) GetGlobalSchemes(ctx context.Context, scope models.ServiceType, now time.Time) ([]models.Scheme, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx, queryGetGlobalSchemes, scope, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get global schemes: %w", err)
	}
	defer closeRows(rows)

	var schemes []models.Scheme
	for rows.Next() {
		scheme, err := scanScheme(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheme: %w", err)
		}
		schemes = append(schemes, *scheme)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheme rows: %w", err)
	}
	return schemes, nil
}

func (s *Service) CreateSlab(ctx context.Context, slab *models.SchemeSlab) (*models.SchemeSlab, error) {
	if slab.Id == "" {
		slab.Id = uuid.New().String()
	}
	if slab.MinAmount.IsNegative() || slab.MaxAmount.LessThan(slab.MinAmount) {
		return nil, fmt.Errorf("invalid slab range [%s, %s]", slab.MinAmount, slab.MaxAmount)
	}

	if _, err := s.GetScheme(ctx, slab.SchemeId); err != nil {
		return nil, err
	}

	if err := validateSlabValues(slab); err != nil {
		return nil, err
	}

	// Ranges within one scheme+service+secondary-key must not overlap.
	rows, err := s.db.QueryContext(ctx, queryGetSlabsForOverlap, slab.SchemeId, slab.ServiceType, slab.SecondaryKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check slab overlap: %w", err)
	}
	defer closeRows(rows)
	for rows.Next() {
		var id, minStr, maxStr string
		if err := rows.Scan(&id, &minStr, &maxStr); err != nil {
			return nil, fmt.Errorf("failed to scan slab range: %w", err)
		}
		existingMin, err := decimal.NewFromString(minStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse min_amount %q: %w", minStr, err)
		}
		existingMax, err := decimal.NewFromString(maxStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse max_amount %q: %w", maxStr, err)
		}
		if slab.MinAmount.LessThanOrEqual(existingMax) && existingMin.LessThanOrEqual(slab.MaxAmount) {
			return nil, fmt.Errorf("%w: [%s, %s] overlaps slab %s [%s, %s]",
				store.ErrSlabOverlap, slab.MinAmount, slab.MaxAmount, id, existingMin, existingMax)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slab rows: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertSlab,
		slab.Id, slab.SchemeId, slab.ServiceType, slab.SecondaryKey,
		slab.MinAmount.String(), slab.MaxAmount.String(),
		slab.RetailerCharge.Kind, slab.RetailerCharge.Value.String(),
		slab.RetailerCommission.Kind, slab.RetailerCommission.Value.String(),
		slab.DistributorCommission.Kind, slab.DistributorCommission.Value.String(),
		slab.MasterDistributorCommission.Kind, slab.MasterDistributorCommission.Value.String(),
		slab.PlatformCommission.Kind, slab.PlatformCommission.Value.String(),
		slab.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to insert slab: %w", err)
	}

	zap.L().Info("Slab created",
		zap.String("slab_id", slab.Id),
		zap.String("scheme_id", slab.SchemeId),
		zap.String("service_type", string(slab.ServiceType)),
		zap.String("range", fmt.Sprintf("[%s, %s]", slab.MinAmount, slab.MaxAmount)))
	return slab, nil
}

// validateSlabValues rejects obviously misconfigured slabs at authoring
// time. When every field is flat, commissions exceeding the charge would
// guarantee negative company earning on every transaction in the band.
func validateSlabValues(slab *models.SchemeSlab) error {
	fields := []models.MoneyValue{
		slab.RetailerCharge, slab.RetailerCommission, slab.DistributorCommission,
		slab.MasterDistributorCommission, slab.PlatformCommission,
	}
	allFlat := true
	for _, f := range fields {
		switch f.Kind {
		case models.ValueFlat:
		case models.ValuePercent:
			allFlat = false
		default:
			return fmt.Errorf("invalid value kind %q", f.Kind)
		}
		if f.Value.IsNegative() {
			return fmt.Errorf("monetary value cannot be negative: %s", f.Value)
		}
	}

	if allFlat {
		totalCommission := slab.RetailerCommission.Value.
			Add(slab.DistributorCommission.Value).
			Add(slab.MasterDistributorCommission.Value).
			Add(slab.PlatformCommission.Value)
		if totalCommission.GreaterThan(slab.RetailerCharge.Value) {
			return fmt.Errorf("%w: commissions %s > charge %s",
				store.ErrCommissionExceedsCharge, totalCommission, slab.RetailerCharge.Value)
		}
	}
	return nil
}

func (s *Service) SetSlabEnabled(ctx context.Context, slabId string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, querySetSlabEnabled, enabled, slabId)
	if err != nil {
		return fmt.Errorf("failed to update slab: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: slab %s", store.ErrNoApplicableSlab, slabId)
	}
	zap.L().Info("Slab enabled flag updated", zap.String("slab_id", slabId), zap.Bool("enabled", enabled))
	return nil
}

func (s *Service) GetSlabs(ctx context.Context, schemeId string, serviceType models.ServiceType) ([]models.SchemeSlab, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSlabs, schemeId, serviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to get slabs: %w", err)
	}
	defer closeRows(rows)

	var slabs []models.SchemeSlab
	for rows.Next() {
		slab, err := scanSlab(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slab: %w", err)
		}
		slabs = append(slabs, *slab)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slab rows: %w", err)
	}
	return slabs, nil
}

// CreateMapping deactivates any prior active mapping for the same
// (entity, scope) and inserts the new one in a single SQL transaction.
// The partial unique index backs this up under concurrency.
func (s *Service) CreateMapping(ctx context.Context, params store.CreateMappingParams) (*models.SchemeMapping, error) {
	scheme, err := s.GetScheme(ctx, params.SchemeId)
	if err != nil {
		return nil, err
	}
	if scheme.Status != models.StatusActive {
		return nil, fmt.Errorf("cannot map to inactive scheme %s", scheme.Id)
	}

	mapping := &models.SchemeMapping{
		Id:            uuid.New().String(),
		EntityId:      params.EntityId,
		EntityRole:    params.EntityRole,
		SchemeId:      params.SchemeId,
		ServiceScope:  params.ServiceScope,
		Priority:      params.Priority,
		EffectiveFrom: params.EffectiveFrom.UTC(),
		EffectiveTo:   params.EffectiveTo,
		Status:        models.StatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	if mapping.ServiceScope == "" {
		mapping.ServiceScope = models.ServiceAll
	}
	if mapping.EffectiveFrom.IsZero() {
		mapping.EffectiveFrom = mapping.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeactivateMappings, mapping.EntityId, mapping.ServiceScope); err != nil {
		return nil, fmt.Errorf("failed to deactivate prior mappings: %w", err)
	}

	var effectiveTo interface{}
	if mapping.EffectiveTo != nil {
		effectiveTo = mapping.EffectiveTo.UTC()
	}
	_, err = tx.ExecContext(ctx, queryInsertMapping,
		mapping.Id, mapping.EntityId, mapping.EntityRole, mapping.SchemeId,
		mapping.ServiceScope, mapping.Priority, mapping.EffectiveFrom, effectiveTo,
		mapping.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("active mapping already exists for entity %s scope %s: %w",
				mapping.EntityId, mapping.ServiceScope, store.ErrConcurrentModification)
		}
		return nil, fmt.Errorf("failed to insert mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mapping: %w", err)
	}

	zap.L().Info("Scheme mapping created",
		zap.String("mapping_id", mapping.Id),
		zap.String("entity_id", mapping.EntityId),
		zap.String("scheme_id", mapping.SchemeId),
		zap.String("scope", string(mapping.ServiceScope)))
	return mapping, nil
}

// GetActiveMappings returns active, in-window mappings for any of the
// given entity ids, scoped to the requested service or the wildcard.
func (s *Service) GetActiveMappings(ctx context.Context, entityIds []string, scope models.ServiceType, now time.Time) ([]models.SchemeMapping, error) {
	if len(entityIds) == 0 {
		return nil, nil
	}
	now = now.UTC()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entityIds)), ",")
	query := queryGetActiveMappings + " AND entity_id IN (" + placeholders + ")"

	args := make([]interface{}, 0, 3+len(entityIds))
	args = append(args, scope, now, now)
	for _, id := range entityIds {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active mappings: %w", err)
	}
	defer closeRows(rows)

	var mappings []models.SchemeMapping
	for rows.Next() {
		var m models.SchemeMapping
		var effectiveTo sql.NullTime
		err := rows.Scan(&m.Id, &m.EntityId, &m.EntityRole, &m.SchemeId, &m.ServiceScope,
			&m.Priority, &m.EffectiveFrom, &effectiveTo, &m.Status, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if effectiveTo.Valid {
			t := effectiveTo.Time
			m.EffectiveTo = &t
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping rows: %w", err)
	}
	return mappings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheme(row rowScanner) (*models.Scheme, error) {
	var scheme models.Scheme
	var effectiveTo sql.NullTime
	err := row.Scan(&scheme.Id, &scheme.Name, &scheme.Kind, &scheme.Scope, &scheme.Priority,
		&scheme.EffectiveFrom, &effectiveTo, &scheme.Status, &scheme.CreatedAt)
	if err != nil {
		return nil, err
	}
	if effectiveTo.Valid {
		t := effectiveTo.Time
		scheme.EffectiveTo = &t
	}
	return &scheme, nil
}

func scanSlab(row rowScanner) (*models.SchemeSlab, error) {
	var slab models.SchemeSlab
	var minStr, maxStr string
	var values [5]struct{ kind, value string }

	err := row.Scan(&slab.Id, &slab.SchemeId, &slab.ServiceType, &slab.SecondaryKey,
		&minStr, &maxStr,
		&values[0].kind, &values[0].value,
		&values[1].kind, &values[1].value,
		&values[2].kind, &values[2].value,
		&values[3].kind, &values[3].value,
		&values[4].kind, &values[4].value,
		&slab.Enabled, &slab.CreatedAt)
	if err != nil {
		return nil, err
	}

	if slab.MinAmount, err = decimal.NewFromString(minStr); err != nil {
		return nil, fmt.Errorf("failed to parse min_amount %q: %w", minStr, err)
	}
	if slab.MaxAmount, err = decimal.NewFromString(maxStr); err != nil {
		return nil, fmt.Errorf("failed to parse max_amount %q: %w", maxStr, err)
	}

	fields := []*models.MoneyValue{
		&slab.RetailerCharge, &slab.RetailerCommission, &slab.DistributorCommission,
		&slab.MasterDistributorCommission, &slab.PlatformCommission,
	}
	for i, field := range fields {
		field.Kind = models.ValueKind(values[i].kind)
		if field.Value, err = decimal.NewFromString(values[i].value); err != nil {
			return nil, fmt.Errorf("failed to parse slab value %q: %w", values[i].value, err)
		}
	}
	return &slab, nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}
