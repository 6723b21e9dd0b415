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
	"errors"
	"fmt"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *Service) CreateEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity.Id == "" {
		entity.Id = uuid.New().String()
	}
	if entity.Status == "" {
		entity.Status = models.StatusActive
	}

	switch entity.Role {
	case models.RoleRetailer, models.RoleDistributor, models.RoleMasterDistributor, models.RolePlatform:
	default:
		return nil, fmt.Errorf("invalid entity role %q", entity.Role)
	}

	_, err := s.db.ExecContext(ctx, queryInsertEntity,
		entity.Id, entity.Name, entity.Role, entity.DistributorId, entity.MasterDistributorId, entity.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}

	zap.L().Info("Entity created",
		zap.String("entity_id", entity.Id),
		zap.String("role", string(entity.Role)))
	return s.GetEntity(ctx, entity.Id)
}

func (s *Service) GetEntity(ctx context.Context, entityId string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.QueryRowContext(ctx, queryGetEntity, entityId).Scan(
		&entity.Id, &entity.Name, &entity.Role, &entity.DistributorId,
		&entity.MasterDistributorId, &entity.Status, &entity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrEntityNotFound, entityId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &entity, nil
}

func (s *Service) CreateDeviceMapping(ctx context.Context, mapping *models.DeviceMapping) (*models.DeviceMapping, error) {
	if mapping.Id == "" {
		mapping.Id = uuid.New().String()
	}
	if mapping.Status == "" {
		mapping.Status = models.StatusActive
	}

	// The retailer must exist before a terminal can be attached to it.
	retailer, err := s.GetEntity(ctx, mapping.RetailerId)
	if err != nil {
		return nil, err
	}
	if retailer.Role != models.RoleRetailer {
		return nil, fmt.Errorf("entity %s is a %s, not a retailer", retailer.Id, retailer.Role)
	}

	_, err = s.db.ExecContext(ctx, queryInsertDeviceMapping,
		mapping.Id, mapping.SerialNumber, mapping.RetailerId, mapping.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("device %s already mapped: %w", mapping.SerialNumber, store.ErrDuplicateTransaction)
		}
		return nil, fmt.Errorf("failed to insert device mapping: %w", err)
	}

	zap.L().Info("Device mapped",
		zap.String("serial_number", mapping.SerialNumber),
		zap.String("retailer_id", mapping.RetailerId))
	return mapping, nil
}

// FindRetailerByDevice resolves the retailer owning a terminal serial.
// Returns store.ErrDeviceNotMapped when no active mapping exists.
func (s *Service) FindRetailerByDevice(ctx context.Context, serialNumber string) (*models.Entity, error) {
	var entity models.Entity
	err := s.db.QueryRowContext(ctx, queryFindRetailerByDevice, serialNumber).Scan(
		&entity.Id, &entity.Name, &entity.Role, &entity.DistributorId,
		&entity.MasterDistributorId, &entity.Status, &entity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrDeviceNotMapped, serialNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find retailer by device: %w", err)
	}
	return &entity, nil
}
