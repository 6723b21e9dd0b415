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
	"sort"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

// ResolveRequest identifies the requesting entity and its ancestor chain.
// The chain is computed once by the caller and passed as a value; the
// resolver never walks the hierarchy itself.
type ResolveRequest struct {
	EntityId            string
	EntityRole          models.EntityRole
	Scope               models.ServiceType
	DistributorId       string
	MasterDistributorId string
	Now                 time.Time
}

// Resolver finds the single applicable scheme for an entity and service.
type Resolver struct {
	store store.SchemeStore
}

func NewResolver(st store.SchemeStore) *Resolver {
	return &Resolver{store: st}
}

type candidate struct {
	scheme    *models.Scheme
	level     models.HierarchyLevel
	mappingId string
	priority  int
	createdAt time.Time
}

var levelRank = map[models.HierarchyLevel]int{
	models.LevelEntity:            0,
	models.LevelDistributor:       1,
	models.LevelMasterDistributor: 2,
	models.LevelGlobal:            3,
}

// Resolve selects the governing scheme. Narrower hierarchy level always
// wins; within a level the smallest priority wins, then the most recent
// mapping. Global-kind schemes apply without any mapping and rank last.
// No candidate is a hard stop: callers must never assume default pricing.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*models.ResolvedScheme, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if req.EntityId == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if req.Scope == "" || req.Scope == models.ServiceAll {
		return nil, fmt.Errorf("a concrete service scope is required, got %q", req.Scope)
	}

	levelByEntity := map[string]models.HierarchyLevel{req.EntityId: models.LevelEntity}
	entityIds := []string{req.EntityId}
	if req.DistributorId != "" && req.DistributorId != req.EntityId {
		levelByEntity[req.DistributorId] = models.LevelDistributor
		entityIds = append(entityIds, req.DistributorId)
	}
	if req.MasterDistributorId != "" && req.MasterDistributorId != req.EntityId {
		if _, seen := levelByEntity[req.MasterDistributorId]; !seen {
			levelByEntity[req.MasterDistributorId] = models.LevelMasterDistributor
			entityIds = append(entityIds, req.MasterDistributorId)
		}
	}

	mappings, err := r.store.GetActiveMappings(ctx, entityIds, req.Scope, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}

	var candidates []candidate
	for _, m := range mappings {
		sch, err := r.store.GetScheme(ctx, m.SchemeId)
		if err != nil {
			return nil, fmt.Errorf("failed to load scheme %s: %w", m.SchemeId, err)
		}
		// A mapping pointing at an expired or disabled scheme is not a match.
		if !schemeValidAt(sch, now) {
			zap.L().Debug("Skipping mapping to invalid scheme",
				zap.String("mapping_id", m.Id),
				zap.String("scheme_id", sch.Id),
				zap.String("scheme_status", sch.Status))
			continue
		}
		candidates = append(candidates, candidate{
			scheme:    sch,
			level:     levelByEntity[m.EntityId],
			mappingId: m.Id,
			priority:  m.Priority,
			createdAt: m.CreatedAt,
		})
	}

	globals, err := r.store.GetGlobalSchemes(ctx, req.Scope, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load global schemes: %w", err)
	}
	for i := range globals {
		g := globals[i]
		candidates = append(candidates, candidate{
			scheme:    &g,
			level:     models.LevelGlobal,
			priority:  g.Priority,
			createdAt: g.CreatedAt,
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: entity %s scope %s", store.ErrNoSchemeResolved, req.EntityId, req.Scope)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if levelRank[candidates[i].level] != levelRank[candidates[j].level] {
			return levelRank[candidates[i].level] < levelRank[candidates[j].level]
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].createdAt.After(candidates[j].createdAt)
	})

	best := candidates[0]
	resolved := &models.ResolvedScheme{
		SchemeId:    best.scheme.Id,
		SchemeName:  best.scheme.Name,
		Kind:        best.scheme.Kind,
		ResolvedVia: best.level,
		MappingId:   best.mappingId,
		Priority:    best.priority,
	}

	zap.L().Debug("Scheme resolved",
		zap.String("entity_id", req.EntityId),
		zap.String("scope", string(req.Scope)),
		zap.String("scheme_id", resolved.SchemeId),
		zap.String("resolved_via", string(resolved.ResolvedVia)))
	return resolved, nil
}

func schemeValidAt(sch *models.Scheme, now time.Time) bool {
	if sch.Status != models.StatusActive {
		return false
	}
	if sch.EffectiveFrom.After(now) {
		return false
	}
	if sch.EffectiveTo != nil && !sch.EffectiveTo.After(now) {
		return false
	}
	return true
}
