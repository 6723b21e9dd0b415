package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type createEntityRequest struct {
	Id                  string            `json:"id"`
	Name                string            `json:"name"`
	Role                models.EntityRole `json:"role"`
	DistributorId       string            `json:"distributor_id,omitempty"`
	MasterDistributorId string            `json:"master_distributor_id,omitempty"`
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	entity, err := s.store.CreateEntity(r.Context(), &models.Entity{
		Id:                  req.Id,
		Name:                req.Name,
		Role:                req.Role,
		DistributorId:       req.DistributorId,
		MasterDistributorId: req.MasterDistributorId,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

type createDeviceRequest struct {
	SerialNumber string `json:"serial_number"`
	RetailerId   string `json:"retailer_id"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	mapping, err := s.store.CreateDeviceMapping(r.Context(), &models.DeviceMapping{
		SerialNumber: req.SerialNumber,
		RetailerId:   req.RetailerId,
	})
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

type createSchemeRequest struct {
	Name          string             `json:"name"`
	Kind          models.SchemeKind  `json:"kind"`
	Scope         models.ServiceType `json:"scope"`
	Priority      int                `json:"priority"`
	EffectiveFrom time.Time          `json:"effective_from"`
	EffectiveTo   *time.Time         `json:"effective_to,omitempty"`
}

func (s *Server) handleCreateScheme(w http.ResponseWriter, r *http.Request) {
	var req createSchemeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.EffectiveFrom.IsZero() {
		req.EffectiveFrom = time.Now().UTC()
	}
	created, err := s.store.CreateScheme(r.Context(), &models.Scheme{
		Name:          req.Name,
		Kind:          req.Kind,
		Scope:         req.Scope,
		Priority:      req.Priority,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchemes(w http.ResponseWriter, r *http.Request) {
	schemes, err := s.store.ListSchemes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schemes": schemes})
}

// handleDeactivateScheme retires a scheme. Schemes referenced by posted
// ledger entries are never deleted; deactivation just removes them from
// future resolution.
func (s *Server) handleDeactivateScheme(w http.ResponseWriter, r *http.Request) {
	schemeId := chi.URLParam(r, "schemeId")
	if err := s.store.DeactivateScheme(r.Context(), schemeId); err != nil {
		if errors.Is(err, store.ErrSchemeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scheme_id": schemeId, "status": models.StatusInactive})
}

type createSlabRequest struct {
	ServiceType                 models.ServiceType `json:"service_type"`
	SecondaryKey                string             `json:"secondary_key,omitempty"`
	MinAmount                   decimal.Decimal    `json:"min_amount"`
	MaxAmount                   decimal.Decimal    `json:"max_amount"`
	RetailerCharge              models.MoneyValue  `json:"retailer_charge"`
	RetailerCommission          models.MoneyValue  `json:"retailer_commission"`
	DistributorCommission       models.MoneyValue  `json:"distributor_commission"`
	MasterDistributorCommission models.MoneyValue  `json:"master_distributor_commission"`
	PlatformCommission          models.MoneyValue  `json:"platform_commission"`
}

func (s *Server) handleCreateSlab(w http.ResponseWriter, r *http.Request) {
	var req createSlabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	slab, err := s.store.CreateSlab(r.Context(), &models.SchemeSlab{
		SchemeId:                    chi.URLParam(r, "schemeId"),
		ServiceType:                 req.ServiceType,
		SecondaryKey:                req.SecondaryKey,
		MinAmount:                   req.MinAmount,
		MaxAmount:                   req.MaxAmount,
		RetailerCharge:              req.RetailerCharge,
		RetailerCommission:          req.RetailerCommission,
		DistributorCommission:       req.DistributorCommission,
		MasterDistributorCommission: req.MasterDistributorCommission,
		PlatformCommission:          req.PlatformCommission,
		Enabled:                     true,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSchemeNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrSlabOverlap),
			errors.Is(err, store.ErrCommissionExceedsCharge):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, slab)
}

func (s *Server) handleSetSlabEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	slabId := chi.URLParam(r, "slabId")
	if err := s.store.SetSlabEnabled(r.Context(), slabId, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slab_id": slabId, "enabled": req.Enabled})
}

type createMappingRequest struct {
	EntityId      string             `json:"entity_id"`
	EntityRole    models.EntityRole  `json:"entity_role"`
	SchemeId      string             `json:"scheme_id"`
	ServiceScope  models.ServiceType `json:"service_scope"`
	Priority      int                `json:"priority"`
	EffectiveFrom time.Time          `json:"effective_from"`
	EffectiveTo   *time.Time         `json:"effective_to,omitempty"`
}

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var req createMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.EffectiveFrom.IsZero() {
		req.EffectiveFrom = time.Now().UTC()
	}
	mapping, err := s.store.CreateMapping(r.Context(), store.CreateMappingParams{
		EntityId:      req.EntityId,
		EntityRole:    req.EntityRole,
		SchemeId:      req.SchemeId,
		ServiceScope:  req.ServiceScope,
		Priority:      req.Priority,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSchemeNotFound), errors.Is(err, store.ErrEntityNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrConcurrentModification):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, mapping)
}

func (s *Server) handleSetWalletFrozen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind   models.WalletKind `json:"kind"`
		Frozen bool              `json:"frozen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Kind == "" {
		req.Kind = models.WalletPrimary
	}
	entityId := chi.URLParam(r, "entityId")
	if err := s.store.SetWalletFrozen(r.Context(), entityId, req.Kind, req.Frozen); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityId,
		"kind":      req.Kind,
		"frozen":    req.Frozen,
	})
}

// handleReconcileWallet recomputes a wallet's balance from its entries
// and fails loudly on drift.
func (s *Server) handleReconcileWallet(w http.ResponseWriter, r *http.Request) {
	entityId := chi.URLParam(r, "entityId")
	kind := walletKindParam(r)
	if err := s.store.ReconcileWallet(r.Context(), entityId, kind); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":  entityId,
		"kind":       kind,
		"reconciled": true,
	})
}

func (s *Server) handleReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remarks string `json:"remarks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	entry, err := s.store.Reverse(r.Context(), chi.URLParam(r, "entryId"), req.Remarks)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEntryNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrDuplicateTransaction),
			errors.Is(err, store.ErrInsufficientBalance):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
