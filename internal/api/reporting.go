package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/scheme"
	"settlement-engine-go/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

func walletKindParam(r *http.Request) models.WalletKind {
	kind := models.WalletKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = models.WalletPrimary
	}
	return kind
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	entityId := chi.URLParam(r, "entityId")
	kind := walletKindParam(r)

	wallet, err := s.store.GetWallet(r.Context(), entityId, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":       entityId,
		"wallet_kind":     kind,
		"balance":         wallet.Balance,
		"settlement_held": wallet.SettlementHeld,
		"frozen":          wallet.Frozen,
	})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	entries, err := s.store.GetEntries(r.Context(), store.LedgerFilter{
		EntityId:   chi.URLParam(r, "entityId"),
		WalletKind: walletKindParam(r),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	state := models.TxState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.TxUnsettled
	}
	limit, offset := paginationParams(r)

	txs, err := s.store.ListTransactions(r.Context(), state, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"state":        state,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	serviceType := models.ServiceType(chi.URLParam(r, "serviceType"))
	externalTxId := chi.URLParam(r, "externalTxId")

	tx, err := s.store.GetTransactionByExternalId(r.Context(), serviceType, externalTxId)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGetCommissions(w http.ResponseWriter, r *http.Request) {
	serviceType := models.ServiceType(chi.URLParam(r, "serviceType"))
	externalTxId := chi.URLParam(r, "externalTxId")

	tx, err := s.store.GetTransactionByExternalId(r.Context(), serviceType, externalTxId)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	postings, err := s.store.ListCommissionsByTransaction(r.Context(), tx.Id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.Id,
		"postings":       postings,
	})
}

func (s *Server) handleResolveScheme(w http.ResponseWriter, r *http.Request) {
	entityId := r.URL.Query().Get("entity_id")
	scope := models.ServiceType(r.URL.Query().Get("scope"))
	if entityId == "" || scope == "" {
		writeError(w, http.StatusBadRequest, "entity_id and scope are required")
		return
	}

	entity, err := s.store.GetEntity(r.Context(), entityId)
	if err != nil {
		if errors.Is(err, store.ErrEntityNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resolved, err := s.resolver.Resolve(r.Context(), scheme.ResolveRequest{
		EntityId:            entity.Id,
		EntityRole:          entity.Role,
		Scope:               scope,
		DistributorId:       entity.DistributorId,
		MasterDistributorId: entity.MasterDistributorId,
		Now:                 time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoSchemeResolved) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	schemeId := r.URL.Query().Get("scheme_id")
	serviceType := models.ServiceType(r.URL.Query().Get("service"))
	amountStr := r.URL.Query().Get("amount")
	secondaryKey := r.URL.Query().Get("key")
	if schemeId == "" || serviceType == "" || amountStr == "" {
		writeError(w, http.StatusBadRequest, "scheme_id, service and amount are required")
		return
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount is not a valid decimal")
		return
	}

	breakdown, err := s.calc.Calculate(r.Context(), schemeId, serviceType, amount, secondaryKey)
	if err != nil {
		if errors.Is(err, store.ErrNoApplicableSlab) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}
