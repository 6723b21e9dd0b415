package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"settlement-engine-go/internal/models"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

// handleGatewayWebhook ingests a card-present notification. The gateway
// retries anything but a 2xx, so every processable payload is
// acknowledged - including ones that park unsettled. Only a payload we
// cannot even decode or persist is bounced.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var event models.GatewayEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	tx, err := s.engine.IngestGatewayEvent(r.Context(), &event)
	if err != nil {
		zap.L().Error("Gateway event ingestion failed",
			zap.String("external_tx_id", event.ExternalTxId),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event could not be persisted")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged":   true,
		"transaction_id": tx.Id,
		"state":          tx.State,
	})
}

// handleServiceCompletion ingests an internal bill-payment or payout
// completion. Unlike the gateway webhook the caller is trusted to react
// to errors, so validation failures are surfaced as 4xx.
func (s *Server) handleServiceCompletion(w http.ResponseWriter, r *http.Request) {
	var completion models.ServiceCompletion
	if err := json.NewDecoder(r.Body).Decode(&completion); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	tx, err := s.engine.IngestServiceCompletion(r.Context(), &completion)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientBalance),
			errors.Is(err, store.ErrWalletFrozen):
			writeError(w, http.StatusConflict, err.Error())
		case tx == nil:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			zap.L().Error("Completion ingestion failed",
				zap.String("external_tx_id", completion.ExternalTxId),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "completion could not be processed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.Id,
		"state":          tx.State,
		"charge":         tx.Charge,
		"net_amount":     tx.NetAmount,
	})
}
