package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/retrylimit"
)

type limitedRetriesResponse struct {
	Transactions []retrylimit.Status `json:"transactions"`
	Count        int                 `json:"count"`
}

func (h *handlers) listLimitedRetries(w http.ResponseWriter, r *http.Request) {
	limited, err := h.deps.Retries.ListLimited(r.Context())
	if err != nil {
		writeEngineError(w, r, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to list retry records", err))
		return
	}
	if limited == nil {
		limited = []retrylimit.Status{}
	}
	writeJSON(w, http.StatusOK, limitedRetriesResponse{Transactions: limited, Count: len(limited)})
}

func (h *handlers) retryStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Retries.Statistics(r.Context())
	if err != nil {
		writeEngineError(w, r, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to read retry statistics", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) retryStatus(w http.ResponseWriter, r *http.Request) {
	txID, ok := txIDParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Retries.Status(r.Context(), txID))
}

// clearRetry is the manual intervention path for limited transactions.
func (h *handlers) clearRetry(w http.ResponseWriter, r *http.Request) {
	txID, ok := txIDParam(w, r)
	if !ok {
		return
	}
	if err := h.deps.Retries.Clear(r.Context(), txID); err != nil {
		writeEngineError(w, r, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "failed to clear retry record", err))
		return
	}
	log := logger.FromContext(r.Context())
	log.Info().Str("tx_id", logger.TruncateID(txID)).Msg("admin.retry_cleared")
	writeJSON(w, http.StatusOK, map[string]any{"transactionId": txID, "cleared": true})
}

func txIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	txID := strings.TrimSpace(chi.URLParam(r, "txID"))
	if txID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "transaction id is required")
		return "", false
	}
	return txID, true
}
