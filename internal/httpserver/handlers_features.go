package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type featureAccessResponse struct {
	FeatureID string `json:"featureId"`
	Granted   bool   `json:"granted"`
	Fresh     bool   `json:"fresh"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.deps.Version,
		"uptime":  time.Since(serverStartTime).Round(time.Second).String(),
	})
}

func (h *handlers) getFeature(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Gate.GetFeatureDefinition(r.Context(), chi.URLParam(r, "featureID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// checkFeatureAccess answers from the cached snapshot unless ?fresh=true.
// Unknown features are 404 so callers can tell them from a denial.
func (h *handlers) checkFeatureAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	featureID := chi.URLParam(r, "featureID")
	if _, err := h.deps.Gate.GetFeatureDefinition(ctx, featureID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))

	var granted bool
	if fresh {
		granted = h.deps.Gate.CanAccess(ctx, featureID)
	} else {
		granted = h.deps.Gate.CanAccessSync(ctx, featureID)
	}
	writeJSON(w, http.StatusOK, featureAccessResponse{FeatureID: featureID, Granted: granted, Fresh: fresh})
}
