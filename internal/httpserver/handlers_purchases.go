package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/purchase"
	"github.com/CedrosPay/entitlements/internal/storage"
)

type purchaseRequest struct {
	ProductID string `json:"productId"`
}

type purchaseResponse struct {
	Success  bool             `json:"success"`
	Purchase storage.Purchase `json:"purchase"`
}

type restoreResponse struct {
	purchase.RestoreResult
	Success       bool   `json:"success"`
	Informational bool   `json:"informational"`
	Message       string `json:"message,omitempty"`
}

type purchaseListResponse struct {
	UserID    string             `json:"userId"`
	Purchases []storage.Purchase `json:"purchases"`
	Count     int                `json:"count"`
}

func (h *handlers) purchaseProduct(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "invalid request body")
		return
	}
	p, err := h.deps.Purchases.PurchaseProduct(r.Context(), strings.TrimSpace(req.ProductID))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchaseResponse{Success: true, Purchase: p})
}

func (h *handlers) restorePurchases(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Purchases.RestorePurchases(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	resp := restoreResponse{RestoreResult: res, Success: true, Informational: res.Informational()}
	if resp.Informational {
		resp.Message = "no purchases to restore"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listPurchases(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	purchases, err := h.deps.History.List(r.Context(), userID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseListResponse{UserID: userID, Purchases: purchases, Count: len(purchases)})
}

func (h *handlers) deletePurchase(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.History.Delete(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "txID")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError logs server-side failures before writing the envelope.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierrors.As(err)
	if e.Code.HTTPStatus() >= http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("code", string(e.Code)).Msg("http.request_failed")
	}
	apierrors.WriteEngineError(w, e)
}
