package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shopbot/server/internal/errors"
)

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"user_id"`
		CryptoCurrency string `json:"crypto_currency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CryptoCurrency == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeCryptoNotSelected, "crypto_currency is required"))
		return
	}
	orderID := chi.URLParam(r, "orderID")

	order, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || order.UserID != req.UserID {
		writeError(w, apperrors.New(apperrors.ErrCodeOrderNotOwned, "order belongs to another user"))
		return
	}
	if ok, current, remaining := s.limiter.Allow("checkout", req.UserID); !ok {
		writeError(w, apperrors.New(apperrors.ErrCodeRateLimited, "too many checkout attempts").
			WithDetail("current", current).
			WithDetail("remaining", remaining))
		return
	}

	result, err := s.payments.Checkout(r.Context(), orderID, req.CryptoCurrency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":             result.Order,
		"invoice":           result.Invoice,
		"wallet_used_cents": result.WalletUsedCents,
		"remaining_cents":   result.RemainingCents,
		"completed":         result.Completed,
	})
}

func (s *Server) requestDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string `json:"user_id"`
		CryptoCurrency  string `json:"crypto_currency"`
		FiatAmountCents int64  `json:"fiat_amount_cents"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	if req.CryptoCurrency == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeCryptoNotSelected, "crypto_currency is required"))
		return
	}
	if ok, current, remaining := s.limiter.Allow("deposit", req.UserID); !ok {
		writeError(w, apperrors.New(apperrors.ErrCodeRateLimited, "too many deposit requests").
			WithDetail("current", current).
			WithDetail("remaining", remaining))
		return
	}

	intent, err := s.payments.RequestDeposit(r.Context(), req.UserID, req.CryptoCurrency, req.FiatAmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":           intent.Address,
		"crypto_currency":   intent.CryptoCurrency,
		"crypto_amount":     intent.CryptoAmount,
		"fiat_amount_cents": intent.FiatAmountCents,
		"expires_at":        intent.ExpiresAt,
	})
}

// listPurchases returns the user's buy history, newest first.
func (s *Server) listPurchases(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	list, err := s.store.ListPurchasesByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": list})
}
