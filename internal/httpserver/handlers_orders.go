package httpserver

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/orders"
	"github.com/shopbot/server/internal/storage"
)

type orderLine struct {
	SubcategoryID string `json:"subcategory_id"`
	Quantity      int    `json:"quantity"`
}

// createOrder reserves stock and opens an order. Explicit items win;
// with none given the user's cart is consumed and cleared.
func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string      `json:"user_id"`
		Items  []orderLine `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	if ok, current, remaining := s.limiter.Allow("create_order", req.UserID); !ok {
		writeError(w, apperrors.New(apperrors.ErrCodeRateLimited, "too many order attempts").
			WithDetail("current", current).
			WithDetail("remaining", remaining))
		return
	}

	lines := make([]storage.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, storage.CartItem{SubcategoryID: item.SubcategoryID, Quantity: item.Quantity})
	}
	fromCart := len(lines) == 0
	if fromCart {
		cartLines, err := s.catalog.ViewCart(r.Context(), req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, line := range cartLines {
			lines = append(lines, storage.CartItem{SubcategoryID: line.SubcategoryID, Quantity: line.Quantity})
		}
	}

	result, err := s.orders.Create(r.Context(), req.UserID, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	if fromCart {
		if err := s.catalog.ClearCart(r.Context(), req.UserID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("cart not cleared after order")
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":        result.Order,
		"adjustments":  result.Adjustments,
		"has_physical": result.HasPhysical,
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
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
	list, err := s.orders.ListForUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// confirmAddress accepts the ciphertext produced client-side. The body
// is base64 because the ciphertext is binary; the server never sees the
// plaintext address.
func (s *Server) confirmAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext string `json:"ciphertext"`
		Mode       string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeInvalidAddress, "ciphertext must be base64"))
		return
	}
	err = s.orders.ConfirmAddress(r.Context(), chi.URLParam(r, "orderID"), ciphertext, storage.EncryptionMode(req.Mode))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "address_confirmed"})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	orderID := chi.URLParam(r, "orderID")

	order, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if order.UserID != req.UserID {
		writeError(w, apperrors.New(apperrors.ErrCodeOrderNotOwned, "order belongs to another user"))
		return
	}

	outcome, err := s.orders.Cancel(r.Context(), orderID, orders.CancelByUser, true, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse(outcome))
}

func (s *Server) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"admin_id"`
		Reason  string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.requireAdmin(w, r, req.AdminID) {
		return
	}
	outcome, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"), orders.CancelByAdmin, true, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse(outcome))
}

func (s *Server) adminMarkShipped(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"admin_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.requireAdmin(w, r, req.AdminID) {
		return
	}
	if err := s.orders.MarkShipped(r.Context(), chi.URLParam(r, "orderID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shipped"})
}

// requireAdmin resolves the caller and rejects non-admins. Writes the
// error response itself; callers just return on false.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request, adminID string) bool {
	if adminID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "admin_id is required"))
		return false
	}
	user, err := s.store.GetUser(r.Context(), adminID)
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeUserNotFound, "admin user not found"))
		return false
	}
	if !user.IsAdmin {
		writeError(w, apperrors.New(apperrors.ErrCodeOrderNotOwned, "administrator privileges required"))
		return false
	}
	return true
}

func cancelResponse(outcome orders.CancelOutcome) map[string]any {
	return map[string]any{
		"order":               outcome.Order,
		"refund_cents":        outcome.RefundCents,
		"penalty_cents":       outcome.PenaltyCents,
		"reservation_fee":     outcome.ReservationFee,
		"strike_added":        outcome.StrikeAdded,
		"within_grace_period": outcome.WithinGracePeriod,
	}
}
