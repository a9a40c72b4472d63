package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/storage"
)

// adminSetApproval moves a user through the onboarding gate. The full
// enum is accepted, so a rejected user can be approved later.
func (s *Server) adminSetApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"admin_id"`
		Status  string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.requireAdmin(w, r, req.AdminID) {
		return
	}

	status := storage.ApprovalStatus(req.Status)
	switch status {
	case storage.ApprovalApproved, storage.ApprovalPending,
		storage.ApprovalRejected, storage.ApprovalClosedRegistration:
	default:
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "unknown approval status").
			WithDetail("status", req.Status))
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := s.store.UpdateUserApproval(r.Context(), userID, status); err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			writeError(w, apperrors.New(apperrors.ErrCodeUserNotFound, "user not found"))
			return
		}
		writeError(w, err)
		return
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("approval_status", req.Status).
		Msg("user approval updated")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adminLookupInvoice resolves an invoice by the processor's processing
// id, so an escalated webhook failure can be traced back to its order.
func (s *Server) adminLookupInvoice(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r, r.URL.Query().Get("admin_id")) {
		return
	}
	inv, err := s.store.GetInvoiceByProcessingID(r.Context(), chi.URLParam(r, "processingID"))
	if apperrors.Is(err, storage.ErrNotFound) {
		writeError(w, apperrors.New(apperrors.ErrCodePaymentNotFound, "no invoice for processing id"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
}
