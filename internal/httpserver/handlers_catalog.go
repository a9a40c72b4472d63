package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/shopbot/server/internal/errors"
)

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.catalog.ListCategories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (s *Server) listSubcategories(w http.ResponseWriter, r *http.Request) {
	subcategories, err := s.catalog.ListSubcategories(r.Context(), chi.URLParam(r, "categoryID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subcategories": subcategories})
}

func (s *Server) availability(w http.ResponseWriter, r *http.Request) {
	available, err := s.catalog.Availability(r.Context(), chi.URLParam(r, "subcategoryID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available})
}

func (s *Server) viewCart(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	lines, err := s.catalog.ViewCart(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": lines})
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string `json:"user_id"`
		SubcategoryID string `json:"subcategory_id"`
		Quantity      int    `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || req.SubcategoryID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id and subcategory_id are required"))
		return
	}
	if err := s.catalog.AddToCart(r.Context(), req.UserID, req.SubcategoryID, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	if err := s.catalog.RemoveFromCart(r.Context(), userID, chi.URLParam(r, "cartItemID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, apperrors.New(apperrors.ErrCodeBadRequest, "user_id is required"))
		return
	}
	if err := s.catalog.ClearCart(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
