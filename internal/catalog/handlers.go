package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxEventSize bounds the body of a change event request.
const maxEventSize = 1 << 20

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleApplyEvent applies a receipt change event
func (s *Server) handleApplyEvent(w http.ResponseWriter, r *http.Request) {
	var event ChangeEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventSize)).Decode(&event); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.service.Apply(r.Context(), event)
	if errors.Is(err, ErrInvalidEvent) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Error applying event",
			"user_id", event.UserID,
			"receipt_id", event.ReceiptID,
			"change_type", string(event.ChangeType),
			"error", err,
		)
		jsonError(w, "Error applying event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListItems returns a user's catalog
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListItems(r.Context(), r.PathValue("userID"))
	if err != nil {
		slog.Error("Error listing items", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetItem returns a single catalog item
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		corsError(w, "Item key required", http.StatusBadRequest)
		return
	}
	item, err := s.service.GetItem(r.Context(), r.PathValue("userID"), key)
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting item", "key", key, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleSearch ranks a user's items against the q parameter
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		corsError(w, "Query parameter q required", http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			corsError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	results, err := s.service.Search(r.Context(), r.PathValue("userID"), query, limit)
	if err != nil {
		slog.Error("Error searching items", "query", query, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleRebuild rebuilds a user's catalog from stored receipts
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	result, err := s.service.Rebuild(r.Context(), userID)
	if err != nil {
		slog.Error("Error rebuilding catalog", "user_id", userID, "error", err)
		setCORSHeaders(w)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSaveProfile sets a user's locality
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locality string `json:"locality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		corsError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Locality) == "" {
		jsonError(w, "locality is required", http.StatusBadRequest)
		return
	}

	profile, err := s.service.SaveProfile(r.Context(), r.PathValue("userID"), req.Locality)
	if err != nil {
		slog.Error("Error saving profile", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleCommunity returns the merged catalog of a locality
func (s *Server) handleCommunity(w http.ResponseWriter, r *http.Request) {
	locality := r.PathValue("locality")
	items, err := s.service.CommunityItems(r.Context(), locality)
	if err != nil {
		slog.Error("Error building community view", "locality", locality, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
