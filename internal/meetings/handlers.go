package meetings

import (
	"encoding/json"
	"errors"
	"net/http"
)

type createRequest struct {
	Title     string `json:"title"`
	CreatedBy string `json:"createdBy"`
}

// RegisterRoutes exposes the directory over HTTP:
//
//	POST /meetings        mint a key
//	GET  /meetings/{key}  resolve a key
func (d *Directory) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /meetings", d.handleCreate)
	mux.HandleFunc("GET /meetings/{key}", d.handleResolve)
}

func (d *Directory) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	m, err := d.Create(r.Context(), req.Title, req.CreatedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (d *Directory) handleResolve(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	m, err := d.Resolve(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown meeting key")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
