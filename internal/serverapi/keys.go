package serverapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/identity"
	"github.com/silentrelay/e2ee-core/internal/middleware"
)

// UploadKey implements `POST /keys/upload {publicIdentityKeyJWK}`: an
// idempotent upsert into the public key registry.
func UploadKey(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req struct {
			PublicIdentityKeyJWK *identity.JWK `json:"publicIdentityKeyJWK"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicIdentityKeyJWK == nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		uid, err := uuid.Parse(userID)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		rec, err := registry.PublishPublic(uid, req.PublicIdentityKeyJWK)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// GetMyKey implements `GET /keys/me`.
func GetMyKey(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		uid, err := uuid.Parse(userID)
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		rec, err := registry.GetPublic(uid)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// GetUserKey implements `GET /keys/{userId}`.
func GetUserKey(registry *identity.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetUserID(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		vars := mux.Vars(r)
		uid, err := uuid.Parse(vars["userId"])
		if err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		rec, err := registry.GetPublic(uid)
		if err != nil {
			writeKeyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.BadInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errs.Is(err, errs.SessionNotFound):
		http.Error(w, "no key registered for that user", http.StatusNotFound)
	case errs.Is(err, errs.IntegrityError):
		http.Error(w, "stored key failed integrity check", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
