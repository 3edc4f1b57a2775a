package serverapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/silentrelay/e2ee-core/internal/middleware"
)

// CreateSession implements `POST /sessions {userId1, userId2}`, returning
// the existing directory entry for this unordered pair if one exists.
func CreateSession(sessions *SessionDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetUserID(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req struct {
			UserID1 string `json:"userId1"`
			UserID2 string `json:"userId2"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID1 == "" || req.UserID2 == "" {
			http.Error(w, "userId1 and userId2 are required", http.StatusBadRequest)
			return
		}

		rec, isNew, err := sessions.GetOrCreate(req.UserID1, req.UserID2)
		if err != nil {
			writeFileError(w, err)
			return
		}
		status := http.StatusOK
		if isNew {
			status = http.StatusCreated
		}
		writeJSON(w, status, rec)
	}
}

// GetSession implements `GET /sessions/{id}`.
func GetSession(sessions *SessionDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetUserID(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sessionID := mux.Vars(r)["id"]
		rec, err := sessions.Get(sessionID)
		if err != nil {
			writeFileError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// ListSessions implements `GET /sessions`: every directory entry
// involving the caller.
func ListSessions(sessions *SessionDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		recs, err := sessions.ListForUser(userID)
		if err != nil {
			writeFileError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
