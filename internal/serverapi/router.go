package serverapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/silentrelay/e2ee-core/internal/identity"
	"github.com/silentrelay/e2ee-core/internal/middleware"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

// Deps bundles every component a relay instance's HTTP surface depends on.
type Deps struct {
	Registry  *identity.Registry
	Sessions  *SessionDirectory
	MetaStore *MessageMetaStore
	Blobs     *transport.BlobStore
	Hub       *transport.Hub
	Verifier  *middleware.TokenVerifier

	// RequireHTTPS enforces spec §6's "in production, HTTP is rejected
	// (403 HTTPS required)" rule. See middleware.RequireSecureContext.
	RequireHTTPS bool
}

// NewRouter wires §6's HTTPS surface plus the WebSocket upgrade endpoint,
// grounded on the teacher's chatserver router: a public health/metrics
// prefix, an authenticated API subrouter, and a CORS wrapper applied to
// the whole thing.
func NewRouter(deps Deps, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequireSecureContext(deps.RequireHTTPS))
	router.Use(middleware.SecurityHeaders)

	router.HandleFunc("/health", HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/ws", ServeWebSocket(deps.Hub, deps.Verifier)).Methods("GET")

	api := router.PathPrefix("/").Subrouter()
	api.Use(middleware.AuthMiddleware(deps.Verifier, nil))

	api.HandleFunc("/keys/upload", UploadKey(deps.Registry)).Methods("POST")
	api.HandleFunc("/keys/me", GetMyKey(deps.Registry)).Methods("GET")
	api.HandleFunc("/keys/{userId}", GetUserKey(deps.Registry)).Methods("GET")

	api.HandleFunc("/sessions", CreateSession(deps.Sessions)).Methods("POST")
	api.HandleFunc("/sessions", ListSessions(deps.Sessions)).Methods("GET")
	api.HandleFunc("/sessions/{id}", GetSession(deps.Sessions)).Methods("GET")

	api.HandleFunc("/files/upload", UploadFileChunk(deps.Blobs, deps.MetaStore, deps.Sessions)).Methods("POST")
	api.HandleFunc("/files/{fileId}", GetFileManifest(deps.Blobs)).Methods("GET")
	api.HandleFunc("/files/{fileId}/chunk/{chunkIndex}", GetFileChunk(deps.Blobs)).Methods("GET")

	api.HandleFunc("/messages/relay", RelayMessage(deps.Hub, deps.MetaStore)).Methods("POST")

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(router)
}
