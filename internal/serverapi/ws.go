package serverapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/silentrelay/e2ee-core/internal/middleware"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWSOrigin,
}

// checkWSOrigin allows same-origin connections with no Origin header
// (native clients) and otherwise requires an exact match against an entry
// of ALLOWED_ORIGINS; subdomains of an allowed origin are not matched.
func checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowedEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedEnv == "" {
		allowedEnv = "http://localhost:3000,http://localhost:5173"
	}
	for _, allowed := range strings.Split(allowedEnv, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed != "" && origin == allowed {
			return true
		}
	}
	return false
}

// ServeWebSocket upgrades the connection and registers it with hub once
// the bearer token (header, `Sec-WebSocket-Protocol`, or query param —
// browsers cannot set custom headers during the WS handshake) verifies.
func ServeWebSocket(hub *transport.Hub, verifier *middleware.TokenVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerFromRequest(r)
		if token == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		claims, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			apiLogger.Printf("websocket upgrade failed for user=%s: %v", claims.UserID, err)
			return
		}

		client := transport.NewClient(hub, conn, claims.UserID)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}
}

func bearerFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.SplitN(proto, ", ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
