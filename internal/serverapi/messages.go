package serverapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/middleware"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

// envelopeWire is the base64-over-JSON wire shape of an Envelope as spec §6
// carries it over the HTTPS fallback surface (the WS path uses the same
// fields but lets encoding/json base64 []byte automatically).
type envelopeWire struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"sessionId"`
	Receiver   string              `json:"receiver"`
	Ciphertext string              `json:"ciphertext"`
	IV         string              `json:"iv"`
	AuthTag    string              `json:"authTag"`
	Timestamp  int64               `json:"timestamp"`
	Seq        uint64              `json:"seq"`
	Nonce      string              `json:"nonce"`
	Meta       *transport.FileMeta `json:"meta,omitempty"`
}

// RelayMessage implements `POST /messages/relay {envelope}`: the fallback
// path for when a recipient can't be reached over a live WebSocket. The
// envelope passes through the same MessageMeta gate the hub's WS path
// uses, then is handed to the hub for delivery exactly as if it had
// arrived over a live connection — including cross-instance routing and
// offline-inbox fallback.
func RelayMessage(hub *transport.Hub, metaStore *MessageMetaStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req envelopeWire
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		ciphertext, err := transport.DecodeBase64(req.Ciphertext)
		if err != nil {
			http.Error(w, "malformed ciphertext", http.StatusBadRequest)
			return
		}
		iv, err := transport.DecodeBase64(req.IV)
		if err != nil {
			http.Error(w, "malformed iv", http.StatusBadRequest)
			return
		}
		authTag, err := transport.DecodeBase64(req.AuthTag)
		if err != nil {
			http.Error(w, "malformed authTag", http.StatusBadRequest)
			return
		}
		nonce, err := transport.DecodeBase64(req.Nonce)
		if err != nil {
			http.Error(w, "malformed nonce", http.StatusBadRequest)
			return
		}

		env := &transport.Envelope{
			Type:       transport.EnvelopeType(req.Type),
			SessionID:  req.SessionID,
			Sender:     userID,
			Receiver:   req.Receiver,
			Ciphertext: ciphertext,
			IV:         iv,
			AuthTag:    authTag,
			Timestamp:  req.Timestamp,
			Seq:        req.Seq,
			Nonce:      nonce,
			Meta:       req.Meta,
		}
		if err := env.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Nonce length is a ReplayDetected classification (spec §4.5 step 4),
		// not structural BadInput — Validate() deliberately leaves it to the
		// caller, which here is the relay's metadata gate rather than a
		// session's receive pipeline.
		if !transport.NonceLengthInRange(len(env.Nonce)) {
			writeFileError(w, errs.New(errs.ReplayDetected, "serverapi.RelayMessage", "nonce length outside 12-32 byte range"))
			return
		}

		err = metaStore.Insert(&MessageMeta{
			MessageID: uuid.New().String(),
			SessionID: env.SessionID,
			Sender:    env.Sender,
			Receiver:  env.Receiver,
			Type:      string(env.Type),
			Timestamp: env.Timestamp,
			Seq:       env.Seq,
			NonceHash: transport.NonceHash(nonce),
		})
		if err != nil {
			writeFileError(w, err)
			return
		}

		hub.Relay(env)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "queued"})
	}
}
