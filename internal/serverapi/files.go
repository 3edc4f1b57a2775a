package serverapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/middleware"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

// fileChunkRequest is the wire shape of `POST /files/upload`, spec §6:
// "{fileId, chunkIndex, totalChunks, encryptedData, iv, authTag, sessionId,
// timestamp, seq, nonce [, filename,size,mimetype on chunk 0]}". This is the
// WS-unavailable fallback path: the server persists the sealed chunk
// envelope untouched and never reassembles or decrypts it.
type fileChunkRequest struct {
	FileID        string `json:"fileId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	SessionID     string `json:"sessionId"`
	Timestamp     int64  `json:"timestamp"`
	Seq           uint64 `json:"seq"`
	Nonce         string `json:"nonce"`
	Filename      string `json:"filename,omitempty"`
	Size          int64  `json:"size,omitempty"`
	MimeType      string `json:"mimetype,omitempty"`
}

type fileChunkResponse struct {
	FileID        string `json:"fileId"`
	ChunkIndex    int    `json:"chunkIndex"`
	SessionID     string `json:"sessionId"`
	Sender        string `json:"sender"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	Timestamp     int64  `json:"timestamp"`
	Seq           uint64 `json:"seq"`
	Nonce         string `json:"nonce"`
}

type fileManifestResponse struct {
	FileID      string `json:"fileId"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimetype"`
	TotalChunks int    `json:"totalChunks"`
}

// UploadFileChunk implements `POST /files/upload`. Each call seals one
// chunk (chunkIndex 0 also carries the cleartext filename/size/mimetype
// metadata spec §6 exempts from encryption) into object storage and
// records a MessageMeta row so the replay/monotonicity gate applies to
// the HTTPS fallback path exactly as it does to the relayed-envelope path.
func UploadFileChunk(blobs *transport.BlobStore, metaStore *MessageMetaStore, sessions *SessionDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserID(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req fileChunkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.FileID == "" || req.SessionID == "" {
			http.Error(w, "fileId and sessionId are required", http.StatusBadRequest)
			return
		}

		ciphertext, err := transport.DecodeBase64(req.EncryptedData)
		if err != nil {
			http.Error(w, "malformed encryptedData", http.StatusBadRequest)
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

		sessRec, err := sessions.Get(req.SessionID)
		if err != nil {
			writeFileError(w, err)
			return
		}
		receiver := sessRec.UserID1
		if receiver == userID {
			receiver = sessRec.UserID2
		}

		env := &transport.Envelope{
			Type:       transport.TypeFileChunk,
			SessionID:  req.SessionID,
			Sender:     userID,
			Receiver:   receiver,
			Ciphertext: ciphertext,
			IV:         iv,
			AuthTag:    authTag,
			Timestamp:  req.Timestamp,
			Seq:        req.Seq,
			Nonce:      nonce,
			Meta: &transport.FileMeta{
				Filename:    req.Filename,
				Size:        req.Size,
				MimeType:    req.MimeType,
				TotalChunks: req.TotalChunks,
				ChunkIndex:  req.ChunkIndex,
			},
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
			writeFileError(w, errs.New(errs.ReplayDetected, "serverapi.UploadFileChunk", "nonce length outside 12-32 byte range"))
			return
		}

		sealed, err := json.Marshal(env)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := blobs.PutChunk(r.Context(), req.FileID, req.ChunkIndex, sealed); err != nil {
			writeFileError(w, err)
			return
		}

		err = metaStore.Insert(&MessageMeta{
			MessageID: uuid.New().String(),
			SessionID: req.SessionID,
			Sender:    userID,
			Receiver:  receiver,
			Type:      string(transport.TypeFileChunk),
			Timestamp: req.Timestamp,
			Seq:       req.Seq,
			NonceHash: transport.NonceHash(nonce),
		})
		if err != nil {
			writeFileError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"fileId":     req.FileID,
			"chunkIndex": req.ChunkIndex,
			"stored":     true,
		})
	}
}

// GetFileManifest implements `GET /files/{fileId}`: the declared
// filename/size/mimetype/totalChunks from chunk 0's meta, without the
// ciphertext of any chunk.
func GetFileManifest(blobs *transport.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetUserID(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fileID := mux.Vars(r)["fileId"]
		env, err := loadChunkEnvelope(r, blobs, fileID, 0)
		if err != nil {
			writeFileError(w, err)
			return
		}
		if env.Meta == nil {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, fileManifestResponse{
			FileID:      fileID,
			Filename:    env.Meta.Filename,
			Size:        env.Meta.Size,
			MimeType:    env.Meta.MimeType,
			TotalChunks: env.Meta.TotalChunks,
		})
	}
}

// GetFileChunk implements `GET /files/{fileId}/chunk/{i}`: returns the
// sealed chunk as-is, base64-encoded, for the caller's own AEAD open.
func GetFileChunk(blobs *transport.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.GetUserID(r.Context()); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		vars := mux.Vars(r)
		fileID := vars["fileId"]
		idx, err := strconv.Atoi(vars["chunkIndex"])
		if err != nil || idx < 0 {
			http.Error(w, "invalid chunk index", http.StatusBadRequest)
			return
		}

		env, err := loadChunkEnvelope(r, blobs, fileID, idx)
		if err != nil {
			writeFileError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fileChunkResponse{
			FileID:        fileID,
			ChunkIndex:    idx,
			SessionID:     env.SessionID,
			Sender:        env.Sender,
			EncryptedData: transport.EncodeBase64(env.Ciphertext),
			IV:            transport.EncodeBase64(env.IV),
			AuthTag:       transport.EncodeBase64(env.AuthTag),
			Timestamp:     env.Timestamp,
			Seq:           env.Seq,
			Nonce:         transport.EncodeBase64(env.Nonce),
		})
	}
}

func loadChunkEnvelope(r *http.Request, blobs *transport.BlobStore, fileID string, chunkIndex int) (*transport.Envelope, error) {
	raw, err := blobs.GetChunk(r.Context(), fileID, chunkIndex)
	if err != nil {
		return nil, err
	}
	var env transport.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.IntegrityError, "serverapi.loadChunkEnvelope", "stored chunk envelope is corrupt", err)
	}
	return &env, nil
}

func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.BadInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errs.Is(err, errs.SessionNotFound):
		http.Error(w, "unknown session", http.StatusNotFound)
	case errs.Is(err, errs.ReplayDetected):
		http.Error(w, "replay detected", http.StatusConflict)
	case errs.Is(err, errs.IntegrityError):
		http.Error(w, err.Error(), http.StatusConflict)
	case errs.Is(err, errs.TransportError):
		http.Error(w, "chunk not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
