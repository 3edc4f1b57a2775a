package transport

import (
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

// ChunkSize is the fixed policy constant spec §4.5 calls for: "chunkSize a
// fixed policy constant (e.g. 64 KiB)".
const ChunkSize = 64 * 1024

// fileMetaPayload is the plaintext blob a FILE_META envelope's ciphertext
// decrypts to, per spec §3/§4.5.
type fileMetaPayload struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimetype"`
	TotalChunks int    `json:"totalChunks"`
}

// BuildFileEnvelopes encrypts data as one FILE_META envelope followed by
// ceil(size/ChunkSize) FILE_CHUNK envelopes (one empty chunk for an empty
// file), each chunk sealed
// independently under a fresh iv/nonce, per spec §4.5's file pipeline.
// Every envelope consumes one seq, allocated under the session's mutex
// the same way SendMessage does, so file chunks and ordinary messages on
// the same session never collide on seq.
func (s *Sender) BuildFileEnvelopes(userID, peerID, sessionID, filename, mimeType string, data []byte, now time.Time) ([]*Envelope, error) {
	totalChunks := int(math.Ceil(float64(len(data)) / float64(ChunkSize)))
	if len(data) == 0 {
		totalChunks = 1
	}

	metaPayload, err := json.Marshal(fileMetaPayload{
		Filename:    filename,
		Size:        int64(len(data)),
		MimeType:    mimeType,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return nil, errs.Wrap(errs.BadInput, "transport.Sender.BuildFileEnvelopes", "meta encode failed", err)
	}

	metaEnv, err := s.sealEnvelope(userID, peerID, sessionID, TypeFileMeta, metaPayload, &FileMeta{
		Filename:    filename,
		Size:        int64(len(data)),
		MimeType:    mimeType,
		TotalChunks: totalChunks,
	}, now)
	if err != nil {
		return nil, err
	}

	envelopes := make([]*Envelope, 0, totalChunks+1)
	envelopes = append(envelopes, metaEnv)

	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunkEnv, err := s.sealEnvelope(userID, peerID, sessionID, TypeFileChunk, data[start:end], &FileMeta{
			ChunkIndex:  i,
			TotalChunks: totalChunks,
		}, now)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, chunkEnv)
	}
	return envelopes, nil
}

// sealEnvelope is the shared seq-allocate/seal/advance step BuildFileEnvelopes
// uses for both its META and CHUNK envelopes; it mirrors SendMessage's
// critical section but tags the envelope with an arbitrary type and meta.
func (s *Sender) sealEnvelope(userID, peerID, sessionID string, typ EnvelopeType, plaintext []byte, meta *FileMeta, now time.Time) (*Envelope, error) {
	mu := lockFor(userID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.Load(userID, sessionID)
	if err != nil {
		return nil, err
	}

	nonce, err := cryptocore.RandomBytes(MinNonceSize)
	if err != nil {
		return nil, err
	}
	seq := sess.NextSeq

	sealed, err := cryptocore.Seal(sess.SendKey, plaintext, s.aad(sessionID, seq))
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Type:       typ,
		SessionID:  sessionID,
		Sender:     userID,
		Receiver:   peerID,
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		AuthTag:    sealed.Tag,
		Timestamp:  now.UnixMilli(),
		Seq:        seq,
		Nonce:      nonce,
		Meta:       meta,
	}

	sess.NextSeq++
	if err := s.store.Update(sess); err != nil {
		return nil, err
	}
	return env, nil
}

// AssembledFile is the result of a fully reassembled file transfer.
type AssembledFile struct {
	Filename string
	MimeType string
	Data     []byte
}

type inFlightFile struct {
	meta      *FileMeta
	metaEnv   *Envelope
	chunkEnvs map[int]*Envelope
}

// FileAssembler buffers inbound FILE_META/FILE_CHUNK envelopes keyed by
// sessionId + the seq of the FILE_META that started the transfer, per
// spec §4.5: "receiver buffers chunks keyed by sessionId + first-seq of
// FILE_META, assembles in chunkIndex order (not arrival order)".
//
// Envelopes are buffered UNDECRYPTED and only handed to the Receiver once
// every chunk has arrived, at which point they are fed through the normal
// receive pipeline in ascending seq order. This reconciles "assembled
// out of arrival order" with the session's strict-seq replay invariant:
// the network may deliver chunks in any order, but the session's seq/nonce
// state still only ever advances monotonically. It is safe for concurrent
// use by multiple receive goroutines across sessions.
type FileAssembler struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFile
}

// NewFileAssembler returns an empty assembler.
func NewFileAssembler() *FileAssembler {
	return &FileAssembler{inFlight: make(map[string]*inFlightFile)}
}

func transferKey(sessionID string, firstSeq uint64) string {
	return sessionID + ":" + strconv.FormatUint(firstSeq, 10)
}

// Feed buffers env (not yet decrypted) under the transfer keyed by
// (sessionID, firstSeq). Once the FILE_META and every FILE_CHUNK it
// declares have arrived, Feed decrypts and applies them to userID's
// session, in ascending seq order, via receiver, and returns the
// assembled file with done=true. Any chunk failing the receive pipeline
// (replay or MITM) aborts and discards the whole in-flight transfer, per
// spec §4.5: "if any chunk fails integrity, the entire file is discarded."
func (a *FileAssembler) Feed(receiver *Receiver, userID, sessionID string, env *Envelope, now time.Time, firstSeq uint64) (*AssembledFile, bool, error) {
	key := transferKey(sessionID, firstSeq)

	a.mu.Lock()
	transfer, ok := a.inFlight[key]
	if !ok {
		transfer = &inFlightFile{chunkEnvs: make(map[int]*Envelope)}
		a.inFlight[key] = transfer
	}
	switch env.Type {
	case TypeFileMeta:
		transfer.metaEnv = env
		transfer.meta = env.Meta
	case TypeFileChunk:
		if env.Meta == nil {
			a.mu.Unlock()
			return nil, false, errs.New(errs.BadInput, "transport.FileAssembler.Feed", "FILE_CHUNK missing meta")
		}
		transfer.chunkEnvs[env.Meta.ChunkIndex] = env
	default:
		a.mu.Unlock()
		return nil, false, errs.New(errs.BadInput, "transport.FileAssembler.Feed", "not a file envelope")
	}

	complete := transfer.metaEnv != nil && transfer.meta != nil && len(transfer.chunkEnvs) >= transfer.meta.TotalChunks
	if !complete {
		a.mu.Unlock()
		return nil, false, nil
	}
	delete(a.inFlight, key)
	a.mu.Unlock()

	assembled, err := a.assemble(receiver, userID, sessionID, transfer, now)
	if err != nil {
		return nil, false, err
	}
	return assembled, true, nil
}

func (a *FileAssembler) assemble(receiver *Receiver, userID, sessionID string, transfer *inFlightFile, now time.Time) (*AssembledFile, error) {
	metaPlain, err := receiver.ReceiveFileEnvelope(userID, sessionID, transfer.metaEnv, now)
	if err != nil {
		return nil, err
	}
	var meta fileMetaPayload
	if err := json.Unmarshal(metaPlain, &meta); err != nil {
		return nil, errs.Wrap(errs.BadInput, "transport.FileAssembler.assemble", "malformed FILE_META payload", err)
	}

	data := make([]byte, 0, meta.Size)
	for i := 0; i < meta.TotalChunks; i++ {
		chunkEnv, ok := transfer.chunkEnvs[i]
		if !ok {
			return nil, errs.New(errs.IntegrityError, "transport.FileAssembler.assemble", "missing chunk in reassembly")
		}
		plaintext, err := receiver.ReceiveFileEnvelope(userID, sessionID, chunkEnv, now)
		if err != nil {
			return nil, err
		}
		data = append(data, plaintext...)
	}
	return &AssembledFile{Filename: meta.Filename, MimeType: meta.MimeType, Data: data}, nil
}
