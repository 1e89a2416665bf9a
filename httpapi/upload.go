package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/observability"
	"github.com/scivault/ingestd/remote"
	"github.com/scivault/ingestd/token"
	"github.com/scivault/ingestd/upload"
)

// maxMultipartMemory bounds the in-memory portion of multipart parsing;
// larger parts spool to disk.
const maxMultipartMemory = 16 << 20

// ingestFields parses the "request" form field carrying the IngestRequest
// JSON blob of a multipart ingestion call.
func ingestFields(r *http.Request) (*upload.IngestRequest, error) {
	var req upload.IngestRequest
	if err := json.Unmarshal([]byte(r.FormValue("request")), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleDirectUpload accepts a whole file in one multipart request:
// a "request" field with the ingestion JSON and a "file" part.
func (s *Server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	req, err := ingestFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()

	d, err := s.router.IngestDirect(r.Context(), id, req, header.Filename, header.Size, file)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventIngestAccepted, DatasetUUID: d.UUID,
		UserEmail: id.Email, Success: true,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":             d.UUID,
		"status":             d.Status,
		"upload_type":        "standard",
		"estimated_duration": upload.EstimateDuration(header.Size).String(),
		"dataset":            d,
	})
}

type initiateChunkedRequest struct {
	upload.IngestRequest
	Filename    string   `json:"filename"`
	TotalBytes  int64    `json:"total_bytes"`
	OverallHash string   `json:"overall_hash,omitempty"`
	ChunkHashes []string `json:"chunk_hashes,omitempty"`
}

func (s *Server) handleInitiateChunked(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	var req initiateChunkedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, sess, err := s.router.InitiateChunked(r.Context(), id, &req.IngestRequest,
		req.Filename, req.TotalBytes, req.OverallHash, req.ChunkHashes)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventSessionInitiated, DatasetUUID: d.UUID,
		SessionID: sess.SessionID, UserEmail: id.Email, Success: true,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id":          sess.SessionID,
		"job_id":             d.UUID,
		"chunk_size":         sess.ChunkSize,
		"total_chunks":       sess.TotalChunks,
		"estimated_duration": upload.EstimateDuration(req.TotalBytes).String(),
		"session":            sess,
		"dataset":            d,
	})
}

// handleChunk receives one chunk: form fields upload_id, chunk_number
// (0-based), optional hash, and a "chunk" file part.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	sessionID := r.FormValue("upload_id")
	idx, err := strconv.Atoi(r.FormValue("chunk_number"))
	if sessionID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "upload_id and chunk_number required")
		return
	}
	part, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk part required")
		return
	}
	defer part.Close()

	received, total, err := s.router.Manager().PutChunk(r.Context(), id.Email, sessionID, idx, r.FormValue("hash"), part)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id": sessionID,
		"received":  received,
		"count":     total,
	})
}

type completeRequest struct {
	SessionID string `json:"upload_id"`
}

func (s *Server) handleCompleteChunked(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "upload_id required")
		return
	}
	d, err := s.router.Manager().Complete(r.Context(), id.Email, req.SessionID)
	if err != nil {
		// A premature complete reports which chunks are still missing.
		if missing, _, _, rerr := s.router.Manager().ResumeInfo(r.Context(), id.Email, req.SessionID); rerr == nil && len(missing) > 0 {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Missing: missing})
			return
		}
		respondError(w, s.log, err)
		return
	}
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventSessionCompleted, DatasetUUID: d.UUID,
		SessionID: req.SessionID, UserEmail: id.Email, Success: true,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  d.UUID,
		"status":  d.Status,
		"dataset": d,
	})
}

type initiateRemoteRequest struct {
	upload.IngestRequest
	Source struct {
		Type   string         `json:"type"`
		Config map[string]any `json:"config"`
	} `json:"source"`
}

func (s *Server) handleInitiateRemote(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	var req initiateRemoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := s.router.IngestRemote(r.Context(), id, &req.IngestRequest, req.Source.Type, req.Source.Config)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventIngestAccepted, DatasetUUID: d.UUID,
		UserEmail: id.Email, Detail: req.Source.Type, Success: true,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"dataset": d,
		"job_id":  d.UUID,
	})
}

// handleStatus reports progress for a job id that names either an upload
// session or a dataset (any of its four identifier forms).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	if sess, err := s.cat.GetSession(r.Context(), jobID); err == nil {
		if sess.OwnerEmail != id.Email {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		bytesUp, bytesTotal, received, total, err := s.router.Manager().Progress(r.Context(), jobID)
		if err != nil {
			respondError(w, s.log, err)
			return
		}
		missing, _, expiresAt, err := s.router.Manager().ResumeInfo(r.Context(), id.Email, jobID)
		if err != nil {
			missing, expiresAt = nil, sess.ExpiresAt
		}
		var pct float64
		if bytesTotal > 0 {
			pct = 100 * float64(bytesUp) / float64(bytesTotal)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":                "session",
			"job_id":              sess.DatasetUUID,
			"status":              sess.State,
			"progress_percentage": pct,
			"bytes_uploaded":      bytesUp,
			"bytes_total":         bytesTotal,
			"received":            received,
			"total_chunks":        total,
			"missing_chunks":      missing,
			"expires_at":          expiresAt,
			"created_at":          sess.CreatedAt,
			"updated_at":          sess.UpdatedAt,
		})
		return
	}

	d, err := s.resolver.Resolve(r.Context(), jobID, id.Email)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if !d.CanRead(s.user(r.Context(), id)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	pct := progressFor(d.Status)
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":                "dataset",
		"job_id":              d.UUID,
		"status":              d.Status,
		"progress_percentage": pct,
		"error":               d.ConversionError,
		"conversion_attempts": d.ConversionAttempts,
		"conversion_seconds":  d.ConversionSeconds,
		"files":               len(d.Files),
		"data_size_gb":        d.DataSizeGB,
		"created_at":          d.CreatedAt,
		"updated_at":          d.UpdatedAt,
	})
}

// progressFor maps a status to a coarse completion percentage for
// clients that render a single progress bar across the whole pipeline.
func progressFor(st catalog.Status) float64 {
	switch st {
	case catalog.StatusSubmitted:
		return 5
	case catalog.StatusUploadQueued, catalog.StatusSyncQueued:
		return 10
	case catalog.StatusUploading, catalog.StatusSyncing:
		return 40
	case catalog.StatusUnzipping:
		return 60
	case catalog.StatusConversionQueued:
		return 70
	case catalog.StatusConverting:
		return 85
	case catalog.StatusDone:
		return 100
	default:
		return 0
	}
}

// directCancellable lists the statuses a cancel request resolves
// synchronously; anything else raises the flag for the running worker.
var directCancellable = map[catalog.Status]bool{
	catalog.StatusSubmitted:        true,
	catalog.StatusUploadQueued:     true,
	catalog.StatusSyncQueued:       true,
	catalog.StatusConversionQueued: true,
	catalog.StatusUploadError:      true,
	catalog.StatusSyncError:        true,
	catalog.StatusConversionError:  true,
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	jobID := chi.URLParam(r, "job_id")

	if sess, err := s.cat.GetSession(r.Context(), jobID); err == nil {
		if err := s.router.Manager().Abort(r.Context(), id.Email, sess.SessionID); err != nil {
			respondError(w, s.log, err)
			return
		}
		s.events.Log(r.Context(), observability.Event{
			Type: observability.EventSessionAborted, DatasetUUID: sess.DatasetUUID,
			SessionID: sess.SessionID, UserEmail: id.Email, Success: true,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
		return
	}

	d, err := s.resolver.Resolve(r.Context(), jobID, id.Email)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if !d.CanWrite(s.user(r.Context(), id)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if d.Status == catalog.StatusCancelled {
		// Repeat cancels are a no-op.
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	if d.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	if directCancellable[d.Status] {
		if err := s.cat.CompareAndSetStatus(r.Context(), d.UUID, d.Status, catalog.StatusCancelled); err == nil {
			s.events.Log(r.Context(), observability.Event{
				Type: observability.EventCancelRequested, DatasetUUID: d.UUID,
				UserEmail: id.Email, Success: true,
			})
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
			return
		}
		// Lost the race with a worker claim; fall through to the flag.
	}
	if err := s.cat.RequestCancel(r.Context(), d.UUID); err != nil {
		respondError(w, s.log, err)
		return
	}
	s.events.Log(r.Context(), observability.Event{
		Type: observability.EventCancelRequested, DatasetUUID: d.UUID,
		UserEmail: id.Email, Success: true,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	id := token.FromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var status catalog.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = catalog.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	ds, err := s.cat.ListByOwner(r.Context(), id.Email, status, limit, offset)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   ds,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleSupportedSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": remote.SupportedSources(),
		"sensors": s.reg.Sensors(),
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk_size_bytes":    s.cfg.ChunkSizeBytes(),
		"max_file_bytes":      s.cfg.MaxFileBytes(),
		"direct_upload_bytes": s.cfg.DirectUploadBytes(),
		"session_ttl":         s.cfg.SessionTTL().String(),
	})
}
