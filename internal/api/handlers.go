package api

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/castforge/ingestd/internal/analytics"
	"github.com/castforge/ingestd/internal/chunkassembler"
	"github.com/castforge/ingestd/internal/errkind"
	"github.com/castforge/ingestd/internal/ingestpipeline"
	"github.com/castforge/ingestd/internal/metadata"
	"github.com/castforge/ingestd/internal/models"
	"github.com/castforge/ingestd/internal/objectstore"
	"github.com/castforge/ingestd/internal/progressbus"
)

const maxSingleRequestUpload = 5 << 30 // 5 GiB

// Handler wires the ingest HTTP surface to the pipeline, progress bus, chunk
// assembler, metadata store, object store, and analytics tracker. Every
// field must be populated by the caller; the zero value is not usable.
type Handler struct {
	Pipeline    *ingestpipeline.Pipeline
	Bus         *progressbus.Bus
	Assembler   *chunkassembler.Assembler
	Metadata    *metadata.Store
	ObjectStore *objectstore.Store
	Analytics   *analytics.Tracker
	StagingDir  string
	Logger      *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// --- Upload submission ---

func uploadIDFromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get("X-Upload-ID"))
	if id == "" {
		return "", errkind.New(errkind.InvalidInput, "missing X-Upload-ID header")
	}
	if len(id) > 128 || !isValidUploadID(id) {
		return "", errkind.New(errkind.InvalidInput, "invalid X-Upload-ID")
	}
	return id, nil
}

func isValidUploadID(id string) bool {
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return len(id) > 0
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Upload handles POST /api/upload: a single-request upload that stages the
// body directly and submits it to the pipeline without going through the
// chunk assembler.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	uploadID, err := uploadIDFromRequest(r)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSingleRequestUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, errkind.Wrap(errkind.InvalidInput, "parse multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing file field"))
		return
	}
	defer file.Close()

	name := strings.TrimSpace(r.FormValue("name"))
	tags := splitTags(r.FormValue("tags"))

	stagedPath, err := h.stageSingleUpload(uploadID, file)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, errkind.Wrap(errkind.Internal, "stage upload", err))
		return
	}

	if err := h.Pipeline.Submit(uploadID, name, tags, stagedPath); err != nil {
		if err == ingestpipeline.ErrDuplicateUpload {
			WriteError(w, http.StatusConflict, errkind.New(errkind.Conflict, "upload id already submitted"))
			return
		}
		WriteError(w, http.StatusInternalServerError, errkind.Wrap(errkind.Internal, "submit upload", err))
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"upload_id": uploadID,
		"status":    "accepted",
	})
}

func (h *Handler) stageSingleUpload(uploadID string, src io.Reader) (string, error) {
	dir := h.StagingDir + "/" + uploadID
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := dir + "/source"
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return dest, nil
}

// UploadChunk handles POST /api/upload/chunk.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	uploadID, err := uploadIDFromRequest(r)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		WriteError(w, http.StatusBadRequest, errkind.Wrap(errkind.InvalidInput, "parse multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing chunk field"))
		return
	}
	defer chunk.Close()

	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "invalid chunk_index"))
		return
	}
	total, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "invalid total_chunks"))
		return
	}
	fileName := r.FormValue("file_name")

	if err := h.Assembler.PutChunk(uploadID, index, total, fileName, chunk); err != nil {
		WriteError(w, http.StatusBadRequest, errkind.Wrap(errkind.InvalidInput, "store chunk", err))
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"received": index, "total": total})
}

type finalizeRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// UploadFinalize handles POST /api/upload/finalize.
func (h *Handler) UploadFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	uploadID, err := uploadIDFromRequest(r)
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	var req finalizeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	finalized, err := h.Assembler.Finalize(uploadID, req.Name, req.Tags)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.Wrap(errkind.Conflict, "finalize chunk set", err))
		return
	}

	if err := h.Pipeline.Submit(uploadID, finalized.DisplayName, finalized.Tags, finalized.Path); err != nil {
		if err == ingestpipeline.ErrDuplicateUpload {
			WriteError(w, http.StatusConflict, errkind.New(errkind.Conflict, "upload id already submitted"))
			return
		}
		WriteError(w, http.StatusInternalServerError, errkind.Wrap(errkind.Internal, "submit upload", err))
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"upload_id": uploadID,
		"status":    "accepted",
	})
}

// --- Progress stream ---

type progressPayload struct {
	Percentage   int            `json:"percentage"`
	Stage        models.Stage   `json:"stage"`
	CurrentChunk int            `json:"current_chunk"`
	TotalChunks  int            `json:"total_chunks"`
	Details      string         `json:"details,omitempty"`
	Status       models.Status  `json:"status"`
	Result       *models.Result `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func toProgressPayload(rec models.ProgressRecord) progressPayload {
	return progressPayload{
		Percentage:   rec.Percentage,
		Stage:        rec.Stage,
		CurrentChunk: rec.CurrentChunk,
		TotalChunks:  rec.TotalChunks,
		Details:      rec.Details,
		Status:       rec.Status,
		Result:       rec.Result,
		Error:        rec.Error,
	}
}

const progressHeartbeatInterval = 15 * time.Second

// Progress handles GET /api/progress/{id}, streaming progress snapshots as
// server-sent events until the terminal snapshot is emitted.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	uploadID := strings.TrimPrefix(r.URL.Path, "/api/progress/")
	uploadID = strings.Trim(uploadID, "/")
	if uploadID == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing upload id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}

	initial, sub, err := h.Bus.Subscribe(r.Context(), uploadID)
	if err != nil {
		if err == progressbus.ErrNotFound {
			WriteError(w, http.StatusNotFound, errkind.New(errkind.NotFound, "unknown upload id"))
			return
		}
		WriteError(w, http.StatusInternalServerError, errkind.Wrap(errkind.Internal, "subscribe to progress", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSnapshot(w, initial)
	flusher.Flush()
	if initial.Status.IsTerminal() {
		return
	}

	ticker := time.NewTicker(progressHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-sub.Snapshots:
			if !ok {
				return
			}
			writeSnapshot(w, snap)
			flusher.Flush()
			if snap.Status.IsTerminal() {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSnapshot(w http.ResponseWriter, rec models.ProgressRecord) {
	payload, err := json.Marshal(toProgressPayload(rec))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// --- Queue inspector ---

type queueItem struct {
	UploadID string          `json:"upload_id"`
	Record   progressPayload `json:"record"`
}

type queueSnapshot struct {
	Items          []queueItem `json:"items"`
	ActiveCount    int         `json:"active_count"`
	CompletedCount int         `json:"completed_count"`
	FailedCount    int         `json:"failed_count"`
}

// Queues handles GET /api/queues.
func (h *Handler) Queues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	all := h.Bus.All()
	snap := queueSnapshot{Items: make([]queueItem, 0, len(all))}
	for _, q := range all {
		snap.Items = append(snap.Items, queueItem{UploadID: q.UploadID, Record: toProgressPayload(q.Record)})
		switch q.Record.Status {
		case models.StatusCompleted:
			snap.CompletedCount++
		case models.StatusFailed:
			snap.FailedCount++
		default:
			snap.ActiveCount++
		}
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].UploadID < snap.Items[j].UploadID })
	WriteJSON(w, http.StatusOK, snap)
}

// QueueByID handles DELETE /api/queues/{id}.
func (h *Handler) QueueByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteMethodNotAllowed(w, r, http.MethodDelete)
		return
	}
	uploadID := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	uploadID = strings.Trim(uploadID, "/")
	if uploadID == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing upload id"))
		return
	}
	if err := h.Pipeline.Cancel(uploadID); err != nil {
		if err == progressbus.ErrNotFound {
			WriteError(w, http.StatusNotFound, errkind.New(errkind.NotFound, "unknown upload id"))
			return
		}
		if err == progressbus.ErrFrozen {
			WriteError(w, http.StatusConflict, errkind.New(errkind.Conflict, "upload already terminal"))
			return
		}
		WriteError(w, http.StatusInternalServerError, errkind.Wrap(errkind.Internal, "cancel upload", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"upload_id": uploadID, "status": "cancelling"})
}

// --- Admin video listing/editing ---

type videoListResponse struct {
	Videos     []models.VideoRecord `json:"videos"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalCount int                  `json:"total_count"`
}

// Videos handles GET /api/videos and DELETE /api/videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listVideos(w, r)
	case http.MethodDelete:
		h.bulkDeleteVideos(w, r)
	default:
		WriteMethodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	all, err := h.Metadata.List(r.Context())
	if err != nil {
		WriteRequestError(w, err)
		return
	}

	nameFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("name")))
	tagFilter := strings.TrimSpace(r.URL.Query().Get("tag"))
	filtered := make([]models.VideoRecord, 0, len(all))
	for _, v := range all {
		if nameFilter != "" && !strings.Contains(strings.ToLower(v.Name), nameFilter) {
			continue
		}
		if tagFilter != "" && !containsTag(v.Tags, tagFilter) {
			continue
		}
		filtered = append(filtered, v)
	}

	page, pageSize := paginationParams(r)
	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	WriteJSON(w, http.StatusOK, videoListResponse{
		Videos:     filtered[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalCount: len(filtered),
	})
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func paginationParams(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 && v <= 200 {
		pageSize = v
	}
	return page, pageSize
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) bulkDeleteVideos(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	for _, id := range req.IDs {
		if err := h.Metadata.Delete(r.Context(), id); err != nil && err != metadata.ErrNotFound {
			WriteRequestError(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]int{"deleted": len(req.IDs)})
}

type videoUpdateRequest struct {
	Name *string  `json:"name"`
	Tags []string `json:"tags"`
}

// VideoByID handles PUT /api/videos/{id}.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteMethodNotAllowed(w, r, http.MethodPut)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	id = strings.Trim(id, "/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing video id"))
		return
	}
	var req videoUpdateRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	upd := models.VideoUpdate{Name: req.Name, Tags: req.Tags}
	if err := h.Metadata.Update(r.Context(), id, upd); err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
}

// --- Public sidecar metadata ---

// VideoSubtitles handles GET /api/videos/{id}/subtitles and
// GET /api/videos/{id}/subtitles/{track}.
func (h *Handler) VideoSubtitles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/videos/")
	parts := strings.SplitN(rest, "/subtitles", 2)
	if len(parts) != 2 {
		WriteError(w, http.StatusNotFound, errkind.New(errkind.NotFound, "not found"))
		return
	}
	id := parts[0]
	rec, err := h.Metadata.Get(r.Context(), id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	trackSuffix := strings.TrimPrefix(parts[1], "/")
	if trackSuffix == "" {
		WriteJSON(w, http.StatusOK, rec.Subtitles)
		return
	}
	track, err := strconv.Atoi(trackSuffix)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "invalid track index"))
		return
	}
	for _, sub := range rec.Subtitles {
		if sub.Track == track {
			WriteJSON(w, http.StatusOK, sub)
			return
		}
	}
	WriteError(w, http.StatusNotFound, errkind.New(errkind.NotFound, "subtitle track not found"))
}

// VideoAttachments handles GET /api/videos/{id}/attachments.
func (h *Handler) VideoAttachments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/attachments")
	rec, err := h.Metadata.Get(r.Context(), id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec.Attachments)
}

// VideoChapters handles GET /api/videos/{id}/chapters.
func (h *Handler) VideoChapters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/chapters")
	rec, err := h.Metadata.Get(r.Context(), id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec.Chapters)
}

// --- HLS proxy and player ---

// HLS handles GET /hls/{id}/{file}, proxying segment and playlist content
// from the object store.
func (h *Handler) HLS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/hls/")
	id, file, ok := strings.Cut(rest, "/")
	if !ok || id == "" || file == "" {
		WriteError(w, http.StatusNotFound, errkind.New(errkind.NotFound, "not found"))
		return
	}
	remoteKey := fmt.Sprintf("hls/%s/%s", id, file)
	obj, err := h.ObjectStore.Get(r.Context(), remoteKey)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", contentTypeForHLSFile(file))
	w.Header().Set("Cache-Control", "public, max-age=60")
	io.Copy(w, obj)
}

func contentTypeForHLSFile(file string) string {
	switch {
	case strings.HasSuffix(file, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(file, ".m4s"):
		return "video/iso.segment"
	case strings.HasSuffix(file, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(file, ".ts"):
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// Player handles GET /player/{id}, serving a minimal HLS.js player page.
func (h *Handler) Player(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/player/")
	id = strings.Trim(id, "/")
	rec, err := h.Metadata.Get(r.Context(), id)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, renderPlayerPage(rec))
}

// --- Analytics ---

// AnalyticsRealtime handles GET /api/analytics/realtime, streaming the
// active-viewer count for ?video_id= as server-sent events.
func (h *Handler) AnalyticsRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	videoID := strings.TrimSpace(r.URL.Query().Get("video_id"))
	if videoID == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing video_id"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		count, err := h.Analytics.RealtimeViewers(r.Context(), videoID)
		if err == nil {
			fmt.Fprintf(w, "data: {\"video_id\":%q,\"viewers\":%d}\n\n", videoID, count)
			flusher.Flush()
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

// AnalyticsHistory handles GET /api/analytics/history.
func (h *Handler) AnalyticsHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	videoID := strings.TrimSpace(r.URL.Query().Get("video_id"))
	if videoID == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing video_id"))
		return
	}
	count, err := h.Analytics.History(r.Context(), videoID)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"video_id": videoID, "views": count})
}

// VideoHeartbeat handles POST /api/videos/{id}/heartbeat.
func (h *Handler) VideoHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/heartbeat")
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = r.Header.Get("X-Viewer-Session")
	}
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, errkind.New(errkind.InvalidInput, "missing session id"))
		return
	}
	if err := h.Analytics.Heartbeat(r.Context(), id, sessionID); err != nil {
		WriteRequestError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz, checking the metadata store connection.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Metadata.Ping(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, errkind.Wrap(errkind.ServiceDegraded, "metadata store unreachable", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

const playerPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<script src="https://cdn.jsdelivr.net/npm/hls.js@1/dist/hls.min.js"></script>
<style>
  body { margin: 0; background: #0b0b0c; color: #eee; font-family: system-ui, sans-serif; }
  .wrap { max-width: 960px; margin: 0 auto; padding: 1rem; }
  video { width: 100%%; background: #000; }
  h1 { font-size: 1.1rem; font-weight: 600; }
</style>
</head>
<body>
<div class="wrap">
  <h1>%s</h1>
  <video id="player" controls playsinline></video>
</div>
<script>
(function() {
  var src = %q;
  var video = document.getElementById('player');
  var viewerSession = Math.random().toString(36).slice(2);
  if (window.Hls && Hls.isSupported()) {
    var hls = new Hls();
    hls.loadSource(src);
    hls.attachMedia(video);
  } else if (video.canPlayType('application/vnd.apple.mpegurl')) {
    video.src = src;
  }
  function ping() {
    fetch(%q + '/heartbeat?session_id=' + viewerSession, { method: 'POST' }).catch(function() {});
  }
  video.addEventListener('play', function() {
    ping();
    setInterval(ping, 10000);
  });
})();
</script>
</body>
</html>
`

func renderPlayerPage(rec models.VideoRecord) string {
	name := html.EscapeString(rec.Name)
	playlistSrc := "/hls/" + rec.ID + "/master.m3u8"
	heartbeatBase := "/api/videos/" + rec.ID
	return fmt.Sprintf(playerPageTemplate, name, name, playlistSrc, heartbeatBase)
}
