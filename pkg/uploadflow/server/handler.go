// Package server implements the storage endpoint the uploadflow client
// talks to: the two-phase upload protocol, the single-shot multipart
// endpoint, and file serving.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
	"github.com/openkiln/uploadflow/pkg/uploadflow/storage"
)

// DefaultMaxUploadBytes caps request bodies when no explicit limit is set.
const DefaultMaxUploadBytes = 32 << 20

// Config options for the handler.
type Config struct {
	// PublicBaseURL prefixes issued file URLs, e.g. "https://cdn.example.com".
	// Empty issues relative URLs.
	PublicBaseURL string

	// MaxUploadBytes caps accepted file sizes. DefaultMaxUploadBytes when 0.
	MaxUploadBytes int64

	Logger *slog.Logger
}

// Handler serves the upload API backed by a repository and a blob store.
type Handler struct {
	repo     Repository
	store    storage.BlobStore
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(repo Repository, store storage.BlobStore, cfg Config) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		store:    store,
		baseURL:  cfg.PublicBaseURL,
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

// Routes returns the full route tree. Middlewares apply to the /api subtree
// only; file serving stays public.
func (h *Handler) Routes(apiMiddlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		for _, mw := range apiMiddlewares {
			r.Use(mw)
		}
		r.Post("/uploads", h.InitUpload)
		r.Put("/uploads/{id}/data", h.PutUploadData)
		r.Post("/uploads/{id}/complete", h.CompleteUpload)
		r.Delete("/uploads/{id}", h.AbortUpload)
		r.Post("/images", h.DirectUpload)
	})
	r.Get("/files/*", h.ServeFile)
	return r
}

// InitUploadRequest is the request body for starting a two-phase upload.
type InitUploadRequest struct {
	FileName  string `json:"file_name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// InitUploadResponse is the response body for a started upload.
type InitUploadResponse struct {
	UploadID string `json:"upload_id"`
	PutURL   string `json:"put_url"`
}

// ImageBody is the canonical image object in responses.
type ImageBody struct {
	ID         string `json:"id"`
	StorageKey string `json:"storage_key"`
	URL        string `json:"url"`
}

// ImageResponse wraps the canonical image envelope.
type ImageResponse struct {
	Image ImageBody `json:"image"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// InitUpload starts a two-phase upload.
func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	var req InitUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileName == "" {
		h.fail(w, r, http.StatusBadRequest, "file_name is required")
		return
	}
	if req.SizeBytes <= 0 {
		h.fail(w, r, http.StatusBadRequest, "size_bytes must be positive")
		return
	}
	if req.SizeBytes > h.maxBytes {
		h.fail(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", h.maxBytes))
		return
	}
	if _, verr := uploadflow.ValidateFileType(req.FileName, req.MIMEType); verr != nil {
		h.fail(w, r, http.StatusUnsupportedMediaType, verr.Message)
		return
	}

	now := time.Now()
	upload := &Upload{
		ID:        uuid.NewString(),
		FileName:  req.FileName,
		MIMEType:  req.MIMEType,
		SizeBytes: req.SizeBytes,
		Status:    UploadStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	upload.StagingKey = "staging/" + upload.ID
	if err := h.repo.CreateUpload(r.Context(), upload); err != nil {
		h.logger.Error("failed to create upload", "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to create upload")
		return
	}

	h.logger.Info("upload initialized",
		"upload_id", upload.ID,
		"file_name", upload.FileName,
		"size_bytes", upload.SizeBytes,
		"request_id", r.Header.Get("X-Request-Id"))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, InitUploadResponse{
		UploadID: upload.ID,
		PutURL:   "/api/uploads/" + upload.ID + "/data",
	})
}

// PutUploadData receives the bytes for a pending upload. The leading bytes
// are sniffed; content that is not actually an allowed image type is
// rejected regardless of the declared MIME.
func (h *Handler) PutUploadData(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.lookupUpload(w, r)
	if !ok {
		return
	}
	if upload.Status != UploadStatusPending {
		h.fail(w, r, http.StatusConflict, "upload already has data")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBytes)
	head := make([]byte, 3072)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		h.fail(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}
	if n == 0 {
		h.fail(w, r, http.StatusBadRequest, "empty request body")
		return
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	if !allowedContent(detected) {
		h.fail(w, r, http.StatusUnsupportedMediaType,
			fmt.Sprintf("content type %s is not an accepted image format", detected.String()))
		return
	}

	reader := io.MultiReader(bytes.NewReader(head), body)
	if err := h.store.Upload(r.Context(), upload.StagingKey, detected.String(), reader); err != nil {
		h.logger.Error("failed to store upload data", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to store upload data")
		return
	}

	meta, err := h.store.Meta(r.Context(), upload.StagingKey)
	if err == nil {
		upload.SizeBytes = meta.Size
	}
	upload.MIMEType = detected.String()
	upload.Status = UploadStatusUploaded
	upload.UpdatedAt = time.Now()
	if err := h.repo.UpdateUpload(r.Context(), upload); err != nil {
		h.logger.Error("failed to update upload", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to update upload")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CompleteUpload promotes a staged upload to a stored image.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.lookupUpload(w, r)
	if !ok {
		return
	}
	if upload.Status != UploadStatusUploaded {
		h.fail(w, r, http.StatusConflict, "upload has no data to complete")
		return
	}

	img := &Image{
		ID:         upload.ID,
		StorageKey: "images/" + upload.ID + "/" + path.Base(upload.FileName),
		FileName:   upload.FileName,
		MIMEType:   upload.MIMEType,
		SizeBytes:  upload.SizeBytes,
		CreatedAt:  time.Now(),
	}

	rc, err := h.store.Download(r.Context(), upload.StagingKey)
	if err != nil {
		h.logger.Error("staged bytes missing", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "staged upload data is missing")
		return
	}
	err = h.store.Upload(r.Context(), img.StorageKey, upload.MIMEType, rc)
	rc.Close()
	if err != nil {
		h.logger.Error("failed to finalize object", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to finalize upload")
		return
	}

	if err := h.repo.CreateImage(r.Context(), img); err != nil {
		h.logger.Error("failed to create image record", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to record image")
		return
	}

	upload.Status = UploadStatusComplete
	upload.UpdatedAt = time.Now()
	if err := h.repo.UpdateUpload(r.Context(), upload); err != nil {
		h.logger.Error("failed to mark upload complete", "upload_id", upload.ID, "error", err)
	}
	if err := h.store.Delete(r.Context(), upload.StagingKey); err != nil {
		h.logger.Warn("failed to delete staged object", "upload_id", upload.ID, "error", err)
	}

	h.logger.Info("upload completed", "upload_id", upload.ID, "storage_key", img.StorageKey)
	render.JSON(w, r, h.imageResponse(img))
}

// AbortUpload discards a pending upload and its staged bytes.
func (h *Handler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.lookupUpload(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), upload.StagingKey); err != nil {
		h.logger.Warn("failed to delete staged object", "upload_id", upload.ID, "error", err)
	}
	if err := h.repo.DeleteUpload(r.Context(), upload.ID); err != nil {
		h.logger.Error("failed to delete upload", "upload_id", upload.ID, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to delete upload")
		return
	}
	h.logger.Info("upload aborted", "upload_id", upload.ID)
	w.WriteHeader(http.StatusNoContent)
}

// DirectUpload stores a multipart file in one shot. Used for derived
// variants and other callers that do not need resumability.
func (h *Handler) DirectUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	head := make([]byte, 3072)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		h.fail(w, r, http.StatusBadRequest, "failed to read file")
		return
	}
	if n == 0 {
		h.fail(w, r, http.StatusBadRequest, "file is empty")
		return
	}
	head = head[:n]

	detected := mimetype.Detect(head)
	if !allowedContent(detected) {
		h.fail(w, r, http.StatusUnsupportedMediaType,
			fmt.Sprintf("content type %s is not an accepted image format", detected.String()))
		return
	}

	img := &Image{
		ID:        uuid.NewString(),
		FileName:  header.Filename,
		MIMEType:  detected.String(),
		CreatedAt: time.Now(),
	}
	img.StorageKey = "images/" + img.ID + "/" + path.Base(header.Filename)

	reader := io.MultiReader(bytes.NewReader(head), file)
	if err := h.store.Upload(r.Context(), img.StorageKey, img.MIMEType, reader); err != nil {
		h.logger.Error("failed to store image", "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to store image")
		return
	}
	if meta, err := h.store.Meta(r.Context(), img.StorageKey); err == nil {
		img.SizeBytes = meta.Size
	}
	if err := h.repo.CreateImage(r.Context(), img); err != nil {
		h.logger.Error("failed to create image record", "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to record image")
		return
	}

	h.logger.Info("direct upload stored", "image_id", img.ID, "storage_key", img.StorageKey)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, h.imageResponse(img))
}

// ServeFile streams a stored object.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		h.fail(w, r, http.StatusNotFound, "not found")
		return
	}

	meta, err := h.store.Meta(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		h.fail(w, r, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to stat object", "key", key, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to read object")
		return
	}

	rc, err := h.store.Download(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to open object", "key", key, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to read object")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("interrupted while serving object", "key", key, "error", err)
	}
}

func (h *Handler) lookupUpload(w http.ResponseWriter, r *http.Request) (*Upload, bool) {
	id := chi.URLParam(r, "id")
	upload, err := h.repo.GetUpload(r.Context(), id)
	if errors.Is(err, ErrUploadNotFound) {
		h.fail(w, r, http.StatusNotFound, "upload not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load upload", "upload_id", id, "error", err)
		h.fail(w, r, http.StatusInternalServerError, "failed to load upload")
		return nil, false
	}
	return upload, true
}

func (h *Handler) imageResponse(img *Image) ImageResponse {
	return ImageResponse{Image: ImageBody{
		ID:         img.ID,
		StorageKey: img.StorageKey,
		URL:        h.baseURL + "/files/" + img.StorageKey,
	}}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// allowedContent accepts the image formats the client admits, verified
// against actual bytes rather than declared types.
func allowedContent(mt *mimetype.MIME) bool {
	for _, allowed := range []string{"image/jpeg", "image/png", "image/webp"} {
		if mt.Is(allowed) {
			return true
		}
	}
	return false
}
