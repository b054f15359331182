package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/passport-check/internal/auth"
	"github.com/example/passport-check/internal/imagecheck"
	"github.com/example/passport-check/internal/photostore"
	"github.com/example/passport-check/internal/stream"
	"github.com/example/passport-check/internal/usecase"
)

// MaxUploadSize is the default cap on uploaded and streamed images.
const MaxUploadSize = 5 << 20

// multipartOverhead leaves room for multipart framing around a maximal image.
const multipartOverhead = 64 << 10

// PhotoService is the photo use case as seen by the handlers.
type PhotoService interface {
	SavePhoto(ctx context.Context, ownerID string, image []byte) (*usecase.SaveResult, error)
	AddPhoto(ctx context.Context, ownerID, storageKey string) (*usecase.SaveResult, error)
	ListPhotos(ctx context.Context, ownerID string, filter photostore.LockFilter, withURLs bool) ([]usecase.PhotoView, error)
	Summary(ctx context.Context, ownerID string) (photostore.Summary, error)
	Lock(ctx context.Context, ownerID, photoID string) (usecase.PhotoView, error)
	Unlock(ctx context.Context, ownerID, photoID string) (usecase.PhotoView, error)
	Delete(ctx context.Context, ownerID, photoID string) (usecase.PhotoView, error)
	DeleteAll(ctx context.Context, ownerID string, force bool) (usecase.DeleteAllSummary, error)
}

// OneShotVerifier runs a single verification outside a session.
type OneShotVerifier interface {
	VerifyOnce(ctx context.Context, userID string, image []byte) (*usecase.VerifyResult, error)
}

// SessionRegistry owns the streaming sessions.
type SessionRegistry interface {
	Open(ctx context.Context, connectionID string, sink stream.Sink) (*stream.Session, func(), error)
	Stats() stream.Stats
}

// BlobReader resolves storage keys to local files.
type BlobReader interface {
	Open(key string) (string, error)
}

// BlobTokenVerifier checks signed blob access tokens.
type BlobTokenVerifier interface {
	Verify(key, token string) error
}

// Dependencies groups what the routes need. Nil members disable their routes.
type Dependencies struct {
	Photos   PhotoService
	Verifier OneShotVerifier
	Registry SessionRegistry
	Blobs    BlobReader
	Signer   BlobTokenVerifier
	Logger   *zap.Logger
	// MaxUploadSize overrides the package default when positive.
	MaxUploadSize int64
	// AllowedOrigins lists browser origins accepted on the stream endpoint.
	// Empty means same-origin only.
	AllowedOrigins []string
}

type handler struct {
	Dependencies
	logger    *zap.Logger
	maxUpload int64
	upgrader  websocket.Upgrader
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{Dependencies: deps, logger: logger.Named("http"), maxUpload: MaxUploadSize}
	if deps.MaxUploadSize > 0 {
		h.maxUpload = deps.MaxUploadSize
	}
	h.upgrader = newUpgrader(deps.AllowedOrigins)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Blobs != nil && deps.Signer != nil {
		router.GET("/blobs/*key", h.serveBlob)
	}

	authorized := router.Group("/", authMiddleware)
	if deps.Verifier != nil {
		authorized.POST("/verify", h.verify)
	}
	if deps.Registry != nil {
		authorized.GET("/ws/stream", h.streamFrames)
		authorized.GET("/stream/stats", h.streamStats)
	}
	if deps.Photos != nil {
		authorized.POST("/photos", h.createPhoto)
		authorized.GET("/photos", h.listPhotos)
		authorized.GET("/photos/count", h.countPhotos)
		authorized.POST("/photos/:id/lock", h.lockPhoto)
		authorized.POST("/photos/:id/unlock", h.unlockPhoto)
		authorized.DELETE("/photos/:id", h.deletePhoto)
		authorized.DELETE("/photos", h.deleteAllPhotos)
	}
}

func ownerFrom(c *gin.Context) (string, bool) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return owner, ok
}

// readUpload extracts the "image" multipart file, enforcing size and content type.
func (h *handler) readUpload(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds maximum upload size"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds maximum upload size"})
		return nil, false
	}
	if !imagecheck.IsAllowedContentType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are accepted"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

func (h *handler) verify(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	data, ok := h.readUpload(c)
	if !ok {
		return
	}

	result, err := h.Verifier.VerifyOnce(c.Request.Context(), owner, data)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":  result.RequestID,
		"checklist":   result.Checklist.Ints(),
		"passed":      result.Passed,
		"duration_ms": result.DurationMs,
	})
}

type addPhotoRequest struct {
	StorageKey string `json:"storage_key" binding:"required"`
}

func (h *handler) createPhoto(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}

	var (
		result *usecase.SaveResult
		err    error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		data, ok := h.readUpload(c)
		if !ok {
			return
		}
		result, err = h.Photos.SavePhoto(c.Request.Context(), owner, data)
	} else {
		var req addPhotoRequest
		if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage_key is required"})
			return
		}
		result, err = h.Photos.AddPhoto(c.Request.Context(), owner, req.StorageKey)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *handler) listPhotos(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}

	filter := photostore.FilterAll
	if raw := c.Query("locked"); raw != "" {
		locked, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "locked must be true or false"})
			return
		}
		filter = photostore.FilterUnlocked
		if locked {
			filter = photostore.FilterLocked
		}
	}
	withURLs, _ := strconv.ParseBool(c.Query("urls"))

	photos, err := h.Photos.ListPhotos(c.Request.Context(), owner, filter, withURLs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"photos": photos, "count": len(photos)})
}

func (h *handler) countPhotos(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	summary, err := h.Photos.Summary(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) lockPhoto(c *gin.Context) {
	h.photoAction(c, h.Photos.Lock)
}

func (h *handler) unlockPhoto(c *gin.Context) {
	h.photoAction(c, h.Photos.Unlock)
}

func (h *handler) deletePhoto(c *gin.Context) {
	h.photoAction(c, h.Photos.Delete)
}

func (h *handler) photoAction(c *gin.Context, action func(ctx context.Context, ownerID, photoID string) (usecase.PhotoView, error)) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	photo, err := action(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, photo)
}

func (h *handler) deleteAllPhotos(c *gin.Context) {
	owner, ok := ownerFrom(c)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	summary, err := h.Photos.DeleteAll(c.Request.Context(), owner, force)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) serveBlob(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.Signer.Verify(key, c.Query("token")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired link"})
		return
	}
	path, err := h.Blobs.Open(key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.File(path)
}

func (h *handler) streamStats(c *gin.Context) {
	c.JSON(http.StatusOK, usecase.GetStreamMetrics(h.Registry))
}
