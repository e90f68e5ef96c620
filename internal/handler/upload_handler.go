package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"sideline-chat/internal/storage"
	"sideline-chat/internal/transport/httpdto"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/gin-gonic/gin"
)

const DefaultMaxUploadBytes = 25 << 20

// UploadHandler accepts raw media and returns a reference usable as a
// message's media_ref.
type UploadHandler struct {
	store    storage.MediaStore
	maxBytes int64
}

func NewUploadHandler(store storage.MediaStore, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &UploadHandler{store: store, maxBytes: maxBytes}
}

func allowedMediaType(contentType string) bool {
	for _, prefix := range []string{"image/", "video/", "audio/", "application/"} {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func (h *UploadHandler) Upload(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	// Multipart framing gets a little headroom over the file limit.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+64<<10)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, sideline_errors.ErrTooLarge)
			return
		}
		invalid(c, "file is required")
		return
	}
	defer file.Close()
	if header.Size > h.maxBytes {
		fail(c, sideline_errors.ErrTooLarge)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		fail(c, err)
		return
	}
	if int64(len(data)) > h.maxBytes {
		fail(c, sideline_errors.ErrTooLarge)
		return
	}
	if len(data) == 0 {
		invalid(c, "file is empty")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !allowedMediaType(contentType) {
		invalid(c, "unsupported content type %q", contentType)
		return
	}

	ref, err := h.store.Put(c.Request.Context(), userID, contentType, data)
	if err != nil {
		fail(c, sideline_errors.Transient(err))
		return
	}

	resp := httpdto.UploadMediaResponse{
		MediaRef:    ref,
		ContentType: contentType,
		Size:        len(data),
		UploadedAt:  time.Now().UTC(),
	}
	if s3, ok := h.store.(*storage.S3Store); ok {
		resp.URL = s3.FileURL(ref)
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(resp))
}
