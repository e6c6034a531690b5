package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/gcsstage/internal/gcs"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	buckets := group.Group("/buckets/:bucket")
	{
		buckets.GET("", h.GetBucket)
		buckets.GET("/objects", h.ListObjects)
		buckets.GET("/objects/download", h.DownloadObject)
	}
}

type objectView struct {
	Name        string `json:"name"`
	Size        uint64 `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	MD5         string `json:"md5Hash,omitempty"`
	Updated     string `json:"updated,omitempty"`
}

func (h *Handler) GetBucket(c *gin.Context) {
	bucket := c.Param("bucket")

	exists, err := h.store.BucketExists(c.Request.Context(), bucket)
	if err != nil {
		storeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bucket": bucket, "exists": exists})
}

func (h *Handler) ListObjects(c *gin.Context) {
	bucket := c.Param("bucket")

	objects, err := h.store.ListObjects(c.Request.Context(), bucket)
	if err != nil {
		storeError(c, err)
		return
	}

	views := make([]objectView, 0, len(objects))
	for _, o := range objects {
		views = append(views, objectView{
			Name:        o.Name,
			Size:        o.Size,
			ContentType: o.ContentType,
			MD5:         o.Md5Hash,
			Updated:     o.Updated,
		})
	}

	c.JSON(http.StatusOK, gin.H{"bucket": bucket, "objects": views})
}

// DownloadObject spools the object to a temp file first so a failed
// transfer still gets a proper error status.
func (h *Handler) DownloadObject(c *gin.Context) {
	bucket := c.Param("bucket")
	object := c.Query("path")
	if object == "" {
		errorResponse(c, http.StatusBadRequest, "path parameter is required")
		return
	}

	ctx := c.Request.Context()

	meta, err := h.store.ObjectDetails(ctx, bucket, object)
	if err != nil {
		storeError(c, err)
		return
	}

	tmp, err := os.CreateTemp("", "gcsstage-download-*")
	if err != nil {
		_ = c.Error(err)
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	n, err := h.store.Download(ctx, bucket, object, tmp)
	if err != nil {
		storeError(c, err)
		return
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = c.Error(err)
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = gcs.DefaultContentType
	}

	headers := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", path.Base(object)),
	}
	if meta.Md5Hash != "" {
		headers["X-Goog-Hash"] = "md5=" + meta.Md5Hash
	}

	c.DataFromReader(http.StatusOK, n, contentType, tmp, headers)
}

// storeError maps a storage failure onto a status and records it for the
// request log.
func storeError(c *gin.Context, err error) {
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, gcs.ErrCredential):
		status = http.StatusInternalServerError
	case errors.Is(err, gcs.ErrTransient):
		status = http.StatusServiceUnavailable
	default:
		switch code := gcs.StatusCode(err); code {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
			status = code
		}
	}

	_ = c.Error(err)
	errorResponse(c, status, err.Error())
}
