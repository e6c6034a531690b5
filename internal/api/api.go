// Package api exposes a read-only HTTP view of Cloud Storage: bucket
// existence, object listings and object downloads.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	storage "google.golang.org/api/storage/v1"

	"github.com/andresuchdata/gcsstage/internal/api/middleware"
	"github.com/andresuchdata/gcsstage/pkg/logger"
)

// Store is the storage client surface the API reads through.
type Store interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	ListObjects(ctx context.Context, bucket string) ([]*storage.Object, error)
	ObjectDetails(ctx context.Context, bucket, object string) (*storage.Object, error)
	Download(ctx context.Context, bucket, object string, w io.Writer) (int64, error)
}

// NewRouter wires every route behind the logging, recovery and CORS
// middleware. An empty allowedOrigins, or one containing "*", allows any
// origin.
func NewRouter(store Store, allowedOrigins []string) *gin.Engine {
	log := logger.Component("http")

	router := gin.New()
	router.HandleMethodNotAllowed = true

	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))

	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Cache-Control", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", "X-Goog-Hash"},
		MaxAge:        12 * time.Hour,
	}
	origins, allowAll := normalizeAllowedOrigins(allowedOrigins)
	if allowAll || len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	router.Use(cors.New(corsConfig))

	router.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, "route not found")
	})
	router.NoMethod(func(c *gin.Context) {
		errorResponse(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	NewHandler(store).RegisterRoutes(router.Group("/api"))

	return router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{"error": message})
}

// normalizeAllowedOrigins flattens comma-separated entries and reports
// whether "*" was among them.
func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		for _, part := range strings.Split(origin, ",") {
			trimmed := strings.TrimSpace(part)
			switch trimmed {
			case "":
			case "*":
				allowAll = true
			default:
				parsed = append(parsed, trimmed)
			}
		}
	}
	return parsed, allowAll
}
