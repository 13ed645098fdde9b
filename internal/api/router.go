package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
}

// NewRouter returns the HTTP API serving the given covers.
func NewRouter(covers []Cover) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware())

	h := NewCoverHandler(covers)

	engine.GET("/health", healthCheck)

	g := engine.Group("/api/v1/covers")
	addRoutes(g, []route{
		{Method: http.MethodGet, Path: "", Handler: h.List},
		{Method: http.MethodGet, Path: "/:name", Handler: h.Get},
		{Method: http.MethodPost, Path: "/:name/tilt", Handler: h.Tilt},
		{Method: http.MethodPost, Path: "/:name/position", Handler: h.Position},
	})

	return engine
}

func addRoutes(g *gin.RouterGroup, routes []route) {
	for _, r := range routes {
		g.Handle(r.Method, r.Path, r.Handler)
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LoggingMiddleware logs every request with an id that is also returned in
// the X-Request-ID header.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry.Warnf("api: request failed: %s", c.Errors.String())
			return
		}
		entry.Debug("api: request")
	}
}
