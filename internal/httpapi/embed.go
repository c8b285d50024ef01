package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

//go:embed all:dist
var webFS embed.FS

const (
	staticCacheControl = "public, max-age=86400"
	htmlCacheControl   = "no-cache"
)

// registerWebMode wires the embedded dashboard assets in place of the
// REST API, following the teacher's cmd/cloud/main.go //go:embed all:dist
// pattern and pedicab's own web/controller/embed.rs cache-control split:
// static/assets get a day of caching, HTML never caches.
func registerWebMode(r *gin.Engine) {
	sub, err := fs.Sub(webFS, "dist")
	if err != nil {
		panic("httpapi: embedded dist directory missing: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(sub))

	serveHTML := func(c *gin.Context) {
		c.Header("Cache-Control", htmlCacheControl)
		c.Request.URL.Path = "/"
		fileServer.ServeHTTP(c.Writer, c.Request)
	}

	r.GET("/", serveHTML)
	r.GET("/setup", serveHTML)

	cached := func(prefix string) gin.HandlerFunc {
		return func(c *gin.Context) {
			if !strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Status(http.StatusNotFound)
				return
			}
			c.Header("Cache-Control", staticCacheControl)
			fileServer.ServeHTTP(c.Writer, c.Request)
		}
	}
	r.GET("/static/*wildcard", cached("/static/"))
	r.GET("/assets/*wildcard", cached("/assets/"))
}
