package server

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// sanitizeBase normalizes a mount prefix to "" or "/seg[/seg...]".
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

// respond writes v as JSON. Run state changes between polls, so responses
// are never cacheable.
func respond(c *gin.Context, code int, v any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(code, v)
}

func fail(c *gin.Context, code int, msg string) {
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(code, errorResp{Error: msg})
}
