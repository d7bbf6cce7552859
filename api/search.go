package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	problemContentType = "application/problem+json"
	healthTimeout      = 3 * time.Second
)

// Problem is an RFC 7807 problem document
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// search handles GET /search?query=. A missing query matches everything.
func (s *Server) search(c *gin.Context) {
	hits, err := s.queries.Search(c.Request.Context(), c.Query("query"))
	if err != nil {
		writeProblem(c, http.StatusInternalServerError, "Error performing search: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, hits)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.index.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeProblem(c *gin.Context, status int, detail string) {
	// gin keeps a Content-Type that is already set
	c.Header("Content-Type", problemContentType)
	c.JSON(status, Problem{
		Type:   "https://tools.ietf.org/html/rfc7231#section-6.6.1",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
