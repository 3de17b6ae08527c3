package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP access to the audit trail.
type Handler struct {
	logger Logger
}

// NewHandler creates a new audit handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{logger: logger}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
}

// Query handles GET /v1/audit
func (h *Handler) Query(c *gin.Context) {
	filter := Filter{
		AccountID: c.Query("account_id"),
		Kind:      Kind(c.Query("kind")),
		Cursor:    c.Query("cursor"),
	}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC3339"})
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC3339"})
			return
		}
		filter.To = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	entries, next, err := h.logger.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	resp := gin.H{"entries": entries}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
