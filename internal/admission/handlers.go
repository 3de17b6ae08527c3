package admission

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cadence/internal/account"
)

// Handler provides HTTP endpoints for the admission gate.
type Handler struct {
	bridge *Bridge
}

// NewHandler creates a new admission handler.
func NewHandler(bridge *Bridge) *Handler {
	return &Handler{bridge: bridge}
}

// RegisterRoutes sets up admission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/actions/request", h.Request)
	r.POST("/actions/confirm", h.Confirm)
}

// Request handles POST /v1/actions/request
func (h *Handler) Request(c *gin.Context) {
	var req struct {
		AccountID  string `json:"accountId" binding:"required"`
		ActionType string `json:"actionType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "accountId and actionType are required"})
		return
	}

	action := account.ActionType(req.ActionType)
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "message": "unknown action type: " + req.ActionType})
		return
	}

	decision, err := h.bridge.Request(c.Request.Context(), req.AccountID, action)
	if err != nil {
		if err == account.ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	// Denials are a normal outcome, not an HTTP error.
	c.JSON(http.StatusOK, decision)
}

// Confirm handles POST /v1/actions/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req struct {
		ReservationID string `json:"reservationId" binding:"required"`
		Success       *bool  `json:"success" binding:"required"`
		Engagement    int64  `json:"engagement"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reservationId and success are required"})
		return
	}

	r, err := h.bridge.Confirm(c.Request.Context(), req.ReservationID, *req.Success, req.Engagement)
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"reservation": r})
	case ErrNoReservation:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "reservation not found"})
	case ErrAlreadyResolved:
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "reservation was already resolved", "reservation": r})
	case ErrReservationExpired:
		c.JSON(http.StatusConflict, gin.H{"error": "expired", "message": "reservation expired before confirmation", "reservation": r})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
