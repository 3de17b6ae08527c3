package account

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/cadence/internal/audit"
	"github.com/mbd888/cadence/internal/idgen"
	"github.com/mbd888/cadence/internal/validation"
)

// ResourceBinder registers an account's shared resources with the
// security correlator's registry.
type ResourceBinder interface {
	Bind(accountID, proxyID, fingerprintID string)
	Unbind(accountID string)
}

// BudgetProvider reports remaining daily budget per action type,
// accounting for pending reservations. Implemented by the admission bridge.
type BudgetProvider interface {
	Remaining(ctx context.Context, accountID string) (map[ActionType]int, error)
}

// Handler provides HTTP endpoints for account lifecycle management.
type Handler struct {
	store    Store
	machine  *Machine
	auditLog audit.Logger
	binder   ResourceBinder
	budgets  BudgetProvider
}

// NewHandler creates a new account handler.
func NewHandler(store Store, machine *Machine, auditLog audit.Logger, binder ResourceBinder, budgets BudgetProvider) *Handler {
	return &Handler{
		store:    store,
		machine:  machine,
		auditLog: auditLog,
		binder:   binder,
		budgets:  budgets,
	}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Create)
	r.GET("/accounts", h.List)
	r.GET("/accounts/:id", h.Status)
	r.POST("/accounts/:id/advance", h.Advance)
	r.POST("/accounts/:id/rollback", h.Rollback)
	r.POST("/accounts/:id/lock", h.Lock)
}

// Create handles POST /v1/accounts
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		Platform      string            `json:"platform" binding:"required"`
		ProxyID       string            `json:"proxyId"`
		FingerprintID string            `json:"fingerprintId"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "platform is required"})
		return
	}
	if !validation.ValidPlatform(req.Platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_platform", "message": "unsupported platform: " + req.Platform})
		return
	}

	now := time.Now().UTC()
	acc := &Account{
		ID:             idgen.WithPrefix("acct_"),
		Platform:       req.Platform,
		State:          StateCreated,
		StateEnteredAt: now,
		ProxyID:        req.ProxyID,
		FingerprintID:  req.FingerprintID,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.store.Create(c.Request.Context(), acc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create account"})
		return
	}
	if h.binder != nil {
		h.binder.Bind(acc.ID, acc.ProxyID, acc.FingerprintID)
	}

	_ = h.auditLog.Append(c.Request.Context(), &audit.Entry{
		AccountID: acc.ID,
		Kind:      audit.KindAccountCreated,
		Payload: audit.Payload(map[string]any{
			"platform":    acc.Platform,
			"proxy":       acc.ProxyID,
			"fingerprint": acc.FingerprintID,
		}),
		CreatedAt: now,
	})

	c.JSON(http.StatusCreated, gin.H{"account": acc})
}

// List handles GET /v1/accounts
func (h *Handler) List(c *gin.Context) {
	limit := 100
	accounts, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// Status handles GET /v1/accounts/:id
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")

	acc, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if err == ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	am, err := h.store.GetMetrics(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	resp := gin.H{
		"account": acc,
		"scores": gin.H{
			"maturity":  am.Maturity,
			"risk":      am.RiskTotal,
			"riskTier":  am.Risk.Tier(),
			"readiness": am.Readiness,
		},
	}

	if h.budgets != nil {
		remaining, err := h.budgets.Remaining(c.Request.Context(), id)
		if err == nil {
			resp["budgetsRemaining"] = remaining
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Advance handles POST /v1/accounts/:id/advance
func (h *Handler) Advance(c *gin.Context) {
	id := c.Param("id")

	advanced, reason, err := h.machine.Advance(c.Request.Context(), id)
	if err != nil {
		if err == ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"advanced": advanced, "reason": reason})
}

// Rollback handles POST /v1/accounts/:id/rollback
func (h *Handler) Rollback(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Reason string `json:"reason" binding:"required"`
		Hard   bool   `json:"hard"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	reason := validation.SanitizeString(req.Reason, 500)
	if err := h.machine.Rollback(c.Request.Context(), id, reason, req.Hard); err != nil {
		if err == ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Lock handles POST /v1/accounts/:id/lock
func (h *Handler) Lock(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}

	reason := validation.SanitizeString(req.Reason, 500)
	if err := h.machine.Lock(c.Request.Context(), id, reason); err != nil {
		if err == ErrAccountNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "locked"})
}
