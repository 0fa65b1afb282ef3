package datastore

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rslive/gateway/internal/storage/sqlite"
)

// AdminHandler exposes account and key provisioning on the datastore binary.
// Operators reach it directly; the gateway never calls these routes.
type AdminHandler struct {
	store *sqlite.Store
}

func NewAdminHandler(store *sqlite.Store) *AdminHandler {
	return &AdminHandler{store: store}
}

// RegisterRoutes mounts the admin API.
func (h *AdminHandler) RegisterRoutes(r gin.IRouter) {
	admin := r.Group("/admin")
	admin.POST("/accounts", h.CreateAccount)
	admin.POST("/keys", h.CreateKey)
	admin.DELETE("/keys/:hash", h.RevokeKey)
	admin.GET("/accounts/:id/credits", h.GetCredits)
	admin.GET("/accounts/:id/usage", h.GetUsage)
}

// CreateAccountRequest is the body of POST /admin/accounts.
type CreateAccountRequest struct {
	Email          string `json:"email" binding:"required"`
	PlanName       string `json:"plan_name"`
	TokenRemaining *int64 `json:"token_remaining"`
	TopupRemaining *int64 `json:"topup_remaining"`
}

// CreateAccount handles POST /admin/accounts.
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email required"})
		return
	}

	acc, err := h.store.CreateAccount(c.Request.Context(), sqlite.CreateAccountParams{
		Email:          req.Email,
		PlanName:       req.PlanName,
		TokenRemaining: req.TokenRemaining,
		TopupRemaining: req.TopupRemaining,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              acc.ID,
		"email":           acc.Email,
		"plan_name":       acc.PlanName,
		"token_remaining": acc.TokenRemaining,
		"topup_remaining": acc.TopupRemaining,
	})
}

// CreateKeyRequest is the body of POST /admin/keys.
type CreateKeyRequest struct {
	AccountID string     `json:"account_id" binding:"required"`
	Label     string     `json:"label"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateKey handles POST /admin/keys. The plaintext key appears in this
// response only; afterwards the store holds nothing but the hash.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id required"})
		return
	}

	key, plaintext, err := h.store.CreateAPIKey(c.Request.Context(), req.AccountID, req.Label, req.ExpiresAt)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":           plaintext,
		"key_hash":      key.KeyHash,
		"key_indicator": key.KeyIndicator,
		"label":         key.Label,
	})
}

// RevokeKey handles DELETE /admin/keys/:hash.
func (h *AdminHandler) RevokeKey(c *gin.Context) {
	affected, err := h.store.RevokeAPIKey(c.Request.Context(), c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !affected {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// GetCredits handles GET /admin/accounts/:id/credits.
func (h *AdminHandler) GetCredits(c *gin.Context) {
	id := c.Param("id")

	acc, err := h.store.GetAccount(c.Request.Context(), id)
	if errors.Is(err, sqlite.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":      acc.ID,
		"token_remaining": acc.TokenRemaining,
		"topup_remaining": acc.TopupRemaining,
		"credits":         acc.TokenRemaining + acc.TopupRemaining,
	})
}

// GetUsage handles GET /admin/accounts/:id/usage.
func (h *AdminHandler) GetUsage(c *gin.Context) {
	events, err := h.store.UsageForAccount(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"session_id":    e.SessionID,
			"provider":      e.Provider,
			"input_tokens":  e.InputTokens,
			"output_tokens": e.OutputTokens,
			"total_tokens":  e.TotalTokens,
			"created_at":    e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"usage": out})
}
