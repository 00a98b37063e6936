package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paywatch/paywatch/internal/accounts"
	"github.com/paywatch/paywatch/internal/lnbits"
	"github.com/paywatch/paywatch/internal/logging"
	"github.com/paywatch/paywatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := map[string]string{
		"backend": s.engine.HealthState().String(),
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !s.engine.IsHealthy() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paywatch",
		"description": "Lightning payment confirmation engine",
		"version":     "0.1.0",
		"currency":    "sat",
	})
}

// -----------------------------------------------------------------------------
// Account handlers
// -----------------------------------------------------------------------------

// putAccountHandler handles PUT /v1/accounts/:owner
func (s *Server) putAccountHandler(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("owner")

	var req struct {
		Credential string `json:"credential" binding:"required"`
		WalletID   string `json:"walletId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "credential is required",
		})
		return
	}

	// Resolve the wallet id from the backend when not supplied; this also
	// proves the credential works before we store it.
	if req.WalletID == "" {
		info, err := s.backend.WalletInfo(ctx, req.Credential)
		if err != nil {
			var apiErr *lnbits.APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_credential",
					"message": "The backend rejected this credential",
				})
				return
			}
			logging.L(ctx).Error("failed to verify credential", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "backend_error",
				"message": "Could not verify credential against the backend",
			})
			return
		}
		req.WalletID = info.ID
	}

	account := &accounts.Account{
		OwnerID:    ownerID,
		Credential: req.Credential,
		WalletID:   req.WalletID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.accounts.Put(ctx, account); err != nil {
		logging.L(ctx).Error("failed to store account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store account",
		})
		return
	}

	s.logger.Info("account stored",
		"owner", ownerID,
		"credential", logging.RedactCredential(req.Credential),
	)
	c.JSON(http.StatusCreated, account)
}

// listAccountsHandler handles GET /v1/accounts
func (s *Server) listAccountsHandler(c *gin.Context) {
	list, err := s.accounts.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list accounts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list accounts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list, "count": len(list)})
}

// deleteAccountHandler handles DELETE /v1/accounts/:owner
func (s *Server) deleteAccountHandler(c *gin.Context) {
	ownerID := c.Param("owner")
	if err := s.accounts.Delete(c.Request.Context(), ownerID); err != nil {
		logging.L(c.Request.Context()).Error("failed to delete account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete account",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// balanceHandler handles GET /v1/accounts/:owner/balance
func (s *Server) balanceHandler(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("owner")

	credential, err := s.accounts.GetActiveCredential(ctx, ownerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account stored for this owner",
		})
		return
	}

	balance, err := s.backend.Balance(ctx, credential)
	if err != nil {
		logging.L(ctx).Error("failed to fetch balance", "owner", ownerID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "backend_error",
			"message": "Failed to fetch balance from the backend",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ownerId":  ownerID,
		"balance":  balance,
		"currency": "sat",
	})
}

// -----------------------------------------------------------------------------
// Invoice handlers
// -----------------------------------------------------------------------------

// createInvoiceHandler handles POST /v1/invoices: creates an invoice on
// the backend and starts tracking its settlement.
func (s *Server) createInvoiceHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		OwnerID string `json:"ownerId" binding:"required"`
		Amount  int64  `json:"amount" binding:"required"`
		Memo    string `json:"memo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerId and amount are required",
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive number of satoshis",
		})
		return
	}

	memo := validation.SanitizeString(req.Memo, validation.MaxMemoLength)

	credential, err := s.accounts.GetActiveCredential(ctx, req.OwnerID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account stored for this owner",
		})
		return
	}

	inv, err := s.backend.CreateInvoice(ctx, credential, req.Amount, memo)
	if err != nil {
		logging.L(ctx).Error("failed to create invoice",
			"owner", req.OwnerID, "amount", req.Amount, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "backend_error",
			"message": "Failed to create invoice on the backend",
		})
		return
	}

	if err := s.engine.TrackRequest(ctx, req.OwnerID, inv.CheckingID, req.Amount, memo); err != nil {
		logging.L(ctx).Error("failed to track invoice", "id", inv.CheckingID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Invoice created but tracking failed",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":             inv.CheckingID,
		"paymentRequest": inv.PaymentRequest,
		"ownerId":        req.OwnerID,
		"amount":         req.Amount,
		"memo":           memo,
	})
}

// listInvoicesHandler handles GET /v1/invoices
func (s *Server) listInvoicesHandler(c *gin.Context) {
	pending := s.engine.Pending()

	type item struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"ownerId"`
		Amount    int64     `json:"amount"`
		Memo      string    `json:"memo,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}
	items := make([]item, 0, len(pending))
	for _, req := range pending {
		items = append(items, item{
			ID:        req.ID,
			OwnerID:   req.OwnerID,
			Amount:    req.Amount,
			Memo:      req.Memo,
			CreatedAt: req.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"invoices": items, "count": len(items)})
}

// stopTrackingHandler handles DELETE /v1/invoices/:id
func (s *Server) stopTrackingHandler(c *gin.Context) {
	s.engine.StopTracking(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Observability handlers
// -----------------------------------------------------------------------------

// statsHandler handles GET /v1/stats
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pendingInvoices": len(s.engine.Pending()),
		"activeSessions":  s.engine.ActiveSessionCount(),
		"backendHealth":   s.engine.HealthState().String(),
		"eventsRecorded":  s.events.Total(),
		"eventStream":     s.hub.Stats(),
	})
}

// eventsHandler handles GET /v1/events
func (s *Server) eventsHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events := s.events.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// reconnectHandler handles POST /v1/sessions/reconnect: drops and redials
// every notification session. Operational escape hatch for stalled
// backend connections.
func (s *Server) reconnectHandler(c *gin.Context) {
	s.engine.ForceReconnectAll()
	c.JSON(http.StatusOK, gin.H{"status": "reconnecting"})
}
