package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"swap-engine/internal/domain"
	"swap-engine/internal/solana"
	"swap-engine/internal/storage"
)

const (
	listLimit        = 50
	richWalletSOL    = 10
	walletCallWindow = 5 * time.Second
)

var (
	slippageRich    = decimal.RequireFromString("0.005")
	slippageDefault = decimal.RequireFromString("0.015")
)

// orderResponse is the public JSON view of an order.
type orderResponse struct {
	OrderID              string               `json:"orderId"`
	Status               domain.Status        `json:"status"`
	TokenIn              string               `json:"tokenIn"`
	TokenOut             string               `json:"tokenOut"`
	Amount               decimal.Decimal      `json:"amount"`
	Slippage             decimal.Decimal      `json:"slippage"`
	WalletAddress        string               `json:"walletAddress"`
	ExecutionMode        domain.ExecutionMode `json:"executionMode"`
	SelectedVenue        *string              `json:"selectedVenue,omitempty"`
	QuotedPrice          *decimal.Decimal     `json:"quotedPrice,omitempty"`
	ExecutedPrice        *decimal.Decimal     `json:"executedPrice,omitempty"`
	TransactionReference *string              `json:"transactionReference,omitempty"`
	FailureReason        *string              `json:"failureReason,omitempty"`
	RetryAttempt         int                  `json:"retryAttempt"`
	MaxRetries           int                  `json:"maxRetries"`
	QueuePosition        *int                 `json:"queuePosition,omitempty"`
	DurationMs           *int64               `json:"durationMs,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
	CompletedAt          *time.Time           `json:"completedAt,omitempty"`
}

func newOrderResponse(o *domain.Order) orderResponse {
	return orderResponse{
		OrderID:              o.ID,
		Status:               o.Status,
		TokenIn:              o.TokenIn,
		TokenOut:             o.TokenOut,
		Amount:               o.Amount,
		Slippage:             o.Slippage,
		WalletAddress:        o.WalletAddress,
		ExecutionMode:        o.ExecutionMode,
		SelectedVenue:        o.SelectedVenue,
		QuotedPrice:          o.QuotedPrice,
		ExecutedPrice:        o.ExecutedPrice,
		TransactionReference: o.TransactionReference,
		FailureReason:        o.FailureReason,
		RetryAttempt:         o.RetryAttempt,
		MaxRetries:           o.MaxRetries,
		QueuePosition:        o.QueuePosition,
		DurationMs:           o.DurationMs,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		CompletedAt:          o.CompletedAt,
	}
}

func (s *Server) handleExecute(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	order, err := s.opts.Service.Submit(c.Request.Context(), req)
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		case errors.Is(err, ErrEnqueue):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order queue unavailable"})
		default:
			s.logger.WithError(err).Error("submit order")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"orderId": order.ID})
}

func (s *Server) handleList(c *gin.Context) {
	orders, err := s.opts.Service.List(c.Request.Context(), listLimit)
	if err != nil {
		s.logger.WithError(err).Error("list orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

func (s *Server) handleGet(c *gin.Context) {
	order, err := s.opts.Service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("get order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order"})
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

type verifyWalletRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

func (s *Server) handleVerifyWallet(c *gin.Context) {
	var req verifyWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "walletAddress is required"})
		return
	}
	if err := solana.ValidateAddress(req.WalletAddress); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.opts.RPC == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "solana rpc not configured"})
		return
	}

	ctx, cancel := contextWithTimeout(c, walletCallWindow)
	defer cancel()

	lamports, err := s.opts.RPC.GetBalance(ctx, req.WalletAddress)
	if err != nil {
		s.logger.WithError(err).WithField("wallet", req.WalletAddress).Warn("get balance")
		c.JSON(http.StatusBadGateway, gin.H{"error": "balance lookup failed"})
		return
	}

	balance := decimal.NewFromUint64(lamports).Shift(-9)
	slippage := slippageDefault
	if balance.GreaterThan(decimal.NewFromInt(richWalletSOL)) {
		slippage = slippageRich
	}

	c.JSON(http.StatusOK, gin.H{
		"walletAddress":       req.WalletAddress,
		"valid":               true,
		"lamports":            lamports,
		"balance":             balance,
		"recommendedSlippage": slippage,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"status":        "ok",
		"mode":          s.opts.DefaultMode,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	if s.opts.Stats != nil {
		resp["worker"] = s.opts.Stats.Snapshot()
	}
	if oc, ok := s.opts.Observers.(ObserverCounter); ok {
		resp["observers"] = oc.Count()
	}
	if orders, err := s.opts.Service.List(c.Request.Context(), listLimit); err == nil {
		counts := make(map[domain.Status]int)
		for _, o := range orders {
			counts[o.Status]++
		}
		resp["recentOrders"] = counts
	}
	if s.opts.Records != nil {
		ctx, cancel := contextWithTimeout(c, walletCallWindow)
		defer cancel()
		if venues, err := s.opts.Records.CountByVenue(ctx, domain.StatusConfirmed); err == nil {
			resp["confirmedByVenue"] = venues
		} else {
			s.logger.WithError(err).Debug("count by venue")
		}
	}
	c.JSON(http.StatusOK, resp)
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
