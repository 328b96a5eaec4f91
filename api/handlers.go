package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"payflow/payment"
	"payflow/watch"
)

const idempotencyKeyHeader = "Idempotency-Key"

type createPaymentRequest struct {
	Reference   string `json:"reference" binding:"required"`
	AmountMinor int64  `json:"amount_minor" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
}

type notificationRequest struct {
	Status  string         `json:"status" binding:"required"`
	Payload map[string]any `json:"payload"`
}

type watchRequest struct {
	IntervalMs int64 `json:"interval_ms"`
	TimeoutMs  int64 `json:"timeout_ms"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	p, err := s.payments.Create(c.Request.Context(), payment.CreateParams{
		Reference:   req.Reference,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPaymentResponse(p))
}

func (s *Server) handleGetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := s.payments.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(p))
}

func (s *Server) handleNotification(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if key == "" {
		badRequest(c, idempotencyKeyHeader+" header required")
		return
	}
	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	err := s.payments.HandleProviderNotification(c.Request.Context(), payment.Notification{
		PaymentID:      id,
		IdempotencyKey: key,
		Status:         payment.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		Payload:        req.Payload,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCancelPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := s.payments.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPaymentResponse(p))
}

func (s *Server) handleStartWatch(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req watchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if req.IntervalMs < 0 || req.TimeoutMs < 0 {
		badRequest(c, "interval_ms and timeout_ms must not be negative")
		return
	}

	rec, started, err := s.watches.Watch(c.Request.Context(), id, watch.Overrides{
		Interval: time.Duration(req.IntervalMs) * time.Millisecond,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	c.JSON(status, newWatchResponse(rec))
}

// handleGetWatch returns the session snapshot. With ?wait=<duration> it blocks
// until an active session ends or the wait elapses.
func (s *Server) handleGetWatch(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	wait, err := s.parseWait(c.Query("wait"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if wait > 0 {
		if results, release, err := s.watches.Subscribe(id); err == nil {
			timer := time.NewTimer(wait)
			select {
			case <-results:
			case <-timer.C:
			case <-c.Request.Context().Done():
			}
			timer.Stop()
			release()
		}
	}

	rec, err := s.watches.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWatchResponse(rec))
}

func (s *Server) handleCancelWatch(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	rec, err := s.watches.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newWatchResponse(rec))
}

func (s *Server) parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(wait, s.maxWait), nil
}

// paymentID extracts :id and answers 404 for values that cannot be a payment.
func paymentID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": payment.ErrNotFound.Error()})
		return "", false
	}
	return id, true
}
