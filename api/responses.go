package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payflow/payment"
	"payflow/poller"
	"payflow/watch"
)

type paymentResponse struct {
	ID          string  `json:"id"`
	Reference   string  `json:"reference"`
	AmountMinor int64   `json:"amount_minor"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

func newPaymentResponse(p payment.Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID,
		Reference:   p.Reference,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
		ResolvedAt:  formatOptional(p.ResolvedAt),
	}
}

type watchResponse struct {
	SessionID   string  `json:"session_id"`
	PaymentID   string  `json:"payment_id"`
	Active      bool    `json:"active"`
	IntervalMs  int64   `json:"interval_ms"`
	TimeoutMs   int64   `json:"timeout_ms"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	Outcome     string  `json:"outcome,omitempty"`
	FinalStatus string  `json:"final_status,omitempty"`
	Attempts    int     `json:"attempts"`
	Failures    int     `json:"failures"`
}

func newWatchResponse(rec watch.Record) watchResponse {
	return watchResponse{
		SessionID:   rec.ID,
		PaymentID:   rec.PaymentID,
		Active:      rec.Active(),
		IntervalMs:  rec.Interval.Milliseconds(),
		TimeoutMs:   rec.Timeout.Milliseconds(),
		StartedAt:   rec.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  formatOptional(rec.FinishedAt),
		Outcome:     string(rec.Outcome),
		FinalStatus: string(rec.FinalStatus),
		Attempts:    rec.Attempts,
		Failures:    rec.Failures,
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, payment.ErrInvalidInput), errors.Is(err, poller.ErrInvalidPolicy):
		status = http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound), errors.Is(err, watch.ErrNotWatching):
		status = http.StatusNotFound
	case errors.Is(err, payment.ErrInvalidTransition), errors.Is(err, payment.ErrDuplicateReference):
		status = http.StatusConflict
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message})
}
