// Package api exposes payments and watch sessions over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payflow/payment"
	"payflow/watch"
)

// PaymentService is the subset of payment.Service used by the handlers.
type PaymentService interface {
	Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error)
	Get(ctx context.Context, id string) (payment.Payment, error)
	HandleProviderNotification(ctx context.Context, n payment.Notification) error
	Cancel(ctx context.Context, id string) (payment.Payment, error)
}

// WatchService is the subset of watch.Service used by the handlers.
type WatchService interface {
	Watch(ctx context.Context, paymentID string, overrides watch.Overrides) (watch.Record, bool, error)
	Get(ctx context.Context, paymentID string) (watch.Record, error)
	Cancel(ctx context.Context, paymentID string) (watch.Record, error)
	Subscribe(paymentID string) (<-chan watch.Result, func(), error)
}

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	payments PaymentService
	watches  WatchService
	pinger   Pinger
	logger   *zap.Logger
	router   *gin.Engine
	maxWait  time.Duration
}

type Option func(*Server)

func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithMaxWait caps the ?wait= long poll on GET /watch.
func WithMaxWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

func NewServer(payments PaymentService, watches WatchService, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		payments: payments,
		watches:  watches,
		logger:   logger,
		maxWait:  time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/v1")
	{
		v1.POST("/payments", s.handleCreatePayment)
		v1.GET("/payments/:id", s.handleGetPayment)
		v1.POST("/payments/:id/notifications", s.handleNotification)
		v1.POST("/payments/:id/cancel", s.handleCancelPayment)

		v1.POST("/payments/:id/watch", s.handleStartWatch)
		v1.GET("/payments/:id/watch", s.handleGetWatch)
		v1.DELETE("/payments/:id/watch", s.handleCancelWatch)
	}

	s.router = router
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
