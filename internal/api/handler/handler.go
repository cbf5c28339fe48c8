// Package handler exposes the delivery core over HTTP: the chat and
// notification WebSocket endpoints, health and metrics.
package handler

import (
	"context"
	"time"

	"chatrelay/backend/internal/broker"
	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BrokerStatus reports the broker connection state.
type BrokerStatus interface {
	Status() broker.Status
}

// Handler holds the hub the sockets are attached to.
type Handler struct {
	Hub    *chathub.ManagerService
	auth   *Authenticator
	broker BrokerStatus

	// ctx outlives single requests; sockets run under it.
	ctx     context.Context
	started time.Time
	logger  zerolog.Logger
}

func NewHandler(ctx context.Context, hub *chathub.ManagerService, auth *Authenticator, brokerStatus BrokerStatus, logger zerolog.Logger) *Handler {
	return &Handler{
		Hub:     hub,
		auth:    auth,
		broker:  brokerStatus,
		ctx:     ctx,
		started: time.Now(),
		logger:  logging.Module(logger, "http"),
	}
}

// NewRouter builds the gin engine with every route of the service.
func (h *Handler) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(Recovery(h.logger), RequestLogger(h.logger), Metrics())

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := r.Group("/ws", h.auth.Middleware())
	ws.GET("/chat/:userid/:id", h.ServeChat)
	ws.GET("/user/:userid", h.ServeNotifications)
	return r
}
