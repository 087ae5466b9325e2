// Package api exposes the order analysis pipeline over HTTP.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recipecheck/pipeline"
	"recipecheck/types"
)

// OrderService is the part of the pipeline the HTTP layer calls.
type OrderService interface {
	Submit(ctx context.Context, order types.Order) (*pipeline.Result, error)
	SubmitBatch(ctx context.Context, orders []types.Order) []pipeline.BatchResult
	Report(ctx context.Context, id int64) (string, bool, error)
	OrderIDs(ctx context.Context) ([]int64, error)
}

// RouterConfig carries the router's collaborators.
type RouterConfig struct {
	Orders OrderService
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Now defaults standard_saved_date when a request omits it.
	Now func() time.Time
}

// NewRouter constructs a Gin engine with registered routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID(), requestLogger(cfg.Logger))

	RegisterOrderRoutes(r, &OrderController{orders: cfg.Orders, now: cfg.Now, logger: cfg.Logger})
	RegisterHealthRoutes(r)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}
