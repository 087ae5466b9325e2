package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"recipecheck/pipeline"
	"recipecheck/types"
)

const (
	messageOrderAdded   = "Order added"
	messageOrderExists  = "Order already exist"
	messageOrderMissing = "Order not found"
)

// RegisterOrderRoutes registers the order endpoints.
func RegisterOrderRoutes(r *gin.Engine, ctl *OrderController) {
	r.POST("/add_order", ctl.handleAddOrder)
	r.POST("/add_orders", ctl.handleAddOrders)
	r.GET("/get_orders", ctl.handleGetOrders)
	r.GET("/process_order/:order_id", ctl.handleProcessOrder)
}

type OrderController struct {
	orders OrderService
	now    func() time.Time
	logger *slog.Logger
}

// OrderRequest is the wire form of an order. Pointers let binding tell a
// missing field from a zero value.
type OrderRequest struct {
	StdTriangleCode1      *string  `json:"std_triangle_code_1" binding:"required"`
	StdTriangleCode2      *string  `json:"std_triangle_code_2" binding:"required"`
	RecipeTriangleCode1   *string  `json:"recipe_triangle_code_1" binding:"required"`
	RecipeTriangleCode2   *string  `json:"recipe_triangle_code_2" binding:"required"`
	RecipeTypeCode        *string  `json:"recipe_type_code" binding:"required"`
	FastnessType          *string  `json:"fastness_type" binding:"required"`
	ArticleDyeCheckResult *string  `json:"article_dye_check_result" binding:"required"`
	CheckDyeTriangle      *string  `json:"check_dye_triangle" binding:"required"`
	NoOfStages            *int64   `json:"no_of_stages" binding:"required"`
	MaxRecipeAgeInDays    *int64   `json:"max_recipe_age_in_days" binding:"required"`
	LastUpdateDate        *string  `json:"last_update_date" binding:"required"`
	StandardSavedDate     *string  `json:"standard_saved_date"`
	MinNoOfLots           *int64   `json:"min_no_of_lots" binding:"required"`
	MaxDeltaE             *float64 `json:"max_delta_e" binding:"required"`
	MaxDeltaL             *float64 `json:"max_delta_l" binding:"required"`
	MaxDeltaC             *float64 `json:"max_delta_c" binding:"required"`
	MaxDeltaH             *float64 `json:"max_delta_h" binding:"required"`
	NoOfMatchingLots      *int64   `json:"no_of_matching_lots" binding:"required"`
	DEOfAverage           *float64 `json:"de_of_average" binding:"required"`
	DLOfAverage           *float64 `json:"dl_of_average" binding:"required"`
	DCOfAverage           *float64 `json:"dc_of_average" binding:"required"`
	DHOfAverage           *float64 `json:"dh_of_average" binding:"required"`
}

// ToOrder converts a bound request. A missing standard_saved_date becomes
// the date of now.
func (r OrderRequest) ToOrder(now time.Time) (types.Order, error) {
	lastUpdate, err := types.ParseDate(*r.LastUpdateDate)
	if err != nil {
		return types.Order{}, errors.New("last_update_date: " + err.Error())
	}
	saved := types.DateOf(now)
	if r.StandardSavedDate != nil && *r.StandardSavedDate != "" {
		saved, err = types.ParseDate(*r.StandardSavedDate)
		if err != nil {
			return types.Order{}, errors.New("standard_saved_date: " + err.Error())
		}
	}
	return types.Order{
		StdTriangleCode1:      *r.StdTriangleCode1,
		StdTriangleCode2:      *r.StdTriangleCode2,
		RecipeTriangleCode1:   *r.RecipeTriangleCode1,
		RecipeTriangleCode2:   *r.RecipeTriangleCode2,
		RecipeTypeCode:        *r.RecipeTypeCode,
		FastnessType:          *r.FastnessType,
		ArticleDyeCheckResult: *r.ArticleDyeCheckResult,
		CheckDyeTriangle:      *r.CheckDyeTriangle,
		NoOfStages:            *r.NoOfStages,
		MaxRecipeAgeInDays:    *r.MaxRecipeAgeInDays,
		LastUpdateDate:        lastUpdate,
		StandardSavedDate:     saved,
		MinNoOfLots:           *r.MinNoOfLots,
		MaxDeltaE:             *r.MaxDeltaE,
		MaxDeltaL:             *r.MaxDeltaL,
		MaxDeltaC:             *r.MaxDeltaC,
		MaxDeltaH:             *r.MaxDeltaH,
		NoOfMatchingLots:      *r.NoOfMatchingLots,
		DEOfAverage:           *r.DEOfAverage,
		DLOfAverage:           *r.DLOfAverage,
		DCOfAverage:           *r.DCOfAverage,
		DHOfAverage:           *r.DHOfAverage,
	}, nil
}

// AddOrderResponse is returned for every accepted submission.
type AddOrderResponse struct {
	Message        string `json:"message"`
	OrderID        int64  `json:"order_id"`
	ReportAnalysis string `json:"report_analysis"`
}

// BatchItemResponse is one entry of the /add_orders response.
type BatchItemResponse struct {
	*AddOrderResponse
	Error string `json:"error,omitempty"`
}

type OrderSummary struct {
	ID int64 `json:"id"`
}

type OrderReportResponse struct {
	ID             int64  `json:"id"`
	ReportAnalysis string `json:"report_analysis"`
}

func newAddOrderResponse(res *pipeline.Result) *AddOrderResponse {
	msg := messageOrderExists
	if res.Created {
		msg = messageOrderAdded
	}
	return &AddOrderResponse{Message: msg, OrderID: res.OrderID, ReportAnalysis: res.ReportAnalysis}
}

func (ctl *OrderController) handleAddOrder(c *gin.Context) {
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := req.ToOrder(ctl.now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := ctl.orders.Submit(c.Request.Context(), order)
	if err != nil {
		ctl.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAddOrderResponse(res))
}

// handleAddOrders accepts a JSON array of orders. Items are bound and
// reported individually; one bad item does not fail the batch.
func (ctl *OrderController) handleAddOrders(c *gin.Context) {
	var items []json.RawMessage
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one order is required"})
		return
	}

	now := ctl.now()
	out := make([]BatchItemResponse, len(items))
	orders := make([]types.Order, 0, len(items))
	positions := make([]int, 0, len(items))
	for i, item := range items {
		order, err := bindOrder(item, now)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		orders = append(orders, order)
		positions = append(positions, i)
	}

	if len(orders) > 0 {
		for j, r := range ctl.orders.SubmitBatch(c.Request.Context(), orders) {
			i := positions[j]
			if r.Err != nil {
				out[i].Error = r.Err.Error()
				continue
			}
			out[i].AddOrderResponse = newAddOrderResponse(r.Result)
		}
	}
	c.JSON(http.StatusOK, out)
}

func bindOrder(body []byte, now time.Time) (types.Order, error) {
	var req OrderRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		return types.Order{}, err
	}
	return req.ToOrder(now)
}

func (ctl *OrderController) handleGetOrders(c *gin.Context) {
	ids, err := ctl.orders.OrderIDs(c.Request.Context())
	if err != nil {
		ctl.respondError(c, err)
		return
	}
	out := make([]OrderSummary, len(ids))
	for i, id := range ids {
		out[i] = OrderSummary{ID: id}
	}
	c.JSON(http.StatusOK, out)
}

func (ctl *OrderController) handleProcessOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id must be an integer"})
		return
	}
	report, found, err := ctl.orders.Report(c.Request.Context(), id)
	if err != nil {
		ctl.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": messageOrderMissing})
		return
	}
	c.JSON(http.StatusOK, OrderReportResponse{ID: id, ReportAnalysis: report})
}

func (ctl *OrderController) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	logCtx := loggerFor(c, ctl.logger)
	if status >= http.StatusInternalServerError {
		logCtx.Error("Order request failed", "status", status, "stage", pipeline.FailedStage(err), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps pipeline errors to HTTP status codes. Retrieval and model
// failures are upstream problems the caller may retry.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRetrievalUnavailable), errors.Is(err, pipeline.ErrSynthesisFailed):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
