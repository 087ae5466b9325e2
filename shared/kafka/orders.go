package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"recipecheck/pipeline"
	sharedtypes "recipecheck/shared/types"
	"recipecheck/types"
)

// OrderSubmitter is the part of the pipeline the order intake calls.
type OrderSubmitter interface {
	Submit(ctx context.Context, order types.Order) (*pipeline.Result, error)
}

// ResultPublisher receives the outcome of every handled order message.
type ResultPublisher interface {
	Publish(ctx context.Context, key string, v interface{}) error
}

// OrderHandlerConfig wires the order intake.
type OrderHandlerConfig struct {
	Orders OrderSubmitter
	// Results may be nil, in which case outcomes are only logged.
	Results ResultPublisher
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewOrderHandler returns a handler that analyses each consumed order and
// publishes the outcome. Undecodable and invalid orders are marked so they
// are not redelivered; upstream failures are left unmarked and consumed
// again after a backoff.
func NewOrderHandler(cfg OrderHandlerConfig) *TypedMessageHandler[sharedtypes.OrderMessage] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &TypedMessageHandler[sharedtypes.OrderMessage]{
		Validate: func(msg *sharedtypes.OrderMessage) bool {
			if msg.RequestID == "" {
				msg.RequestID = uuid.NewString()
			}
			if msg.Order.StandardSavedDate.IsZero() {
				msg.Order.StandardSavedDate = types.DateOf(now())
			}
			return true
		},
		Process: func(ctx context.Context, msg *sharedtypes.OrderMessage) error {
			log := logger.With("request_id", msg.RequestID)
			res, err := cfg.Orders.Submit(ctx, msg.Order)
			out := resultMessage(msg.RequestID, res, err)

			if err != nil && !errors.Is(err, pipeline.ErrValidation) {
				log.Error("Order analysis failed", "stage", pipeline.FailedStage(err), "error", err)
				publish(ctx, cfg.Results, log, out)
				return err
			}
			if err != nil {
				log.Warn("Rejected invalid order", "error", err)
			} else {
				log.Info("Order handled", "order_id", res.OrderID, "created", res.Created)
			}
			publish(ctx, cfg.Results, log, out)
			return nil
		},
		AlwaysMark: true,
		Logger:     logger,
	}
}

func resultMessage(requestID string, res *pipeline.Result, err error) sharedtypes.ResultMessage {
	out := sharedtypes.ResultMessage{RequestID: requestID}
	if err != nil {
		msg := err.Error()
		out.Status = sharedtypes.ResultFailed
		out.Stage = string(pipeline.FailedStage(err))
		out.Error = &msg
		return out
	}
	out.Status = sharedtypes.ResultExisted
	if res.Created {
		out.Status = sharedtypes.ResultAdded
	}
	out.OrderID = res.OrderID
	out.ReportAnalysis = res.ReportAnalysis
	return out
}

func publish(ctx context.Context, p ResultPublisher, log *slog.Logger, out sharedtypes.ResultMessage) {
	if p == nil {
		return
	}
	key := out.RequestID
	if out.OrderID > 0 {
		key = strconv.FormatInt(out.OrderID, 10)
	}
	if err := p.Publish(ctx, key, out); err != nil {
		log.Error("Failed to publish order result", "error", err)
	}
}
