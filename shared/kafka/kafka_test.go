package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recipecheck/pipeline"
	sharedtypes "recipecheck/shared/types"
	"recipecheck/types"
)

type sample struct {
	Name string `json:"name"`
}

func TestTypedMessageHandler(t *testing.T) {
	processed := 0
	h := &TypedMessageHandler[sample]{
		Validate: func(msg *sample) bool { return msg.Name != "" },
		Process: func(ctx context.Context, msg *sample) error {
			if msg.Name == "fail" {
				return errors.New("boom")
			}
			processed++
			return nil
		},
		AlwaysMark: true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx := context.Background()

	mark, err := h.HandleMessage(ctx, nil, []byte(`{"name":"ok"}`))
	assert.True(t, mark)
	assert.NoError(t, err)
	assert.Equal(t, 1, processed)

	mark, err = h.HandleMessage(ctx, nil, []byte(`not json`))
	assert.True(t, mark, "undecodable messages are skipped")
	assert.NoError(t, err)

	mark, err = h.HandleMessage(ctx, nil, []byte(`{"name":""}`))
	assert.True(t, mark)
	assert.NoError(t, err)

	mark, err = h.HandleMessage(ctx, nil, []byte(`{"name":"fail"}`))
	assert.False(t, mark, "processing failures stay unmarked")
	assert.Error(t, err)
	assert.Equal(t, 1, processed)
}

type fakeSubmitter struct {
	got []types.Order
	res *pipeline.Result
	err error
}

func (f *fakeSubmitter) Submit(ctx context.Context, order types.Order) (*pipeline.Result, error) {
	f.got = append(f.got, order)
	return f.res, f.err
}

type publishedMessage struct {
	key string
	msg sharedtypes.ResultMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []publishedMessage
}

func (f *fakePublisher) Publish(ctx context.Context, key string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, publishedMessage{key: key, msg: v.(sharedtypes.ResultMessage)})
	return nil
}

func orderMessageJSON(t *testing.T, requestID string, withSavedDate bool) []byte {
	t.Helper()
	order := map[string]interface{}{
		"std_triangle_code_1": "ABC", "std_triangle_code_2": "DEF",
		"recipe_triangle_code_1": "R1", "recipe_triangle_code_2": "R2",
		"recipe_type_code": "BULK", "fastness_type": "Light",
		"article_dye_check_result": "Pass", "check_dye_triangle": "Y",
		"no_of_stages": 3, "max_recipe_age_in_days": 180,
		"last_update_date": "2024-03-01", "min_no_of_lots": 1,
		"max_delta_e": 1.2, "max_delta_l": 0.8, "max_delta_c": 0.6, "max_delta_h": 0.5,
		"no_of_matching_lots": 4,
		"de_of_average": 0.9, "dl_of_average": 0.3, "dc_of_average": 0.2, "dh_of_average": 0.1,
	}
	if withSavedDate {
		order["standard_saved_date"] = "2024-02-15"
	}
	b, err := json.Marshal(map[string]interface{}{"request_id": requestID, "order": order})
	require.NoError(t, err)
	return b
}

func newTestOrderHandler(sub *fakeSubmitter, pub *fakePublisher) *TypedMessageHandler[sharedtypes.OrderMessage] {
	return NewOrderHandler(OrderHandlerConfig{
		Orders:  sub,
		Results: pub,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return time.Date(2024, time.June, 30, 12, 0, 0, 0, time.UTC) },
	})
}

func TestOrderHandlerPublishesResult(t *testing.T) {
	sub := &fakeSubmitter{res: &pipeline.Result{OrderID: 12, ReportAnalysis: "Overall: PASS", Created: true}}
	pub := &fakePublisher{}
	h := newTestOrderHandler(sub, pub)

	mark, err := h.HandleMessage(context.Background(), nil, orderMessageJSON(t, "req-1", true))
	require.NoError(t, err)
	assert.True(t, mark)

	require.Len(t, sub.got, 1)
	assert.Equal(t, "2024-02-15", sub.got[0].StandardSavedDate.String())
	assert.Equal(t, "ABC", sub.got[0].StdTriangleCode1)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "12", pub.sent[0].key)
	assert.Equal(t, sharedtypes.ResultMessage{
		RequestID:      "req-1",
		Status:         sharedtypes.ResultAdded,
		OrderID:        12,
		ReportAnalysis: "Overall: PASS",
	}, pub.sent[0].msg)
}

func TestOrderHandlerDefaultsRequestIDAndSavedDate(t *testing.T) {
	sub := &fakeSubmitter{res: &pipeline.Result{OrderID: 3, ReportAnalysis: "r", Created: false}}
	pub := &fakePublisher{}
	h := newTestOrderHandler(sub, pub)

	_, err := h.HandleMessage(context.Background(), nil, orderMessageJSON(t, "", false))
	require.NoError(t, err)

	require.Len(t, sub.got, 1)
	assert.Equal(t, "2024-06-30", sub.got[0].StandardSavedDate.String())
	require.Len(t, pub.sent, 1)
	assert.NotEmpty(t, pub.sent[0].msg.RequestID)
	assert.Equal(t, sharedtypes.ResultExisted, pub.sent[0].msg.Status)
}

func TestOrderHandlerValidationIsMarked(t *testing.T) {
	sub := &fakeSubmitter{err: &pipeline.StageError{
		Stage: pipeline.StageReceived,
		Err:   fmt.Errorf("%w: %w", pipeline.ErrValidation, types.ErrInvalidOrder),
	}}
	pub := &fakePublisher{}
	h := newTestOrderHandler(sub, pub)

	mark, err := h.HandleMessage(context.Background(), nil, orderMessageJSON(t, "req-2", true))
	assert.NoError(t, err)
	assert.True(t, mark)

	require.Len(t, pub.sent, 1)
	got := pub.sent[0]
	assert.Equal(t, "req-2", got.key)
	assert.Equal(t, sharedtypes.ResultFailed, got.msg.Status)
	assert.Equal(t, string(pipeline.StageReceived), got.msg.Stage)
	require.NotNil(t, got.msg.Error)
}

func TestOrderHandlerUpstreamFailureIsNotMarked(t *testing.T) {
	sub := &fakeSubmitter{err: &pipeline.StageError{Stage: pipeline.StageSynthesizing, Err: pipeline.ErrSynthesisFailed}}
	pub := &fakePublisher{}
	h := newTestOrderHandler(sub, pub)

	mark, err := h.HandleMessage(context.Background(), nil, orderMessageJSON(t, "req-3", true))
	assert.ErrorIs(t, err, pipeline.ErrSynthesisFailed)
	assert.False(t, mark)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, sharedtypes.ResultFailed, pub.sent[0].msg.Status)
}

func TestProducerPublish(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg sharedtypes.ResultMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.OrderID != 7 {
			return fmt.Errorf("order_id = %d", msg.OrderID)
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(sp, "order-results")
	require.NoError(t, p.Publish(context.Background(), "7", sharedtypes.ResultMessage{OrderID: 7, Status: sharedtypes.ResultAdded}))

	err := p.Publish(context.Background(), "8", sharedtypes.ResultMessage{OrderID: 8})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, p.Close())
}

func TestProducerPublishCancelled(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := newProducer(sp, "order-results")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "1", sharedtypes.ResultMessage{}), context.Canceled)
	require.NoError(t, p.Close())
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
	resets []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, offset)
}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, offset)
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "orders" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// valueHandler marks every message except those whose value is "fail".
type valueHandler struct {
	handled []string
}

func (h *valueHandler) HandleMessage(ctx context.Context, key, message []byte) (bool, error) {
	h.handled = append(h.handled, string(message))
	if string(message) == "fail" {
		return false, errors.New("upstream unavailable")
	}
	return true, nil
}

func newClaim(values ...string) *fakeClaim {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, v := range values {
		claim.messages <- &sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: int64(10 + i), Value: []byte(v)}
	}
	return claim
}

func TestConsumeClaimStopsAtUnmarkedMessage(t *testing.T) {
	handler := &valueHandler{}
	cgh := &consumerGroupHandler{
		messageHandler: handler,
		ready:          make(chan bool),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	session := &fakeSession{ctx: context.Background()}

	err := cgh.ConsumeClaim(session, newClaim("ok", "fail", "later"))
	require.NoError(t, err)

	assert.Equal(t, []string{"ok", "fail"}, handler.handled, "nothing after the failure is consumed")
	assert.Equal(t, []int64{11}, session.marked)
	assert.Equal(t, []int64{11}, session.resets, "offset rewinds to the failed message")
}

func TestConsumeClaimRedeliversUnmarkedMessage(t *testing.T) {
	handler := &valueHandler{}
	cgh := &consumerGroupHandler{
		messageHandler: handler,
		ready:          make(chan bool),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	first := &fakeSession{ctx: context.Background()}
	require.NoError(t, cgh.ConsumeClaim(first, newClaim("fail", "later")))
	assert.Empty(t, first.marked)
	assert.Equal(t, []int64{10}, first.resets)

	// The next session resumes from the reset offset.
	second := &fakeSession{ctx: context.Background()}
	claim := newClaim("retried", "later")
	close(claim.messages)
	require.NoError(t, cgh.ConsumeClaim(second, claim))
	assert.Equal(t, []int64{11, 12}, second.marked)
	assert.Empty(t, second.resets)
	assert.Equal(t, []string{"fail", "retried", "later"}, handler.handled)
}

func TestConsumeClaimBackoffEndsWithSession(t *testing.T) {
	cgh := &consumerGroupHandler{
		messageHandler: &valueHandler{},
		ready:          make(chan bool),
		retryBackoff:   time.Hour,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &fakeSession{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- cgh.ConsumeClaim(session, newClaim("fail")) }()

	require.Eventually(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return len(session.resets) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim did not end with the session")
	}
}
